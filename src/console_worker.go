package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/gsthumb/thumbctl/src/throttle"
)

var ErrUnavailable = errors.New("not available on this role")

// watchFields are the Status values the console can print as table columns.
var watchFields = map[string]func(Status) string{
	"link":        func(s Status) string { return s.Link },
	"bars":        func(s Status) string { return strconv.Itoa(s.Bars) },
	"input":       func(s Status) string { return strconv.Itoa(int(s.Input)) },
	"sent":        func(s Status) string { return strconv.Itoa(int(s.Sent)) },
	"assist":      func(s Status) string { return onOff(s.LevelAssist) },
	"speed":       func(s Status) string { return formatConsoleValue(s.Speed) + " " + s.SpeedUnit },
	"trip":        func(s Status) string { return fmt.Sprintf("%.2f %s", s.Trip, s.DistanceUnit) },
	"battery":     func(s Status) string { return strconv.Itoa(s.Battery) + "%" },
	"voltage":     func(s Status) string { return formatConsoleValue(s.Telemetry.Bms.Voltage) },
	"current":     func(s Status) string { return formatConsoleValue(s.Telemetry.Bms.Current) },
	"input_volts": func(s Status) string { return formatConsoleValue(s.Telemetry.InputVoltage) },
	"motor_amps":  func(s Status) string { return formatConsoleValue(s.Telemetry.MotorCurrent) },
	"temp_mos":    func(s Status) string { return formatConsoleValue(s.Telemetry.TempMos) },
	"temp_motor":  func(s Status) string { return formatConsoleValue(s.Telemetry.TempMotor) },
	"erpm":        func(s Status) string { return strconv.Itoa(int(s.Telemetry.ERPM)) },
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// formatConsoleValue formats a float with smart precision
func formatConsoleValue(v float64) string {
	if v >= 100 || v <= -100 {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.2f", v)
}

// ANSI color codes for highlighting changes
const (
	ansiReset  = "\033[0m"
	ansiYellow = "\033[33m" // Yellow for changed values
)

// readlineWriter wraps log output to work with readline
type readlineWriter struct {
	rl *readline.Instance
}

func (w *readlineWriter) Write(p []byte) (n int, err error) {
	if w.rl != nil {
		w.rl.Clean()
	}
	n, err = os.Stderr.Write(p)
	if w.rl != nil {
		w.rl.Refresh()
	}
	return n, err
}

// Global readline writer for log output
var rlWriter = &readlineWriter{}

// Console holds the watch table and dispatches typed commands
type Console struct {
	controls *Controls // nil on the receiver

	watches       []string
	headerPrinted bool
	columnWidths  []int
	prevValues    map[string]string
	latest        *Status
	rl            *readline.Instance
	out           func(line string)
}

func NewConsole(controls *Controls) *Console {
	c := &Console{
		controls:   controls,
		prevValues: make(map[string]string),
	}
	c.out = c.println
	return c
}

func (c *Console) println(line string) {
	if c.rl != nil {
		c.rl.Clean()
		fmt.Println(line)
		c.rl.Refresh()
		return
	}
	fmt.Println(line)
}

func (c *Console) print(format string, args ...any) {
	c.out(fmt.Sprintf(format, args...))
}

// AddWatch adds a column and re-sorts the table
func (c *Console) AddWatch(field string) error {
	if _, ok := watchFields[field]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParam, field)
	}
	if slices.Contains(c.watches, field) {
		return nil
	}
	c.watches = append(c.watches, field)
	sort.Strings(c.watches)
	c.headerPrinted = false
	return nil
}

// RemoveWatch removes a column, or every column for "--all"
func (c *Console) RemoveWatch(field string) bool {
	if field == "--all" {
		c.watches = c.watches[:0]
		c.headerPrinted = false
		return true
	}
	i := slices.Index(c.watches, field)
	if i < 0 {
		return false
	}
	c.watches = slices.Delete(c.watches, i, i+1)
	c.headerPrinted = false
	return true
}

// PrintHeader prints the column headers
func (c *Console) PrintHeader() {
	if len(c.watches) == 0 {
		return
	}

	c.columnWidths = make([]int, len(c.watches))
	parts := make([]string, 0, len(c.watches))
	for i, w := range c.watches {
		c.columnWidths[i] = len(w)
		parts = append(parts, fmt.Sprintf("%*s", c.columnWidths[i], w))
	}
	c.print("%s", strings.Join(parts, " | "))
	c.headerPrinted = true
	c.prevValues = make(map[string]string)
}

// PrintRow prints the current values for all watches (only if changed)
func (c *Console) PrintRow(st Status) {
	c.latest = &st
	if len(c.watches) == 0 {
		return
	}
	if !c.headerPrinted {
		c.PrintHeader()
	}

	parts := make([]string, 0, len(c.watches))
	anyChanged := false
	newValues := make(map[string]string, len(c.watches))

	for i, w := range c.watches {
		value := watchFields[w](st)
		newValues[w] = value

		width := c.columnWidths[i]
		if len(value) > width {
			width = len(value)
			c.columnWidths[i] = width
		}

		prevValue, hasPrev := c.prevValues[w]
		if !hasPrev || prevValue != value {
			anyChanged = true
			parts = append(parts, fmt.Sprintf("%s%*s%s", ansiYellow, width, value, ansiReset))
		} else {
			parts = append(parts, fmt.Sprintf("%*s", width, value))
		}
	}

	if anyChanged {
		c.print("%s", strings.Join(parts, " | "))
		c.prevValues = newValues
	}
}

// vehicleCommands map console commands to drivetrain parameters.
var vehicleCommands = map[string]string{
	"set_motor_pulley": "motor_pulley",
	"set_wheel_pulley": "wheel_pulley",
	"set_wheel_size":   "wheel_size",
	"set_motor_poles":  "motor_poles",
}

var gainCommands = map[string]string{
	"set_pid_kp":         "kp",
	"set_pid_ki":         "ki",
	"set_pid_kd":         "kd",
	"set_pid_output_max": "output_max",
}

func oneArg(args []string, cmd string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("usage: %s <value>", cmd)
	}
	return args[0], nil
}

// Run executes one command line and returns the reply to print.
func (c *Console) Run(line string) (string, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return "", nil
	}
	cmd, args := parts[0], parts[1:]

	switch cmd {
	case "help":
		return consoleHelp, nil

	case "status":
		if c.latest == nil {
			return "", errors.New("no status yet")
		}
		return formatStatus(*c.latest), nil

	case "watch":
		field, err := oneArg(args, cmd)
		if err != nil {
			return "", err
		}
		if err := c.AddWatch(field); err != nil {
			return "", err
		}
		return "Watching: " + field, nil

	case "unwatch":
		field, err := oneArg(args, cmd)
		if err != nil {
			return "", err
		}
		if !c.RemoveWatch(field) {
			return "", fmt.Errorf("no watch for %s", field)
		}
		return "Unwatched: " + field, nil
	}

	if c.controls == nil {
		return "", fmt.Errorf("%s: %w", cmd, ErrUnavailable)
	}
	return c.runControl(cmd, args)
}

func (c *Console) runControl(cmd string, args []string) (string, error) {
	ctl := c.controls

	if param, ok := vehicleCommands[cmd]; ok {
		raw, err := oneArg(args, cmd)
		if err != nil {
			return "", err
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return "", fmt.Errorf("%s: %w", param, ErrParamRange)
		}
		if err := ctl.SetVehicle(param, v); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s = %d", param, v), nil
	}

	if name, ok := gainCommands[cmd]; ok {
		raw, err := oneArg(args, cmd)
		if err != nil {
			return "", err
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return "", fmt.Errorf("%s: %w", name, err)
		}
		if err := ctl.SetGain(name, v); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s = %g", name, v), nil
	}

	switch cmd {
	case "invert_throttle":
		on, err := ctl.ToggleInvert()
		return "Invert throttle: " + onOff(on), err

	case "level_assistant":
		on, err := ctl.ToggleLevelAssist()
		return "Level assist: " + onOff(on), err

	case "set_speed_unit_kmh":
		return "Units: km/h", ctl.SetImperial(false)

	case "set_speed_unit_mph":
		return "Units: mph", ctl.SetImperial(true)

	case "reset_odometer":
		return "Odometer reset", ctl.ResetOdometer()

	case "reset_pid":
		return "PID gains reset", ctl.ResetGains()

	case "calibrate_throttle":
		return "Calibrating throttle", ctl.Calibrate(throttle.ChannelThrottle)

	case "calibrate_brake":
		return "Calibrating brake", ctl.Calibrate(throttle.ChannelBrake)

	case "get_calibration":
		if ctl.cal == nil {
			return "", ErrNotCalibrator
		}
		p := ctl.cal.Profiles()
		return fmt.Sprintf("throttle %d-%d calibrated=%v\nbrake %d-%d calibrated=%v",
			p.Throttle.Min, p.Throttle.Max, p.Throttle.Calibrated,
			p.Brake.Min, p.Brake.Max, p.Brake.Calibrated), nil

	case "get_config":
		prefs := ctl.settings.Get()
		gains, err := ctl.Gains()
		if err != nil {
			return "", err
		}
		v := prefs.Vehicle
		return fmt.Sprintf(
			"motor_pulley=%d wheel_pulley=%d wheel_size=%d motor_poles=%d unit=%s\n"+
				"invert_throttle=%s level_assist=%s\n"+
				"kp=%g ki=%g kd=%g output_max=%g",
			v.MotorPulley, v.WheelPulley, v.WheelDiameterMM, v.MotorPoles, v.SpeedUnit(),
			onOff(prefs.InvertThrottle), onOff(prefs.LevelAssist),
			gains.Kp, gains.Ki, gains.Kd, gains.OutputMax), nil
	}

	return "", fmt.Errorf("unknown command: %s (try 'help')", cmd)
}

func formatStatus(s Status) string {
	t := s.Telemetry
	return fmt.Sprintf(
		"link=%s session=%s bars=%d\n"+
			"input=%d sent=%d assist=%s invert=%s calibrating=%v\n"+
			"speed=%.1f %s trip=%.2f %s battery=%d%% (%.2f V, %.2f A)\n"+
			"input=%.2f V motor=%.2f A mos=%.1f°C motor=%.1f°C erpm=%d",
		s.Link, s.Session, s.Bars,
		s.Input, s.Sent, onOff(s.LevelAssist), onOff(s.Invert), s.Calibrating,
		s.Speed, s.SpeedUnit, s.Trip, s.DistanceUnit, s.Battery, t.Bms.Voltage, t.Bms.Current,
		t.InputVoltage, t.MotorCurrent, t.TempMos, t.TempMotor, t.ERPM)
}

const consoleHelp = `Commands:
  status                      - Show the latest status
  watch <field>               - Print a field as a table column
  unwatch <field> | --all     - Remove a column
  invert_throttle             - Toggle throttle inversion (lite)
  level_assistant             - Toggle level assist
  set_speed_unit_kmh          - Use km/h
  set_speed_unit_mph          - Use mph
  reset_odometer              - Zero the trip
  set_motor_pulley <1-255>    - Motor pulley teeth
  set_wheel_pulley <1-255>    - Wheel pulley teeth
  set_wheel_size <1-255>      - Wheel diameter in mm
  set_motor_poles <1-255>     - Motor pole count
  set_pid_kp <v>              - Level assist proportional gain
  set_pid_ki <v>              - Level assist integral gain
  set_pid_kd <v>              - Level assist derivative gain
  set_pid_output_max <v>      - Level assist output limit
  reset_pid                   - Restore default gains
  get_config                  - Show settings and gains
  calibrate_throttle          - Sweep the throttle to calibrate
  calibrate_brake             - Sweep the brake to calibrate (dual)
  get_calibration             - Show calibration profiles
  help                        - Show this help
Fields: link bars input sent assist speed trip battery voltage current
        input_volts motor_amps temp_mos temp_motor erpm`

// readlineLoop runs the readline loop, sending commands to the channel
func readlineLoop(
	ctx context.Context,
	cancel context.CancelFunc,
	rl *readline.Instance,
	commandChan chan<- string,
) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			cancel() // Ctrl+C pressed, shutdown the app
			return
		}
		if err != nil {
			return // EOF or other error
		}
		line = strings.TrimSpace(line)
		if line != "" {
			commandChan <- line
		}
	}
}

// getHistoryFilePath returns the path for the console history file
func getHistoryFilePath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "" // No history if we can't find home
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(cacheDir, "thumbctl")
	_ = os.MkdirAll(dir, 0750)
	return filepath.Join(dir, "console_history")
}

// consoleWorker is the interactive service console
func consoleWorker(ctx context.Context, cancel context.CancelFunc, console *Console, statusChan <-chan Status) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "> ",
		HistoryFile: getHistoryFilePath(),
	})
	if err != nil {
		log.Printf("Console: readline init failed: %v\n", err)
		return
	}
	defer func() {
		_ = rl.Close()
		rlWriter.rl = nil
	}()

	rlWriter.rl = rl
	log.SetOutput(rlWriter)
	console.rl = rl

	log.Println("Console worker started (type 'help' for commands)")

	commandChan := make(chan string, 10)
	go readlineLoop(ctx, cancel, rl, commandChan)

	for {
		select {
		case line := <-commandChan:
			reply, err := console.Run(line)
			if err != nil {
				log.Printf("Error: %v\n", err)
				continue
			}
			if reply != "" {
				console.print("%s", reply)
			}
		case st := <-statusChan:
			console.PrintRow(st)
		case <-ctx.Done():
			log.Println("Console worker stopped")
			return
		}
	}
}
