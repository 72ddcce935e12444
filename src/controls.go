package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gsthumb/thumbctl/src/governor"
	"github.com/gsthumb/thumbctl/src/store"
	"github.com/gsthumb/thumbctl/src/throttle"
)

var (
	ErrNeedsDual     = errors.New("brake calibration needs the dual variant")
	ErrUnknownParam  = errors.New("unknown parameter")
	ErrParamRange    = errors.New("value must be 1-255")
	ErrNotCalibrator = errors.New("no calibrator on this role")
)

// Controls are the user-facing actions shared by the console and the MQTT
// command topics.
type Controls struct {
	ctx      context.Context
	settings *Settings
	cal      *throttle.Calibrator
	odo      *Odometer
	st       *store.Store
	assist   *AssistControl
	dual     bool

	calDuration time.Duration
	calInterval time.Duration
}

func NewControls(
	ctx context.Context,
	settings *Settings,
	cal *throttle.Calibrator,
	odo *Odometer,
	st *store.Store,
	assist *AssistControl,
	dual bool,
) *Controls {
	return &Controls{
		ctx:         ctx,
		settings:    settings,
		cal:         cal,
		odo:         odo,
		st:          st,
		assist:      assist,
		dual:        dual,
		calDuration: throttle.CalibrationDuration,
		calInterval: throttle.SampleInterval,
	}
}

func (c *Controls) SetLevelAssist(on bool) error {
	_, err := c.settings.Update(func(p *store.Preferences) { p.LevelAssist = on })
	return err
}

func (c *Controls) ToggleLevelAssist() (bool, error) {
	p, err := c.settings.Update(func(p *store.Preferences) { p.LevelAssist = !p.LevelAssist })
	return p.LevelAssist, err
}

func (c *Controls) ToggleInvert() (bool, error) {
	p, err := c.settings.Update(func(p *store.Preferences) { p.InvertThrottle = !p.InvertThrottle })
	return p.InvertThrottle, err
}

func (c *Controls) SetImperial(imperial bool) error {
	_, err := c.settings.Update(func(p *store.Preferences) { p.Vehicle.Imperial = imperial })
	return err
}

func (c *Controls) ResetOdometer() error {
	c.odo.Reset()
	return c.st.SaveTrip(0)
}

// SetVehicle sets one drivetrain parameter. Values are 1-255.
func (c *Controls) SetVehicle(param string, value int) error {
	if value < 1 || value > 255 {
		return fmt.Errorf("%s: %w", param, ErrParamRange)
	}
	v := uint8(value)

	var set func(p *store.Preferences)
	switch param {
	case "motor_pulley":
		set = func(p *store.Preferences) { p.Vehicle.MotorPulley = v }
	case "wheel_pulley":
		set = func(p *store.Preferences) { p.Vehicle.WheelPulley = v }
	case "wheel_size":
		set = func(p *store.Preferences) { p.Vehicle.WheelDiameterMM = v }
	case "motor_poles":
		set = func(p *store.Preferences) { p.Vehicle.MotorPoles = v }
	default:
		return fmt.Errorf("%w: %s", ErrUnknownParam, param)
	}
	_, err := c.settings.Update(set)
	return err
}

// SetGain changes one PID gain on the running controller and persists the
// full set.
func (c *Controls) SetGain(name string, value float64) error {
	var set func(a *governor.LevelAssist) error
	switch name {
	case "kp":
		set = func(a *governor.LevelAssist) error { return a.SetKp(value) }
	case "ki":
		set = func(a *governor.LevelAssist) error { return a.SetKi(value) }
	case "kd":
		set = func(a *governor.LevelAssist) error { return a.SetKd(value) }
	case "output_max":
		set = func(a *governor.LevelAssist) error { return a.SetOutputMax(value) }
	default:
		return fmt.Errorf("%w: %s", ErrUnknownParam, name)
	}
	return c.updateGains(set)
}

func (c *Controls) ResetGains() error {
	return c.updateGains(func(a *governor.LevelAssist) error {
		a.ResetGains()
		return nil
	})
}

func (c *Controls) updateGains(fn func(a *governor.LevelAssist) error) error {
	var gains governor.LevelAssistGains
	err := c.assist.Do(c.ctx, func(a *governor.LevelAssist) error {
		if err := fn(a); err != nil {
			return err
		}
		gains = a.Gains()
		return nil
	})
	if err != nil {
		return err
	}
	return c.st.SaveGains(gains)
}

// Gains reads the active gains from the controller.
func (c *Controls) Gains() (governor.LevelAssistGains, error) {
	var gains governor.LevelAssistGains
	err := c.assist.Do(c.ctx, func(a *governor.LevelAssist) error {
		gains = a.Gains()
		return nil
	})
	return gains, err
}

func (c *Controls) checkCalibrate(channels []throttle.Channel) error {
	if c.cal == nil {
		return ErrNotCalibrator
	}
	for _, ch := range channels {
		if ch == throttle.ChannelBrake && !c.dual {
			return ErrNeedsDual
		}
	}
	if c.cal.Calibrating() {
		return throttle.ErrCalibrationInProgress
	}
	return nil
}

// Calibrate runs a calibration in the background. The outcome is logged.
func (c *Controls) Calibrate(channels ...throttle.Channel) error {
	if err := c.checkCalibrate(channels); err != nil {
		return err
	}
	log.Printf("Calibrating %v for %v: sweep the lever end to end\n", channels, c.calDuration)
	go func() {
		if _, err := c.calibrate(channels...); err != nil {
			log.Printf("Calibration: %v\n", err)
		}
	}()
	return nil
}

func (c *Controls) calibrate(channels ...throttle.Channel) ([]throttle.Result, error) {
	if err := c.checkCalibrate(channels); err != nil {
		return nil, err
	}
	return c.cal.Calibrate(c.ctx, c.calDuration, c.calInterval, channels...)
}
