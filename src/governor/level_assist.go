// Package governor provides the control algorithms that shape the outgoing
// throttle command.
package governor

import (
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	NeutralCenter    = 127
	NeutralThreshold = 10
	// ManualChangeThreshold is the input step that counts as the rider
	// moving the throttle.
	ManualChangeThreshold = 10
	ManualTimeout         = 500 * time.Millisecond
	MaxAssistThrottle     = 160

	setpointERPM = 0.0
	minDt        = 0.001
	decay        = 0.95
	// Corrections at or below this magnitude are ignored.
	correctionDeadband = 1.0
)

var ErrGainOutOfRange = errors.New("governor: gain out of range")

// LevelAssistGains are the tunable PID parameters.
type LevelAssistGains struct {
	Kp        float64
	Ki        float64
	Kd        float64
	OutputMax float64
}

// DefaultLevelAssistGains returns the factory tuning.
func DefaultLevelAssistGains() LevelAssistGains {
	return LevelAssistGains{
		Kp:        0.05,
		Ki:        0.005,
		Kd:        0.001,
		OutputMax: 48,
	}
}

// Validate checks every gain against its allowed range.
func (g LevelAssistGains) Validate() error {
	checks := []struct {
		name     string
		v        float64
		min, max float64
	}{
		{"kp", g.Kp, 0, 10},
		{"ki", g.Ki, 0, 2},
		{"kd", g.Kd, 0, 1},
		{"output_max", g.OutputMax, 10, 100},
	}
	for _, c := range checks {
		if math.IsNaN(c.v) || c.v < c.min || c.v > c.max {
			return fmt.Errorf("%w: %s=%g not in [%g, %g]", ErrGainOutOfRange, c.name, c.v, c.min, c.max)
		}
	}
	return nil
}

// LevelAssist holds the PID that pushes the board back toward zero ERPM
// while the throttle rests at neutral. It is owned by a single goroutine.
type LevelAssist struct {
	gains LevelAssistGains

	Enabled bool
	Manual  bool

	Integral  float64
	PrevError float64
	// Output is the stage-1 smoothed PID output of the last step.
	Output float64

	smoothed   float64 // stage-1 filter memory
	correction float64 // stage-2 filter memory

	lastUpdate      time.Time
	lastManualInput time.Time
	prevInput       int
}

// NewLevelAssist creates a controller with the given gains.
func NewLevelAssist(gains LevelAssistGains) *LevelAssist {
	return &LevelAssist{gains: gains, prevInput: NeutralCenter}
}

// Gains returns the active gains.
func (a *LevelAssist) Gains() LevelAssistGains {
	return a.gains
}

// Update runs one cycle and returns the throttle value to send. input and
// the result are on the 0..255 command scale.
func (a *LevelAssist) Update(input uint8, erpm int32, enabled bool, now time.Time) uint8 {
	if !enabled {
		a.Enabled = false
		a.Manual = false
		a.Integral = 0
		a.Output = 0
		return input
	}
	a.Enabled = true

	in := int(input)
	if abs(in-a.prevInput) >= ManualChangeThreshold {
		a.Manual = true
		a.lastManualInput = now
		a.Integral = 0
		a.Output = 0
	}

	if a.Manual && now.Sub(a.lastManualInput) > ManualTimeout {
		a.Manual = false
	}

	result := input
	if !a.Manual && abs(in-NeutralCenter) <= NeutralThreshold {
		a.Output = a.step(float64(erpm), now)

		if math.Abs(a.Output) > correctionDeadband {
			a.correction = 0.3*a.correction + 0.7*a.Output
			if a.correction > 0 {
				result = uint8(min(NeutralCenter+int(a.correction), MaxAssistThrottle))
			}
		}
	} else {
		a.Integral *= decay
		a.Output *= decay
	}

	a.prevInput = in
	return result
}

// step computes one PID iteration and returns the stage-1 smoothed output.
func (a *LevelAssist) step(erpm float64, now time.Time) float64 {
	dt := minDt
	if !a.lastUpdate.IsZero() {
		dt = now.Sub(a.lastUpdate).Seconds()
		if dt <= 0 {
			dt = minDt
		}
	}

	err := setpointERPM - erpm
	a.Integral += err * dt
	derivative := (err - a.PrevError) / dt

	out := a.gains.Kp*err + a.gains.Ki*a.Integral + a.gains.Kd*derivative
	out = max(min(out, a.gains.OutputMax), -a.gains.OutputMax)

	a.smoothed = 0.7*a.smoothed + 0.3*out

	a.PrevError = err
	a.lastUpdate = now
	return a.smoothed
}

// SetGains validates and applies new gains. The integral and output are
// cleared on every accepted change.
func (a *LevelAssist) SetGains(g LevelAssistGains) error {
	if err := g.Validate(); err != nil {
		return err
	}
	a.gains = g
	a.Integral = 0
	a.Output = 0
	return nil
}

func (a *LevelAssist) SetKp(v float64) error {
	g := a.gains
	g.Kp = v
	return a.SetGains(g)
}

func (a *LevelAssist) SetKi(v float64) error {
	g := a.gains
	g.Ki = v
	return a.SetGains(g)
}

func (a *LevelAssist) SetKd(v float64) error {
	g := a.gains
	g.Kd = v
	return a.SetGains(g)
}

func (a *LevelAssist) SetOutputMax(v float64) error {
	g := a.gains
	g.OutputMax = v
	return a.SetGains(g)
}

// ResetGains restores the factory tuning.
func (a *LevelAssist) ResetGains() {
	_ = a.SetGains(DefaultLevelAssistGains())
}

// Reset clears all loop state, e.g. after the link dropped.
func (a *LevelAssist) Reset() {
	*a = LevelAssist{gains: a.gains, prevInput: NeutralCenter}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
