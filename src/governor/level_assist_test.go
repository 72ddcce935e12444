package governor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestLevelAssist_DisabledPassesThrough(t *testing.T) {
	a := NewLevelAssist(DefaultLevelAssistGains())
	a.Integral = 5
	a.Output = 3

	assert.Equal(t, uint8(127), a.Update(127, -2000, false, t0))
	assert.Equal(t, uint8(200), a.Update(200, -2000, false, t0))
	assert.False(t, a.Enabled)
	assert.Equal(t, 0.0, a.Integral)
	assert.Equal(t, 0.0, a.Output)
}

func TestLevelAssist_CorrectsBackwardRoll(t *testing.T) {
	a := NewLevelAssist(DefaultLevelAssistGains())

	// First step: dt floored, derivative saturates the output at 48.
	// Stage one gives 0.3*48 = 14.4, stage two 0.7*14.4 = 10.08.
	assert.Equal(t, uint8(137), a.Update(127, -1000, true, t0))
	assert.InDelta(t, 14.4, a.Output, 1e-9)
	assert.False(t, a.Manual)
}

func TestLevelAssist_CorrectionCapped(t *testing.T) {
	a := NewLevelAssist(DefaultLevelAssistGains())

	var out uint8
	for i := 0; i < 100; i++ {
		out = a.Update(127, -5000, true, t0.Add(time.Duration(i)*50*time.Millisecond))
	}
	assert.Equal(t, uint8(MaxAssistThrottle), out)
}

func TestLevelAssist_NoCorrectionForForwardRoll(t *testing.T) {
	a := NewLevelAssist(DefaultLevelAssistGains())

	for i := 0; i < 10; i++ {
		out := a.Update(127, 1000, true, t0.Add(time.Duration(i)*50*time.Millisecond))
		assert.Equal(t, uint8(127), out)
	}
	assert.Less(t, a.Output, 0.0)
}

func TestLevelAssist_ManualInputResetsPID(t *testing.T) {
	a := NewLevelAssist(DefaultLevelAssistGains())
	for i := 0; i < 5; i++ {
		a.Update(127, -1000, true, t0.Add(time.Duration(i)*50*time.Millisecond))
	}
	require.NotZero(t, a.Integral)
	require.NotZero(t, a.Output)

	now := t0.Add(300 * time.Millisecond)
	out := a.Update(180, -1000, true, now)

	assert.True(t, a.Manual)
	assert.Equal(t, 0.0, a.Integral)
	assert.Equal(t, 0.0, a.Output)
	assert.Equal(t, uint8(180), out)
}

func TestLevelAssist_ManualTimesOutToAuto(t *testing.T) {
	a := NewLevelAssist(DefaultLevelAssistGains())

	a.Update(160, 0, true, t0)
	require.True(t, a.Manual)

	// Back to neutral is itself a manual change.
	a.Update(127, -1000, true, t0.Add(100*time.Millisecond))
	assert.True(t, a.Manual)

	a.Update(127, -1000, true, t0.Add(500*time.Millisecond))
	assert.True(t, a.Manual, "only 400ms since the last manual input")

	out := a.Update(127, -1000, true, t0.Add(601*time.Millisecond))
	assert.False(t, a.Manual)
	assert.Greater(t, out, uint8(127))
}

func TestLevelAssist_DecaysOutsideNeutral(t *testing.T) {
	a := NewLevelAssist(DefaultLevelAssistGains())
	a.Update(200, 0, true, t0)
	require.True(t, a.Manual)

	a.Integral = 10
	a.Output = 4
	out := a.Update(200, -3000, true, t0.Add(time.Second))

	assert.False(t, a.Manual)
	assert.Equal(t, uint8(200), out)
	assert.InDelta(t, 9.5, a.Integral, 1e-9)
	assert.InDelta(t, 3.8, a.Output, 1e-9)
}

func TestLevelAssist_SettersResetIntegral(t *testing.T) {
	setters := map[string]func(a *LevelAssist) error{
		"kp":         func(a *LevelAssist) error { return a.SetKp(0.1) },
		"ki":         func(a *LevelAssist) error { return a.SetKi(0.01) },
		"kd":         func(a *LevelAssist) error { return a.SetKd(0.002) },
		"output_max": func(a *LevelAssist) error { return a.SetOutputMax(60) },
	}

	for name, set := range setters {
		t.Run(name, func(t *testing.T) {
			a := NewLevelAssist(DefaultLevelAssistGains())
			for i := 0; i < 5; i++ {
				a.Update(127, -1000, true, t0.Add(time.Duration(i)*50*time.Millisecond))
			}
			require.NotZero(t, a.Integral)

			require.NoError(t, set(a))
			assert.Equal(t, 0.0, a.Integral)
			assert.Equal(t, 0.0, a.Output)
		})
	}
}

func TestLevelAssist_SettersRejectOutOfRange(t *testing.T) {
	a := NewLevelAssist(DefaultLevelAssistGains())

	assert.ErrorIs(t, a.SetKp(10.5), ErrGainOutOfRange)
	assert.ErrorIs(t, a.SetKp(-0.1), ErrGainOutOfRange)
	assert.ErrorIs(t, a.SetKi(2.1), ErrGainOutOfRange)
	assert.ErrorIs(t, a.SetKd(1.5), ErrGainOutOfRange)
	assert.ErrorIs(t, a.SetOutputMax(9), ErrGainOutOfRange)
	assert.ErrorIs(t, a.SetOutputMax(101), ErrGainOutOfRange)

	assert.Equal(t, DefaultLevelAssistGains(), a.Gains())
}

func TestLevelAssist_ResetGains(t *testing.T) {
	a := NewLevelAssist(DefaultLevelAssistGains())
	require.NoError(t, a.SetKp(3))
	a.ResetGains()
	assert.Equal(t, DefaultLevelAssistGains(), a.Gains())
}

func TestLevelAssist_Reset(t *testing.T) {
	a := NewLevelAssist(DefaultLevelAssistGains())
	require.NoError(t, a.SetKp(0.2))
	for i := 0; i < 5; i++ {
		a.Update(127, -1000, true, t0.Add(time.Duration(i)*50*time.Millisecond))
	}
	a.Update(200, 0, true, t0.Add(time.Second))

	a.Reset()
	assert.False(t, a.Manual)
	assert.Equal(t, 0.0, a.Integral)
	assert.Equal(t, 0.0, a.Output)
	assert.Equal(t, 0.0, a.PrevError)
	assert.Equal(t, 0.2, a.Gains().Kp)
}
