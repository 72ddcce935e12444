package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsthumb/thumbctl/src/governor"
	"github.com/gsthumb/thumbctl/src/telemetry"
	"github.com/gsthumb/thumbctl/src/throttle"
)

func TestMissingRecordsFallBackToDefaults(t *testing.T) {
	s := New(NewMemoryBackend())

	p, err := s.LoadProfiles()
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, throttle.DefaultProfiles(), p)

	g, err := s.LoadGains()
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, governor.DefaultLevelAssistGains(), g)

	km, err := s.LoadTrip()
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0.0, km)

	prefs, err := s.LoadPreferences()
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, DefaultPreferences(), prefs)
}

func TestProfilesPersist(t *testing.T) {
	s := New(NewMemoryBackend())
	want := throttle.Profiles{
		Throttle: throttle.Profile{Min: 612, Max: 3410, Calibrated: true},
		Brake:    throttle.DefaultProfile(),
	}
	require.NoError(t, s.SaveProfiles(want))

	got, err := s.LoadProfiles()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestGainsPersistAndValidate(t *testing.T) {
	backend := NewMemoryBackend()
	s := New(backend)

	want := governor.LevelAssistGains{Kp: 0.2, Ki: 0.01, Kd: 0.003, OutputMax: 60}
	require.NoError(t, s.SaveGains(want))
	got, err := s.LoadGains()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// A record that decodes but holds an impossible gain is rejected.
	require.NoError(t, s.SaveGains(governor.LevelAssistGains{Kp: 50, OutputMax: 48}))
	got, err = s.LoadGains()
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.Equal(t, governor.DefaultLevelAssistGains(), got)
}

func TestCorruptBlobRejected(t *testing.T) {
	backend := NewMemoryBackend()
	s := New(backend)
	require.NoError(t, s.SaveTrip(12.5))

	blob, err := backend.Get(context.Background(), KeyTrip)
	require.NoError(t, err)

	flipped := append([]byte(nil), blob...)
	flipped[3] ^= 0xFF
	require.NoError(t, backend.Set(context.Background(), KeyTrip, flipped))
	_, err = s.LoadTrip()
	assert.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, backend.Set(context.Background(), KeyTrip, blob[:5]))
	_, err = s.LoadTrip()
	assert.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, backend.Set(context.Background(), KeyTrip, blob))
	km, err := s.LoadTrip()
	require.NoError(t, err)
	assert.Equal(t, 12.5, km)
}

func TestVersionMismatchRejected(t *testing.T) {
	backend := NewMemoryBackend()
	blob, err := encodeRecord(tripVersion+1, tripRecord{Km: 3})
	require.NoError(t, err)
	require.NoError(t, backend.Set(context.Background(), KeyTrip, blob))

	_, err = New(backend).LoadTrip()
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestPreferencesPersist(t *testing.T) {
	s := New(NewMemoryBackend())
	want := Preferences{
		Vehicle: telemetry.Vehicle{
			MotorPulley:     16,
			WheelPulley:     36,
			WheelDiameterMM: 90,
			MotorPoles:      14,
			Imperial:        true,
		},
		InvertThrottle: true,
		LevelAssist:    true,
	}
	require.NoError(t, s.SavePreferences(want))

	got, err := s.LoadPreferences()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFileBackend(t *testing.T) {
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = b.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, b.Set(ctx, "prefs", []byte{1, 2, 3}))
	require.NoError(t, b.Set(ctx, "prefs", []byte{4, 5}))
	got, err := b.Get(ctx, "prefs")
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5}, got)

	s := New(b)
	require.NoError(t, s.SaveTrip(42))
	km, err := s.LoadTrip()
	require.NoError(t, err)
	assert.Equal(t, 42.0, km)
}
