// Package store persists calibration, PID gains, the trip counter and user
// preferences as small versioned binary records.
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/gsthumb/thumbctl/src/governor"
	"github.com/gsthumb/thumbctl/src/telemetry"
	"github.com/gsthumb/thumbctl/src/throttle"
)

const (
	KeyCalibration = "calibration"
	KeyGains       = "pid"
	KeyTrip        = "trip"
	KeyPreferences = "prefs"

	opTimeout = 2 * time.Second
)

var ErrCorrupt = errors.New("store: corrupt record")

// Preferences are the rider's settings.
type Preferences struct {
	Vehicle        telemetry.Vehicle
	InvertThrottle bool
	LevelAssist    bool
}

// DefaultPreferences returns the factory settings.
func DefaultPreferences() Preferences {
	return Preferences{Vehicle: telemetry.DefaultVehicle()}
}

type calibrationRecord struct {
	ThrottleMin, ThrottleMax uint16
	ThrottleOK               bool
	BrakeMin, BrakeMax       uint16
	BrakeOK                  bool
}

type gainsRecord struct {
	Kp, Ki, Kd, OutputMax float64
}

type tripRecord struct {
	Km float64
}

type prefsRecord struct {
	MotorPulley     uint8
	WheelPulley     uint8
	WheelDiameterMM uint8
	MotorPoles      uint8
	Imperial        bool
	InvertThrottle  bool
	LevelAssist     bool
}

const (
	calibrationVersion = 1
	gainsVersion       = 1
	tripVersion        = 1
	prefsVersion       = 1
)

// Store reads and writes typed records over a Backend.
type Store struct {
	backend Backend
}

// New wraps a backend.
func New(b Backend) *Store {
	return &Store{backend: b}
}

// encodeRecord lays out version, little-endian payload, CRC-32 of both.
func encodeRecord(version byte, v any) ([]byte, error) {
	blob, err := binary.Append([]byte{version}, binary.LittleEndian, v)
	if err != nil {
		return nil, err
	}
	return binary.LittleEndian.AppendUint32(blob, crc32.ChecksumIEEE(blob)), nil
}

func decodeRecord(blob []byte, version byte, v any) error {
	size := binary.Size(v)
	if len(blob) != 1+size+4 {
		return fmt.Errorf("%w: %d bytes, want %d", ErrCorrupt, len(blob), 1+size+4)
	}
	body, sum := blob[:1+size], binary.LittleEndian.Uint32(blob[1+size:])
	if crc32.ChecksumIEEE(body) != sum {
		return fmt.Errorf("%w: checksum", ErrCorrupt)
	}
	if body[0] != version {
		return fmt.Errorf("%w: version %d, want %d", ErrCorrupt, body[0], version)
	}
	if _, err := binary.Decode(body[1:], binary.LittleEndian, v); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return nil
}

func (s *Store) load(key string, version byte, v any) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	blob, err := s.backend.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := decodeRecord(blob, version, v); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

func (s *Store) save(key string, version byte, v any) error {
	blob, err := encodeRecord(version, v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return s.backend.Set(ctx, key, blob)
}

// LoadProfiles returns the saved calibration. An empty or inverted range is
// treated as corrupt.
func (s *Store) LoadProfiles() (throttle.Profiles, error) {
	var r calibrationRecord
	if err := s.load(KeyCalibration, calibrationVersion, &r); err != nil {
		return throttle.DefaultProfiles(), err
	}

	p := throttle.Profiles{
		Throttle: throttle.Profile{Min: r.ThrottleMin, Max: r.ThrottleMax, Calibrated: r.ThrottleOK},
		Brake:    throttle.Profile{Min: r.BrakeMin, Max: r.BrakeMax, Calibrated: r.BrakeOK},
	}
	for _, prof := range []throttle.Profile{p.Throttle, p.Brake} {
		if prof.Max <= prof.Min {
			return throttle.DefaultProfiles(), fmt.Errorf("%s: %w: range %d-%d", KeyCalibration, ErrCorrupt, prof.Min, prof.Max)
		}
	}
	return p, nil
}

// SaveProfiles writes both channels as one record.
func (s *Store) SaveProfiles(p throttle.Profiles) error {
	return s.save(KeyCalibration, calibrationVersion, calibrationRecord{
		ThrottleMin: p.Throttle.Min,
		ThrottleMax: p.Throttle.Max,
		ThrottleOK:  p.Throttle.Calibrated,
		BrakeMin:    p.Brake.Min,
		BrakeMax:    p.Brake.Max,
		BrakeOK:     p.Brake.Calibrated,
	})
}

// LoadGains returns the saved PID gains, rejecting out-of-range values.
func (s *Store) LoadGains() (governor.LevelAssistGains, error) {
	var r gainsRecord
	if err := s.load(KeyGains, gainsVersion, &r); err != nil {
		return governor.DefaultLevelAssistGains(), err
	}
	g := governor.LevelAssistGains(r)
	if err := g.Validate(); err != nil {
		return governor.DefaultLevelAssistGains(), fmt.Errorf("%s: %w: %v", KeyGains, ErrCorrupt, err)
	}
	return g, nil
}

func (s *Store) SaveGains(g governor.LevelAssistGains) error {
	return s.save(KeyGains, gainsVersion, gainsRecord(g))
}

// LoadTrip returns the saved trip distance in km.
func (s *Store) LoadTrip() (float64, error) {
	var r tripRecord
	if err := s.load(KeyTrip, tripVersion, &r); err != nil {
		return 0, err
	}
	if r.Km < 0 || r.Km > telemetry.TripLimitKm {
		return 0, fmt.Errorf("%s: %w: %g km", KeyTrip, ErrCorrupt, r.Km)
	}
	return r.Km, nil
}

func (s *Store) SaveTrip(km float64) error {
	return s.save(KeyTrip, tripVersion, tripRecord{Km: km})
}

// LoadPreferences returns the saved rider settings.
func (s *Store) LoadPreferences() (Preferences, error) {
	var r prefsRecord
	if err := s.load(KeyPreferences, prefsVersion, &r); err != nil {
		return DefaultPreferences(), err
	}
	if r.MotorPoles == 0 || r.MotorPulley == 0 || r.WheelPulley == 0 || r.WheelDiameterMM == 0 {
		return DefaultPreferences(), fmt.Errorf("%s: %w: zero drivetrain value", KeyPreferences, ErrCorrupt)
	}
	return Preferences{
		Vehicle: telemetry.Vehicle{
			MotorPulley:     r.MotorPulley,
			WheelPulley:     r.WheelPulley,
			WheelDiameterMM: r.WheelDiameterMM,
			MotorPoles:      r.MotorPoles,
			Imperial:        r.Imperial,
		},
		InvertThrottle: r.InvertThrottle,
		LevelAssist:    r.LevelAssist,
	}, nil
}

func (s *Store) SavePreferences(p Preferences) error {
	return s.save(KeyPreferences, prefsVersion, prefsRecord{
		MotorPulley:     p.Vehicle.MotorPulley,
		WheelPulley:     p.Vehicle.WheelPulley,
		WheelDiameterMM: p.Vehicle.WheelDiameterMM,
		MotorPoles:      p.Vehicle.MotorPoles,
		Imperial:        p.Vehicle.Imperial,
		InvertThrottle:  p.InvertThrottle,
		LevelAssist:     p.LevelAssist,
	})
}
