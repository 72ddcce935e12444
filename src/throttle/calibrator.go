package throttle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// CalibrationDuration and SampleInterval give 600 samples.
	CalibrationDuration = 6 * time.Second
	SampleInterval      = 10 * time.Millisecond
)

var (
	ErrCalibrationInProgress = errors.New("throttle: calibration already in progress")
	ErrInsufficientRange     = errors.New("throttle: insufficient range")
	ErrNoValidSamples        = errors.New("throttle: no valid samples")
	ErrNoSource              = errors.New("throttle: channel has no source")
)

// Profiles holds the calibration of every channel.
type Profiles struct {
	Throttle Profile
	Brake    Profile
}

// DefaultProfiles returns uncalibrated full-scale profiles.
func DefaultProfiles() Profiles {
	return Profiles{Throttle: DefaultProfile(), Brake: DefaultProfile()}
}

// Get returns the profile for ch.
func (p Profiles) Get(ch Channel) Profile {
	if ch == ChannelBrake {
		return p.Brake
	}
	return p.Throttle
}

func (p *Profiles) set(ch Channel, profile Profile) {
	if ch == ChannelBrake {
		p.Brake = profile
		return
	}
	p.Throttle = profile
}

// ProfileSaver persists profiles after a successful calibration.
type ProfileSaver interface {
	SaveProfiles(Profiles) error
}

// Result is the outcome of calibrating one channel.
type Result struct {
	Channel Channel
	Profile Profile
	// Observed is the raw span seen during sampling.
	Observed int
	Err      error
}

// Calibrator owns the calibration profiles and the sources they are
// measured from.
type Calibrator struct {
	saver ProfileSaver

	mu       sync.RWMutex
	profiles Profiles
	sources  [channelCount]Source

	busy atomic.Bool
}

// NewCalibrator creates a calibrator with default profiles. saver may be nil.
func NewCalibrator(saver ProfileSaver) *Calibrator {
	return &Calibrator{
		saver:    saver,
		profiles: DefaultProfiles(),
	}
}

// Attach sets the source sampled for ch.
func (c *Calibrator) Attach(ch Channel, src Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[ch] = src
}

// Load replaces the profiles, typically with ones read from the store.
func (c *Calibrator) Load(p Profiles) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles = p
}

// Profiles returns a copy of the current profiles.
func (c *Calibrator) Profiles() Profiles {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.profiles
}

// Calibrating reports whether a calibration run is active.
func (c *Calibrator) Calibrating() bool {
	return c.busy.Load()
}

// Calibrate samples the given channels together every interval for
// duration, tracking the min/max of valid readings. Each channel whose
// observed span reaches MinRange gets a new profile trimmed by the margin;
// the others keep their previous profile and report an error in their
// Result. Accepted profiles are persisted. A second call while one is
// running returns ErrCalibrationInProgress.
func (c *Calibrator) Calibrate(
	ctx context.Context,
	duration, interval time.Duration,
	channels ...Channel,
) ([]Result, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return nil, ErrCalibrationInProgress
	}
	defer c.busy.Store(false)

	sources := make([]Source, len(channels))
	c.mu.RLock()
	for i, ch := range channels {
		sources[i] = c.sources[ch]
	}
	c.mu.RUnlock()
	for i, src := range sources {
		if src == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoSource, channels[i])
		}
	}

	samples := max(int(duration/interval), 1)
	spans := make([]span, len(channels))
	lastReported := -1

	for i := 0; i < samples; i++ {
		for j, src := range sources {
			if v, err := Read(src); err == nil {
				spans[j].observe(v)
			}
		}

		progress := i * 100 / samples
		if progress%10 == 0 && progress != lastReported {
			log.Printf("Calibration progress: %d%%\n", progress)
			lastReported = progress
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}

	results := make([]Result, len(channels))
	accepted := false

	c.mu.Lock()
	for j, ch := range channels {
		s := spans[j]
		r := Result{Channel: ch, Observed: s.width(), Profile: c.profiles.Get(ch)}
		switch {
		case s.samples == 0:
			r.Err = fmt.Errorf("%s: %w", ch, ErrNoValidSamples)
		case s.width() < MinRange:
			r.Err = fmt.Errorf("%s: %w: %d (minimum %d)", ch, ErrInsufficientRange, s.width(), MinRange)
		default:
			r.Profile = s.trimmed()
			c.profiles.set(ch, r.Profile)
			accepted = true
		}
		results[j] = r
	}
	profiles := c.profiles
	c.mu.Unlock()

	for _, r := range results {
		if r.Err != nil {
			log.Printf("Calibration failed: %v\n", r.Err)
			continue
		}
		log.Printf("Calibrated %s: raw span %d, range %d-%d\n", r.Channel, r.Observed, r.Profile.Min, r.Profile.Max)
	}

	if accepted && c.saver != nil {
		if err := c.saver.SaveProfiles(profiles); err != nil {
			return results, fmt.Errorf("save calibration: %w", err)
		}
	}
	return results, nil
}
