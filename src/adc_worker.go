package main

import (
	"context"
	"log"
	"time"

	"github.com/gsthumb/thumbctl/src/throttle"
)

// adcSampler reads the lever inputs and encodes one command byte per cycle.
type adcSampler struct {
	cfg     ADCConfig
	sources [2]throttle.Source // throttle, brake (nil on single-input remotes)
	encoder throttle.Encoder
	cal     *throttle.Calibrator

	failures [2]int
	last     [2]int
	valid    [2]bool
	sleep    func(time.Duration)
}

func newADCSampler(cfg ADCConfig, throttleSrc, brakeSrc throttle.Source, cal *throttle.Calibrator) *adcSampler {
	var enc throttle.Encoder = throttle.SingleEncoder{}
	if cfg.Dual {
		enc = throttle.DualEncoder{}
	}
	return &adcSampler{
		cfg:     cfg,
		sources: [2]throttle.Source{throttleSrc, brakeSrc},
		encoder: enc,
		cal:     cal,
		sleep:   time.Sleep,
	}
}

// read samples one channel. After MaxFailures consecutive failed reads the
// source is reopened. The previous good value stands in for a failed read;
// ok is false until the channel has produced one.
func (s *adcSampler) read(i int) (int, bool) {
	src := s.sources[i]
	if src == nil {
		return 0, false
	}

	v, err := throttle.Read(src)
	if err == nil {
		s.failures[i] = 0
		s.last[i] = v
		s.valid[i] = true
		return v, true
	}

	s.failures[i]++
	if s.failures[i] >= s.cfg.MaxFailures {
		log.Printf("ADC %s: %d consecutive failures, reopening: %v\n", throttle.Channel(i), s.failures[i], err)
		s.failures[i] = 0
		if r, ok := src.(throttle.Reopener); ok {
			s.sleep(s.cfg.ReopenDelay)
			if err := r.Reopen(); err != nil {
				log.Printf("ADC %s: reopen failed: %v\n", throttle.Channel(i), err)
			}
		}
	}
	return s.last[i], s.valid[i]
}

// sample encodes the current lever positions. A required channel without a
// reading yields Neutral.
func (s *adcSampler) sample() uint8 {
	v, ok := s.read(int(throttle.ChannelThrottle))
	state := throttle.State{
		Throttle:    v,
		Profiles:    s.cal.Profiles(),
		Calibrating: s.cal.Calibrating(),
	}
	if s.cfg.Dual {
		brake, brakeOK := s.read(int(throttle.ChannelBrake))
		state.Brake = brake
		ok = ok && brakeOK
	}
	if !ok {
		return throttle.Neutral
	}
	return s.encoder.Encode(state)
}

// adcWorker samples the levers every cfg.Interval and publishes the encoded
// value on latest.
func adcWorker(ctx context.Context, sampler *adcSampler, latest *throttle.Latest) {
	log.Println("ADC worker started")
	ticker := time.NewTicker(sampler.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			latest.Store(sampler.sample())
		case <-ctx.Done():
			log.Println("ADC worker stopped")
			return
		}
	}
}
