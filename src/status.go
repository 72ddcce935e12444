package main

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gsthumb/thumbctl/src/link"
	"github.com/gsthumb/thumbctl/src/telemetry"
	"github.com/gsthumb/thumbctl/src/throttle"
)

// Status is the periodic view of the whole system, fanned out to the
// console and the MQTT publisher.
type Status struct {
	Time time.Time

	Link    string
	Session string
	Bars    int

	Input       uint8 // encoded lever value
	Sent        uint8 // value after level assist and inversion
	Calibrating bool
	LevelAssist bool
	Invert      bool

	Telemetry    telemetry.Snapshot
	SpeedKmh     float64
	TripKm       float64
	Speed        float64 // in the rider's unit
	SpeedUnit    string
	Trip         float64 // in the rider's unit
	DistanceUnit string
	Battery      int
}

// statusSources collects everything a Status is built from. machine and
// cal are nil on the receiver.
type statusSources struct {
	machine  *link.Machine
	bars     *atomic.Int32
	input    *throttle.Latest
	sent     *throttle.Latest
	cal      *throttle.Calibrator
	tel      *telemetry.Store
	settings *Settings
	odo      *Odometer
}

func (s statusSources) build(now time.Time) Status {
	prefs := s.settings.Get()
	v := prefs.Vehicle
	snap := s.tel.Snapshot()

	st := Status{
		Time:         now,
		Link:         "receiver",
		Input:        s.input.Load(),
		Sent:         s.sent.Load(),
		LevelAssist:  prefs.LevelAssist,
		Invert:       prefs.InvertThrottle,
		Telemetry:    snap,
		SpeedKmh:     v.SpeedKmh(snap.ERPM),
		Speed:        v.Speed(snap.ERPM),
		SpeedUnit:    v.SpeedUnit(),
		DistanceUnit: v.DistanceUnit(),
		Battery:      snap.Bms.EstimatedPercentage(),
	}
	if s.odo != nil {
		st.TripKm = s.odo.Km()
		st.Trip = v.FromKm(st.TripKm)
	}
	if s.machine != nil {
		session := s.machine.Session()
		st.Link = session.State.String()
		st.Session = session.ID
	}
	if s.bars != nil {
		st.Bars = int(s.bars.Load())
	}
	if s.cal != nil {
		st.Calibrating = s.cal.Calibrating()
	}
	return st
}

// statusWorker builds a Status every interval.
func statusWorker(ctx context.Context, sources statusSources, interval time.Duration, out chan<- Status) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			select {
			case out <- sources.build(now):
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
