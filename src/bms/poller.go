package bms

import (
	"context"
	"log"
	"time"

	"github.com/gsthumb/thumbctl/src/telemetry"
)

const (
	// MaxFailures consecutive basic-info failures mark the BMS disconnected.
	MaxFailures = 3

	PollInterval    = 50 * time.Millisecond
	CellDelay       = 50 * time.Millisecond
	DisconnectRetry = time.Second
	versionEvery    = 10
)

// Reader is the subset of Client the poller needs.
type Reader interface {
	BasicInfo(ctx context.Context) (BasicInfo, error)
	Cells(ctx context.Context) ([]float64, error)
	Version(ctx context.Context) (string, error)
}

// Sink receives each new battery snapshot.
type Sink interface {
	SetBms(telemetry.BmsSnapshot)
}

// Poller reads the BMS in a loop and keeps the battery snapshot current.
type Poller struct {
	reader Reader
	sink   Sink

	Connected bool
	Failures  int
	Version   string

	snap  telemetry.BmsSnapshot
	cycle int
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPoller creates a poller that assumes the BMS is present until it
// fails to answer.
func NewPoller(reader Reader, sink Sink) *Poller {
	return &Poller{
		reader:    reader,
		sink:      sink,
		Connected: true,
		sleep:     sleepCtx,
	}
}

// Snapshot returns the last published battery snapshot.
func (p *Poller) Snapshot() telemetry.BmsSnapshot {
	return p.snap
}

// Cycle performs one polling round and returns how long to wait before
// the next.
func (p *Poller) Cycle(ctx context.Context) (time.Duration, error) {
	info, err := p.reader.BasicInfo(ctx)
	if err == nil {
		p.Failures = 0
		if !p.Connected {
			log.Println("BMS reconnected")
		}
		p.Connected = true
		p.snap.Voltage = info.Voltage
		p.snap.Current = info.Current
		p.snap.RemainingAh = info.RemainingAh
		p.snap.NominalAh = info.NominalAh
		p.sink.SetBms(p.snap)
	} else {
		p.Failures++
		if p.Failures >= MaxFailures {
			if p.Connected {
				log.Printf("BMS disconnected after %d failures: %v\n", p.Failures, err)
				p.Connected = false
				p.snap = telemetry.BmsSnapshot{}
				p.sink.SetBms(p.snap)
			}
			return DisconnectRetry, nil
		}
	}

	if err := p.sleep(ctx, CellDelay); err != nil {
		return 0, err
	}
	if cells, err := p.reader.Cells(ctx); err == nil {
		p.snap.CellCount = len(cells)
		copy(p.snap.Cells[:], cells)
		p.sink.SetBms(p.snap)
	}

	if err := p.sleep(ctx, CellDelay); err != nil {
		return 0, err
	}
	p.cycle++
	if p.cycle >= versionEvery {
		p.cycle = 0
		if v, err := p.reader.Version(ctx); err == nil && v != p.Version {
			log.Printf("BMS firmware version: %s\n", v)
			p.Version = v
		}
	}
	return PollInterval, nil
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	for {
		wait, err := p.Cycle(ctx)
		if err != nil {
			return
		}
		if p.sleep(ctx, wait) != nil {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
