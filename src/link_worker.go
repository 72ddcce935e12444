package main

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/gsthumb/thumbctl/src/governor"
	"github.com/gsthumb/thumbctl/src/link"
)

// eventSource is a transport that reports completions on a channel.
type eventSource interface {
	Events() <-chan link.Event
}

// linkWorker starts scanning and feeds transport events to the machine.
func linkWorker(ctx context.Context, machine *link.Machine, events eventSource) {
	log.Println("Link worker started")
	if err := machine.Start(); err != nil {
		log.Printf("Link start failed: %v\n", err)
		return
	}
	machine.Run(ctx, events.Events())
	log.Println("Link worker stopped")
}

// heartbeatWorker writes the keepalive while the link is ready.
func heartbeatWorker(ctx context.Context, machine *link.Machine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := machine.Heartbeat()
			if err != nil && !errors.Is(err, link.ErrNotReady) {
				log.Printf("Heartbeat failed: %v\n", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// signalWorker refreshes the signal bar indicator once per interval. No
// ready session counts as no signal.
func signalWorker(ctx context.Context, machine *link.Machine, bars *governor.SignalBars, out *atomic.Int32, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := -1
	for {
		select {
		case <-ticker.C:
			rssi, ok := machine.RefreshRSSI()
			if !ok {
				rssi = 0
			}
			if rssi == last {
				continue
			}
			last = rssi
			out.Store(int32(bars.Update(rssi)))
		case <-ctx.Done():
			return
		}
	}
}
