package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/gsthumb/thumbctl/src/bms"
	"github.com/gsthumb/thumbctl/src/telemetry"
	"github.com/gsthumb/thumbctl/src/throttle"
)

var ErrBadPacket = errors.New("bad throttle packet")

// decodePacket reads the 2-byte little-endian command write.
func decodePacket(p []byte) (uint8, error) {
	if len(p) != 2 {
		return 0, fmt.Errorf("%w: %d bytes", ErrBadPacket, len(p))
	}
	v := binary.LittleEndian.Uint16(p)
	if v > 0xFF {
		return 0, fmt.Errorf("%w: value %d", ErrBadPacket, v)
	}
	return uint8(v), nil
}

// receiver tracks the last command written by the remote and falls back to
// Neutral when writes stop.
type receiver struct {
	failsafe time.Duration
	output   *throttle.Latest
	last     time.Time
	tripped  bool
}

func newReceiver(failsafe time.Duration, output *throttle.Latest) *receiver {
	return &receiver{failsafe: failsafe, output: output}
}

func (r *receiver) apply(packet []byte, now time.Time) error {
	v, err := decodePacket(packet)
	if err != nil {
		return err
	}
	if r.tripped {
		log.Println("Receiver: commands resumed")
	}
	r.output.Store(v)
	r.last = now
	r.tripped = false
	return nil
}

// check engages the failsafe once per silence.
func (r *receiver) check(now time.Time) {
	if r.tripped || r.last.IsZero() || now.Sub(r.last) < r.failsafe {
		return
	}
	r.output.Store(throttle.Neutral)
	r.tripped = true
	log.Printf("Receiver: no command for %v, failsafe to neutral\n", r.failsafe)
}

// receiverWorker applies throttle writes from the peripheral.
func receiverWorker(ctx context.Context, r *receiver, packets <-chan []byte) {
	log.Println("Receiver worker started")
	ticker := time.NewTicker(r.failsafe / 4)
	defer ticker.Stop()

	for {
		select {
		case p := <-packets:
			if err := r.apply(p, time.Now()); err != nil {
				log.Printf("Receiver: %v\n", err)
			}
		case now := <-ticker.C:
			r.check(now)
		case <-ctx.Done():
			log.Println("Receiver worker stopped")
			return
		}
	}
}

type bmsOpener func(path string) (bms.Reader, io.Closer, error)

func openBmsSerial(path string) (bms.Reader, io.Closer, error) {
	return bms.OpenSerial(path)
}

// bmsWorker polls the battery over serial into the telemetry store.
func bmsWorker(ctx context.Context, port string, sink bms.Sink) {
	runBms(ctx, port, sink, openBmsSerial, bms.DisconnectRetry)
}

// runBms keeps trying to open the port every retry. The battery snapshot
// stays zeroed while the port is absent.
func runBms(ctx context.Context, port string, sink bms.Sink, open bmsOpener, retry time.Duration) {
	var lastErr error
	for {
		reader, closer, err := open(port)
		if err == nil {
			log.Printf("BMS worker started on %s\n", port)
			bms.NewPoller(reader, sink).Run(ctx)
			closer.Close()
			log.Println("BMS worker stopped")
			return
		}

		if lastErr == nil || err.Error() != lastErr.Error() {
			log.Printf("BMS worker: %v\n", err)
		}
		lastErr = err
		sink.SetBms(telemetry.BmsSnapshot{})

		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
	}
}

type notifier interface {
	Notify(frame []byte) error
}

// notifyWorker pushes the telemetry frame to the remote every interval.
func notifyWorker(ctx context.Context, tel *telemetry.Store, n notifier, interval time.Duration) {
	log.Println("Notify worker started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		select {
		case <-ticker.C:
			frame := telemetry.EncodeFrame(tel.Snapshot())
			err := n.Notify(frame[:])
			if err != nil && (lastErr == nil || err.Error() != lastErr.Error()) {
				log.Printf("Notify: %v\n", err)
			}
			lastErr = err
		case <-ctx.Done():
			log.Println("Notify worker stopped")
			return
		}
	}
}
