package main

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gsthumb/thumbctl/src/governor"
	"github.com/gsthumb/thumbctl/src/link"
	"github.com/gsthumb/thumbctl/src/throttle"
)

// assistRequest runs fn on the command worker, which owns the level-assist
// controller.
type assistRequest struct {
	fn    func(*governor.LevelAssist) error
	reply chan error
}

// AssistControl is the handle other workers use to reach the controller.
type AssistControl struct {
	requests chan assistRequest
	linkDown chan struct{}
}

func NewAssistControl() *AssistControl {
	return &AssistControl{
		requests: make(chan assistRequest),
		linkDown: make(chan struct{}, 1),
	}
}

// Do runs fn on the owning goroutine and waits for its result.
func (a *AssistControl) Do(ctx context.Context, fn func(*governor.LevelAssist) error) error {
	req := assistRequest{fn: fn, reply: make(chan error, 1)}
	select {
	case a.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LinkDown flags that the controller must be reset. It never blocks, so it
// is safe to call from the link machine's disconnect listener.
func (a *AssistControl) LinkDown() {
	select {
	case a.linkDown <- struct{}{}:
	default:
	}
}

// throttleLink is the outgoing side of the radio link.
type throttleLink interface {
	Ready() bool
	Write(data []byte) error
}

// erpmSource is the latest motor speed.
type erpmSource interface {
	ERPM() int32
}

type commander struct {
	cfg      CommandConfig
	latest   *throttle.Latest
	erpm     erpmSource
	settings *Settings
	assist   *governor.LevelAssist
	out      throttleLink
	sent     *throttle.Latest // last value computed, sent or not

	lastErr error
}

// step computes and sends one command. It returns the value sent.
func (c *commander) step(now time.Time) uint8 {
	prefs := c.settings.Get()

	v := c.assist.Update(c.latest.Load(), c.erpm.ERPM(), prefs.LevelAssist, now)
	if c.cfg.Lite && prefs.InvertThrottle {
		v = throttle.Invert(v)
	}
	c.sent.Store(v)

	if !c.out.Ready() {
		return v
	}
	pkt := throttle.Packet(v)
	err := c.out.Write(pkt[:])
	switch {
	case err != nil && !errors.Is(err, link.ErrNotReady) && (c.lastErr == nil || err.Error() != c.lastErr.Error()):
		log.Printf("Throttle write failed: %v\n", err)
	case err == nil && c.lastErr != nil:
		log.Println("Throttle writes recovered")
	}
	c.lastErr = err
	return v
}

// commandWorker sends the throttle command every cfg.Interval and serves
// level-assist requests between cycles.
func commandWorker(ctx context.Context, c *commander, control *AssistControl) {
	log.Println("Command worker started")
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			c.step(now)

		case req := <-control.requests:
			req.reply <- req.fn(c.assist)

		case <-control.linkDown:
			c.assist.Reset()
			log.Println("Link down, level assist reset")

		case <-ctx.Done():
			log.Println("Command worker stopped")
			return
		}
	}
}
