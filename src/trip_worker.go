package main

import (
	"context"
	"log"
	"time"

	"github.com/gsthumb/thumbctl/src/store"
)

// TripConfig drives tripWorker.
type TripConfig struct {
	Interval  time.Duration
	SaveEvery time.Duration
}

func DefaultTripConfig() TripConfig {
	return TripConfig{Interval: 100 * time.Millisecond, SaveEvery: 10 * time.Second}
}

// tripWorker integrates speed into the odometer and saves it periodically.
// The shutdown save is done by main after the workers stop.
func tripWorker(
	ctx context.Context,
	cfg TripConfig,
	erpm erpmSource,
	settings *Settings,
	odo *Odometer,
	st *store.Store,
) {
	log.Println("Trip worker started")
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	lastSaved := odo.Km()
	lastSave := time.Now()
	save := func(km float64) {
		if err := st.SaveTrip(km); err != nil {
			log.Printf("Saving trip failed: %v\n", err)
			return
		}
		lastSaved = km
	}

	for {
		select {
		case now := <-ticker.C:
			km := odo.Advance(settings.Vehicle().SpeedKmh(erpm.ERPM()), now)
			if now.Sub(lastSave) >= cfg.SaveEvery {
				lastSave = now
				if km != lastSaved {
					save(km)
				}
			}

		case <-ctx.Done():
			log.Println("Trip worker stopped")
			return
		}
	}
}
