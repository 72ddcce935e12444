package main

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gsthumb/thumbctl/src/store"
	"github.com/gsthumb/thumbctl/src/telemetry"
)

// Settings is the shared, persisted copy of the rider's preferences.
type Settings struct {
	st     *store.Store
	saveMu sync.Mutex // orders saves with their updates

	mu    sync.RWMutex
	prefs store.Preferences
}

// NewSettings loads preferences, falling back to defaults when none are
// saved or the record is damaged.
func NewSettings(st *store.Store) *Settings {
	prefs, err := st.LoadPreferences()
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Println("No saved preferences, using defaults")
	case err != nil:
		log.Printf("Preferences unreadable, using defaults: %v\n", err)
	}
	return &Settings{st: st, prefs: prefs}
}

func (s *Settings) Get() store.Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefs
}

func (s *Settings) Vehicle() telemetry.Vehicle {
	return s.Get().Vehicle
}

// Update applies fn and persists the result. The new value is kept in memory
// even if saving fails.
func (s *Settings) Update(fn func(*store.Preferences)) (store.Preferences, error) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	fn(&s.prefs)
	prefs := s.prefs
	s.mu.Unlock()

	return prefs, s.st.SavePreferences(prefs)
}

// Odometer is the trip counter shared between the trip worker and the
// console.
type Odometer struct {
	mu   sync.Mutex
	trip telemetry.Trip
}

func NewOdometer(km float64) *Odometer {
	return &Odometer{trip: telemetry.Trip{Km: km}}
}

func (o *Odometer) Km() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.trip.Km
}

func (o *Odometer) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.trip.Reset()
}

// Advance adds the distance covered at speedKmh since the last call.
func (o *Odometer) Advance(speedKmh float64, now time.Time) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.trip.Update(speedKmh, now)
	return o.trip.Km
}
