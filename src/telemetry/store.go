package telemetry

import (
	"sync"
	"time"
)

// Store holds the latest telemetry snapshot. Writers replace fields whole
// under the lock; readers get copies.
type Store struct {
	mu       sync.RWMutex
	snap     Snapshot
	updated  time.Time
	frames   uint64
	rejected uint64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Apply decodes a notification into the store. Rejected frames are counted
// and leave the snapshot unchanged.
func (s *Store) Apply(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := DecodeFrame(frame, &s.snap); err != nil {
		s.rejected++
		return err
	}
	s.frames++
	s.updated = time.Now()
	return nil
}

// SetBms replaces the battery part of the snapshot.
func (s *Store) SetBms(b BmsSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Bms = b
	s.updated = time.Now()
}

// Reset zeroes the snapshot, e.g. when the link drops.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = Snapshot{}
	s.updated = time.Time{}
}

// Snapshot returns a copy of the latest values.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// ERPM returns the latest electrical RPM.
func (s *Store) ERPM() int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.ERPM
}

// Updated returns when the snapshot last changed; zero after Reset.
func (s *Store) Updated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updated
}

// Counters returns the number of accepted and rejected frames.
func (s *Store) Counters() (frames, rejected uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frames, s.rejected
}
