package throttle

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// SamplesPerRead is how many raw conversions are averaged into one reading.
const SamplesPerRead = 5

var ErrNoSample = errors.New("throttle: no valid sample")

// Source is a single analog input.
type Source interface {
	ReadRaw() (int, error)
}

// Reopener is implemented by sources that can be torn down and
// re-initialized after repeated read failures.
type Reopener interface {
	Reopen() error
}

// Read averages SamplesPerRead conversions from src. Failed conversions are
// skipped; if all of them fail the reading is invalid.
func Read(src Source) (int, error) {
	sum, valid := 0, 0
	var lastErr error
	for i := 0; i < SamplesPerRead; i++ {
		v, err := src.ReadRaw()
		if err != nil {
			lastErr = err
			continue
		}
		sum += v
		valid++
	}
	if valid == 0 {
		return 0, fmt.Errorf("%w: %v", ErrNoSample, lastErr)
	}
	return sum / valid, nil
}

// IIOSource reads a Linux industrial-I/O ADC channel through sysfs,
// e.g. /sys/bus/iio/devices/iio:device0/in_voltage0_raw.
type IIOSource struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// OpenIIO opens the sysfs attribute at path.
func OpenIIO(path string) (*IIOSource, error) {
	s := &IIOSource{path: path}
	if err := s.Reopen(); err != nil {
		return nil, err
	}
	return s, nil
}

// ReadRaw returns one conversion.
func (s *IIOSource) ReadRaw() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return 0, fmt.Errorf("iio %s: not open", s.path)
	}

	var buf [16]byte
	n, err := s.f.ReadAt(buf[:], 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("iio %s: %w", s.path, err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return 0, fmt.Errorf("iio %s: %w", s.path, err)
	}
	return v, nil
}

// Reopen closes and re-opens the attribute file.
func (s *IIOSource) Reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f != nil {
		_ = s.f.Close()
		s.f = nil
	}
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("iio %s: %w", s.path, err)
	}
	s.f = f
	return nil
}

// Close releases the attribute file.
func (s *IIOSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
