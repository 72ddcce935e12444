package throttle

// span tracks the observed min/max of valid samples during calibration.
type span struct {
	min, max int
	samples  int
}

func (s *span) observe(value int) {
	if s.samples == 0 {
		s.min, s.max = value, value
	} else {
		s.min = min(s.min, value)
		s.max = max(s.max, value)
	}
	s.samples++
}

// width returns max-min, or 0 if nothing was observed.
func (s *span) width() int {
	if s.samples == 0 {
		return 0
	}
	return s.max - s.min
}

// trimmed returns the observed range with the calibration margin removed
// from each end.
func (s *span) trimmed() Profile {
	margin := float64(s.width()) * calibrationMargin
	return Profile{
		Min:        uint16(float64(s.min) + margin),
		Max:        uint16(float64(s.max) - margin),
		Calibrated: true,
	}
}
