package governor

// LinkQuality converts an RSSI reading in dBm to a 0..100 percentage.
// -100 dBm and below is 0%, -30 dBm and above is 100%. Non-negative
// readings are not valid RSSI values and count as no signal.
func LinkQuality(rssi int) int {
	if rssi >= 0 {
		return 0
	}
	q := (rssi + 100) * 100 / 70
	return min(max(q, 0), 100)
}

// SignalBars turns link quality into 0..N bars with hysteresis so the
// indicator does not flicker when quality sits on a boundary.
//
// Bar i (1..N) is gained once quality reaches i*100/(N+1) and only lost
// again when quality drops Hysteresis points below that threshold.
type SignalBars struct {
	Current int

	bars       int
	hysteresis int
}

// NewSignalBars creates an indicator with the given number of bars.
func NewSignalBars(bars, hysteresis int) *SignalBars {
	return &SignalBars{bars: bars, hysteresis: hysteresis}
}

// Update feeds an RSSI reading and returns the bar count.
func (s *SignalBars) Update(rssi int) int {
	q := LinkQuality(rssi)

	up := s.crossed(q, 0)
	down := s.crossed(q, s.hysteresis)

	switch {
	case s.Current > down:
		s.Current = down
	case s.Current < up:
		s.Current = up
	}
	return s.Current
}

// crossed counts the thresholds that q reaches once each is lowered by slack.
func (s *SignalBars) crossed(q, slack int) int {
	n := 0
	for i := 1; i <= s.bars; i++ {
		if q < i*100/(s.bars+1)-slack {
			break
		}
		n++
	}
	return n
}
