// Package throttle turns raw analog throttle and brake readings into the
// calibrated command byte sent to the receiver.
package throttle

import "fmt"

const (
	// AdcMax is the largest count a 12-bit converter reports.
	AdcMax = 4095

	// MinRange is the smallest raw span accepted by calibration.
	MinRange = 150

	// Neutral is the command byte for "no throttle, no brake".
	Neutral uint8 = 127

	calibrationMargin = 0.05
)

// Channel identifies an analog input.
type Channel int

const (
	ChannelThrottle Channel = iota
	ChannelBrake

	channelCount
)

func (c Channel) String() string {
	switch c {
	case ChannelThrottle:
		return "throttle"
	case ChannelBrake:
		return "brake"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// Profile is the calibrated range of one channel in raw ADC counts.
type Profile struct {
	Min        uint16
	Max        uint16
	Calibrated bool
}

// DefaultProfile is the uncalibrated full-scale range.
func DefaultProfile() Profile {
	return Profile{Min: 0, Max: AdcMax}
}

func (p Profile) clamp(raw int) int {
	return min(max(raw, int(p.Min)), int(p.Max))
}

// Map clamps raw into the profile range and rescales it to 0..255.
func Map(raw int, p Profile) uint8 {
	if p.Max <= p.Min {
		return 0
	}
	span := int(p.Max) - int(p.Min)
	return uint8((p.clamp(raw) - int(p.Min)) * 255 / span)
}

// Factor returns the clamped position of raw within the profile as 0..1.
func (p Profile) Factor(raw int) float64 {
	if p.Max <= p.Min {
		return 0
	}
	span := float64(int(p.Max) - int(p.Min))
	return float64(p.clamp(raw)-int(p.Min)) / span
}

// Invert mirrors a command byte around the middle of the scale.
func Invert(v uint8) uint8 {
	return 255 - v
}
