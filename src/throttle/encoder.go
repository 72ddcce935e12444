package throttle

import (
	"encoding/binary"
	"sync/atomic"
)

// brakeOverrideFactor is the brake position below which the brake wins
// outright.
const brakeOverrideFactor = 0.01

// State is one sampling cycle's worth of input for an Encoder.
type State struct {
	Throttle    int // raw counts
	Brake       int // raw counts, ignored by single-input encoders
	Profiles    Profiles
	Calibrating bool
}

// Encoder turns a sampled State into the command byte.
type Encoder interface {
	Encode(s State) uint8
}

// SingleEncoder maps the throttle channel alone onto 0..255.
type SingleEncoder struct{}

func (SingleEncoder) Encode(s State) uint8 {
	if s.Calibrating || !s.Profiles.Throttle.Calibrated {
		return Neutral
	}
	return Map(s.Throttle, s.Profiles.Throttle)
}

// DualEncoder blends a throttle and a brake lever. Throttle travel maps onto
// 127..255 (lever at its minimum is full forward). The brake scales that
// value down toward 0 and forces 0 once it is at its minimum.
type DualEncoder struct{}

func (DualEncoder) Encode(s State) uint8 {
	if s.Calibrating || !s.Profiles.Throttle.Calibrated {
		return Neutral
	}
	tp, bp := s.Profiles.Throttle, s.Profiles.Brake
	if tp.Max <= tp.Min || bp.Max <= bp.Min {
		return Neutral
	}

	brake := bp.Factor(s.Brake)
	if brake < brakeOverrideFactor {
		return 0
	}

	throttle := tp.Factor(s.Throttle)
	v := Neutral + uint8((1-throttle)*128)
	if brake < 1 {
		v = uint8(brake * float64(v))
	}
	return v
}

// Packet lays the command byte out as the 2-byte little-endian write.
func Packet(v uint8) [2]byte {
	var p [2]byte
	binary.LittleEndian.PutUint16(p[:], uint16(v))
	return p
}

// Latest is the single-slot hand-off between the sampling cycle and the
// command writer. It reads Neutral until the first Store.
type Latest struct {
	v atomic.Uint32
}

func (l *Latest) Store(v uint8) {
	l.v.Store(uint32(v) | 0x100)
}

func (l *Latest) Load() uint8 {
	v := l.v.Load()
	if v == 0 {
		return Neutral
	}
	return uint8(v)
}
