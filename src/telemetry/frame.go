// Package telemetry decodes the motor and battery notification the receiver
// pushes to the remote, and keeps the latest decoded snapshot.
package telemetry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// FrameSize is the exact length of a telemetry notification.
	FrameSize = 55
	// MaxCells is the largest cell count a frame can carry.
	MaxCells = 16

	cellsOffset = 23
)

var ErrFrameLength = errors.New("telemetry: bad frame length")

// BmsSnapshot is the battery-management part of a frame.
type BmsSnapshot struct {
	Voltage     float64 // V
	Current     float64 // A
	RemainingAh float64
	NominalAh   float64
	CellCount   int
	Cells       [MaxCells]float64 // V, only [0, CellCount) are meaningful
}

// Snapshot is one decoded telemetry frame.
type Snapshot struct {
	TempMos      float64 // °C, motor controller
	TempMotor    float64 // °C
	MotorCurrent float64 // A
	InputCurrent float64 // A
	ERPM         int32
	InputVoltage float64 // V
	Bms          BmsSnapshot
}

// DecodeFrame decodes a notification into s. A frame of the wrong length is
// rejected without touching s. Cells at or beyond the frame's cell count
// keep their previous values.
func DecodeFrame(frame []byte, s *Snapshot) error {
	if len(frame) != FrameSize {
		return fmt.Errorf("%w: got %d, want %d", ErrFrameLength, len(frame), FrameSize)
	}

	be := binary.BigEndian
	next := *s
	next.TempMos = centi(int16(be.Uint16(frame[0:])))
	next.TempMotor = centi(int16(be.Uint16(frame[2:])))
	next.MotorCurrent = centi(int16(be.Uint16(frame[4:])))
	next.InputCurrent = centi(int16(be.Uint16(frame[6:])))
	next.ERPM = int32(be.Uint32(frame[8:]))
	next.InputVoltage = centi(int16(be.Uint16(frame[12:])))

	next.Bms.Voltage = centi(int16(be.Uint16(frame[14:])))
	next.Bms.Current = centi(int16(be.Uint16(frame[16:])))
	next.Bms.RemainingAh = float64(be.Uint16(frame[18:])) / 100
	next.Bms.NominalAh = float64(be.Uint16(frame[20:])) / 100
	next.Bms.CellCount = min(int(frame[22]), MaxCells)
	for i := 0; i < next.Bms.CellCount; i++ {
		next.Bms.Cells[i] = float64(be.Uint16(frame[cellsOffset+2*i:])) / 1000
	}

	*s = next
	return nil
}

// EncodeFrame lays s out as a notification. Values outside the wire range
// saturate.
func EncodeFrame(s Snapshot) [FrameSize]byte {
	var f [FrameSize]byte
	be := binary.BigEndian

	be.PutUint16(f[0:], uint16(toInt16(s.TempMos*100)))
	be.PutUint16(f[2:], uint16(toInt16(s.TempMotor*100)))
	be.PutUint16(f[4:], uint16(toInt16(s.MotorCurrent*100)))
	be.PutUint16(f[6:], uint16(toInt16(s.InputCurrent*100)))
	be.PutUint32(f[8:], uint32(s.ERPM))
	be.PutUint16(f[12:], uint16(toInt16(s.InputVoltage*100)))

	be.PutUint16(f[14:], uint16(toInt16(s.Bms.Voltage*100)))
	be.PutUint16(f[16:], uint16(toInt16(s.Bms.Current*100)))
	be.PutUint16(f[18:], toUint16(s.Bms.RemainingAh*100))
	be.PutUint16(f[20:], toUint16(s.Bms.NominalAh*100))

	n := min(max(s.Bms.CellCount, 0), MaxCells)
	f[22] = byte(n)
	for i := 0; i < n; i++ {
		be.PutUint16(f[cellsOffset+2*i:], toUint16(s.Bms.Cells[i]*1000))
	}
	return f
}

func centi(v int16) float64 {
	return float64(v) / 100
}

func toInt16(v float64) int16 {
	return int16(min(max(math.Round(v), math.MinInt16), math.MaxInt16))
}

func toUint16(v float64) uint16 {
	return uint16(min(max(math.Round(v), 0), math.MaxUint16))
}
