// Package bms speaks the smart-BMS UART protocol: DD-framed requests and
// responses with a two's-complement checksum.
package bms

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	StartByte = 0xDD
	StopByte  = 0x77

	StatusRead  = 0xA5
	StatusWrite = 0x5A

	CmdBasicInfo  = 0x03
	CmdCells      = 0x04
	CmdVersion    = 0x05
	CmdMosControl = 0xE1

	// overhead is start, status/cmd, cmd/status, length, checksum (2), stop.
	overhead = 7
	// basicInfoFrameLen is the shortest basic-info response accepted.
	basicInfoFrameLen = 34
	maxCells          = 16
)

var (
	ErrShortFrame = errors.New("bms: frame too short")
	ErrFraming    = errors.New("bms: bad start or stop byte")
	ErrChecksum   = errors.New("bms: checksum mismatch")
	ErrPayload    = errors.New("bms: payload too short")
)

// Checksum is the two's complement of the byte sum, as sent big-endian on
// the wire.
func Checksum(b []byte) uint16 {
	var sum uint16
	for _, v := range b {
		sum += uint16(v)
	}
	return ^sum + 1
}

// EncodeRequest builds DD status cmd len data chk 77. The checksum covers
// cmd, len and data.
func EncodeRequest(status, cmd byte, data []byte) []byte {
	f := make([]byte, 0, overhead+len(data))
	f = append(f, StartByte, status, cmd, byte(len(data)))
	f = append(f, data...)
	f = binary.BigEndian.AppendUint16(f, Checksum(f[2:]))
	return append(f, StopByte)
}

// Response is a decoded reply. Replies echo the command in the second byte
// and carry a status code (0 for success) in the third.
type Response struct {
	Cmd    byte
	Status byte
	Data   []byte
}

// frameLen reports the full length of the frame at the head of buf, or 0 if
// the header is not complete yet.
func frameLen(buf []byte) int {
	if len(buf) < 4 {
		return 0
	}
	return overhead + int(buf[3])
}

// DecodeResponse validates and decodes one response frame. Bytes after the
// stop byte are ignored.
func DecodeResponse(frame []byte) (Response, error) {
	n := frameLen(frame)
	if n == 0 || len(frame) < n {
		return Response{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame))
	}
	frame = frame[:n]
	if frame[0] != StartByte || frame[n-1] != StopByte {
		return Response{}, ErrFraming
	}

	want := binary.BigEndian.Uint16(frame[n-3:])
	if got := Checksum(frame[2 : n-3]); got != want {
		return Response{}, fmt.Errorf("%w: got %04X, frame says %04X", ErrChecksum, got, want)
	}

	return Response{
		Cmd:    frame[1],
		Status: frame[2],
		Data:   frame[4 : n-3],
	}, nil
}

// BasicInfo is the pack summary from a basic-info response.
type BasicInfo struct {
	Voltage     float64 // V
	Current     float64 // A, negative while discharging
	RemainingAh float64
	NominalAh   float64
}

// ParseBasicInfo reads the pack summary.
func ParseBasicInfo(r Response) (BasicInfo, error) {
	if len(r.Data) < basicInfoFrameLen-overhead {
		return BasicInfo{}, fmt.Errorf("%w: basic info has %d bytes", ErrPayload, len(r.Data))
	}
	be := binary.BigEndian
	return BasicInfo{
		Voltage:     float64(be.Uint16(r.Data[0:])) / 100,
		Current:     float64(int16(be.Uint16(r.Data[2:]))) / 100,
		RemainingAh: float64(be.Uint16(r.Data[4:])) / 100,
		NominalAh:   float64(be.Uint16(r.Data[6:])) / 100,
	}, nil
}

// ParseCells reads per-cell voltages in volts. Packs reporting more cells
// than can be displayed are truncated.
func ParseCells(r Response) ([]float64, error) {
	if len(r.Data) < 2 {
		return nil, fmt.Errorf("%w: cell response has %d bytes", ErrPayload, len(r.Data))
	}
	n := min(len(r.Data)/2, maxCells)
	cells := make([]float64, n)
	for i := range cells {
		cells[i] = float64(binary.BigEndian.Uint16(r.Data[2*i:])) / 1000
	}
	return cells, nil
}

// ParseVersion returns the firmware version string.
func ParseVersion(r Response) string {
	return string(r.Data)
}
