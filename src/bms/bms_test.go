package bms

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsthumb/thumbctl/src/telemetry"
)

func response(cmd, status byte, data []byte) []byte {
	f := []byte{StartByte, cmd, status, byte(len(data))}
	f = append(f, data...)
	f = binary.BigEndian.AppendUint16(f, Checksum(f[2:]))
	return append(f, StopByte)
}

func basicInfoData() []byte {
	d := make([]byte, 27)
	current := int16(-350)
	binary.BigEndian.PutUint16(d[0:], 4187)            // 41.87 V
	binary.BigEndian.PutUint16(d[2:], uint16(current)) // -3.50 A
	binary.BigEndian.PutUint16(d[4:], 980)             // 9.80 Ah
	binary.BigEndian.PutUint16(d[6:], 1200)            // 12.00 Ah
	return d
}

func TestEncodeRequest(t *testing.T) {
	assert.Equal(t,
		[]byte{0xDD, 0xA5, 0x03, 0x00, 0xFF, 0xFD, 0x77},
		EncodeRequest(StatusRead, CmdBasicInfo, nil))
	assert.Equal(t,
		[]byte{0xDD, 0xA5, 0x04, 0x00, 0xFF, 0xFC, 0x77},
		EncodeRequest(StatusRead, CmdCells, nil))
	assert.Equal(t,
		[]byte{0xDD, 0x5A, 0xE1, 0x02, 0x00, 0x02, 0xFF, 0x1B, 0x77},
		EncodeRequest(StatusWrite, CmdMosControl, []byte{0x00, byte(MosDischargeOff)}))
}

func TestDecodeResponse(t *testing.T) {
	frame := response(CmdCells, 0x00, []byte{0x0E, 0xD8, 0x0F, 0xA0})
	// Trailing bytes after the stop byte are ignored.
	frame = append(frame, 0x00, 0x12)

	r, err := DecodeResponse(frame)
	require.NoError(t, err)
	assert.Equal(t, byte(CmdCells), r.Cmd)
	assert.Equal(t, byte(0), r.Status)
	assert.Equal(t, []byte{0x0E, 0xD8, 0x0F, 0xA0}, r.Data)
}

func TestDecodeResponseRejectsBadChecksum(t *testing.T) {
	frame := response(CmdBasicInfo, 0x00, basicInfoData())
	frame[6] ^= 0x01

	_, err := DecodeResponse(frame)
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestDecodeResponseRejectsFraming(t *testing.T) {
	frame := response(CmdBasicInfo, 0x00, []byte{1, 2})
	frame[len(frame)-1] = 0x00
	_, err := DecodeResponse(frame)
	assert.ErrorIs(t, err, ErrFraming)

	_, err = DecodeResponse([]byte{0xDD, 0x03, 0x00})
	assert.ErrorIs(t, err, ErrShortFrame)

	frame = response(CmdBasicInfo, 0x00, []byte{1, 2, 3, 4})
	_, err = DecodeResponse(frame[:len(frame)-2])
	assert.ErrorIs(t, err, ErrShortFrame)
}

func TestParseBasicInfo(t *testing.T) {
	r, err := DecodeResponse(response(CmdBasicInfo, 0x00, basicInfoData()))
	require.NoError(t, err)

	info, err := ParseBasicInfo(r)
	require.NoError(t, err)
	assert.InDelta(t, 41.87, info.Voltage, 1e-9)
	assert.InDelta(t, -3.5, info.Current, 1e-9)
	assert.InDelta(t, 9.8, info.RemainingAh, 1e-9)
	assert.InDelta(t, 12.0, info.NominalAh, 1e-9)

	_, err = ParseBasicInfo(Response{Cmd: CmdBasicInfo, Data: make([]byte, 10)})
	assert.ErrorIs(t, err, ErrPayload)
}

func TestParseCellsTruncatesToCapacity(t *testing.T) {
	data := make([]byte, 2*20)
	for i := 0; i < 20; i++ {
		binary.BigEndian.PutUint16(data[2*i:], 3700)
	}
	cells, err := ParseCells(Response{Cmd: CmdCells, Data: data})
	require.NoError(t, err)
	assert.Len(t, cells, 16)
	assert.InDelta(t, 3.7, cells[15], 1e-9)
}

// fakePort answers each write with the next queued response, delivered in
// small chunks.
type fakePort struct {
	written   [][]byte
	responses [][]byte
	pending   []byte
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.written = append(f.written, append([]byte(nil), p...))
	if len(f.responses) > 0 {
		f.pending = f.responses[0]
		f.responses = f.responses[1:]
	}
	return len(p), nil
}

func (f *fakePort) Read(p []byte) (int, error) {
	n := copy(p, f.pending[:min(5, len(f.pending))])
	f.pending = f.pending[n:]
	return n, nil
}

func (f *fakePort) SetReadTimeout(time.Duration) error { return nil }

func (f *fakePort) ResetInputBuffer() error {
	f.pending = nil
	return nil
}

func TestClientBasicInfo(t *testing.T) {
	noisy := append([]byte{0x00, 0xFF}, response(CmdBasicInfo, 0x00, basicInfoData())...)
	port := &fakePort{responses: [][]byte{noisy}}
	c := NewClient(port)

	info, err := c.BasicInfo(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 41.87, info.Voltage, 1e-9)
	require.Len(t, port.written, 1)
	assert.Equal(t, EncodeRequest(StatusRead, CmdBasicInfo, nil), port.written[0])
}

func TestClientRejectsMismatchedCommand(t *testing.T) {
	port := &fakePort{responses: [][]byte{response(CmdCells, 0x00, []byte{0x0E, 0xD8})}}
	c := NewClient(port)

	_, err := c.BasicInfo(context.Background())
	assert.ErrorIs(t, err, ErrUnexpectedResponse)
}

func TestClientTimeout(t *testing.T) {
	c := NewClient(&fakePort{})

	start := time.Now()
	_, err := c.Cells(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), ResponseTimeout)
}

type scriptedReader struct {
	basicErrs []error
	info      BasicInfo
	cells     []float64
	versions  int
}

func (s *scriptedReader) BasicInfo(context.Context) (BasicInfo, error) {
	if len(s.basicErrs) > 0 {
		err := s.basicErrs[0]
		s.basicErrs = s.basicErrs[1:]
		if err != nil {
			return BasicInfo{}, err
		}
	}
	return s.info, nil
}

func (s *scriptedReader) Cells(context.Context) ([]float64, error) {
	return s.cells, nil
}

func (s *scriptedReader) Version(context.Context) (string, error) {
	s.versions++
	return "JBD-1.2", nil
}

type recordingSink struct {
	snaps []telemetry.BmsSnapshot
}

func (r *recordingSink) SetBms(b telemetry.BmsSnapshot) {
	r.snaps = append(r.snaps, b)
}

func (r *recordingSink) last() telemetry.BmsSnapshot {
	return r.snaps[len(r.snaps)-1]
}

func newTestPoller(reader Reader, sink Sink) *Poller {
	p := NewPoller(reader, sink)
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func TestPollerPublishesSnapshot(t *testing.T) {
	reader := &scriptedReader{
		info:  BasicInfo{Voltage: 41.8, Current: -2, RemainingAh: 6, NominalAh: 12},
		cells: []float64{4.18, 4.17, 4.19},
	}
	sink := &recordingSink{}
	p := newTestPoller(reader, sink)

	wait, err := p.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PollInterval, wait)

	got := sink.last()
	assert.InDelta(t, 41.8, got.Voltage, 1e-9)
	assert.Equal(t, 3, got.CellCount)
	assert.InDelta(t, 4.19, got.Cells[2], 1e-9)
	assert.Equal(t, 50, got.Percentage())
}

func TestPollerThreeFailuresZeroSnapshot(t *testing.T) {
	fail := errors.New("timeout")
	reader := &scriptedReader{
		basicErrs: []error{nil, fail, fail, fail, fail},
		info:      BasicInfo{Voltage: 41.8, NominalAh: 12, RemainingAh: 6},
		cells:     []float64{4.18},
	}
	sink := &recordingSink{}
	p := newTestPoller(reader, sink)
	ctx := context.Background()

	_, err := p.Cycle(ctx)
	require.NoError(t, err)
	require.True(t, p.Connected)

	for i := 0; i < 2; i++ {
		wait, err := p.Cycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, PollInterval, wait)
		assert.True(t, p.Connected)
	}
	assert.InDelta(t, 41.8, sink.last().Voltage, 1e-9)

	wait, err := p.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, DisconnectRetry, wait)
	assert.False(t, p.Connected)
	assert.Equal(t, telemetry.BmsSnapshot{}, sink.last())

	// Still failing: no further publishes, slow retry.
	published := len(sink.snaps)
	wait, err = p.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, DisconnectRetry, wait)
	assert.Len(t, sink.snaps, published)

	// Recovery.
	_, err = p.Cycle(ctx)
	require.NoError(t, err)
	assert.True(t, p.Connected)
	assert.Equal(t, 0, p.Failures)
}

func TestPollerReadsVersionEveryTenthCycle(t *testing.T) {
	reader := &scriptedReader{info: BasicInfo{Voltage: 40}}
	p := newTestPoller(reader, &recordingSink{})

	for i := 0; i < 25; i++ {
		_, err := p.Cycle(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 2, reader.versions)
	assert.Equal(t, "JBD-1.2", p.Version)
}
