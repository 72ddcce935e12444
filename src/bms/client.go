package bms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	BaudRate = 9600

	// Turnaround is the pause between writing a request and reading.
	Turnaround = 20 * time.Millisecond
	// ResponseTimeout bounds how long a response may take to arrive.
	ResponseTimeout = 100 * time.Millisecond
)

var (
	ErrTimeout            = errors.New("bms: response timeout")
	ErrUnexpectedResponse = errors.New("bms: unexpected response")
)

// MosMode selects which MOSFETs the BMS keeps open.
type MosMode byte

const (
	MosAllOn MosMode = iota
	MosChargeOff
	MosDischargeOff
	MosAllOff
)

// Port is the serial line to the BMS.
type Port interface {
	io.ReadWriter
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Client issues one request at a time over a Port.
type Client struct {
	port Port

	mu sync.Mutex
}

// NewClient wraps an open port.
func NewClient(port Port) *Client {
	return &Client{port: port}
}

// OpenSerial opens path at 9600 8N1 and returns a client and the port so the
// caller can close it.
func OpenSerial(path string) (*Client, io.Closer, error) {
	mode := &serial.Mode{
		BaudRate: BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, nil, fmt.Errorf("bms: open %s: %w", path, err)
	}
	return NewClient(port), port, nil
}

// Query sends a request and waits for the matching response.
func (c *Client) Query(ctx context.Context, status, cmd byte, data []byte) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.port.ResetInputBuffer(); err != nil {
		return Response{}, fmt.Errorf("bms: reset input: %w", err)
	}
	if _, err := c.port.Write(EncodeRequest(status, cmd, data)); err != nil {
		return Response{}, fmt.Errorf("bms: write: %w", err)
	}

	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-time.After(Turnaround):
	}

	frame, err := c.readFrame(ctx)
	if err != nil {
		return Response{}, err
	}
	r, err := DecodeResponse(frame)
	if err != nil {
		return Response{}, err
	}
	if status == StatusRead && r.Cmd != cmd {
		return Response{}, fmt.Errorf("%w: asked for %02X, got %02X", ErrUnexpectedResponse, cmd, r.Cmd)
	}
	return r, nil
}

func (c *Client) readFrame(ctx context.Context) ([]byte, error) {
	deadline := time.Now().Add(ResponseTimeout)
	buf := make([]byte, 0, 64)
	chunk := make([]byte, 64)

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if len(buf) == 0 {
				return nil, ErrTimeout
			}
			return nil, fmt.Errorf("%w: %d bytes before deadline", ErrTimeout, len(buf))
		}
		if err := c.port.SetReadTimeout(remaining); err != nil {
			return nil, fmt.Errorf("bms: set timeout: %w", err)
		}

		n, err := c.port.Read(chunk)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("bms: read: %w", err)
		}
		buf = append(buf, chunk[:n]...)

		if len(buf) > 0 && buf[0] != StartByte {
			// Drop line noise ahead of the start byte.
			i := 0
			for i < len(buf) && buf[i] != StartByte {
				i++
			}
			buf = buf[i:]
		}
		if want := frameLen(buf); want > 0 && len(buf) >= want {
			return buf[:want], nil
		}
	}
}

// BasicInfo reads the pack summary.
func (c *Client) BasicInfo(ctx context.Context) (BasicInfo, error) {
	r, err := c.Query(ctx, StatusRead, CmdBasicInfo, nil)
	if err != nil {
		return BasicInfo{}, err
	}
	return ParseBasicInfo(r)
}

// Cells reads per-cell voltages.
func (c *Client) Cells(ctx context.Context) ([]float64, error) {
	r, err := c.Query(ctx, StatusRead, CmdCells, nil)
	if err != nil {
		return nil, err
	}
	return ParseCells(r)
}

// Version reads the BMS firmware version.
func (c *Client) Version(ctx context.Context) (string, error) {
	r, err := c.Query(ctx, StatusRead, CmdVersion, nil)
	if err != nil {
		return "", err
	}
	return ParseVersion(r), nil
}

// ControlMOS switches the charge/discharge MOSFETs.
func (c *Client) ControlMOS(ctx context.Context, mode MosMode) error {
	_, err := c.Query(ctx, StatusWrite, CmdMosControl, []byte{0x00, byte(mode)})
	return err
}
