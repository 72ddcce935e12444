package radio

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"tinygo.org/x/bluetooth"

	"github.com/gsthumb/thumbctl/src/link"
)

var (
	ErrStaleConn     = errors.New("radio: stale connection")
	ErrUnknownHandle = errors.New("radio: unknown handle")
	ErrUnknownPeer   = errors.New("radio: peer not seen while scanning")
)

// Central implements link.Transport on a host adapter. Completions are
// delivered on Events.
type Central struct {
	adapter *bluetooth.Adapter
	events  chan link.Event

	scanning atomic.Bool
	nextConn atomic.Uint32

	mu     sync.Mutex
	seen   map[string]bluetooth.Address
	conn   link.ConnID
	peer   string
	device bluetooth.Device
	chars  []bluetooth.DeviceCharacteristic
	table  table
}

func NewCentral(adapter *bluetooth.Adapter) *Central {
	return &Central{
		adapter: adapter,
		events:  make(chan link.Event, 64),
		seen:    map[string]bluetooth.Address{},
	}
}

// Enable powers the adapter and hooks link loss.
func (c *Central) Enable() error {
	if err := c.adapter.Enable(); err != nil {
		return fmt.Errorf("enable adapter: %w", err)
	}
	c.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		c.mu.Lock()
		conn := c.conn
		match := conn != 0 && device.Address.String() == c.peer
		c.mu.Unlock()
		if match {
			c.dropped(conn, errors.New("link lost"))
		}
	})
	return nil
}

func (c *Central) Events() <-chan link.Event {
	return c.events
}

// offer delivers lossy events. Advertisements and notifications repeat, so a
// full queue drops them.
func (c *Central) offer(ev link.Event) {
	select {
	case c.events <- ev:
	default:
	}
}

// session returns the connection state if conn is current.
func (c *Central) session(conn link.ConnID) (bluetooth.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn == 0 || conn != c.conn {
		return bluetooth.Device{}, ErrStaleConn
	}
	return c.device, nil
}

// dropped clears conn, if still current, and reports the disconnect once.
func (c *Central) dropped(conn link.ConnID, reason error) {
	c.mu.Lock()
	if conn != c.conn {
		c.mu.Unlock()
		return
	}
	c.conn = 0
	c.peer = ""
	c.device = bluetooth.Device{}
	c.chars = nil
	c.table = table{}
	c.mu.Unlock()

	c.events <- link.Disconnected{Conn: conn, Reason: reason}
}

func (c *Central) StartScan() error {
	if !c.scanning.CompareAndSwap(false, true) {
		return nil
	}
	go func() {
		defer c.scanning.Store(false)
		err := c.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			addr := result.Address.String()
			name := result.LocalName()
			if name == "" {
				return
			}
			c.mu.Lock()
			c.seen[addr] = result.Address
			c.mu.Unlock()
			c.offer(link.AdvertisementFound{Name: name, Address: addr, RSSI: int(result.RSSI)})
		})
		if err != nil {
			log.Printf("radio: scan: %v\n", err)
		}
	}()
	return nil
}

func (c *Central) StopScan() error {
	if !c.scanning.Load() {
		return nil
	}
	return c.adapter.StopScan()
}

func (c *Central) Connect(address string) error {
	c.mu.Lock()
	addr, ok := c.seen[address]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, address)
	}

	go func() {
		device, err := c.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			c.events <- link.ConnectFailed{Address: address, Err: err}
			return
		}
		conn := link.ConnID(c.nextConn.Add(1))
		c.mu.Lock()
		c.conn = conn
		c.peer = address
		c.device = device
		c.mu.Unlock()
		c.events <- link.Connected{Conn: conn, Address: address}
	}()
	return nil
}

func (c *Central) SearchService(conn link.ConnID, uuid uint16) error {
	device, err := c.session(conn)
	if err != nil {
		return err
	}
	go func() {
		svcs, err := device.DiscoverServices([]bluetooth.UUID{bluetooth.New16BitUUID(uuid)})
		if err == nil && len(svcs) == 0 {
			err = fmt.Errorf("service 0x%04X not found", uuid)
		}
		if err != nil {
			c.events <- link.ServiceFound{Conn: conn, Err: err}
			return
		}

		chars, err := svcs[0].DiscoverCharacteristics(nil)
		if err != nil {
			c.events <- link.ServiceFound{Conn: conn, Err: err}
			return
		}
		uuids := make([]uint16, len(chars))
		for i, ch := range chars {
			uuids[i] = ch.UUID().Get16Bit()
		}
		t := layout(uuids)

		c.mu.Lock()
		if conn == c.conn {
			c.chars = chars
			c.table = t
		}
		c.mu.Unlock()
		c.events <- link.ServiceFound{Conn: conn, Range: link.HandleRange{Start: serviceHandle, End: t.end()}}
	}()
	return nil
}

// NegotiateMTU reports the MTU the host stack settled on, capped at mtu.
func (c *Central) NegotiateMTU(conn link.ConnID, mtu uint16) error {
	if _, err := c.session(conn); err != nil {
		return err
	}
	c.mu.Lock()
	chars := c.chars
	c.mu.Unlock()

	go func() {
		got := defaultATTMTU
		if len(chars) > 0 {
			if m, err := chars[0].GetMTU(); err == nil {
				got = m
			} else {
				log.Printf("radio: mtu unavailable, assuming %d: %v\n", defaultATTMTU, err)
			}
		}
		c.events <- link.MTUConfigured{Conn: conn, MTU: min(got, mtu)}
	}()
	return nil
}

func (c *Central) EnumerateAttributes(conn link.ConnID, r link.HandleRange) error {
	if _, err := c.session(conn); err != nil {
		return err
	}
	c.mu.Lock()
	var attrs []link.Attribute
	for _, a := range c.table.attrs {
		if a.Handle >= r.Start && a.Handle <= r.End {
			attrs = append(attrs, a)
		}
	}
	c.mu.Unlock()

	go func() { c.events <- link.AttributesResolved{Conn: conn, Attrs: attrs} }()
	return nil
}

// Subscribe validates the value handle. Notifications are switched on by the
// client-config write that follows.
func (c *Central) Subscribe(conn link.ConnID, handle uint16) error {
	if _, err := c.session(conn); err != nil {
		return err
	}
	c.mu.Lock()
	_, ok := c.table.values[handle]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: 0x%04X", ErrUnknownHandle, handle)
	}
	return nil
}

func (c *Central) WriteDescriptor(conn link.ConnID, handle uint16, value []byte) error {
	if _, err := c.session(conn); err != nil {
		return err
	}
	c.mu.Lock()
	valueHandle, ok := c.table.cfgs[handle]
	var ch bluetooth.DeviceCharacteristic
	if ok {
		ch = c.chars[c.table.values[valueHandle]]
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: 0x%04X", ErrUnknownHandle, handle)
	}

	enable := len(value) > 0 && value[0]&0x01 != 0
	go func() {
		var err error
		if enable {
			err = ch.EnableNotifications(func(buf []byte) {
				c.offer(link.Notification{Conn: conn, Handle: valueHandle, Data: append([]byte(nil), buf...)})
			})
		} else {
			err = ch.EnableNotifications(nil)
		}
		c.events <- link.DescriptorWritten{Conn: conn, Handle: handle, Err: err}
	}()
	return nil
}

func (c *Central) WriteCharacteristic(conn link.ConnID, handle uint16, data []byte) error {
	if _, err := c.session(conn); err != nil {
		return err
	}
	c.mu.Lock()
	i, ok := c.table.values[handle]
	var ch bluetooth.DeviceCharacteristic
	if ok {
		ch = c.chars[i]
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: 0x%04X", ErrUnknownHandle, handle)
	}
	_, err := ch.WriteWithoutResponse(data)
	return err
}

func (c *Central) Disconnect(conn link.ConnID) error {
	device, err := c.session(conn)
	if err != nil {
		return err
	}
	go func() {
		err := device.Disconnect()
		c.dropped(conn, err)
	}()
	return nil
}
