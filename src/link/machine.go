package link

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
)

const (
	DefaultDeviceName = "GS-THUMB"
	DefaultMTU        = 200
)

var (
	ErrNotReady     = errors.New("link: not ready")
	ErrNoHeartbeat  = errors.New("link: heartbeat not enabled")
	heartbeatMarker = []byte("Espressif")
	notifyEnable    = []byte{0x01, 0x00}
)

// Config selects the peer and the optional heartbeat characteristic.
type Config struct {
	DeviceName string
	MTU        uint16
	Heartbeat  bool
}

func DefaultConfig() Config {
	return Config{DeviceName: DefaultDeviceName, MTU: DefaultMTU}
}

// TelemetrySink receives data notifications and is cleared on disconnect.
type TelemetrySink interface {
	Apply(frame []byte) error
	Reset()
}

// Machine is the connection state machine. Events are fed through Handle,
// normally from a single Run loop. Write and Heartbeat may be called from
// any goroutine.
type Machine struct {
	cfg       Config
	transport Transport
	telemetry TelemetrySink

	mu       sync.RWMutex
	session  Session
	queue    []Subscription
	inFlight Subscription
	torndown bool

	listeners []func()
}

func NewMachine(cfg Config, t Transport, sink TelemetrySink) *Machine {
	if cfg.DeviceName == "" {
		cfg.DeviceName = DefaultDeviceName
	}
	if cfg.MTU == 0 {
		cfg.MTU = DefaultMTU
	}
	return &Machine{cfg: cfg, transport: t, telemetry: sink}
}

// OnDisconnect registers fn to run after every session teardown. Register
// before Start.
func (m *Machine) OnDisconnect(fn func()) {
	m.listeners = append(m.listeners, fn)
}

// Start begins scanning.
func (m *Machine) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.State != Idle {
		return fmt.Errorf("link: already started (%s)", m.session.State)
	}
	m.session.State = Scanning
	return m.transport.StartScan()
}

// Run feeds events to Handle until ctx is done or events is closed.
func (m *Machine) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.Handle(ev)
		}
	}
}

func (m *Machine) Session() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.State
}

// RefreshRSSI samples the signal strength of a ready session when the
// transport supports it and returns the session's latest reading. Otherwise
// the reading is the one taken from the advertisement. ok is false when no
// session is ready.
func (m *Machine) RefreshRSSI() (rssi int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.State != Ready {
		return 0, false
	}
	if r, isReader := m.transport.(RSSIReader); isReader {
		v, err := r.ReadRSSI(m.session.Conn)
		if err != nil {
			log.Printf("link[%s]: read rssi: %v\n", m.session.ID, err)
		} else {
			m.session.RSSI = v
		}
	}
	return m.session.RSSI, true
}

// Ready reports whether throttle writes will be sent.
func (m *Machine) Ready() bool {
	return m.State() == Ready
}

// Write sends data to the receiver's data characteristic.
func (m *Machine) Write(data []byte) error {
	m.mu.RLock()
	s := m.session
	m.mu.RUnlock()
	if s.State != Ready {
		return ErrNotReady
	}
	return m.transport.WriteCharacteristic(s.Conn, s.Handles.DataReceive, data)
}

// Heartbeat writes the keepalive marker to the heartbeat characteristic.
func (m *Machine) Heartbeat() error {
	if !m.cfg.Heartbeat {
		return ErrNoHeartbeat
	}
	m.mu.RLock()
	s := m.session
	m.mu.RUnlock()
	if s.State != Ready {
		return ErrNotReady
	}
	return m.transport.WriteCharacteristic(s.Conn, s.Handles.Heartbeat, heartbeatMarker)
}

// Handle advances the machine by one event. Events for a connection other
// than the current one are dropped.
func (m *Machine) Handle(ev Event) {
	var frame []byte

	m.mu.Lock()
	switch ev := ev.(type) {
	case AdvertisementFound:
		m.onAdvertisement(ev)
	case Connected:
		m.onConnected(ev)
	case ConnectFailed:
		m.onConnectFailed(ev)
	case ServiceFound:
		m.onServiceFound(ev)
	case MTUConfigured:
		m.onMTU(ev)
	case AttributesResolved:
		m.onAttributes(ev)
	case DescriptorWritten:
		m.onDescriptorWritten(ev)
	case Notification:
		frame = m.onNotification(ev)
	case Disconnected:
		m.onDisconnected(ev)
	}
	teardown := m.torndown
	m.torndown = false
	m.mu.Unlock()

	if frame != nil && m.telemetry != nil {
		if err := m.telemetry.Apply(frame); err != nil {
			log.Printf("link: dropped telemetry: %v\n", err)
		}
	}
	if teardown {
		for _, fn := range m.listeners {
			fn()
		}
	}
}

// current reports whether conn belongs to the session and it is in want.
func (m *Machine) current(conn ConnID, want State) bool {
	return m.session.Conn != 0 && conn == m.session.Conn && m.session.State == want
}

func (m *Machine) onAdvertisement(ev AdvertisementFound) {
	if m.session.State != Scanning || ev.Name != m.cfg.DeviceName {
		return
	}
	log.Printf("link: found %s at %s (rssi %d)\n", ev.Name, ev.Address, ev.RSSI)

	if err := m.transport.StopScan(); err != nil {
		log.Printf("link: stop scan: %v\n", err)
	}
	m.session.State = Connecting
	m.session.Peer = ev.Address
	m.session.RSSI = ev.RSSI
	if err := m.transport.Connect(ev.Address); err != nil {
		log.Printf("link: connect %s: %v\n", ev.Address, err)
		m.rescan()
	}
}

func (m *Machine) onConnected(ev Connected) {
	if m.session.State != Connecting {
		// A connect completing after a rescan still holds the peer.
		if ev.Conn != 0 && ev.Conn != m.session.Conn {
			log.Printf("link: dropping unexpected connection %d to %s\n", ev.Conn, ev.Address)
			if err := m.transport.Disconnect(ev.Conn); err != nil {
				log.Printf("link: disconnect %d: %v\n", ev.Conn, err)
			}
		}
		return
	}
	m.session.Conn = ev.Conn
	m.session.ID = uuid.NewString()
	m.session.Connected = true
	m.session.State = ServiceDiscovery
	log.Printf("link[%s]: connected to %s (conn %d)\n", m.session.ID, ev.Address, ev.Conn)

	if err := m.transport.SearchService(ev.Conn, UUIDService); err != nil {
		m.abort(fmt.Errorf("search service: %w", err))
	}
}

func (m *Machine) onConnectFailed(ev ConnectFailed) {
	if m.session.State != Connecting {
		return
	}
	log.Printf("link: connect to %s failed: %v\n", ev.Address, ev.Err)
	m.rescan()
}

func (m *Machine) onServiceFound(ev ServiceFound) {
	if !m.current(ev.Conn, ServiceDiscovery) {
		return
	}
	if ev.Err != nil {
		m.abort(fmt.Errorf("service 0x%04X: %w", UUIDService, ev.Err))
		return
	}
	m.session.Service = ev.Range
	m.session.State = MtuNegotiation
	log.Printf("link[%s]: service at %s\n", m.session.ID, ev.Range)

	if err := m.transport.NegotiateMTU(ev.Conn, m.cfg.MTU); err != nil {
		m.abort(fmt.Errorf("negotiate mtu: %w", err))
	}
}

func (m *Machine) onMTU(ev MTUConfigured) {
	if !m.current(ev.Conn, MtuNegotiation) {
		return
	}
	if ev.Err != nil {
		m.abort(fmt.Errorf("mtu: %w", ev.Err))
		return
	}
	m.session.MTU = ev.MTU
	m.session.State = AttributeResolution
	log.Printf("link[%s]: mtu %d\n", m.session.ID, ev.MTU)

	if err := m.transport.EnumerateAttributes(ev.Conn, m.session.Service); err != nil {
		m.abort(fmt.Errorf("enumerate attributes: %w", err))
	}
}

func (m *Machine) onAttributes(ev AttributesResolved) {
	if !m.current(ev.Conn, AttributeResolution) {
		return
	}
	if ev.Err != nil {
		m.abort(fmt.Errorf("attributes: %w", ev.Err))
		return
	}
	h, err := resolveHandles(ev.Attrs, m.cfg.Heartbeat)
	if err != nil {
		m.abort(err)
		return
	}
	m.session.Handles = h
	m.session.State = NotifySubscribing

	m.queue = append(m.queue[:0], SubscribeData, SubscribeStatus)
	if m.cfg.Heartbeat {
		m.queue = append(m.queue, SubscribeHeartbeat)
	}
	m.subscribeNext()
}

// subscribeNext pops the queue head and registers it. The following entry
// waits for the descriptor write of this one.
func (m *Machine) subscribeNext() {
	next := m.queue[0]
	m.queue = m.queue[1:]
	m.inFlight = next

	value, cfg := next.handles(m.session.Handles)
	conn := m.session.Conn
	if err := m.transport.Subscribe(conn, value); err != nil {
		m.abort(fmt.Errorf("subscribe %s: %w", next, err))
		return
	}
	if err := m.transport.WriteDescriptor(conn, cfg, notifyEnable); err != nil {
		m.abort(fmt.Errorf("enable %s notifications: %w", next, err))
	}
}

func (m *Machine) onDescriptorWritten(ev DescriptorWritten) {
	if !m.current(ev.Conn, NotifySubscribing) {
		return
	}
	if _, cfg := m.inFlight.handles(m.session.Handles); ev.Handle != cfg {
		return
	}
	if ev.Err != nil {
		m.abort(fmt.Errorf("enable %s notifications: %w", m.inFlight, ev.Err))
		return
	}
	if len(m.queue) > 0 {
		m.subscribeNext()
		return
	}
	m.session.State = Ready
	log.Printf("link[%s]: ready\n", m.session.ID)
}

func (m *Machine) onNotification(ev Notification) []byte {
	s := m.session
	if s.Conn == 0 || ev.Conn != s.Conn || s.State < NotifySubscribing {
		return nil
	}
	if ev.Handle != s.Handles.DataNotify {
		return nil
	}
	return ev.Data
}

func (m *Machine) onDisconnected(ev Disconnected) {
	if m.session.State == Idle || (m.session.Conn != 0 && ev.Conn != m.session.Conn) {
		return
	}
	if ev.Reason != nil {
		log.Printf("link[%s]: disconnected: %v\n", m.session.ID, ev.Reason)
	} else {
		log.Printf("link[%s]: disconnected\n", m.session.ID)
	}
	m.rescan()
}

// abort asks the transport to drop the link. Teardown happens on the
// resulting Disconnected event unless the transport refuses.
func (m *Machine) abort(reason error) {
	log.Printf("link[%s]: aborting in %s: %v\n", m.session.ID, m.session.State, reason)
	if err := m.transport.Disconnect(m.session.Conn); err != nil {
		log.Printf("link[%s]: disconnect: %v\n", m.session.ID, err)
		m.rescan()
	}
}

// rescan clears all session state and returns to scanning. Disconnect
// listeners run once Handle releases the lock.
func (m *Machine) rescan() {
	m.session = Session{State: Scanning}
	m.queue = nil
	m.inFlight = 0
	m.torndown = true
	if m.telemetry != nil {
		m.telemetry.Reset()
	}
	if err := m.transport.StartScan(); err != nil {
		log.Printf("link: start scan: %v\n", err)
	}
}
