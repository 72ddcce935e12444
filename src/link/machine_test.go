package link

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (f *fakeTransport) record(op string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := op
	if len(args) > 0 {
		call = fmt.Sprintf("%s %v", op, args)
	}
	f.calls = append(f.calls, call)
	return f.fail[op]
}

func (f *fakeTransport) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTransport) Last() string {
	c := f.Calls()
	if len(c) == 0 {
		return ""
	}
	return c[len(c)-1]
}

func (f *fakeTransport) StartScan() error          { return f.record("scan") }
func (f *fakeTransport) StopScan() error           { return f.record("stop-scan") }
func (f *fakeTransport) Connect(addr string) error { return f.record("connect", addr) }
func (f *fakeTransport) Disconnect(c ConnID) error { return f.record("disconnect", c) }
func (f *fakeTransport) SearchService(c ConnID, u uint16) error {
	return f.record("search", c, u)
}
func (f *fakeTransport) NegotiateMTU(c ConnID, mtu uint16) error {
	return f.record("mtu", c, mtu)
}
func (f *fakeTransport) EnumerateAttributes(c ConnID, r HandleRange) error {
	return f.record("attrs", c, r.Start, r.End)
}
func (f *fakeTransport) Subscribe(c ConnID, h uint16) error {
	return f.record("subscribe", c, h)
}
func (f *fakeTransport) WriteDescriptor(c ConnID, h uint16, v []byte) error {
	return f.record("descriptor", c, h, v)
}
func (f *fakeTransport) WriteCharacteristic(c ConnID, h uint16, d []byte) error {
	return f.record("write", c, h, d)
}

type fakeSink struct {
	frames [][]byte
	resets int
}

func (s *fakeSink) Apply(frame []byte) error {
	s.frames = append(s.frames, frame)
	return nil
}

func (s *fakeSink) Reset() { s.resets++ }

// attrTable lays the receiver's attributes out on consecutive handles from
// 40.
func attrTable(heartbeat bool) []Attribute {
	schema := Schema(heartbeat)
	attrs := make([]Attribute, len(schema))
	for i, u := range schema {
		attrs[i] = Attribute{Handle: uint16(40 + i), UUID: u}
	}
	return attrs
}

const conn ConnID = 7

func newMachine(t *testing.T, heartbeat bool) (*Machine, *fakeTransport, *fakeSink) {
	t.Helper()
	tr := &fakeTransport{fail: map[string]error{}}
	sink := &fakeSink{}
	cfg := DefaultConfig()
	cfg.Heartbeat = heartbeat
	m := NewMachine(cfg, tr, sink)
	require.NoError(t, m.Start())
	return m, tr, sink
}

// toSubscribing walks a fresh machine up to the first descriptor write.
func toSubscribing(m *Machine, heartbeat bool) {
	m.Handle(AdvertisementFound{Name: DefaultDeviceName, Address: "aa:bb", RSSI: -60})
	m.Handle(Connected{Conn: conn, Address: "aa:bb"})
	m.Handle(ServiceFound{Conn: conn, Range: HandleRange{Start: 40, End: 48}})
	m.Handle(MTUConfigured{Conn: conn, MTU: 200})
	m.Handle(AttributesResolved{Conn: conn, Attrs: attrTable(heartbeat)})
}

func toReady(m *Machine, heartbeat bool) {
	toSubscribing(m, heartbeat)
	m.Handle(DescriptorWritten{Conn: conn, Handle: 43})
	m.Handle(DescriptorWritten{Conn: conn, Handle: 46})
	if heartbeat {
		m.Handle(DescriptorWritten{Conn: conn, Handle: 48})
	}
}

func TestStartScans(t *testing.T) {
	m, tr, _ := newMachine(t, false)
	assert.Equal(t, Scanning, m.State())
	assert.Equal(t, []string{"scan"}, tr.Calls())
	assert.Error(t, m.Start())
}

func TestIgnoresOtherDevices(t *testing.T) {
	m, tr, _ := newMachine(t, false)
	m.Handle(AdvertisementFound{Name: "headphones", Address: "cc:dd"})
	assert.Equal(t, Scanning, m.State())
	assert.Equal(t, []string{"scan"}, tr.Calls())
}

func TestUnexpectedConnectionIsDropped(t *testing.T) {
	m, tr, _ := newMachine(t, false)
	m.Handle(Connected{Conn: 9, Address: "aa:bb"})

	assert.Equal(t, Scanning, m.State())
	assert.Equal(t, []string{"scan", "disconnect [9]"}, tr.Calls())
}

func TestStrayConnectionWhileReady(t *testing.T) {
	m, tr, _ := newMachine(t, false)
	toReady(m, false)
	n := len(tr.Calls())

	m.Handle(Connected{Conn: conn, Address: "aa:bb"})
	assert.Len(t, tr.Calls(), n, "repeat of the session's own connection is ignored")

	m.Handle(Connected{Conn: 11, Address: "ee:ff"})
	assert.Equal(t, "disconnect [11]", tr.Last())
	assert.Equal(t, Ready, m.State())
	assert.Equal(t, conn, m.Session().Conn)
}

func TestHappyPathReachesReady(t *testing.T) {
	m, tr, _ := newMachine(t, false)
	toReady(m, false)

	s := m.Session()
	assert.Equal(t, Ready, s.State)
	assert.Equal(t, conn, s.Conn)
	assert.Equal(t, uint16(200), s.MTU)
	assert.Equal(t, -60, s.RSSI)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, uint16(41), s.Handles.DataReceive)
	assert.Equal(t, uint16(42), s.Handles.DataNotify)

	assert.Equal(t, []string{
		"scan",
		"stop-scan",
		"connect [aa:bb]",
		"search [7 43760]",
		"mtu [7 200]",
		"attrs [7 40 48]",
		"subscribe [7 42]",
		"descriptor [7 43 [1 0]]",
		"subscribe [7 45]",
		"descriptor [7 46 [1 0]]",
	}, tr.Calls())
}

func TestSubscriptionsAreSerialised(t *testing.T) {
	m, tr, _ := newMachine(t, true)
	toSubscribing(m, true)
	assert.Equal(t, "descriptor [7 43 [1 0]]", tr.Last())

	// A completion for a handle that is not in flight does not advance.
	m.Handle(DescriptorWritten{Conn: conn, Handle: 46})
	assert.Equal(t, "descriptor [7 43 [1 0]]", tr.Last())

	m.Handle(DescriptorWritten{Conn: conn, Handle: 43})
	assert.Equal(t, "descriptor [7 46 [1 0]]", tr.Last())
	m.Handle(DescriptorWritten{Conn: conn, Handle: 46})
	assert.Equal(t, "descriptor [7 48 [1 0]]", tr.Last())
	assert.Equal(t, NotifySubscribing, m.State())

	m.Handle(DescriptorWritten{Conn: conn, Handle: 48})
	assert.Equal(t, Ready, m.State())
	assert.Equal(t, uint16(47), m.Session().Handles.Heartbeat)
}

func TestDisconnectWhileSubscribingResets(t *testing.T) {
	m, tr, sink := newMachine(t, false)
	var downs int
	m.OnDisconnect(func() { downs++ })

	toSubscribing(m, false)
	m.Handle(Notification{Conn: conn, Handle: 42, Data: []byte{1}})
	require.Len(t, sink.frames, 1)

	m.Handle(Disconnected{Conn: conn, Reason: errors.New("supervision timeout")})

	assert.Equal(t, Session{State: Scanning}, m.Session())
	assert.Equal(t, 1, sink.resets)
	assert.Equal(t, 1, downs)
	assert.Equal(t, "scan", tr.Last())

	// Late completions from the dead connection change nothing.
	m.Handle(DescriptorWritten{Conn: conn, Handle: 43})
	m.Handle(Notification{Conn: conn, Handle: 42, Data: []byte{2}})
	assert.Equal(t, Scanning, m.State())
	assert.Len(t, sink.frames, 1)
	assert.Equal(t, "scan", tr.Last())
}

func TestStaleDisconnectIgnored(t *testing.T) {
	m, _, sink := newMachine(t, false)
	toReady(m, false)

	m.Handle(Disconnected{Conn: conn + 1})
	assert.Equal(t, Ready, m.State())
	assert.Zero(t, sink.resets)
}

func TestSchemaMismatchAborts(t *testing.T) {
	m, tr, _ := newMachine(t, true)
	m.Handle(AdvertisementFound{Name: DefaultDeviceName, Address: "aa:bb"})
	m.Handle(Connected{Conn: conn, Address: "aa:bb"})
	m.Handle(ServiceFound{Conn: conn, Range: HandleRange{Start: 40, End: 46}})
	m.Handle(MTUConfigured{Conn: conn, MTU: 200})

	// Receiver built without the heartbeat characteristic.
	m.Handle(AttributesResolved{Conn: conn, Attrs: attrTable(false)})
	assert.Equal(t, "disconnect [7]", tr.Last())
	assert.Equal(t, AttributeResolution, m.State())

	m.Handle(Disconnected{Conn: conn})
	assert.Equal(t, Scanning, m.State())
}

func TestWrongAttributeUUIDAborts(t *testing.T) {
	attrs := attrTable(false)
	attrs[2].UUID = 0x1234
	_, err := resolveHandles(attrs, false)
	assert.Error(t, err)
}

func TestMTUFailureAborts(t *testing.T) {
	m, tr, _ := newMachine(t, false)
	m.Handle(AdvertisementFound{Name: DefaultDeviceName, Address: "aa:bb"})
	m.Handle(Connected{Conn: conn, Address: "aa:bb"})
	m.Handle(ServiceFound{Conn: conn, Range: HandleRange{Start: 40, End: 46}})
	m.Handle(MTUConfigured{Conn: conn, Err: errors.New("rejected")})
	assert.Equal(t, "disconnect [7]", tr.Last())
}

func TestDescriptorFailureAborts(t *testing.T) {
	m, tr, _ := newMachine(t, false)
	toSubscribing(m, false)
	m.Handle(DescriptorWritten{Conn: conn, Handle: 43, Err: errors.New("write failed")})
	assert.Equal(t, "disconnect [7]", tr.Last())
	assert.Equal(t, NotifySubscribing, m.State())
}

func TestRefusedDisconnectStillResets(t *testing.T) {
	m, tr, sink := newMachine(t, false)
	tr.fail["disconnect"] = errors.New("not connected")
	toSubscribing(m, false)

	m.Handle(DescriptorWritten{Conn: conn, Handle: 43, Err: errors.New("write failed")})
	assert.Equal(t, Scanning, m.State())
	assert.Equal(t, 1, sink.resets)
	assert.Equal(t, "scan", tr.Last())
}

func TestConnectFailureRescans(t *testing.T) {
	m, tr, _ := newMachine(t, false)
	m.Handle(AdvertisementFound{Name: DefaultDeviceName, Address: "aa:bb"})
	assert.Equal(t, Connecting, m.State())

	m.Handle(ConnectFailed{Address: "aa:bb", Err: errors.New("timeout")})
	assert.Equal(t, Scanning, m.State())
	assert.Equal(t, "scan", tr.Last())
}

func TestWriteOnlyWhenReady(t *testing.T) {
	m, tr, _ := newMachine(t, false)
	assert.ErrorIs(t, m.Write([]byte{127, 0}), ErrNotReady)

	toReady(m, false)
	require.NoError(t, m.Write([]byte{127, 0}))
	assert.Equal(t, "write [7 41 [127 0]]", tr.Last())
}

func TestNotificationsOnlyFromDataHandle(t *testing.T) {
	m, _, sink := newMachine(t, false)
	toReady(m, false)

	m.Handle(Notification{Conn: conn, Handle: 45, Data: []byte{9}})
	m.Handle(Notification{Conn: conn, Handle: 42, Data: []byte{1, 2}})
	assert.Equal(t, [][]byte{{1, 2}}, sink.frames)
}

func TestHeartbeat(t *testing.T) {
	m, _, _ := newMachine(t, false)
	toReady(m, false)
	assert.ErrorIs(t, m.Heartbeat(), ErrNoHeartbeat)

	m, tr, _ := newMachine(t, true)
	assert.ErrorIs(t, m.Heartbeat(), ErrNotReady)
	toReady(m, true)
	require.NoError(t, m.Heartbeat())
	assert.Equal(t, fmt.Sprintf("write [7 47 %v]", []byte("Espressif")), tr.Last())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "notify-subscribing", NotifySubscribing.String())
	assert.Equal(t, "state(42)", State(42).String())
}

type rssiTransport struct {
	*fakeTransport
	rssi int
	err  error
}

func (r *rssiTransport) ReadRSSI(c ConnID) (int, error) {
	r.record("rssi", c)
	return r.rssi, r.err
}

func TestRefreshRSSIKeepsAdvertisedReading(t *testing.T) {
	m, _, _ := newMachine(t, false)
	_, ok := m.RefreshRSSI()
	assert.False(t, ok)

	toReady(m, false)
	rssi, ok := m.RefreshRSSI()
	assert.True(t, ok)
	assert.Equal(t, -60, rssi)
}

func TestRefreshRSSIReadsLiveConnection(t *testing.T) {
	tr := &rssiTransport{fakeTransport: &fakeTransport{fail: map[string]error{}}, rssi: -82}
	m := NewMachine(DefaultConfig(), tr, &fakeSink{})
	require.NoError(t, m.Start())
	toReady(m, false)

	rssi, ok := m.RefreshRSSI()
	assert.True(t, ok)
	assert.Equal(t, -82, rssi)
	assert.Equal(t, "rssi [7]", tr.Last())

	tr.err = errors.New("busy")
	rssi, _ = m.RefreshRSSI()
	assert.Equal(t, -82, rssi, "failed read keeps the previous value")
	assert.Equal(t, -82, m.Session().RSSI)
}
