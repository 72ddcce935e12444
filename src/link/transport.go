// Package link drives the remote's side of the wireless connection: finding
// the receiver, resolving its service, subscribing to its notifications and
// carrying throttle writes out and telemetry in.
package link

import "fmt"

// ConnID identifies one connection. Zero means "no connection".
type ConnID uint32

// HandleRange is the attribute handle span of a service.
type HandleRange struct {
	Start, End uint16
}

func (r HandleRange) String() string {
	return fmt.Sprintf("0x%04X-0x%04X", r.Start, r.End)
}

// Attribute is one entry of a service's attribute table.
type Attribute struct {
	Handle uint16
	UUID   uint16
}

// Transport is the platform BLE central. Every operation except
// WriteCharacteristic completes asynchronously by emitting an Event.
type Transport interface {
	StartScan() error
	StopScan() error
	Connect(address string) error
	SearchService(conn ConnID, uuid uint16) error
	NegotiateMTU(conn ConnID, mtu uint16) error
	EnumerateAttributes(conn ConnID, r HandleRange) error
	Subscribe(conn ConnID, handle uint16) error
	WriteDescriptor(conn ConnID, handle uint16, value []byte) error
	WriteCharacteristic(conn ConnID, handle uint16, data []byte) error
	Disconnect(conn ConnID) error
}

// RSSIReader is implemented by transports that can sample the signal
// strength of an open connection.
type RSSIReader interface {
	ReadRSSI(conn ConnID) (int, error)
}

// 16-bit UUIDs of the receiver's service.
const (
	UUIDService      uint16 = 0xABF0
	UUIDDataReceive  uint16 = 0xABF1
	UUIDDataNotify   uint16 = 0xABF2
	UUIDCommand      uint16 = 0xABF3
	UUIDStatusNotify uint16 = 0xABF4
	UUIDHeartbeat    uint16 = 0xABF5
	UUIDClientConfig uint16 = 0x2902
)

// Attribute table positions.
const (
	idxService = iota
	idxDataReceive
	idxDataNotify
	idxDataNotifyCfg
	idxCommand
	idxStatusNotify
	idxStatusNotifyCfg
	idxHeartbeat
	idxHeartbeatCfg
)

// Schema returns the attribute table the receiver is expected to expose.
func Schema(heartbeat bool) []uint16 {
	s := []uint16{
		UUIDService,
		UUIDDataReceive,
		UUIDDataNotify,
		UUIDClientConfig,
		UUIDCommand,
		UUIDStatusNotify,
		UUIDClientConfig,
	}
	if heartbeat {
		s = append(s, UUIDHeartbeat, UUIDClientConfig)
	}
	return s
}

// Handles are the resolved attribute handles of a session.
type Handles struct {
	DataReceive     uint16
	DataNotify      uint16
	DataNotifyCfg   uint16
	Command         uint16
	StatusNotify    uint16
	StatusNotifyCfg uint16
	Heartbeat       uint16
	HeartbeatCfg    uint16
}

// resolveHandles checks attrs against the schema and extracts the handles.
func resolveHandles(attrs []Attribute, heartbeat bool) (Handles, error) {
	schema := Schema(heartbeat)
	if len(attrs) != len(schema) {
		return Handles{}, fmt.Errorf("attribute count %d, want %d", len(attrs), len(schema))
	}
	for i, want := range schema {
		if attrs[i].UUID != want {
			return Handles{}, fmt.Errorf("attribute %d has uuid 0x%04X, want 0x%04X", i, attrs[i].UUID, want)
		}
	}

	h := Handles{
		DataReceive:     attrs[idxDataReceive].Handle,
		DataNotify:      attrs[idxDataNotify].Handle,
		DataNotifyCfg:   attrs[idxDataNotifyCfg].Handle,
		Command:         attrs[idxCommand].Handle,
		StatusNotify:    attrs[idxStatusNotify].Handle,
		StatusNotifyCfg: attrs[idxStatusNotifyCfg].Handle,
	}
	if heartbeat {
		h.Heartbeat = attrs[idxHeartbeat].Handle
		h.HeartbeatCfg = attrs[idxHeartbeatCfg].Handle
	}
	return h, nil
}
