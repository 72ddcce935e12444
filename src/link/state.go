package link

import "fmt"

// State is where the machine is in bringing up a session.
type State int

const (
	Idle State = iota
	Scanning
	Connecting
	ServiceDiscovery
	MtuNegotiation
	AttributeResolution
	NotifySubscribing
	Ready
)

var stateNames = [...]string{
	Idle:                "idle",
	Scanning:            "scanning",
	Connecting:          "connecting",
	ServiceDiscovery:    "service-discovery",
	MtuNegotiation:      "mtu-negotiation",
	AttributeResolution: "attribute-resolution",
	NotifySubscribing:   "notify-subscribing",
	Ready:               "ready",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Subscription names one notification registration in the startup queue.
type Subscription int

const (
	SubscribeData Subscription = iota
	SubscribeStatus
	SubscribeHeartbeat
)

func (s Subscription) String() string {
	switch s {
	case SubscribeData:
		return "data"
	case SubscribeStatus:
		return "status"
	case SubscribeHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("subscription(%d)", int(s))
	}
}

// handles returns the value and client-config handles for s.
func (s Subscription) handles(h Handles) (value, cfg uint16) {
	switch s {
	case SubscribeData:
		return h.DataNotify, h.DataNotifyCfg
	case SubscribeStatus:
		return h.StatusNotify, h.StatusNotifyCfg
	default:
		return h.Heartbeat, h.HeartbeatCfg
	}
}

// Session is the state of one connection attempt. The zero value is "no
// session".
type Session struct {
	State     State
	Conn      ConnID
	ID        string // random id for correlating log lines
	Peer      string
	RSSI      int
	MTU       uint16
	Service   HandleRange
	Handles   Handles
	Connected bool
}
