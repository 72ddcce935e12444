package link

// Event is something the transport reports. The set is closed: Machine.Handle
// switches over exactly these types.
type Event interface {
	event()
}

// AdvertisementFound reports a device seen while scanning.
type AdvertisementFound struct {
	Name    string
	Address string
	RSSI    int
}

// Connected reports an established link.
type Connected struct {
	Conn    ConnID
	Address string
}

// ConnectFailed reports that a Connect did not establish a link.
type ConnectFailed struct {
	Address string
	Err     error
}

// ServiceFound completes SearchService. Err is set if the service is
// missing.
type ServiceFound struct {
	Conn  ConnID
	Range HandleRange
	Err   error
}

// MTUConfigured completes NegotiateMTU.
type MTUConfigured struct {
	Conn ConnID
	MTU  uint16
	Err  error
}

// AttributesResolved completes EnumerateAttributes.
type AttributesResolved struct {
	Conn  ConnID
	Attrs []Attribute
	Err   error
}

// DescriptorWritten completes WriteDescriptor.
type DescriptorWritten struct {
	Conn   ConnID
	Handle uint16
	Err    error
}

// Notification carries bytes pushed by the peer.
type Notification struct {
	Conn   ConnID
	Handle uint16
	Data   []byte
}

// Disconnected reports a dropped link, whatever the cause.
type Disconnected struct {
	Conn   ConnID
	Reason error
}

func (AdvertisementFound) event() {}
func (Connected) event()          {}
func (ConnectFailed) event()      {}
func (ServiceFound) event()       {}
func (MTUConfigured) event()      {}
func (AttributesResolved) event() {}
func (DescriptorWritten) event()  {}
func (Notification) event()       {}
func (Disconnected) event()       {}
