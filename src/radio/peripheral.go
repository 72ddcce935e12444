package radio

import (
	"bytes"
	"fmt"
	"log"

	"tinygo.org/x/bluetooth"

	"github.com/gsthumb/thumbctl/src/link"
)

// Peripheral is the receiver's GATT server: it accepts throttle writes and
// pushes telemetry notifications.
type Peripheral struct {
	adapter   *bluetooth.Adapter
	name      string
	heartbeat bool

	onData      func([]byte)
	onHeartbeat func()

	dataReceive  bluetooth.Characteristic
	dataNotify   bluetooth.Characteristic
	command      bluetooth.Characteristic
	statusNotify bluetooth.Characteristic
	heartbeatCh  bluetooth.Characteristic
}

// NewPeripheral builds the server. onData receives every write to the data
// characteristic; onHeartbeat, if set, runs when the remote's keepalive
// arrives.
func NewPeripheral(adapter *bluetooth.Adapter, name string, heartbeat bool, onData func([]byte), onHeartbeat func()) *Peripheral {
	return &Peripheral{
		adapter:     adapter,
		name:        name,
		heartbeat:   heartbeat,
		onData:      onData,
		onHeartbeat: onHeartbeat,
	}
}

func uuid16(v uint16) bluetooth.UUID {
	return bluetooth.New16BitUUID(v)
}

// Start enables the adapter, registers the service and begins advertising.
func (p *Peripheral) Start() error {
	if err := p.adapter.Enable(); err != nil {
		return fmt.Errorf("enable adapter: %w", err)
	}

	write := bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission
	notify := bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission

	chars := []bluetooth.CharacteristicConfig{
		{
			Handle: &p.dataReceive,
			UUID:   uuid16(link.UUIDDataReceive),
			Flags:  write,
			WriteEvent: func(_ bluetooth.Connection, _ int, value []byte) {
				if p.onData != nil {
					p.onData(append([]byte(nil), value...))
				}
			},
		},
		{Handle: &p.dataNotify, UUID: uuid16(link.UUIDDataNotify), Flags: notify},
		{
			Handle: &p.command,
			UUID:   uuid16(link.UUIDCommand),
			Flags:  write,
			WriteEvent: func(_ bluetooth.Connection, _ int, value []byte) {
				log.Printf("radio: command write % x\n", value)
			},
		},
		{Handle: &p.statusNotify, UUID: uuid16(link.UUIDStatusNotify), Flags: notify},
	}
	if p.heartbeat {
		chars = append(chars, bluetooth.CharacteristicConfig{
			Handle: &p.heartbeatCh,
			UUID:   uuid16(link.UUIDHeartbeat),
			Flags:  write | notify,
			WriteEvent: func(_ bluetooth.Connection, _ int, value []byte) {
				if bytes.Equal(value, []byte("Espressif")) && p.onHeartbeat != nil {
					p.onHeartbeat()
				}
			},
		})
	}

	if err := p.adapter.AddService(&bluetooth.Service{
		UUID:            uuid16(link.UUIDService),
		Characteristics: chars,
	}); err != nil {
		return fmt.Errorf("add service: %w", err)
	}

	adv := p.adapter.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    p.name,
		ServiceUUIDs: []bluetooth.UUID{uuid16(link.UUIDService)},
	}); err != nil {
		return fmt.Errorf("configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("start advertisement: %w", err)
	}
	log.Printf("radio: advertising as %s\n", p.name)
	return nil
}

// Notify pushes a telemetry frame to the subscribed remote.
func (p *Peripheral) Notify(frame []byte) error {
	_, err := p.dataNotify.Write(frame)
	return err
}

// Status pushes a status notification.
func (p *Peripheral) Status(msg []byte) error {
	_, err := p.statusNotify.Write(msg)
	return err
}
