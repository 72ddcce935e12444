package main

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"slices"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTMessage represents an outgoing MQTT message
type MQTTMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// MQTTSender wraps a channel for sending MQTT messages with helper methods
type MQTTSender struct {
	ch       chan<- MQTTMessage
	deviceID string
	name     string
}

// NewMQTTSender creates a sender publishing entities for one device
func NewMQTTSender(ch chan<- MQTTMessage, deviceID, name string) *MQTTSender {
	return &MQTTSender{ch: ch, deviceID: deviceID, name: name}
}

// Send sends a raw MQTTMessage
func (s *MQTTSender) Send(msg MQTTMessage) {
	s.ch <- msg
}

type haDeviceConfig struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

func (s *MQTTSender) device() haDeviceConfig {
	return haDeviceConfig{
		Identifiers:  []string{s.deviceID},
		Name:         s.name,
		Manufacturer: "thumbctl",
		Model:        "Thumb throttle",
	}
}

// StateTopic is where sensor values are published as one JSON object
func (s *MQTTSender) StateTopic() string {
	return "homeassistant/sensor/" + s.deviceID + "/state"
}

// LevelAssistTopics returns the switch's state and command topics
func (s *MQTTSender) LevelAssistTopics() (state, command string) {
	base := "homeassistant/switch/" + s.deviceID + "_level_assist"
	return base + "/state", base + "/set"
}

// CalibrateTopic returns the button's command topic
func (s *MQTTSender) CalibrateTopic() string {
	return "homeassistant/button/" + s.deviceID + "_calibrate/press"
}

func (s *MQTTSender) sendConfig(topic string, config any) error {
	payload, err := json.Marshal(config)
	if err != nil {
		return err
	}
	s.Send(MQTTMessage{
		Topic:   topic,
		Payload: payload,
		QoS:     2,
		Retain:  true,
	})
	return nil
}

// CreateSensorEntity creates a Home Assistant sensor via MQTT discovery. The
// value is read from jsonKey of the shared state topic.
func (s *MQTTSender) CreateSensorEntity(
	entityName, entityClass, entityMeasure, jsonKey string,
	displayPrecision int,
) error {
	type haEntityConfig struct {
		Name             string         `json:"name,omitempty"`
		DeviceClass      string         `json:"device_class,omitempty"`
		StateTopic       string         `json:"state_topic"`
		UnitOfMeasure    string         `json:"unit_of_measurement,omitempty"`
		ValueTemplate    string         `json:"value_template"`
		UniqueId         string         `json:"unique_id"`
		ExpireAfter      uint           `json:"expire_after,omitempty"`
		StateClass       string         `json:"state_class,omitempty"`
		DisplayPrecision int            `json:"suggested_display_precision,omitempty"`
		Device           haDeviceConfig `json:"device"`
	}

	config := haEntityConfig{
		Name:             entityName,
		DeviceClass:      entityClass,
		StateTopic:       s.StateTopic(),
		UnitOfMeasure:    entityMeasure,
		ValueTemplate:    "{{ value_json." + jsonKey + " }}",
		UniqueId:         s.deviceID + "_" + jsonKey,
		ExpireAfter:      60,
		StateClass:       "measurement",
		DisplayPrecision: displayPrecision,
		Device:           s.device(),
	}
	return s.sendConfig("homeassistant/sensor/"+s.deviceID+"_"+jsonKey+"/config", config)
}

// CreateLevelAssistSwitch creates the level assist switch via MQTT discovery
func (s *MQTTSender) CreateLevelAssistSwitch() error {
	type haSwitchConfig struct {
		Name         string         `json:"name"`
		StateTopic   string         `json:"state_topic"`
		CommandTopic string         `json:"command_topic"`
		UniqueId     string         `json:"unique_id"`
		Icon         string         `json:"icon,omitempty"`
		Device       haDeviceConfig `json:"device"`
	}

	state, command := s.LevelAssistTopics()
	config := haSwitchConfig{
		Name:         "Level assist",
		StateTopic:   state,
		CommandTopic: command,
		UniqueId:     s.deviceID + "_level_assist",
		Icon:         "mdi:slope-uphill",
		Device:       s.device(),
	}
	return s.sendConfig("homeassistant/switch/"+s.deviceID+"_level_assist/config", config)
}

// CreateCalibrateButton creates the calibration button via MQTT discovery
func (s *MQTTSender) CreateCalibrateButton() error {
	type haButtonConfig struct {
		Name         string         `json:"name"`
		CommandTopic string         `json:"command_topic"`
		UniqueId     string         `json:"unique_id"`
		Icon         string         `json:"icon,omitempty"`
		Device       haDeviceConfig `json:"device"`
	}

	config := haButtonConfig{
		Name:         "Calibrate throttle",
		CommandTopic: s.CalibrateTopic(),
		UniqueId:     s.deviceID + "_calibrate",
		Icon:         "mdi:tune",
		Device:       s.device(),
	}
	return s.sendConfig("homeassistant/button/"+s.deviceID+"_calibrate/config", config)
}

type sensorEntity struct {
	name, class, unit, key string
	precision              int
}

var (
	sensorEntities = []sensorEntity{
		{"Battery", "battery", "%", "battery", 0},
		{"Battery voltage", "voltage", "V", "bms_voltage", 2},
		{"Battery current", "current", "A", "bms_current", 2},
		{"Input voltage", "voltage", "V", "input_voltage", 2},
		{"Motor current", "current", "A", "motor_current", 2},
		{"Controller temperature", "temperature", "°C", "temp_mos", 1},
		{"Motor temperature", "temperature", "°C", "temp_motor", 1},
		{"ERPM", "", "", "erpm", 0},
		{"Speed", "speed", "km/h", "speed_kmh", 1},
		{"Throttle", "", "", "throttle", 0},
	}
	remoteSensorEntities = []sensorEntity{
		{"Trip", "distance", "km", "trip_km", 2},
		{"Signal", "", "bars", "signal", 0},
	}
)

// CreateEntities announces every entity the publisher feeds
func (s *MQTTSender) CreateEntities(remote bool) error {
	sensors := sensorEntities
	if remote {
		sensors = append(slices.Clone(sensors), remoteSensorEntities...)
	}

	for _, e := range sensors {
		if err := s.CreateSensorEntity(e.name, e.class, e.unit, e.key, e.precision); err != nil {
			return err
		}
	}
	if !remote {
		return nil
	}
	if err := s.CreateLevelAssistSwitch(); err != nil {
		return err
	}
	return s.CreateCalibrateButton()
}

// statePayload flattens a Status into the JSON object the sensors read.
func statePayload(st Status) map[string]any {
	t := st.Telemetry
	round := func(v float64, places int) float64 {
		p := math.Pow(10, float64(places))
		return math.Round(v*p) / p
	}
	payload := map[string]any{
		"battery":       st.Battery,
		"bms_voltage":   round(t.Bms.Voltage, 2),
		"bms_current":   round(t.Bms.Current, 2),
		"input_voltage": round(t.InputVoltage, 2),
		"motor_current": round(t.MotorCurrent, 2),
		"temp_mos":      round(t.TempMos, 1),
		"temp_motor":    round(t.TempMotor, 1),
		"erpm":          t.ERPM,
		"throttle":      st.Sent,
		"link":          st.Link,
		"signal":        st.Bars,
		"speed_kmh":     round(st.SpeedKmh, 1),
		"trip_km":       round(st.TripKm, 2),
	}
	return payload
}

// PublishStatus sends the sensor state and the switch state
func (s *MQTTSender) PublishStatus(st Status) error {
	payload, err := json.Marshal(statePayload(st))
	if err != nil {
		return err
	}
	s.Send(MQTTMessage{Topic: s.StateTopic(), Payload: payload})

	state, _ := s.LevelAssistTopics()
	on := "OFF"
	if st.LevelAssist {
		on = "ON"
	}
	s.Send(MQTTMessage{Topic: state, Payload: []byte(on), Retain: true})
	return nil
}

// mqttSenderWorker publishes outgoing messages, queuing them until a
// connected client is available
func mqttSenderWorker(
	ctx context.Context,
	outgoingChan <-chan MQTTMessage,
	clientChan <-chan mqtt.Client,
) {
	log.Println("MQTT sender worker started")

	var client mqtt.Client
	var messageQueue []MQTTMessage
	const maxQueued = 500

	publish := func(msg MQTTMessage) {
		token := client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
		token.Wait()
		if token.Error() != nil {
			log.Printf("Failed to publish to %s: %v\n", msg.Topic, token.Error())
		}
	}

	for {
		select {
		case newClient := <-clientChan:
			log.Println("MQTT sender worker received new client")
			client = newClient

			if client != nil && client.IsConnected() {
				queuedCount := len(messageQueue)
				for _, msg := range messageQueue {
					publish(msg)
				}
				messageQueue = nil
				if queuedCount > 0 {
					log.Printf("MQTT sender worker processed %d queued messages\n", queuedCount)
				}
			}

		case msg := <-outgoingChan:
			if client != nil && client.IsConnected() {
				publish(msg)
				continue
			}
			// Retained discovery configs must survive; state updates are
			// superseded by the next one.
			if !msg.Retain && len(messageQueue) >= maxQueued {
				continue
			}
			messageQueue = append(messageQueue, msg)

		case <-ctx.Done():
			log.Println("MQTT sender worker stopped")
			return
		}
	}
}

// mqttPublisherWorker forwards every Status to MQTT
func mqttPublisherWorker(ctx context.Context, statusChan <-chan Status, sender *MQTTSender) {
	for {
		select {
		case st := <-statusChan:
			if err := sender.PublishStatus(st); err != nil {
				log.Printf("Failed to publish status: %v\n", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
