package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/gsthumb/thumbctl/src/throttle"
)

// CommandMessage is an inbound MQTT command with topic and value
type CommandMessage struct {
	Topic string
	Value string
}

// mqttWorker manages the MQTT connection and forwards command topics to a
// channel
func mqttWorker(
	ctx context.Context,
	cfg MQTTConfig,
	topics []string,
	msgChan chan<- CommandMessage,
	clientChan chan<- mqtt.Client,
) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:1883", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("MQTT connection lost: %v\n", err)
	})

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Printf("Connected to MQTT broker at %s\n", cfg.Broker)

		select {
		case clientChan <- client:
		case <-ctx.Done():
			return
		}

		for _, topic := range topics {
			token := client.Subscribe(topic, 1, func(client mqtt.Client, msg mqtt.Message) {
				select {
				case msgChan <- CommandMessage{Topic: msg.Topic(), Value: string(msg.Payload())}:
				case <-ctx.Done():
				}
			})
			if token.Wait() && token.Error() != nil {
				log.Printf("Failed to subscribe to topic %s: %v\n", topic, token.Error())
			} else {
				log.Printf("Subscribed to topic: %s\n", topic)
			}
		}
	})

	client := mqtt.NewClient(opts)

	log.Printf("Connecting to MQTT broker at %s...\n", cfg.Broker)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Printf("Failed to connect to MQTT broker: %v\n", token.Error())
		return
	}

	<-ctx.Done()

	if client.IsConnected() {
		client.Disconnect(250)
		log.Println("Disconnected from MQTT broker")
	}
}

// handleMQTTCommand applies one inbound command
func handleMQTTCommand(msg CommandMessage, sender *MQTTSender, controls *Controls) error {
	_, levelAssistCmd := sender.LevelAssistTopics()

	switch msg.Topic {
	case levelAssistCmd:
		switch strings.ToUpper(strings.TrimSpace(msg.Value)) {
		case "ON":
			return controls.SetLevelAssist(true)
		case "OFF":
			return controls.SetLevelAssist(false)
		default:
			return fmt.Errorf("level assist: unexpected payload %q", msg.Value)
		}

	case sender.CalibrateTopic():
		channels := []throttle.Channel{throttle.ChannelThrottle}
		if controls.dual {
			channels = append(channels, throttle.ChannelBrake)
		}
		return controls.Calibrate(channels...)

	default:
		return fmt.Errorf("unexpected topic %s", msg.Topic)
	}
}

// mqttCommandWorker applies commands received from Home Assistant
func mqttCommandWorker(ctx context.Context, msgChan <-chan CommandMessage, sender *MQTTSender, controls *Controls) {
	for {
		select {
		case msg := <-msgChan:
			if err := handleMQTTCommand(msg, sender, controls); err != nil {
				log.Printf("MQTT command %s: %v\n", msg.Topic, err)
			}
		case <-ctx.Done():
			return
		}
	}
}
