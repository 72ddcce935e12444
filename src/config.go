package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gsthumb/thumbctl/src/link"
)

// Role selects which end of the link this process is.
type Role string

const (
	RoleRemote   Role = "remote"
	RoleReceiver Role = "receiver"
)

// Variant selects the remote's input hardware.
type Variant string

const (
	VariantDual Variant = "dual" // throttle and brake levers
	VariantLite Variant = "lite" // single thumb wheel
)

// Config is the process configuration, read once from the environment.
type Config struct {
	Role       Role
	Variant    Variant
	DeviceName string
	Heartbeat  bool

	ThrottleADC string
	BrakeADC    string
	BmsPort     string

	StorePath string
	RedisAddr string
	Console   bool

	MQTTBroker   string
	MQTTUsername string
	MQTTPassword string
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

// LoadConfig reads THUMBCTL_* and MQTT_* variables. Call godotenv.Load
// first to pick up a .env file.
func LoadConfig() (Config, error) {
	cfg := Config{
		Role:         Role(strings.ToLower(envOr("THUMBCTL_ROLE", string(RoleRemote)))),
		Variant:      Variant(strings.ToLower(envOr("THUMBCTL_VARIANT", string(VariantDual)))),
		DeviceName:   envOr("THUMBCTL_DEVICE_NAME", link.DefaultDeviceName),
		ThrottleADC:  envOr("THUMBCTL_THROTTLE_ADC", "/sys/bus/iio/devices/iio:device0/in_voltage0_raw"),
		BrakeADC:     envOr("THUMBCTL_BRAKE_ADC", "/sys/bus/iio/devices/iio:device0/in_voltage1_raw"),
		BmsPort:      os.Getenv("THUMBCTL_BMS_PORT"),
		StorePath:    envOr("THUMBCTL_STORE_PATH", defaultStorePath()),
		RedisAddr:    os.Getenv("THUMBCTL_REDIS_ADDR"),
		MQTTBroker:   os.Getenv("MQTT_BROKER"),
		MQTTUsername: os.Getenv("MQTT_USERNAME"),
		MQTTPassword: os.Getenv("MQTT_PASSWORD"),
	}

	var err error
	if cfg.Heartbeat, err = envBool("THUMBCTL_HEARTBEAT", false); err != nil {
		return Config{}, err
	}
	if cfg.Console, err = envBool("THUMBCTL_CONSOLE", false); err != nil {
		return Config{}, err
	}

	switch cfg.Role {
	case RoleRemote, RoleReceiver:
	default:
		return Config{}, fmt.Errorf("THUMBCTL_ROLE: unknown role %q", cfg.Role)
	}
	switch cfg.Variant {
	case VariantDual, VariantLite:
	default:
		return Config{}, fmt.Errorf("THUMBCTL_VARIANT: unknown variant %q", cfg.Variant)
	}
	if cfg.MQTTBroker != "" && (cfg.MQTTUsername == "" || cfg.MQTTPassword == "") {
		return Config{}, fmt.Errorf("MQTT_USERNAME and MQTT_PASSWORD must be set when MQTT_BROKER is")
	}
	return cfg, nil
}

// defaultStorePath follows the XDG state directory convention.
func defaultStorePath() string {
	stateDir := os.Getenv("XDG_STATE_HOME")
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "thumbctl-state"
		}
		stateDir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(stateDir, "thumbctl")
}

// ADCConfig drives adcWorker.
type ADCConfig struct {
	ThrottlePath string
	BrakePath    string
	Dual         bool
	Interval     time.Duration
	MaxFailures  int
	ReopenDelay  time.Duration
}

func (c Config) ADCConfig() ADCConfig {
	return ADCConfig{
		ThrottlePath: c.ThrottleADC,
		BrakePath:    c.BrakeADC,
		Dual:         c.Variant == VariantDual,
		Interval:     20 * time.Millisecond,
		MaxFailures:  5,
		ReopenDelay:  100 * time.Millisecond,
	}
}

// CommandConfig drives commandWorker.
type CommandConfig struct {
	Interval time.Duration
	Lite     bool
}

func (c Config) CommandConfig() CommandConfig {
	return CommandConfig{
		Interval: 50 * time.Millisecond,
		Lite:     c.Variant == VariantLite,
	}
}

func (c Config) LinkConfig() link.Config {
	cfg := link.DefaultConfig()
	cfg.DeviceName = c.DeviceName
	cfg.Heartbeat = c.Heartbeat
	return cfg
}

// ReceiverConfig drives the receiver-side workers.
type ReceiverConfig struct {
	DeviceName     string
	Heartbeat      bool
	Failsafe       time.Duration
	NotifyInterval time.Duration
	BmsPort        string
}

func (c Config) ReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		DeviceName:     c.DeviceName,
		Heartbeat:      c.Heartbeat,
		Failsafe:       time.Second,
		NotifyInterval: 100 * time.Millisecond,
		BmsPort:        c.BmsPort,
	}
}

// MQTTConfig drives the MQTT workers. Publishing is off without a broker.
type MQTTConfig struct {
	Enabled  bool
	Broker   string
	Username string
	Password string
	ClientID string
}

func (c Config) MQTTConfig() MQTTConfig {
	return MQTTConfig{
		Enabled:  c.MQTTBroker != "",
		Broker:   c.MQTTBroker,
		Username: c.MQTTUsername,
		Password: c.MQTTPassword,
		ClientID: fmt.Sprintf("thumbctl-%s-%s", c.Role, uuid.NewString()[:8]),
	}
}
