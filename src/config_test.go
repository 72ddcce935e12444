package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsthumb/thumbctl/src/link"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"THUMBCTL_ROLE", "THUMBCTL_VARIANT", "THUMBCTL_DEVICE_NAME", "THUMBCTL_HEARTBEAT",
		"THUMBCTL_THROTTLE_ADC", "THUMBCTL_BRAKE_ADC", "THUMBCTL_BMS_PORT",
		"THUMBCTL_STORE_PATH", "THUMBCTL_REDIS_ADDR", "THUMBCTL_CONSOLE",
		"MQTT_BROKER", "MQTT_USERNAME", "MQTT_PASSWORD",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("XDG_STATE_HOME", "/var/lib/state")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, RoleRemote, cfg.Role)
	assert.Equal(t, VariantDual, cfg.Variant)
	assert.Equal(t, link.DefaultDeviceName, cfg.DeviceName)
	assert.False(t, cfg.Heartbeat)
	assert.Equal(t, "/var/lib/state/thumbctl", cfg.StorePath)
	assert.False(t, cfg.MQTTConfig().Enabled)
}

func TestLoadConfigOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("THUMBCTL_ROLE", "Receiver")
	t.Setenv("THUMBCTL_VARIANT", "lite")
	t.Setenv("THUMBCTL_DEVICE_NAME", "BOARD-2")
	t.Setenv("THUMBCTL_HEARTBEAT", "true")
	t.Setenv("THUMBCTL_BMS_PORT", "/dev/ttyUSB0")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, RoleReceiver, cfg.Role)
	assert.Equal(t, VariantLite, cfg.Variant)

	lc := cfg.LinkConfig()
	assert.Equal(t, "BOARD-2", lc.DeviceName)
	assert.True(t, lc.Heartbeat)
	assert.Equal(t, uint16(link.DefaultMTU), lc.MTU)

	rc := cfg.ReceiverConfig()
	assert.Equal(t, "/dev/ttyUSB0", rc.BmsPort)
	assert.Equal(t, time.Second, rc.Failsafe)

	assert.False(t, cfg.ADCConfig().Dual)
	assert.True(t, cfg.CommandConfig().Lite)
}

func TestLoadConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown role", map[string]string{"THUMBCTL_ROLE": "skateboard"}},
		{"unknown variant", map[string]string{"THUMBCTL_VARIANT": "triple"}},
		{"bad bool", map[string]string{"THUMBCTL_CONSOLE": "maybe"}},
		{"broker without credentials", map[string]string{"MQTT_BROKER": "homeassistant.lan"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestMQTTConfigClientID(t *testing.T) {
	clearEnv(t)
	t.Setenv("MQTT_BROKER", "homeassistant.lan")
	t.Setenv("MQTT_USERNAME", "board")
	t.Setenv("MQTT_PASSWORD", "secret")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	m := cfg.MQTTConfig()
	assert.True(t, m.Enabled)
	assert.True(t, strings.HasPrefix(m.ClientID, "thumbctl-remote-"))
	assert.Len(t, m.ClientID, len("thumbctl-remote-")+8)
}
