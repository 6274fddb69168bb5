package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openiotzen-gateway/internal/data"
)

const sample = `
server:
  api_port: 9000
websocket:
  auth_grace: 2s
coap:
  enabled: false
  device_config:
    interval: 30
auth:
  jwt_secret: s3cret
  users:
    - username: admin
      password_hash: "$2a$10$abc"
      role: admin
filters:
  - filter_id: hot
    model_id: "3"
    field: temperature
    filter_type: numeric
    conditions:
      - operator: ">"
        threshold: 40
log:
  level: debug
  format: json
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o600))
	return dir
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.APIPort)
	assert.Equal(t, 2*time.Second, cfg.WebSocket.AuthGrace)
	assert.Equal(t, "/ws", cfg.WebSocket.Path)
	assert.True(t, cfg.MQTT.Enabled)
	assert.False(t, cfg.CoAP.Enabled)
	assert.Equal(t, 30, cfg.CoAP.DeviceConfig["interval"])
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, 365*24*time.Hour, cfg.Auth.DeviceTokenTTL)
	require.Len(t, cfg.Auth.AllowedUsers, 1)
	assert.Equal(t, "admin", cfg.Auth.AllowedUsers[0].Role)
	assert.Equal(t, 500*time.Millisecond, cfg.Gateway.StatusBroadcastDelay)

	require.Len(t, cfg.Filters, 1)
	f := cfg.Filters[0]
	assert.Equal(t, data.FilterNumeric, f.FilterType)
	require.Len(t, f.Conditions, 1)
	assert.Equal(t, ">", f.Conditions[0].Operator)
	assert.Equal(t, 40, f.Conditions[0].Threshold)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestEnvOverridesAndDefaults(t *testing.T) {
	t.Setenv("GATEWAY_AUTH_JWT_SECRET", "from-env")
	t.Setenv("GATEWAY_MQTT_PORT", "11883")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, 11883, cfg.MQTT.Port)
	assert.Equal(t, 8080, cfg.WebSocket.Port)
	assert.Equal(t, 5683, cfg.CoAP.Port)
	assert.Equal(t, 5*time.Minute, cfg.CoAP.SessionTimeout)
	assert.Equal(t, 100, cfg.Storage.MemoryCapacity)
	assert.False(t, cfg.Bridge.Enabled)
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.ErrorContains(t, err, "jwt_secret")

	_, err = Load(writeConfig(t, "auth:\n  jwt_secret: x\nbridge:\n  enabled: true\n"))
	assert.ErrorContains(t, err, "bridge.broker")

	_, err = Load(writeConfig(t, "auth: [unclosed"))
	assert.ErrorContains(t, err, "read config")
}
