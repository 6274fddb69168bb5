// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"openiotzen-gateway/internal/auth"
	"openiotzen-gateway/internal/data"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	CoAP      CoAPConfig      `mapstructure:"coap"`
	Auth      auth.Config     `mapstructure:"auth"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	Filters   []data.Filter   `mapstructure:"filters"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Host    string `mapstructure:"host"`
	APIPort int    `mapstructure:"api_port"`
}

type WebSocketConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Port      int           `mapstructure:"port"`
	Path      string        `mapstructure:"path"`
	AuthGrace time.Duration `mapstructure:"auth_grace"`
}

type MQTTConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type CoAPConfig struct {
	Enabled        bool                   `mapstructure:"enabled"`
	Port           int                    `mapstructure:"port"`
	SessionTimeout time.Duration          `mapstructure:"session_timeout"`
	DeviceConfig   map[string]interface{} `mapstructure:"device_config"`
}

type GatewayConfig struct {
	StatusBroadcastDelay time.Duration `mapstructure:"status_broadcast_delay"`
}

type StorageConfig struct {
	MemoryCapacity int           `mapstructure:"memory_capacity"`
	PostgresURL    string        `mapstructure:"postgres_url"`
	RedisAddr      string        `mapstructure:"redis_addr"`
	RedisTTL       time.Duration `mapstructure:"redis_ttl"`
}

// BridgeConfig mirrors gateway output to an upstream MQTT broker when enabled.
type BridgeConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         byte   `mapstructure:"qos"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config.yaml from path, applies GATEWAY_* environment overrides
// and fills in defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the gateway cannot start with.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if !c.WebSocket.Enabled && !c.MQTT.Enabled && !c.CoAP.Enabled {
		return errors.New("at least one of websocket, mqtt or coap must be enabled")
	}
	if c.Bridge.Enabled && c.Bridge.Broker == "" {
		return errors.New("bridge.broker is required when the bridge is enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.api_port", 8081)

	v.SetDefault("websocket.enabled", true)
	v.SetDefault("websocket.port", 8080)
	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.auth_grace", "5s")

	v.SetDefault("mqtt.enabled", true)
	v.SetDefault("mqtt.port", 1883)

	v.SetDefault("coap.enabled", true)
	v.SetDefault("coap.port", 5683)
	v.SetDefault("coap.session_timeout", "5m")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.device_token_ttl", auth.DefaultDeviceTokenTTL.String())
	v.SetDefault("auth.user_token_ttl", auth.DefaultUserTokenTTL.String())

	v.SetDefault("gateway.status_broadcast_delay", "500ms")

	v.SetDefault("storage.memory_capacity", 100)
	v.SetDefault("storage.postgres_url", "")
	v.SetDefault("storage.redis_addr", "")
	v.SetDefault("storage.redis_ttl", "24h")

	v.SetDefault("bridge.enabled", false)
	v.SetDefault("bridge.broker", "")
	v.SetDefault("bridge.client_id", "openiotzen-bridge")
	v.SetDefault("bridge.topic_prefix", "openiotzen/bridge")
	v.SetDefault("bridge.qos", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}
