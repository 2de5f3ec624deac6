package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RelayConfig holds all configuration for the gateway relay
type RelayConfig struct {
	Stream  StreamConfig  `yaml:"stream"`
	Buffer  BufferConfig  `yaml:"buffer"`
	Logging LoggingConfig `yaml:"logging"`
}

// StreamConfig contains connection settings for the ingestion server
type StreamConfig struct {
	URL                  string        `yaml:"url"`        // e.g. wss://example.com/sensor-stream
	AuthToken            string        `yaml:"auth_token"` // public client key, optional when batches carry the shared secret
	DeviceID             string        `yaml:"device_id"`  // names the relay in heartbeats
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PongTimeout          time.Duration `yaml:"pong_timeout"`
	FlushInterval        time.Duration `yaml:"flush_interval"`
}

// BufferConfig contains settings for the pending batch buffer
type BufferConfig struct {
	Size       int  `yaml:"size"`
	DropOldest bool `yaml:"drop_oldest"`
}

// LoadRelayConfig loads relay configuration from a YAML file. An empty path
// relies on defaults plus environment.
func LoadRelayConfig(path string) (*RelayConfig, error) {
	var config RelayConfig
	if path != "" {
		yamlData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read relay config: %w", err)
		}
		if err := yaml.Unmarshal(yamlData, &config); err != nil {
			return nil, fmt.Errorf("parse relay config: %w", err)
		}
	}

	config.ApplyDefaults()
	config.OverrideFromEnv()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid relay config: %w", err)
	}
	return &config, nil
}

// ApplyDefaults sets default values for any unset fields
func (c *RelayConfig) ApplyDefaults() {
	if c.Stream.DeviceID == "" {
		c.Stream.DeviceID = "relay"
	}
	if c.Stream.ConnectTimeout == 0 {
		c.Stream.ConnectTimeout = 10 * time.Second
	}
	if c.Stream.ReconnectInterval == 0 {
		c.Stream.ReconnectInterval = 1 * time.Second
	}
	if c.Stream.MaxReconnectInterval == 0 {
		c.Stream.MaxReconnectInterval = 5 * time.Minute
	}
	if c.Stream.PingInterval == 0 {
		c.Stream.PingInterval = 30 * time.Second
	}
	if c.Stream.PongTimeout == 0 {
		c.Stream.PongTimeout = 90 * time.Second
	}
	if c.Stream.FlushInterval == 0 {
		c.Stream.FlushInterval = time.Second
	}
	if c.Buffer.Size == 0 {
		c.Buffer.Size = 1000
		c.Buffer.DropOldest = true
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// OverrideFromEnv overrides config values from environment variables
func (c *RelayConfig) OverrideFromEnv() {
	if v := os.Getenv("RELAY_URL"); v != "" {
		c.Stream.URL = v
	}
	if v := os.Getenv("RELAY_AUTH_TOKEN"); v != "" {
		c.Stream.AuthToken = v
	}
	if v := os.Getenv("RELAY_DEVICE_ID"); v != "" {
		c.Stream.DeviceID = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks if the configuration is valid
func (c *RelayConfig) Validate() error {
	if c.Stream.URL == "" {
		return fmt.Errorf("stream URL is required")
	}
	if !strings.HasPrefix(c.Stream.URL, "ws://") && !strings.HasPrefix(c.Stream.URL, "wss://") {
		return fmt.Errorf("stream URL must start with ws:// or wss://")
	}
	if c.Stream.ReconnectInterval < 100*time.Millisecond {
		return fmt.Errorf("reconnect interval must be at least 100ms")
	}
	if c.Stream.MaxReconnectInterval < c.Stream.ReconnectInterval {
		return fmt.Errorf("max reconnect interval must not be below reconnect interval")
	}
	if c.Stream.PongTimeout <= c.Stream.PingInterval {
		return fmt.Errorf("pong timeout must exceed ping interval")
	}
	if c.Buffer.Size < 10 || c.Buffer.Size > 100000 {
		return fmt.Errorf("buffer size must be between 10 and 100000")
	}
	return c.Logging.validate()
}

// String returns a safe string representation (hides auth token)
func (c *RelayConfig) String() string {
	return fmt.Sprintf("RelayConfig{Stream: [URL=%s, Token=%s, DeviceID=%s], Buffer: %+v, Logging: %+v}",
		c.Stream.URL,
		maskToken(c.Stream.AuthToken),
		c.Stream.DeviceID,
		c.Buffer,
		c.Logging,
	)
}
