package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadRelayConfig(t *testing.T) {
	path := writeConfig(t, `
stream:
  url: wss://climate.example/sensor-stream
  auth_token: anon-key-123
  ping_interval: 15s
buffer:
  size: 500
logging:
  level: debug
`)

	cfg, err := LoadRelayConfig(path)
	if err != nil {
		t.Fatalf("LoadRelayConfig() error = %v", err)
	}

	if cfg.Stream.URL != "wss://climate.example/sensor-stream" {
		t.Errorf("Stream.URL = %v", cfg.Stream.URL)
	}
	if cfg.Stream.PingInterval != 15*time.Second {
		t.Errorf("PingInterval = %v, want 15s", cfg.Stream.PingInterval)
	}
	if cfg.Stream.DeviceID != "relay" || cfg.Stream.ReconnectInterval != time.Second {
		t.Errorf("defaults not applied: %+v", cfg.Stream)
	}
	// explicit size keeps drop_oldest as written
	if cfg.Buffer.Size != 500 || cfg.Buffer.DropOldest {
		t.Errorf("Buffer = %+v", cfg.Buffer)
	}
}

func TestRelayConfig_OverrideFromEnv(t *testing.T) {
	t.Setenv("RELAY_URL", "ws://localhost:8081/sensor-stream")
	t.Setenv("RELAY_AUTH_TOKEN", "env-token-xyz")
	t.Setenv("RELAY_DEVICE_ID", "gw-attic")

	cfg, err := LoadRelayConfig("")
	if err != nil {
		t.Fatalf("LoadRelayConfig() error = %v", err)
	}
	if cfg.Stream.URL != "ws://localhost:8081/sensor-stream" || cfg.Stream.AuthToken != "env-token-xyz" {
		t.Errorf("Stream = %+v", cfg.Stream)
	}
	if cfg.Stream.DeviceID != "gw-attic" {
		t.Errorf("DeviceID = %v", cfg.Stream.DeviceID)
	}
	if cfg.Buffer.Size != 1000 || !cfg.Buffer.DropOldest {
		t.Errorf("Buffer = %+v, want default 1000 drop-oldest", cfg.Buffer)
	}
}

func TestRelayConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*RelayConfig)
		wantError bool
	}{
		{"valid config", func(*RelayConfig) {}, false},
		{"missing URL", func(c *RelayConfig) { c.Stream.URL = "" }, true},
		{"http scheme", func(c *RelayConfig) { c.Stream.URL = "http://example.com/sensor-stream" }, true},
		{"reconnect too short", func(c *RelayConfig) { c.Stream.ReconnectInterval = time.Millisecond }, true},
		{"max below initial", func(c *RelayConfig) { c.Stream.MaxReconnectInterval = 500 * time.Millisecond }, true},
		{"pong not above ping", func(c *RelayConfig) { c.Stream.PongTimeout = c.Stream.PingInterval }, true},
		{"buffer size too small", func(c *RelayConfig) { c.Buffer.Size = 5 }, true},
		{"bad log level", func(c *RelayConfig) { c.Logging.Level = "chatty" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &RelayConfig{Stream: StreamConfig{URL: "wss://example.com/sensor-stream"}}
			cfg.ApplyDefaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantError && err == nil {
				t.Error("Validate() expected error, got nil")
			}
			if !tt.wantError && err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestRelayConfig_String_MasksToken(t *testing.T) {
	cfg := &RelayConfig{Stream: StreamConfig{URL: "wss://example.com/ws", AuthToken: "secret-token-12345"}}

	str := cfg.String()
	if strings.Contains(str, "secret-token-12345") {
		t.Error("String() should mask auth token")
	}
	if !strings.Contains(str, "secr****") {
		t.Error("String() should contain masked token")
	}
}
