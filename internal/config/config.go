package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// AppConfig holds all configuration for the server and the poller
type AppConfig struct {
	Server    ServerSettings    `yaml:"server"`
	Auth      AuthSettings      `yaml:"auth"`
	Storage   StorageSettings   `yaml:"storage"`
	RateLimit RateLimitSettings `yaml:"rate_limit"`
	Weather   WeatherSettings   `yaml:"weather"`
	MQTT      MQTTSettings      `yaml:"mqtt"`
	Logging   LoggingConfig     `yaml:"logging"`
}

// AuthSettings contains the accepted secrets
type AuthSettings struct {
	IngestAPIKey    string `yaml:"ingest_api_key"`    // shared secret sent as deviceId
	PublicClientKey string `yaml:"public_client_key"` // accepted as a bearer token
	AdminToken      string `yaml:"admin_token"`       // weather trigger and /api
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// LoadConfig loads configuration from a YAML file. An empty path skips the
// file and relies on defaults plus environment.
func LoadConfig(path string) (*AppConfig, error) {
	var config AppConfig
	if path != "" {
		yamlData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(yamlData, &config); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	config.ApplyDefaults()
	if err := config.OverrideFromEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// OverrideFromEnv overrides config values from environment variables.
// Only non-empty variables apply.
func (ac *AppConfig) OverrideFromEnv() error {
	strVars := map[string]*string{
		"INGEST_API_KEY":     &ac.Auth.IngestAPIKey,
		"PUBLIC_CLIENT_KEY":  &ac.Auth.PublicClientKey,
		"ADMIN_TOKEN":        &ac.Auth.AdminToken,
		"STORAGE_DRIVER":     &ac.Storage.Driver,
		"SQLITE_PATH":        &ac.Storage.SQLitePath,
		"POSTGRES_DSN":       &ac.Storage.PostgresDSN,
		"RATE_LIMIT_BACKEND": &ac.RateLimit.Backend,
		"REDIS_ADDR":         &ac.RateLimit.RedisAddr,
		"REDIS_PASSWORD":     &ac.RateLimit.RedisPassword,
		"MQTT_BROKER":        &ac.MQTT.Broker,
		"WEATHER_URL":        &ac.Weather.URL,
		"SERVER_HOST":        &ac.Server.Host,
		"LOG_LEVEL":          &ac.Logging.Level,
	}
	for name, field := range strVars {
		if v := os.Getenv(name); v != "" {
			*field = v
		}
	}

	if v := os.Getenv("SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SERVER_PORT: %w", err)
		}
		ac.Server.Port = port
	}
	return nil
}

// ApplyDefaults sets default values for any unset fields
func (ac *AppConfig) ApplyDefaults() {
	ac.Server.applyDefaults()
	ac.Storage.applyDefaults()
	ac.RateLimit.applyDefaults()
	ac.Weather.applyDefaults()
	ac.MQTT.applyDefaults()
	if ac.Logging.Level == "" {
		ac.Logging.Level = "info"
	}
	if ac.Logging.Format == "" {
		ac.Logging.Format = "json"
	}
}

// Validate checks if the configuration is valid
func (ac *AppConfig) Validate() error {
	if ac.Auth.IngestAPIKey == "" && ac.Auth.PublicClientKey == "" {
		return fmt.Errorf("auth: ingest_api_key or public_client_key is required")
	}
	validators := []func() error{
		ac.Server.validate,
		ac.Storage.validate,
		ac.RateLimit.validate,
		ac.Weather.validate,
		ac.MQTT.validate,
		ac.Logging.validate,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return err
		}
	}
	return nil
}

func (l LoggingConfig) validate() error {
	if _, err := zerolog.ParseLevel(l.Level); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if l.Format != "json" && l.Format != "console" {
		return fmt.Errorf("logging: format must be json or console, got %q", l.Format)
	}
	return nil
}

// NewLogger builds the root logger writing to out
func (l LoggingConfig) NewLogger(out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(l.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if l.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// String returns a safe string representation (hides secrets)
func (ac *AppConfig) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "AppConfig{Server: %+v, ", ac.Server)
	fmt.Fprintf(&b, "Auth: [IngestAPIKey=%s, PublicClientKey=%s, AdminToken=%s], ",
		maskToken(ac.Auth.IngestAPIKey), maskToken(ac.Auth.PublicClientKey), maskToken(ac.Auth.AdminToken))
	fmt.Fprintf(&b, "Storage: [Driver=%s, SQLitePath=%s, PostgresDSN=%s], ",
		ac.Storage.Driver, ac.Storage.SQLitePath, maskToken(ac.Storage.PostgresDSN))
	fmt.Fprintf(&b, "RateLimit: [Backend=%s, Limit=%d, Window=%s, RedisAddr=%s, RedisPassword=%s], ",
		ac.RateLimit.Backend, ac.RateLimit.Limit, ac.RateLimit.Window, ac.RateLimit.RedisAddr, maskToken(ac.RateLimit.RedisPassword))
	fmt.Fprintf(&b, "Weather: %+v, MQTT: %+v, Logging: %+v}", ac.Weather, ac.MQTT, ac.Logging)
	return b.String()
}

// maskToken masks all but first 4 characters of a token
func maskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}
