package config

import (
	"fmt"
	"time"

	"github.com/afroash/climate-ingest/internal/weather"
)

// Storage drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Rate limit backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// ServerSettings contains HTTP server configuration
type ServerSettings struct {
	Port           int           `yaml:"port"`
	Host           string        `yaml:"host"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"` // websocket origins
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	ActivityBuffer int           `yaml:"activity_buffer"` // batches kept per device for /api
}

func (s *ServerSettings) applyDefaults() {
	if s.Port == 0 {
		s.Port = 8081
	}
	if s.Host == "" {
		s.Host = "localhost"
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = 60 * time.Second
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = 60 * time.Second
	}
	if s.MaxBodyBytes == 0 {
		s.MaxBodyBytes = 1 << 20
	}
	if s.ActivityBuffer == 0 {
		s.ActivityBuffer = 100
	}
}

func (s ServerSettings) validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("server: port must be between 1 and 65535")
	}
	if s.ActivityBuffer < 1 {
		return fmt.Errorf("server: activity_buffer must be at least 1")
	}
	return nil
}

// StorageSettings selects and configures the database
type StorageSettings struct {
	Driver      string `yaml:"driver"` // "sqlite" or "postgres"
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

func (s *StorageSettings) applyDefaults() {
	if s.Driver == "" {
		s.Driver = DriverSQLite
	}
	if s.SQLitePath == "" {
		s.SQLitePath = "./data/climate.db"
	}
}

func (s StorageSettings) validate() error {
	switch s.Driver {
	case DriverSQLite:
		if s.SQLitePath == "" {
			return fmt.Errorf("storage: sqlite_path is required")
		}
	case DriverPostgres:
		if s.PostgresDSN == "" {
			return fmt.Errorf("storage: postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage: unknown driver %q", s.Driver)
	}
	return nil
}

// RateLimitSettings configures the per-device fixed window
type RateLimitSettings struct {
	Backend       string        `yaml:"backend"` // "memory" or "redis"
	Limit         int           `yaml:"limit"`
	Window        time.Duration `yaml:"window"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	RedisPrefix   string        `yaml:"redis_prefix"`
}

func (r *RateLimitSettings) applyDefaults() {
	if r.Backend == "" {
		r.Backend = BackendMemory
	}
	if r.Limit == 0 {
		r.Limit = 60
	}
	if r.Window == 0 {
		r.Window = time.Minute
	}
	if r.RedisPrefix == "" {
		r.RedisPrefix = "ratelimit:ingest"
	}
}

func (r RateLimitSettings) validate() error {
	if r.Limit < 1 {
		return fmt.Errorf("rate_limit: limit must be at least 1")
	}
	if r.Window < time.Second {
		return fmt.Errorf("rate_limit: window must be at least 1 second")
	}
	switch r.Backend {
	case BackendMemory:
	case BackendRedis:
		if r.RedisAddr == "" {
			return fmt.Errorf("rate_limit: redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("rate_limit: unknown backend %q", r.Backend)
	}
	return nil
}

// WeatherSettings configures the poller and its fetch policy
type WeatherSettings struct {
	URL             string          `yaml:"url"`
	StationID       int64           `yaml:"station_id"`
	RecentWindow    time.Duration   `yaml:"recent_window"`
	MaxAttempts     int             `yaml:"max_attempts"`
	Timeout         time.Duration   `yaml:"timeout"`
	Delays          []time.Duration `yaml:"delays"`
	ExecutionBudget time.Duration   `yaml:"execution_budget"` // the scheduler's limit for one run
}

func (w *WeatherSettings) applyDefaults() {
	if w.URL == "" {
		w.URL = weather.DefaultURL
	}
	if w.StationID == 0 {
		w.StationID = weather.DefaultStationID
	}
	if w.RecentWindow == 0 {
		w.RecentWindow = weather.DefaultRecentWindow
	}
	if w.MaxAttempts == 0 {
		w.MaxAttempts = weather.DefaultFetchPolicy.MaxAttempts
	}
	if w.Timeout == 0 {
		w.Timeout = weather.DefaultFetchPolicy.Timeout
	}
	if w.Delays == nil {
		w.Delays = append([]time.Duration(nil), weather.DefaultFetchPolicy.Delays...)
	}
	if w.ExecutionBudget == 0 {
		w.ExecutionBudget = 60 * time.Second
	}
}

func (w WeatherSettings) validate() error {
	if w.MaxAttempts < 1 {
		return fmt.Errorf("weather: max_attempts must be at least 1")
	}
	if w.Timeout <= 0 {
		return fmt.Errorf("weather: timeout must be positive")
	}
	if w.RecentWindow <= 0 {
		return fmt.Errorf("weather: recent_window must be positive")
	}
	if budget := w.FetchPolicy().Budget(); budget > w.ExecutionBudget {
		return fmt.Errorf("weather: worst-case fetch time %s exceeds execution_budget %s", budget, w.ExecutionBudget)
	}
	return nil
}

// FetchPolicy returns the retry policy for the fetcher
func (w WeatherSettings) FetchPolicy() weather.FetchPolicy {
	return weather.FetchPolicy{
		MaxAttempts: w.MaxAttempts,
		Timeout:     w.Timeout,
		Delays:      w.Delays,
	}
}

// PollerConfig returns the poller settings
func (w WeatherSettings) PollerConfig() weather.PollerConfig {
	return weather.PollerConfig{
		URL:          w.URL,
		StationID:    w.StationID,
		RecentWindow: w.RecentWindow,
	}
}

// MQTTSettings configures the ingestion log mirror. An empty broker disables it.
type MQTTSettings struct {
	Broker      string        `yaml:"broker"`
	ClientID    string        `yaml:"client_id"`
	TopicPrefix string        `yaml:"topic_prefix"`
	Timeout     time.Duration `yaml:"timeout"`
}

func (m *MQTTSettings) applyDefaults() {
	if m.ClientID == "" {
		m.ClientID = "climate-ingest"
	}
	if m.TopicPrefix == "" {
		m.TopicPrefix = "climate/ingestion"
	}
	if m.Timeout == 0 {
		m.Timeout = 5 * time.Second
	}
}

func (m MQTTSettings) validate() error {
	if m.Broker != "" && m.Timeout <= 0 {
		return fmt.Errorf("mqtt: timeout must be positive")
	}
	return nil
}

// Enabled reports whether a broker is configured
func (m MQTTSettings) Enabled() bool {
	return m.Broker != ""
}
