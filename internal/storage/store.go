package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/afroash/climate-ingest/internal/models"
)

// ErrDuplicate is returned when a row with the same natural key already exists
var ErrDuplicate = errors.New("duplicate row")

// Store defines the persistence operations of the ingestion pipelines
type Store interface {
	Close() error
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error

	// InsertReading returns ErrDuplicate if (device_id, measured_at) exists
	InsertReading(ctx context.Context, reading *models.SensorReading) error

	// EnsureDeviceIdentity creates an active identity unless one exists.
	// It reports whether a row was created.
	EnsureDeviceIdentity(ctx context.Context, deviceID, displayName string) (bool, error)

	// UpsertWeatherObservations inserts rows, skipping existing
	// (station_id, observed_at) keys, and returns how many were new
	UpsertWeatherObservations(ctx context.Context, obs []models.WeatherObservation) (int, error)

	InsertIngestionLog(ctx context.Context, entry *models.IngestionLogEntry) error
}

// Inspector reads back what the pipelines wrote. Only tests and operators
// use it; the pipelines themselves never read.
type Inspector interface {
	CountReadings(ctx context.Context, deviceID string) (int, error)
	GetActiveIdentity(ctx context.Context, deviceID string) (*models.DeviceIdentity, error)
	CountActiveIdentities(ctx context.Context, deviceID string) (int, error)
	CountWeatherObservations(ctx context.Context, stationID int64) (int, error)
	RecentIngestionLogs(ctx context.Context, source models.IngestionSource, limit int) ([]*models.IngestionLogEntry, error)
}

// Options selects the backend opened by Open
type Options struct {
	Driver      string // "sqlite" or "postgres"
	SQLitePath  string
	PostgresDSN string
}

// Open connects to the configured backend and migrates its schema
func Open(ctx context.Context, opts Options, logger zerolog.Logger) (Store, error) {
	switch opts.Driver {
	case "sqlite":
		if dir := filepath.Dir(opts.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		return NewSQLiteStore(opts.SQLitePath, logger)
	case "postgres":
		return NewPostgresStore(ctx, opts.PostgresDSN, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
}
