package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/afroash/climate-ingest/internal/models"
)

// Compile-time interface check
var (
	_ Store     = (*SQLiteStore)(nil)
	_ Inspector = (*SQLiteStore)(nil)
)

// SQLiteStore is the single-node Store used for development and small
// installations
type SQLiteStore struct {
	db     *sqlx.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and
// migrates the schema
func NewSQLiteStore(dbPath string, logger zerolog.Logger) (*SQLiteStore, error) {
	db, err := sqlx.Connect("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info().Str("path", dbPath).Msg("SQLite store initialized")

	return store, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the schema if it doesn't exist
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sensor_readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		measured_at DATETIME NOT NULL,
		temperature REAL,
		humidity REAL,
		pressure REAL,
		battery_voltage REAL,
		rssi INTEGER,
		movement_counter INTEGER,
		tx_power REAL,
		accel_x REAL,
		accel_y REAL,
		accel_z REAL,
		measurement_sequence INTEGER,
		data_format INTEGER,
		sensor_name TEXT,
		is_outlier BOOLEAN NOT NULL DEFAULT 0,
		outlier_reason TEXT,
		raw_payload BLOB,
		created_at DATETIME NOT NULL,
		UNIQUE (device_id, measured_at)
	);

	CREATE INDEX IF NOT EXISTS idx_sensor_readings_time ON sensor_readings(measured_at DESC);

	CREATE TABLE IF NOT EXISTS device_identities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		display_name TEXT NOT NULL,
		room_name TEXT,
		assigned_at DATETIME NOT NULL,
		unassigned_at DATETIME
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_device_identities_active
		ON device_identities(device_id) WHERE unassigned_at IS NULL;

	CREATE TABLE IF NOT EXISTS weather_observations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		station_id INTEGER NOT NULL,
		observed_at DATETIME NOT NULL,
		temperature REAL,
		wind_speed REAL,
		wind_gust REAL,
		wind_direction REAL,
		humidity REAL,
		dew_point REAL,
		precipitation_1h REAL,
		precipitation_intensity REAL,
		snow_depth REAL,
		pressure REAL,
		visibility REAL,
		cloud_cover REAL,
		weather_code REAL,
		raw_values TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		UNIQUE (station_id, observed_at)
	);

	CREATE TABLE IF NOT EXISTS ingestion_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		invocation_id TEXT NOT NULL,
		source TEXT NOT NULL,
		status TEXT NOT NULL,
		readings_count INTEGER NOT NULL DEFAULT 0,
		duplicates_count INTEGER NOT NULL DEFAULT 0,
		outliers_count INTEGER NOT NULL DEFAULT 0,
		errors_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		details TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ingestion_log_source_time ON ingestion_log(source, created_at DESC);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	s.logger.Debug().Msg("Database schema migrated")
	return nil
}

// InsertReading inserts one reading. A reading with an existing
// (device_id, measured_at) returns ErrDuplicate.
func (s *SQLiteStore) InsertReading(ctx context.Context, reading *models.SensorReading) error {
	query := `
		INSERT INTO sensor_readings (
			device_id, measured_at, temperature, humidity, pressure, battery_voltage,
			rssi, movement_counter, tx_power, accel_x, accel_y, accel_z,
			measurement_sequence, data_format, sensor_name,
			is_outlier, outlier_reason, raw_payload, created_at
		) VALUES (
			:device_id, :measured_at, :temperature, :humidity, :pressure, :battery_voltage,
			:rssi, :movement_counter, :tx_power, :accel_x, :accel_y, :accel_z,
			:measurement_sequence, :data_format, :sensor_name,
			:is_outlier, :outlier_reason, :raw_payload, :created_at
		)
	`

	row := *reading
	row.MeasuredAt = reading.MeasuredAt.UTC()
	row.CreatedAt = time.Now().UTC()

	result, err := s.db.NamedExecContext(ctx, query, &row)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert reading: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		reading.ID = id
	}
	reading.CreatedAt = row.CreatedAt

	return nil
}

// EnsureDeviceIdentity inserts an active identity for deviceID unless one
// exists. The partial unique index makes the check and the insert one step.
func (s *SQLiteStore) EnsureDeviceIdentity(ctx context.Context, deviceID, displayName string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO device_identities (device_id, display_name, assigned_at)
		VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING
	`, deviceID, displayName, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to ensure device identity: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if n > 0 {
		s.logger.Info().Str("device_id", deviceID).Str("display_name", displayName).Msg("Registered new device")
	}
	return n > 0, nil
}

// UpsertWeatherObservations inserts observations in one transaction
func (s *SQLiteStore) UpsertWeatherObservations(ctx context.Context, obs []models.WeatherObservation) (int, error) {
	if len(obs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, `
		INSERT INTO weather_observations (
			station_id, observed_at, temperature, wind_speed, wind_gust, wind_direction,
			humidity, dew_point, precipitation_1h, precipitation_intensity, snow_depth,
			pressure, visibility, cloud_cover, weather_code, raw_values, created_at
		) VALUES (
			:station_id, :observed_at, :temperature, :wind_speed, :wind_gust, :wind_direction,
			:humidity, :dew_point, :precipitation_1h, :precipitation_intensity, :snow_depth,
			:pressure, :visibility, :cloud_cover, :weather_code, :raw_values, :created_at
		)
		ON CONFLICT (station_id, observed_at) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	inserted := 0
	for _, o := range obs {
		o.ObservedAt = o.ObservedAt.UTC()
		o.CreatedAt = now

		result, err := stmt.ExecContext(ctx, o)
		if err != nil {
			return 0, fmt.Errorf("failed to insert observation: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to get rows affected: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug().Int("count", len(obs)).Int("inserted", inserted).Msg("Weather upsert completed")
	return inserted, nil
}

// ingestionLogRow carries the details blob as text
type ingestionLogRow struct {
	models.IngestionLogEntry
	DetailsJSON string `db:"details"`
}

// InsertIngestionLog appends one audit entry
func (s *SQLiteStore) InsertIngestionLog(ctx context.Context, entry *models.IngestionLogEntry) error {
	details, err := marshalDetails(entry.Details)
	if err != nil {
		return err
	}

	row := ingestionLogRow{IngestionLogEntry: *entry, DetailsJSON: details}
	row.CreatedAt = entry.CreatedAt.UTC()

	result, err := s.db.NamedExecContext(ctx, `
		INSERT INTO ingestion_log (
			invocation_id, source, status, readings_count, duplicates_count,
			outliers_count, errors_count, error_message, details, created_at
		) VALUES (
			:invocation_id, :source, :status, :readings_count, :duplicates_count,
			:outliers_count, :errors_count, :error_message, :details, :created_at
		)
	`, &row)
	if err != nil {
		return fmt.Errorf("failed to insert ingestion log: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// CountReadings returns the number of stored readings, for one device or all
func (s *SQLiteStore) CountReadings(ctx context.Context, deviceID string) (int, error) {
	var n int
	var err error
	if deviceID == "" {
		err = s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM sensor_readings")
	} else {
		err = s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM sensor_readings WHERE device_id = ?", deviceID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count readings: %w", err)
	}
	return n, nil
}

// GetActiveIdentity returns the active identity of a device, or nil
func (s *SQLiteStore) GetActiveIdentity(ctx context.Context, deviceID string) (*models.DeviceIdentity, error) {
	var identity models.DeviceIdentity
	err := s.db.GetContext(ctx, &identity, `
		SELECT id, device_id, display_name, room_name, assigned_at, unassigned_at
		FROM device_identities
		WHERE device_id = ? AND unassigned_at IS NULL
	`, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device identity: %w", err)
	}
	return &identity, nil
}

// CountActiveIdentities returns how many active identities a device has
func (s *SQLiteStore) CountActiveIdentities(ctx context.Context, deviceID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM device_identities WHERE device_id = ? AND unassigned_at IS NULL", deviceID)
	if err != nil {
		return 0, fmt.Errorf("failed to count identities: %w", err)
	}
	return n, nil
}

// CountWeatherObservations returns the number of stored observations of a station
func (s *SQLiteStore) CountWeatherObservations(ctx context.Context, stationID int64) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM weather_observations WHERE station_id = ?", stationID)
	if err != nil {
		return 0, fmt.Errorf("failed to count observations: %w", err)
	}
	return n, nil
}

// RecentIngestionLogs returns the newest entries of a source, newest first
func (s *SQLiteStore) RecentIngestionLogs(ctx context.Context, source models.IngestionSource, limit int) ([]*models.IngestionLogEntry, error) {
	var rows []ingestionLogRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, invocation_id, source, status, readings_count, duplicates_count,
			outliers_count, errors_count, error_message, details, created_at
		FROM ingestion_log
		WHERE source = ?
		ORDER BY id DESC
		LIMIT ?
	`, source, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ingestion log: %w", err)
	}

	entries := make([]*models.IngestionLogEntry, 0, len(rows))
	for i := range rows {
		entry := rows[i].IngestionLogEntry
		if err := json.Unmarshal([]byte(rows[i].DetailsJSON), &entry.Details); err != nil {
			return nil, fmt.Errorf("failed to decode details: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func marshalDetails(details map[string]any) (string, error) {
	if details == nil {
		return "{}", nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("failed to encode details: %w", err)
	}
	return string(b), nil
}
