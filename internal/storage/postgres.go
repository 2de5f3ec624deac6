package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/afroash/climate-ingest/internal/models"
)

// pgUniqueViolation is the SQLSTATE for unique_violation
const pgUniqueViolation = "23505"

// Compile-time interface check
var (
	_ Store     = (*PostgresStore)(nil)
	_ Inspector = (*PostgresStore)(nil)
)

// PostgresStore is the production Store
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresStore connects to dsn, verifies the connection and migrates
// the schema
func NewPostgresStore(ctx context.Context, dsn string, logger zerolog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to configure pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database not reachable: %w", err)
	}

	store := &PostgresStore{pool: pool, logger: logger}
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info().Str("host", pool.Config().ConnConfig.Host).Msg("Postgres store initialized")
	return store, nil
}

// Close releases the pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database is reachable
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates the schema if it doesn't exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sensor_readings (
		id BIGSERIAL PRIMARY KEY,
		device_id TEXT NOT NULL,
		measured_at TIMESTAMPTZ NOT NULL,
		temperature DOUBLE PRECISION,
		humidity DOUBLE PRECISION,
		pressure DOUBLE PRECISION,
		battery_voltage DOUBLE PRECISION,
		rssi BIGINT,
		movement_counter BIGINT,
		tx_power DOUBLE PRECISION,
		accel_x DOUBLE PRECISION,
		accel_y DOUBLE PRECISION,
		accel_z DOUBLE PRECISION,
		measurement_sequence BIGINT,
		data_format BIGINT,
		sensor_name TEXT,
		is_outlier BOOLEAN NOT NULL DEFAULT FALSE,
		outlier_reason TEXT,
		raw_payload JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (device_id, measured_at)
	);

	CREATE INDEX IF NOT EXISTS idx_sensor_readings_time ON sensor_readings(measured_at DESC);

	CREATE TABLE IF NOT EXISTS device_identities (
		id BIGSERIAL PRIMARY KEY,
		device_id TEXT NOT NULL,
		display_name TEXT NOT NULL,
		room_name TEXT,
		assigned_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		unassigned_at TIMESTAMPTZ
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_device_identities_active
		ON device_identities(device_id) WHERE unassigned_at IS NULL;

	CREATE TABLE IF NOT EXISTS weather_observations (
		id BIGSERIAL PRIMARY KEY,
		station_id BIGINT NOT NULL,
		observed_at TIMESTAMPTZ NOT NULL,
		temperature DOUBLE PRECISION,
		wind_speed DOUBLE PRECISION,
		wind_gust DOUBLE PRECISION,
		wind_direction DOUBLE PRECISION,
		humidity DOUBLE PRECISION,
		dew_point DOUBLE PRECISION,
		precipitation_1h DOUBLE PRECISION,
		precipitation_intensity DOUBLE PRECISION,
		snow_depth DOUBLE PRECISION,
		pressure DOUBLE PRECISION,
		visibility DOUBLE PRECISION,
		cloud_cover DOUBLE PRECISION,
		weather_code DOUBLE PRECISION,
		raw_values TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (station_id, observed_at)
	);

	CREATE TABLE IF NOT EXISTS ingestion_log (
		id BIGSERIAL PRIMARY KEY,
		invocation_id TEXT NOT NULL,
		source TEXT NOT NULL,
		status TEXT NOT NULL,
		readings_count INTEGER NOT NULL DEFAULT 0,
		duplicates_count INTEGER NOT NULL DEFAULT 0,
		outliers_count INTEGER NOT NULL DEFAULT 0,
		errors_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		details JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_ingestion_log_source_time ON ingestion_log(source, created_at DESC);
	`

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	s.logger.Debug().Msg("Database schema migrated")
	return nil
}

// InsertReading inserts one reading. A reading with an existing
// (device_id, measured_at) returns ErrDuplicate.
func (s *PostgresStore) InsertReading(ctx context.Context, r *models.SensorReading) error {
	var raw any
	if len(r.RawPayload) > 0 {
		raw = r.RawPayload
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO sensor_readings (
			device_id, measured_at, temperature, humidity, pressure, battery_voltage,
			rssi, movement_counter, tx_power, accel_x, accel_y, accel_z,
			measurement_sequence, data_format, sensor_name,
			is_outlier, outlier_reason, raw_payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id, created_at
	`,
		r.DeviceID, r.MeasuredAt.UTC(), r.Temperature, r.Humidity, r.Pressure, r.BatteryVoltage,
		r.RSSI, r.MovementCounter, r.TxPower, r.AccelX, r.AccelY, r.AccelZ,
		r.MeasurementSequence, r.DataFormat, r.SensorName,
		r.IsOutlier, r.OutlierReason, raw,
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		if isPgUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert reading: %w", err)
	}
	return nil
}

// EnsureDeviceIdentity inserts an active identity for deviceID unless one exists
func (s *PostgresStore) EnsureDeviceIdentity(ctx context.Context, deviceID, displayName string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO device_identities (device_id, display_name)
		VALUES ($1, $2)
		ON CONFLICT (device_id) WHERE unassigned_at IS NULL DO NOTHING
	`, deviceID, displayName)
	if err != nil {
		return false, fmt.Errorf("failed to ensure device identity: %w", err)
	}

	created := tag.RowsAffected() > 0
	if created {
		s.logger.Info().Str("device_id", deviceID).Str("display_name", displayName).Msg("Registered new device")
	}
	return created, nil
}

// UpsertWeatherObservations sends all rows in one batch round trip
func (s *PostgresStore) UpsertWeatherObservations(ctx context.Context, obs []models.WeatherObservation) (int, error) {
	if len(obs) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, o := range obs {
		batch.Queue(`
			INSERT INTO weather_observations (
				station_id, observed_at, temperature, wind_speed, wind_gust, wind_direction,
				humidity, dew_point, precipitation_1h, precipitation_intensity, snow_depth,
				pressure, visibility, cloud_cover, weather_code, raw_values
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (station_id, observed_at) DO NOTHING
		`,
			o.StationID, o.ObservedAt.UTC(), o.Temperature, o.WindSpeed, o.WindGust, o.WindDirection,
			o.Humidity, o.DewPoint, o.Precipitation1h, o.PrecipitationIntensity, o.SnowDepth,
			o.Pressure, o.Visibility, o.CloudCover, o.WeatherCode, o.RawValues,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range obs {
		tag, err := results.Exec()
		if err != nil {
			return 0, fmt.Errorf("failed to insert observation: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}

	s.logger.Debug().Int("count", len(obs)).Int("inserted", inserted).Msg("Weather upsert completed")
	return inserted, nil
}

// InsertIngestionLog appends one audit entry
func (s *PostgresStore) InsertIngestionLog(ctx context.Context, e *models.IngestionLogEntry) error {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO ingestion_log (
			invocation_id, source, status, readings_count, duplicates_count,
			outliers_count, errors_count, error_message, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`,
		e.InvocationID, string(e.Source), string(e.Status), e.ReadingsCount, e.DuplicatesCount,
		e.OutliersCount, e.ErrorsCount, e.ErrorMessage, details, createdAt.UTC(),
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to insert ingestion log: %w", err)
	}
	return nil
}

// CountReadings returns the number of stored readings, for one device or all
func (s *PostgresStore) CountReadings(ctx context.Context, deviceID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM sensor_readings WHERE $1 = '' OR device_id = $1", deviceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count readings: %w", err)
	}
	return n, nil
}

// GetActiveIdentity returns the active identity of a device, or nil
func (s *PostgresStore) GetActiveIdentity(ctx context.Context, deviceID string) (*models.DeviceIdentity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, device_id, display_name, room_name, assigned_at, unassigned_at
		FROM device_identities
		WHERE device_id = $1 AND unassigned_at IS NULL
	`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get device identity: %w", err)
	}

	identity, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[models.DeviceIdentity])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan device identity: %w", err)
	}
	return identity, nil
}

// CountActiveIdentities returns how many active identities a device has
func (s *PostgresStore) CountActiveIdentities(ctx context.Context, deviceID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM device_identities WHERE device_id = $1 AND unassigned_at IS NULL", deviceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count identities: %w", err)
	}
	return n, nil
}

// CountWeatherObservations returns the number of stored observations of a station
func (s *PostgresStore) CountWeatherObservations(ctx context.Context, stationID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM weather_observations WHERE station_id = $1", stationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count observations: %w", err)
	}
	return n, nil
}

// RecentIngestionLogs returns the newest entries of a source, newest first
func (s *PostgresStore) RecentIngestionLogs(ctx context.Context, source models.IngestionSource, limit int) ([]*models.IngestionLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, invocation_id, source, status, readings_count, duplicates_count,
			outliers_count, errors_count, error_message, details, created_at
		FROM ingestion_log
		WHERE source = $1
		ORDER BY id DESC
		LIMIT $2
	`, string(source), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ingestion log: %w", err)
	}
	defer rows.Close()

	var entries []*models.IngestionLogEntry
	for rows.Next() {
		var e models.IngestionLogEntry
		var src, status string
		var details []byte
		err := rows.Scan(&e.ID, &e.InvocationID, &src, &status, &e.ReadingsCount, &e.DuplicatesCount,
			&e.OutliersCount, &e.ErrorsCount, &e.ErrorMessage, &details, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ingestion log: %w", err)
		}
		e.Source = models.IngestionSource(src)
		e.Status = models.IngestionStatus(status)
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, fmt.Errorf("failed to decode details: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return entries, nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
