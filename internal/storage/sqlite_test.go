package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/climate-ingest/internal/models"
)

// setupTestDB creates a temporary database for testing
func setupTestDB(t *testing.T) *SQLiteStore {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(dbPath, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return store
}

func f64(v float64) *float64 { return &v }

// createTestReading creates a reading for a device at a time
func createTestReading(deviceID string, temp float64, at time.Time) *models.SensorReading {
	return &models.SensorReading{
		DeviceID:    deviceID,
		MeasuredAt:  at,
		Temperature: f64(temp),
		Humidity:    f64(45),
		RawPayload:  json.RawMessage(`{"id":"` + deviceID + `"}`),
	}
}

func TestNewSQLiteStore(t *testing.T) {
	store := setupTestDB(t)

	if store.db == nil {
		t.Fatal("Expected non-nil database connection")
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error: %v", err)
	}
}

func TestNewSQLiteStore_InvalidPath(t *testing.T) {
	_, err := NewSQLiteStore("/nonexistent/path/that/cannot/exist/test.db", zerolog.Nop())
	if err == nil {
		t.Fatal("Expected error for invalid path")
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "nested", "data", "climate.db")

	store, err := Open(ctx, Options{Driver: "sqlite", SQLitePath: dbPath}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer store.Close()

	if _, ok := store.(*SQLiteStore); !ok {
		t.Errorf("Open() returned %T, want *SQLiteStore", store)
	}

	at := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	if err := store.InsertReading(ctx, createTestReading("dev-01", 21, at)); err != nil {
		t.Fatalf("InsertReading() error: %v", err)
	}
	inspector, ok := store.(Inspector)
	if !ok {
		t.Fatalf("%T does not implement Inspector", store)
	}
	if n, err := inspector.CountReadings(ctx, "dev-01"); err != nil || n != 1 {
		t.Errorf("CountReadings() = %d, %v, want 1", n, err)
	}

	if _, err := Open(ctx, Options{Driver: "mysql"}, zerolog.Nop()); err == nil {
		t.Error("unknown driver should fail")
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	store := setupTestDB(t)

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate() failed: %v", err)
	}

	tables := []string{"sensor_readings", "device_identities", "weather_observations", "ingestion_log"}
	for _, table := range tables {
		var name string
		err := store.db.Get(&name, "SELECT name FROM sqlite_master WHERE type='table' AND name=?", table)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestInsertReading(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	reading := createTestReading("dev-01", 21.5, time.Now())
	reading.MarkOutlier("temperature_out_of_range")

	if err := store.InsertReading(ctx, reading); err != nil {
		t.Fatalf("InsertReading failed: %v", err)
	}
	if reading.ID == 0 {
		t.Error("InsertReading should set the row id")
	}

	var stored models.SensorReading
	if err := store.db.Get(&stored, "SELECT * FROM sensor_readings WHERE id = ?", reading.ID); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if !stored.IsOutlier || stored.OutlierReason == nil || *stored.OutlierReason != "temperature_out_of_range" {
		t.Errorf("outlier verdict not stored: %v %v", stored.IsOutlier, stored.OutlierReason)
	}
	if stored.Pressure != nil {
		t.Errorf("absent pressure should be NULL, got %v", *stored.Pressure)
	}
	if string(stored.RawPayload) != `{"id":"dev-01"}` {
		t.Errorf("RawPayload = %s", stored.RawPayload)
	}
}

func TestInsertReading_Duplicate(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	at := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	if err := store.InsertReading(ctx, createTestReading("dev-01", 21, at)); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}

	// same instant expressed in another zone is the same key
	sameInstant := at.In(time.FixedZone("EET", 2*3600))
	err := store.InsertReading(ctx, createTestReading("dev-01", 22, sameInstant))
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second insert error = %v, want ErrDuplicate", err)
	}

	// another device at the same time is fine
	if err := store.InsertReading(ctx, createTestReading("dev-02", 22, at)); err != nil {
		t.Fatalf("insert for other device failed: %v", err)
	}

	n, err := store.CountReadings(ctx, "dev-01")
	if err != nil {
		t.Fatalf("CountReadings failed: %v", err)
	}
	if n != 1 {
		t.Errorf("CountReadings(dev-01) = %d, want 1", n)
	}

	total, _ := store.CountReadings(ctx, "")
	if total != 2 {
		t.Errorf("CountReadings() = %d, want 2", total)
	}
}

func TestEnsureDeviceIdentity(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	created, err := store.EnsureDeviceIdentity(ctx, "dev-01", "Bedroom")
	if err != nil {
		t.Fatalf("EnsureDeviceIdentity failed: %v", err)
	}
	if !created {
		t.Error("first call should create the identity")
	}

	created, err = store.EnsureDeviceIdentity(ctx, "dev-01", "Other name")
	if err != nil {
		t.Fatalf("EnsureDeviceIdentity failed: %v", err)
	}
	if created {
		t.Error("second call should not create a row")
	}

	identity, err := store.GetActiveIdentity(ctx, "dev-01")
	if err != nil {
		t.Fatalf("GetActiveIdentity failed: %v", err)
	}
	if identity == nil {
		t.Fatal("expected an active identity")
	}
	if identity.DisplayName != "Bedroom" {
		t.Errorf("DisplayName = %q, want Bedroom", identity.DisplayName)
	}
	if !identity.IsActive() || identity.RoomName != nil {
		t.Errorf("unexpected identity state: %+v", identity)
	}

	missing, err := store.GetActiveIdentity(ctx, "dev-99")
	if err != nil || missing != nil {
		t.Errorf("GetActiveIdentity(unknown) = %v, %v; want nil, nil", missing, err)
	}
}

func TestEnsureDeviceIdentity_AfterUnassign(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	if _, err := store.EnsureDeviceIdentity(ctx, "dev-01", "Kitchen"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.db.Exec("UPDATE device_identities SET unassigned_at = ? WHERE device_id = ?", time.Now().UTC(), "dev-01"); err != nil {
		t.Fatal(err)
	}

	created, err := store.EnsureDeviceIdentity(ctx, "dev-01", "Kitchen")
	if err != nil {
		t.Fatalf("EnsureDeviceIdentity failed: %v", err)
	}
	if !created {
		t.Error("a device with only unassigned history should get a new identity")
	}
}

func TestEnsureDeviceIdentity_Concurrent(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.EnsureDeviceIdentity(ctx, "dev-race", "Race"); err != nil {
				t.Errorf("EnsureDeviceIdentity failed: %v", err)
			}
		}()
	}
	wg.Wait()

	n, err := store.CountActiveIdentities(ctx, "dev-race")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("active identities = %d, want 1", n)
	}
}

func TestUpsertWeatherObservations(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	obs := make([]models.WeatherObservation, 0, 3)
	for i := 0; i < 3; i++ {
		temp := float64(-5 + i)
		obs = append(obs, models.NewWeatherObservation(100968, base.Add(time.Duration(i)*10*time.Minute),
			map[string]*float64{models.ChannelTemperature: &temp}, "raw"))
	}

	inserted, err := store.UpsertWeatherObservations(ctx, obs[:2])
	if err != nil {
		t.Fatalf("UpsertWeatherObservations failed: %v", err)
	}
	if inserted != 2 {
		t.Errorf("inserted = %d, want 2", inserted)
	}

	// overlapping window: one old row, one new
	inserted, err = store.UpsertWeatherObservations(ctx, obs[1:])
	if err != nil {
		t.Fatalf("UpsertWeatherObservations failed: %v", err)
	}
	if inserted != 1 {
		t.Errorf("inserted on overlap = %d, want 1", inserted)
	}

	n, _ := store.CountWeatherObservations(ctx, 100968)
	if n != 3 {
		t.Errorf("CountWeatherObservations = %d, want 3", n)
	}

	inserted, err = store.UpsertWeatherObservations(ctx, nil)
	if err != nil || inserted != 0 {
		t.Errorf("empty upsert = %d, %v", inserted, err)
	}
}

func TestIngestionLog(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	first := models.NewIngestionLogEntry(models.SourceSensor, models.StatusSuccess).
		WithDetail("deviceId", "gw-01").
		WithDetail("tagCount", 3)
	first.InvocationID = "a"
	first.ReadingsCount = 3
	first.CreatedAt = time.Now()

	second := models.NewIngestionLogEntry(models.SourceSensor, models.StatusError).
		WithError("1 tag(s) failed validation")
	second.InvocationID = "b"
	second.ErrorsCount = 1
	second.CreatedAt = time.Now()

	weather := models.NewIngestionLogEntry(models.SourceWeather, models.StatusSuccess)
	weather.InvocationID = "c"
	weather.CreatedAt = time.Now()

	for _, e := range []*models.IngestionLogEntry{first, second, weather} {
		if err := store.InsertIngestionLog(ctx, e); err != nil {
			t.Fatalf("InsertIngestionLog failed: %v", err)
		}
	}

	entries, err := store.RecentIngestionLogs(ctx, models.SourceSensor, 10)
	if err != nil {
		t.Fatalf("RecentIngestionLogs failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}

	if entries[0].InvocationID != "b" || entries[0].Status != models.StatusError {
		t.Errorf("newest entry = %+v", entries[0])
	}
	if entries[0].ErrorMessage == nil || *entries[0].ErrorMessage != "1 tag(s) failed validation" {
		t.Errorf("ErrorMessage = %v", entries[0].ErrorMessage)
	}
	if entries[1].Details["deviceId"] != "gw-01" {
		t.Errorf("Details = %v", entries[1].Details)
	}
	// JSON numbers decode as float64
	if entries[1].Details["tagCount"] != float64(3) {
		t.Errorf("Details[tagCount] = %v", entries[1].Details["tagCount"])
	}
}
