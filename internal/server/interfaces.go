package server

import (
	"context"

	"github.com/afroash/climate-ingest/internal/ingest"
	"github.com/afroash/climate-ingest/internal/weather"
)

// Ingester runs sensor batches. ingest.Service implements this interface.
type Ingester interface {
	// Authenticate checks the shared secret deviceId or the bearer token
	Authenticate(deviceID, bearer string) bool

	// DeviceLabel maps a deviceId to the name used by activity and server logs
	DeviceLabel(deviceID string) string

	// Ingest processes one batch and writes its ingestion log entry
	Ingest(ctx context.Context, batch ingest.Batch) (*ingest.Result, error)

	// RecordFailure logs an invocation that failed before Ingest could run
	RecordFailure(ctx context.Context, deviceID string, cause error)
}

// WeatherPoller runs one weather poll. weather.Poller implements this interface.
type WeatherPoller interface {
	Poll(ctx context.Context) (*weather.PollResult, error)
}

// ActivityRecorder keeps recent batch outcomes for the stats endpoints.
// ActivityStore implements this interface.
type ActivityRecorder interface {
	// Add records one batch outcome
	Add(summary *BatchSummary)

	// GetLatest returns the n most recent batches for a device (newest first)
	GetLatest(deviceID string, n int) []*BatchSummary

	// GetDeviceIDs returns every device that has submitted since start
	GetDeviceIDs() []string

	// Stats returns totals across all devices
	Stats() ActivityStats
}
