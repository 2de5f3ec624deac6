package server

import (
	"sort"
	"sync"
	"time"

	"github.com/afroash/climate-ingest/internal/models"
)

// Transport names how a batch reached the service
type Transport string

const (
	TransportHTTP   Transport = "http"
	TransportStream Transport = "stream"
)

// BatchSummary is the outcome of one accepted-for-processing batch
type BatchSummary struct {
	DeviceID     string                 `json:"device_id"`
	InvocationID string                 `json:"invocation_id"`
	Transport    Transport              `json:"transport"`
	Status       models.IngestionStatus `json:"status"`
	Accepted     int                    `json:"accepted"`
	Duplicates   int                    `json:"duplicates"`
	Outliers     int                    `json:"outliers"`
	Errors       int                    `json:"errors"`
	ReceivedAt   time.Time              `json:"received_at"`
}

// ActivityStore is an in-memory ring buffer of batch outcomes per device.
// It only feeds the stats endpoints; the ingestion log stays the record of truth.
type ActivityStore struct {
	capacity       int
	data           map[string][]*BatchSummary
	mutex          sync.RWMutex
	totalBatches   int64
	totalReadings  int64
	totalRateLimit int64
}

// NewActivityStore creates a store keeping capacity batches per device
func NewActivityStore(capacity int) *ActivityStore {
	if capacity < 1 {
		capacity = 1
	}
	return &ActivityStore{
		capacity: capacity,
		data:     make(map[string][]*BatchSummary),
	}
}

// Add records a batch outcome
func (as *ActivityStore) Add(summary *BatchSummary) {
	as.mutex.Lock()
	defer as.mutex.Unlock()

	as.totalBatches++
	as.totalReadings += int64(summary.Accepted)
	if summary.Status == models.StatusRateLimited {
		as.totalRateLimit++
	}

	batches := as.data[summary.DeviceID]
	if len(batches) >= as.capacity {
		batches = batches[1:]
	}
	copied := *summary
	as.data[summary.DeviceID] = append(batches, &copied)
}

// GetLatest returns copies of the n most recent batches for a device, newest first
func (as *ActivityStore) GetLatest(deviceID string, n int) []*BatchSummary {
	as.mutex.RLock()
	defer as.mutex.RUnlock()

	batches := as.data[deviceID]
	if len(batches) == 0 {
		return nil
	}

	start := max(len(batches)-n, 0)
	result := make([]*BatchSummary, len(batches)-start)
	for i, j := len(batches)-1, 0; i >= start; i, j = i-1, j+1 {
		copied := *batches[i]
		result[j] = &copied
	}
	return result
}

// GetDeviceIDs returns the known device ids in sorted order
func (as *ActivityStore) GetDeviceIDs() []string {
	as.mutex.RLock()
	defer as.mutex.RUnlock()

	keys := make([]string, 0, len(as.data))
	for key := range as.data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Stats returns totals since start
func (as *ActivityStore) Stats() ActivityStats {
	as.mutex.RLock()
	defer as.mutex.RUnlock()

	stats := ActivityStats{
		TotalBatches:       as.totalBatches,
		TotalAccepted:      as.totalReadings,
		RateLimitedBatches: as.totalRateLimit,
		UniqueDevices:      len(as.data),
	}
	for _, batches := range as.data {
		stats.CurrentBatches += len(batches)
		if n := len(batches); n > 0 && batches[n-1].ReceivedAt.After(stats.LastBatchAt) {
			stats.LastBatchAt = batches[n-1].ReceivedAt
		}
	}
	return stats
}

// ActivityStats contains totals for the activity store
type ActivityStats struct {
	TotalBatches       int64     `json:"total_batches"`
	TotalAccepted      int64     `json:"total_accepted"`
	RateLimitedBatches int64     `json:"rate_limited_batches"`
	UniqueDevices      int       `json:"unique_devices"`
	CurrentBatches     int       `json:"current_batches"` // In memory now
	LastBatchAt        time.Time `json:"last_batch_at,omitempty"`
}
