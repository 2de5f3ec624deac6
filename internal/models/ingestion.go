package models

import "time"

// IngestionSource tags which pipeline wrote a log entry
type IngestionSource string

const (
	SourceSensor  IngestionSource = "sensor"
	SourceWeather IngestionSource = "weather"
)

// IngestionStatus is the outcome of one invocation
type IngestionStatus string

const (
	StatusSuccess     IngestionStatus = "success"
	StatusError       IngestionStatus = "error"
	StatusRateLimited IngestionStatus = "rate_limited"
)

// IngestionLogEntry is the audit record of one pipeline invocation.
// Entries are append-only.
type IngestionLogEntry struct {
	ID              int64           `db:"id" json:"id"`
	InvocationID    string          `db:"invocation_id" json:"invocation_id"`
	Source          IngestionSource `db:"source" json:"source"`
	Status          IngestionStatus `db:"status" json:"status"`
	ReadingsCount   int             `db:"readings_count" json:"readings_count"`
	DuplicatesCount int             `db:"duplicates_count" json:"duplicates_count"`
	OutliersCount   int             `db:"outliers_count" json:"outliers_count"`
	ErrorsCount     int             `db:"errors_count" json:"errors_count"`
	ErrorMessage    *string         `db:"error_message" json:"error_message"`
	Details         map[string]any  `db:"-" json:"details"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// NewIngestionLogEntry starts an entry with an empty details map
func NewIngestionLogEntry(source IngestionSource, status IngestionStatus) *IngestionLogEntry {
	return &IngestionLogEntry{
		Source:  source,
		Status:  status,
		Details: make(map[string]any),
	}
}

// WithError sets the error message
func (e *IngestionLogEntry) WithError(msg string) *IngestionLogEntry {
	e.ErrorMessage = &msg
	return e
}

// WithDetail adds one key to the details blob
func (e *IngestionLogEntry) WithDetail(key string, value any) *IngestionLogEntry {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}
