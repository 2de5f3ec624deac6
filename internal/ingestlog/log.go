package ingestlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/afroash/climate-ingest/internal/metrics"
	"github.com/afroash/climate-ingest/internal/models"
)

// Recorder writes exactly one entry per pipeline invocation
type Recorder interface {
	Record(ctx context.Context, entry *models.IngestionLogEntry) error
}

// EntryWriter is the durable sink of the log
type EntryWriter interface {
	InsertIngestionLog(ctx context.Context, entry *models.IngestionLogEntry) error
}

// Publisher mirrors entries to a message bus
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Log is the Recorder used by both pipelines. Entries go to the store first,
// then best-effort to the publisher.
type Log struct {
	store       EntryWriter
	publisher   Publisher
	topicPrefix string
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	now         func() time.Time
}

// Compile-time interface check
var _ Recorder = (*Log)(nil)

// Option configures a Log
type Option func(*Log)

// WithPublisher mirrors every entry to <topicPrefix>/<source>
func WithPublisher(p Publisher, topicPrefix string) Option {
	return func(l *Log) {
		l.publisher = p
		l.topicPrefix = topicPrefix
	}
}

// WithMetrics feeds entries into the ingestion counters
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Log) {
		l.metrics = m
	}
}

// New creates a Log writing to store
func New(store EntryWriter, logger zerolog.Logger, opts ...Option) *Log {
	l := &Log{
		store:       store,
		topicPrefix: "climate/ingestion",
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record fills in invocation id and creation time when unset, then writes
// the entry. Only the durable write can fail the call.
func (l *Log) Record(ctx context.Context, entry *models.IngestionLogEntry) error {
	if entry.InvocationID == "" {
		entry.InvocationID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now().UTC()
	}
	if entry.Details == nil {
		entry.Details = make(map[string]any)
	}

	l.logEntry(entry)

	if err := l.store.InsertIngestionLog(ctx, entry); err != nil {
		l.metrics.LogWriteFailed(entry.Source)
		l.logger.Error().
			Err(err).
			Str("invocation_id", entry.InvocationID).
			Str("source", string(entry.Source)).
			Msg("Failed to write ingestion log entry")
		return fmt.Errorf("write ingestion log: %w", err)
	}

	l.metrics.ObserveIngestion(entry)
	l.publish(entry)
	return nil
}

func (l *Log) logEntry(entry *models.IngestionLogEntry) {
	event := l.logger.Info()
	if entry.Status != models.StatusSuccess {
		event = l.logger.Warn()
	}
	if entry.ErrorMessage != nil {
		event = event.Str("error_message", *entry.ErrorMessage)
	}
	event.
		Str("invocation_id", entry.InvocationID).
		Str("source", string(entry.Source)).
		Str("status", string(entry.Status)).
		Int("readings", entry.ReadingsCount).
		Int("duplicates", entry.DuplicatesCount).
		Int("outliers", entry.OutliersCount).
		Int("errors", entry.ErrorsCount).
		Msg("Ingestion invocation finished")
}

func (l *Log) publish(entry *models.IngestionLogEntry) {
	if l.publisher == nil {
		return
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		l.logger.Warn().Err(err).Str("invocation_id", entry.InvocationID).Msg("Failed to encode ingestion log entry")
		l.metrics.MQTTPublishFailed()
		return
	}

	topic := fmt.Sprintf("%s/%s", l.topicPrefix, entry.Source)
	if err := l.publisher.Publish(topic, payload); err != nil {
		l.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to mirror ingestion log entry")
		l.metrics.MQTTPublishFailed()
	}
}
