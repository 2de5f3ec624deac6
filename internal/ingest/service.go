package ingest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/afroash/climate-ingest/internal/ingestlog"
	"github.com/afroash/climate-ingest/internal/metrics"
	"github.com/afroash/climate-ingest/internal/models"
	"github.com/afroash/climate-ingest/internal/outlier"
	"github.com/afroash/climate-ingest/internal/ratelimit"
	"github.com/afroash/climate-ingest/internal/storage"
)

const (
	// UnknownDeviceID is used for batches that carry no deviceId
	UnknownDeviceID = "unknown"
	// GatewayDeviceLabel stands in for a deviceId that is the shared secret
	GatewayDeviceLabel = "gateway"
)

var (
	// ErrUnauthorized means neither credential matched
	ErrUnauthorized = errors.New("unauthorized")
	// ErrMissingTags means tags was absent, not an array, or empty
	ErrMissingTags = errors.New("missing_tags")
	// ErrRateLimited means the device used up its window. The outcome is
	// already logged.
	ErrRateLimited = errors.New("rate_limited")
	// ErrInternal wraps failures that were caught and logged as an error entry
	ErrInternal = errors.New("internal_error")
)

// ReadingStore is the persistence the pipeline needs
type ReadingStore interface {
	InsertReading(ctx context.Context, reading *models.SensorReading) error
	EnsureDeviceIdentity(ctx context.Context, deviceID, displayName string) (bool, error)
}

// Credentials are the two accepted secrets. An empty secret never matches.
type Credentials struct {
	IngestAPIKey    string
	PublicClientKey string
}

// Batch is one gateway submission
type Batch struct {
	DeviceID string
	Tags     json.RawMessage
}

// Result holds the per-batch counts
type Result struct {
	InvocationID string
	Status       models.IngestionStatus
	Accepted     int
	Duplicates   int
	Outliers     int
	Errors       int
}

// Service runs the sensor ingestion pipeline. It is transport-agnostic and
// safe for concurrent use.
type Service struct {
	store   ReadingStore
	limiter ratelimit.Limiter
	log     ingestlog.Recorder
	creds   Credentials
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewService creates the pipeline
func NewService(store ReadingStore, limiter ratelimit.Limiter, log ingestlog.Recorder, creds Credentials, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		store:   store,
		limiter: limiter,
		log:     log,
		creds:   creds,
		metrics: m,
		logger:  logger.With().Str("component", "ingest").Logger(),
	}
}

// Authenticate accepts a batch whose deviceId equals the ingest secret, or a
// request whose bearer token equals the public client key
func (s *Service) Authenticate(deviceID, bearer string) bool {
	return secretMatches(s.creds.IngestAPIKey, deviceID) || secretMatches(s.creds.PublicClientKey, bearer)
}

// DeviceLabel returns the name a batch may be shown under outside the
// ingestion log. A deviceId equal to the ingest secret is never echoed.
func (s *Service) DeviceLabel(deviceID string) string {
	switch {
	case deviceID == "":
		return UnknownDeviceID
	case secretMatches(s.creds.IngestAPIKey, deviceID):
		return GatewayDeviceLabel
	default:
		return deviceID
	}
}

func secretMatches(secret, candidate string) bool {
	if secret == "" || candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(candidate)) == 1
}

// ParseTags returns the tag list or ErrMissingTags
func ParseTags(raw json.RawMessage) ([]json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, ErrMissingTags
	}
	var tags []json.RawMessage
	if err := json.Unmarshal(raw, &tags); err != nil || len(tags) == 0 {
		return nil, ErrMissingTags
	}
	return tags, nil
}

// Ingest processes an authenticated batch. Records are handled in order and
// one bad record never aborts the batch. Exactly one ingestion log entry is
// written unless tags are missing.
func (s *Service) Ingest(ctx context.Context, batch Batch) (result *Result, err error) {
	// a started batch runs to completion even if the caller goes away
	ctx = context.WithoutCancel(ctx)

	if batch.DeviceID == "" {
		batch.DeviceID = UnknownDeviceID
	}

	tags, err := ParseTags(batch.Tags)
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			panicErr := fmt.Errorf("panic: %v", r)
			s.logger.Error().Err(panicErr).Str("device_id", batch.DeviceID).Msg("Recovered from panic in ingest")
			s.RecordFailure(ctx, batch.DeviceID, panicErr)
			result = nil
			err = fmt.Errorf("%w: %v", ErrInternal, panicErr)
		}
	}()

	if !s.allow(ctx, batch.DeviceID) {
		entry := models.NewIngestionLogEntry(models.SourceSensor, models.StatusRateLimited).
			WithDetail("deviceId", batch.DeviceID).
			WithDetail("tagCount", len(tags))
		s.record(ctx, entry)
		return nil, ErrRateLimited
	}

	result = &Result{}
	var recordErrors []string

	for i, raw := range tags {
		outcome, flagged, reason := s.processTag(ctx, raw)
		switch outcome {
		case outcomeAccepted:
			result.Accepted++
		case outcomeDuplicate:
			result.Duplicates++
		case outcomeError:
			result.Errors++
			recordErrors = append(recordErrors, fmt.Sprintf("tag %d: %s", i, reason))
		}
		if flagged {
			result.Outliers++
		}
	}

	result.Status = models.StatusError
	if result.Accepted > 0 || result.Duplicates > 0 {
		result.Status = models.StatusSuccess
	}

	entry := models.NewIngestionLogEntry(models.SourceSensor, result.Status).
		WithDetail("deviceId", batch.DeviceID).
		WithDetail("tagCount", len(tags))
	entry.ReadingsCount = result.Accepted
	entry.DuplicatesCount = result.Duplicates
	entry.OutliersCount = result.Outliers
	entry.ErrorsCount = result.Errors
	if result.Errors > 0 {
		entry.WithError(fmt.Sprintf("%d tag(s) failed validation", result.Errors))
		entry.WithDetail("errors", recordErrors)
	}
	s.record(ctx, entry)
	result.InvocationID = entry.InvocationID

	return result, nil
}

// RecordFailure writes the error entry of an invocation that failed outside
// the per-record loop
func (s *Service) RecordFailure(ctx context.Context, deviceID string, cause error) {
	entry := models.NewIngestionLogEntry(models.SourceSensor, models.StatusError).WithError(cause.Error())
	if deviceID != "" {
		entry.WithDetail("deviceId", deviceID)
	}
	s.record(context.WithoutCancel(ctx), entry)
}

// allow consults the limiter. A failing backend lets the batch through.
func (s *Service) allow(ctx context.Context, deviceID string) bool {
	ok, err := s.limiter.Allow(ctx, deviceID)
	if err != nil {
		s.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Rate limiter unavailable, allowing batch")
		s.metrics.RateLimiterError()
		return true
	}
	return ok
}

// record writes the entry. A failed write is already logged by the recorder
// and does not change the response.
func (s *Service) record(ctx context.Context, entry *models.IngestionLogEntry) {
	if err := s.log.Record(ctx, entry); err != nil {
		s.logger.Error().Err(err).Str("status", string(entry.Status)).Msg("Ingestion log entry lost")
	}
}

type tagOutcome int

const (
	outcomeAccepted tagOutcome = iota + 1
	outcomeDuplicate
	outcomeError
)

// processTag handles one record. flagged reports an outlier verdict, which
// is counted even when the row turns out to be a duplicate.
func (s *Service) processTag(ctx context.Context, raw json.RawMessage) (outcome tagOutcome, flagged bool, reason string) {
	tag, err := models.ParseTag(raw)
	if err != nil {
		return outcomeError, false, err.Error()
	}
	if tag.ID == "" || tag.UpdateAt == "" {
		return outcomeError, false, "missing id or updateAt"
	}
	measuredAt, err := tag.MeasuredAt()
	if err != nil {
		return outcomeError, false, err.Error()
	}

	reading := models.NewSensorReading(tag, measuredAt, raw)
	verdict := outlier.Apply(reading)

	if err := s.store.InsertReading(ctx, reading); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return outcomeDuplicate, verdict.IsOutlier, ""
		}
		s.logger.Error().Err(err).Str("device_id", tag.ID).Msg("Failed to insert reading")
		return outcomeError, verdict.IsOutlier, "storage failure"
	}

	s.logger.Debug().Str("reading", reading.String()).Msg("Reading stored")

	if _, err := s.store.EnsureDeviceIdentity(ctx, tag.ID, tag.DisplayName()); err != nil {
		s.logger.Warn().Err(err).Str("device_id", tag.ID).Msg("Failed to register device")
	}
	return outcomeAccepted, verdict.IsOutlier, ""
}
