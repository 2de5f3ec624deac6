package weather

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/climate-ingest/internal/ingestlog"
	"github.com/afroash/climate-ingest/internal/models"
)

const (
	// DefaultURL is the FMI multipoint coverage query for Helsinki-Vantaa
	DefaultURL = "https://opendata.fmi.fi/wfs?service=WFS&version=2.0.0" +
		"&request=getFeature" +
		"&storedquery_id=fmi::observations::weather::multipointcoverage" +
		"&fmisid=100968&timestep=10"
	// DefaultStationID is the FMISID of DefaultURL
	DefaultStationID int64 = 100968
	// DefaultRecentWindow limits inserts to the tail of the returned history
	DefaultRecentWindow = 20 * time.Minute
)

// ErrInsertFailed wraps a failed observation upsert
var ErrInsertFailed = errors.New("insert_failed")

// ObservationStore is the persistence the poller needs
type ObservationStore interface {
	UpsertWeatherObservations(ctx context.Context, obs []models.WeatherObservation) (int, error)
}

// PollerConfig selects the feed and the recent window
type PollerConfig struct {
	URL          string
	StationID    int64
	RecentWindow time.Duration
}

// PollResult summarises one successful poll
type PollResult struct {
	InvocationID      string
	Attempts          int
	TotalInResponse   int
	Recent            int
	Inserted          int
	Duplicates        int
	LatestObservation *time.Time
}

// Poller fetches, decodes, filters and stores one round of observations
type Poller struct {
	fetcher *Fetcher
	decoder *Decoder
	store   ObservationStore
	log     ingestlog.Recorder
	cfg     PollerConfig
	logger  zerolog.Logger
	now     func() time.Time
}

// NewPoller creates a Poller. Zero config fields take the defaults.
func NewPoller(fetcher *Fetcher, decoder *Decoder, store ObservationStore, log ingestlog.Recorder, cfg PollerConfig, logger zerolog.Logger) *Poller {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.StationID == 0 {
		cfg.StationID = DefaultStationID
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = DefaultRecentWindow
	}
	return &Poller{
		fetcher: fetcher,
		decoder: decoder,
		store:   store,
		log:     log,
		cfg:     cfg,
		logger:  logger.With().Str("component", "weather").Logger(),
		now:     time.Now,
	}
}

// Poll runs one invocation and writes exactly one ingestion log entry.
// Returned errors are *FetchError, *DecodeError, ErrInsertFailed (wrapped)
// or a recovered panic.
func (p *Poller) Poll(ctx context.Context) (result *PollResult, err error) {
	ctx = context.WithoutCancel(ctx)
	invokedAt := p.now().UTC()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("weather poll panic: %v", r)
			result = nil
			p.logger.Error().Err(err).Msg("Recovered from panic in weather poll")
			p.record(ctx, models.NewIngestionLogEntry(models.SourceWeather, models.StatusError).
				WithError(err.Error()).
				WithDetail("url", p.cfg.URL))
		}
	}()

	resp, err := p.fetcher.Fetch(ctx, p.cfg.URL)
	if err != nil {
		attempts := 0
		var fetchErr *FetchError
		if errors.As(err, &fetchErr) {
			attempts = fetchErr.Attempts
		}
		p.record(ctx, models.NewIngestionLogEntry(models.SourceWeather, models.StatusError).
			WithError(err.Error()).
			WithDetail("url", p.cfg.URL).
			WithDetail("attempts", attempts))
		return nil, err
	}

	all, err := p.decoder.Decode(resp.Body)
	if err != nil {
		p.record(ctx, models.NewIngestionLogEntry(models.SourceWeather, models.StatusError).
			WithError(err.Error()).
			WithDetail("url", p.cfg.URL).
			WithDetail("attempts", resp.Attempts))
		return nil, err
	}

	cutoff := invokedAt.Add(-p.cfg.RecentWindow)
	recent := make([]models.WeatherObservation, 0)
	for _, o := range all {
		if !o.ObservedAt.Before(cutoff) {
			recent = append(recent, models.NewWeatherObservation(p.cfg.StationID, o.ObservedAt, o.Values, o.Raw))
		}
	}

	result = &PollResult{
		Attempts:        resp.Attempts,
		TotalInResponse: len(all),
		Recent:          len(recent),
	}

	if len(recent) == 0 {
		var latest any
		if len(all) > 0 {
			latest = all[len(all)-1].ObservedAt.Format(time.RFC3339)
		}
		entry := models.NewIngestionLogEntry(models.SourceWeather, models.StatusSuccess).
			WithDetail("totalInResponse", len(all)).
			WithDetail("recentCount", 0).
			WithDetail("cutoff", cutoff.Format(time.RFC3339)).
			WithDetail("latestInResponse", latest).
			WithDetail("attempts", resp.Attempts)
		p.record(ctx, entry)
		result.InvocationID = entry.InvocationID
		return result, nil
	}

	inserted, err := p.store.UpsertWeatherObservations(ctx, recent)
	if err != nil {
		p.record(ctx, models.NewIngestionLogEntry(models.SourceWeather, models.StatusError).
			WithError(fmt.Sprintf("Insert failed: %v", err)).
			WithDetail("rowCount", len(recent)))
		return nil, fmt.Errorf("%w: %v", ErrInsertFailed, err)
	}

	latest := recent[len(recent)-1].ObservedAt
	result.Inserted = inserted
	result.Duplicates = len(recent) - inserted
	result.LatestObservation = &latest

	entry := models.NewIngestionLogEntry(models.SourceWeather, models.StatusSuccess).
		WithDetail("totalInResponse", len(all)).
		WithDetail("recentCount", len(recent)).
		WithDetail("latestObservation", latest.Format(time.RFC3339)).
		WithDetail("attempts", resp.Attempts)
	entry.ReadingsCount = result.Inserted
	entry.DuplicatesCount = result.Duplicates
	p.record(ctx, entry)
	result.InvocationID = entry.InvocationID

	return result, nil
}

func (p *Poller) record(ctx context.Context, entry *models.IngestionLogEntry) {
	if err := p.log.Record(ctx, entry); err != nil {
		p.logger.Error().Err(err).Str("status", string(entry.Status)).Msg("Ingestion log entry lost")
	}
}
