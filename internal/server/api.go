package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/climate-ingest/internal/ingest"
	"github.com/afroash/climate-ingest/internal/models"
	"github.com/afroash/climate-ingest/internal/weather"
)

// DefaultMaxBodyBytes caps a sensor batch body
const DefaultMaxBodyBytes = 1 << 20

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// APIConfig holds the optional settings of the HTTP API
type APIConfig struct {
	Version      string
	AdminToken   string // guards the weather trigger and /api; empty leaves the trigger open and /api closed
	MaxBodyBytes int64
	Health       Pinger
}

// APIHandler handles the HTTP endpoints for gateways and the scheduler
type APIHandler struct {
	ingester Ingester
	poller   WeatherPoller
	activity ActivityRecorder
	cfg      APIConfig
	logger   zerolog.Logger
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(ingester Ingester, poller WeatherPoller, activity ActivityRecorder, cfg APIConfig, logger zerolog.Logger) *APIHandler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &APIHandler{
		ingester: ingester,
		poller:   poller,
		activity: activity,
		cfg:      cfg,
		logger:   logger,
	}
}

type errorResponse struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts,omitempty"`
}

type ingestResponse struct {
	OK         bool `json:"ok"`
	Accepted   int  `json:"accepted"`
	Duplicates int  `json:"duplicates"`
	Outliers   int  `json:"outliers"`
}

type pollResponse struct {
	OK           bool `json:"ok"`
	Observations int  `json:"observations"`
}

// HandleIngest accepts a sensor batch. Callers only ever see counts or a
// short error code; details go to the ingestion log.
func (api *APIHandler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		writePreflight(w)
		return
	case http.MethodPost:
	default:
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method_not_allowed"})
		return
	}

	var payload models.BatchPayload
	body := http.MaxBytesReader(w, r.Body, api.cfg.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		api.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Rejected malformed batch body")
		api.ingester.RecordFailure(r.Context(), "", fmt.Errorf("invalid request body: %w", err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: ingest.ErrInternal.Error()})
		return
	}

	if !api.ingester.Authenticate(payload.DeviceID, bearerToken(r)) {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: ingest.ErrUnauthorized.Error()})
		return
	}

	result, err := api.ingester.Ingest(r.Context(), ingest.Batch{DeviceID: payload.DeviceID, Tags: payload.Tags})
	status, resp := ingestOutcome(result, err)
	if status != http.StatusBadRequest && status != http.StatusInternalServerError {
		api.activity.Add(summarize(api.ingester.DeviceLabel(payload.DeviceID), TransportHTTP, result, err))
	}
	writeJSON(w, status, resp)
}

// ingestOutcome maps an Ingest result to the HTTP status and body
func ingestOutcome(result *ingest.Result, err error) (int, any) {
	switch {
	case err == nil:
		return http.StatusOK, ingestResponse{
			OK:         true,
			Accepted:   result.Accepted,
			Duplicates: result.Duplicates,
			Outliers:   result.Outliers,
		}
	case errors.Is(err, ingest.ErrMissingTags):
		return http.StatusBadRequest, errorResponse{Error: ingest.ErrMissingTags.Error()}
	case errors.Is(err, ingest.ErrRateLimited):
		return http.StatusTooManyRequests, errorResponse{Error: ingest.ErrRateLimited.Error()}
	default:
		return http.StatusInternalServerError, errorResponse{Error: ingest.ErrInternal.Error()}
	}
}

// summarize builds the activity entry of a batch; label comes from DeviceLabel
func summarize(label string, transport Transport, result *ingest.Result, err error) *BatchSummary {
	summary := &BatchSummary{
		DeviceID:   label,
		Transport:  transport,
		ReceivedAt: time.Now().UTC(),
	}
	if errors.Is(err, ingest.ErrRateLimited) {
		summary.Status = models.StatusRateLimited
		return summary
	}
	if result != nil {
		summary.InvocationID = result.InvocationID
		summary.Status = result.Status
		summary.Accepted = result.Accepted
		summary.Duplicates = result.Duplicates
		summary.Outliers = result.Outliers
		summary.Errors = result.Errors
	}
	return summary
}

// HandlePollWeather runs one weather poll
func (api *APIHandler) HandlePollWeather(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		writePreflight(w)
		return
	case http.MethodPost, http.MethodGet:
	default:
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method_not_allowed"})
		return
	}

	if !api.authorizeAdmin(w, r) {
		return
	}

	result, err := api.poller.Poll(r.Context())
	status, resp := pollOutcome(result, err)
	if err != nil {
		api.logger.Error().Err(err).Int("status", status).Msg("Weather poll failed")
	} else {
		api.logger.Info().
			Int("inserted", result.Inserted).
			Int("duplicates", result.Duplicates).
			Int("attempts", result.Attempts).
			Msg("Weather poll complete")
	}
	writeJSON(w, status, resp)
}

// pollOutcome maps a Poll result to the HTTP status and body
func pollOutcome(result *weather.PollResult, err error) (int, any) {
	if err == nil {
		return http.StatusOK, pollResponse{OK: true, Observations: result.Inserted}
	}

	var fetchErr *weather.FetchError
	switch {
	case errors.As(err, &fetchErr):
		return http.StatusBadGateway, errorResponse{Error: "fmi_fetch_failed", Attempts: fetchErr.Attempts}
	case errors.Is(err, weather.ErrInsertFailed):
		return http.StatusInternalServerError, errorResponse{Error: weather.ErrInsertFailed.Error()}
	default:
		return http.StatusInternalServerError, errorResponse{Error: err.Error()}
	}
}

// HandleHealth reports liveness and, when configured, storage reachability
func (api *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if api.cfg.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := api.cfg.Health.Ping(ctx); err != nil {
			api.logger.Warn().Err(err).Msg("Health check failed")
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]string{"status": status, "version": api.cfg.Version})
}

// RequireAdmin wraps a handler with the admin bearer check. Without a
// configured admin token the wrapped handler is unreachable.
func (api *APIHandler) RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if api.cfg.AdminToken == "" {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "admin_disabled"})
			return
		}
		if api.authorizeAdmin(w, r) {
			next(w, r)
		}
	}
}

// authorizeAdmin writes a 401 and returns false when the admin token is
// configured and the request does not carry it
func (api *APIHandler) authorizeAdmin(w http.ResponseWriter, r *http.Request) bool {
	if api.cfg.AdminToken == "" {
		return true
	}
	if subtle.ConstantTimeCompare([]byte(bearerToken(r)), []byte(api.cfg.AdminToken)) == 1 {
		return true
	}
	writeJSON(w, http.StatusUnauthorized, errorResponse{Error: ingest.ErrUnauthorized.Error()})
	return false
}

// HandleStats returns activity totals
func (api *APIHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.activity.Stats())
}

// HandleDevices lists the devices seen since start
func (api *APIHandler) HandleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.activity.GetDeviceIDs())
}

// HandleHistory returns recent batches for a device
func (api *APIHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		ids := api.activity.GetDeviceIDs()
		if len(ids) == 0 {
			writeJSON(w, http.StatusOK, []*BatchSummary{})
			return
		}
		deviceID = ids[0]
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	batches := api.activity.GetLatest(deviceID, limit)
	if batches == nil {
		batches = []*BatchSummary{}
	}
	writeJSON(w, http.StatusOK, batches)
}

// bearerToken extracts the token of an "Authorization: Bearer <token>" header
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func writePreflight(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
