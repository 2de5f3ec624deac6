package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/rs/zerolog"

	"github.com/afroash/climate-ingest/internal/metrics"
)

// Route paths
const (
	PathIngest         = "/ingest"
	PathIngestFunction = "/functions/v1/ingest-sensors"
	PathPollWeather    = "/poll-weather"
	PathPollFunction   = "/functions/v1/poll-weather"
	PathStream         = "/sensor-stream"
	PathHealth         = "/health"
	PathMetrics        = "/metrics"
)

// NewRouter wires every endpoint behind CORS and access logging. stream may
// be nil to disable the websocket transport.
func NewRouter(api *APIHandler, stream *StreamHandler, m *metrics.Metrics, logger zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	ingestRoute := m.WrapHandler("ingest", http.HandlerFunc(api.HandleIngest))
	mux.Handle(PathIngest, ingestRoute)
	mux.Handle(PathIngestFunction, ingestRoute)

	pollRoute := m.WrapHandler("poll_weather", http.HandlerFunc(api.HandlePollWeather))
	mux.Handle(PathPollWeather, pollRoute)
	mux.Handle(PathPollFunction, pollRoute)

	mux.HandleFunc(PathHealth, api.HandleHealth)
	mux.Handle(PathMetrics, m.Handler())

	mux.HandleFunc("/api/stats", api.RequireAdmin(api.HandleStats))
	mux.HandleFunc("/api/devices", api.RequireAdmin(api.HandleDevices))
	mux.HandleFunc("/api/history", api.RequireAdmin(api.HandleHistory))

	// not wrapped by metrics: the upgrade needs the raw hijackable writer
	if stream != nil {
		mux.Handle(PathStream, stream)
	}

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "apikey", "x-client-info"}),
	)

	return AccessLog(logger, cors(mux))
}

// AccessLog logs one line per request with zerolog. The gorilla logging
// writer keeps http.Hijacker working for websocket upgrades.
func AccessLog(logger zerolog.Logger, next http.Handler) http.Handler {
	return handlers.CustomLoggingHandler(io.Discard, next, func(_ io.Writer, p handlers.LogFormatterParams) {
		event := logger.Info()
		if p.StatusCode >= http.StatusInternalServerError {
			event = logger.Warn()
		}
		event.
			Str("method", p.Request.Method).
			Str("path", p.URL.Path).
			Int("status", p.StatusCode).
			Int("size", p.Size).
			Dur("duration", time.Since(p.TimeStamp)).
			Str("remote_addr", p.Request.RemoteAddr).
			Msg("HTTP request")
	})
}
