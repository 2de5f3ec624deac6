package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/afroash/climate-ingest/internal/models"
)

// Metrics holds the service collectors. All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
	invocationsTotal    *prometheus.CounterVec
	recordsTotal        *prometheus.CounterVec
	rateLimitedTotal    prometheus.Counter
	rateLimiterErrors   prometheus.Counter
	fetchAttempts       prometheus.Histogram
	mqttPublishFailures prometheus.Counter
	logWriteFailures    *prometheus.CounterVec
}

// New creates the collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		invocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestion_invocations_total",
			Help: "Ingestion invocations by source and outcome.",
		}, []string{"source", "status"}),
		recordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestion_records_total",
			Help: "Records handled by source and outcome (accepted, duplicate, outlier, error).",
		}, []string{"source", "outcome"}),
		rateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestion_rate_limited_total",
			Help: "Sensor batches rejected by the rate limiter.",
		}),
		rateLimiterErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestion_rate_limiter_errors_total",
			Help: "Rate limiter backend errors (requests were let through).",
		}),
		fetchAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "weather_fetch_attempts",
			Help:    "Attempts used per weather fetch.",
			Buckets: []float64{1, 2, 3, 4, 5},
		}),
		mqttPublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestion_log_mqtt_failures_total",
			Help: "Ingestion log entries that could not be mirrored to MQTT.",
		}),
		logWriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestion_log_write_failures_total",
			Help: "Ingestion log entries lost because the durable write failed.",
		}, []string{"source"}),
	}

	m.registry.MustRegister(
		m.httpRequestsTotal,
		m.httpDuration,
		m.invocationsTotal,
		m.recordsTotal,
		m.rateLimitedTotal,
		m.rateLimiterErrors,
		m.fetchAttempts,
		m.mqttPublishFailures,
		m.logWriteFailures,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the underlying registry, for tests and custom collectors
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// WrapHandler records request count and duration for route
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveIngestion counts one durably written ingestion log entry
func (m *Metrics) ObserveIngestion(e *models.IngestionLogEntry) {
	if m == nil || e == nil {
		return
	}
	source := string(e.Source)
	m.invocationsTotal.WithLabelValues(source, string(e.Status)).Inc()
	m.recordsTotal.WithLabelValues(source, "accepted").Add(float64(e.ReadingsCount))
	m.recordsTotal.WithLabelValues(source, "duplicate").Add(float64(e.DuplicatesCount))
	m.recordsTotal.WithLabelValues(source, "outlier").Add(float64(e.OutliersCount))
	m.recordsTotal.WithLabelValues(source, "error").Add(float64(e.ErrorsCount))
	if e.Status == models.StatusRateLimited {
		m.rateLimitedTotal.Inc()
	}
}

// RateLimiterError counts a limiter backend failure
func (m *Metrics) RateLimiterError() {
	if m == nil {
		return
	}
	m.rateLimiterErrors.Inc()
}

// FetchAttempts records the attempts one weather fetch used
func (m *Metrics) FetchAttempts(n int) {
	if m == nil {
		return
	}
	m.fetchAttempts.Observe(float64(n))
}

// MQTTPublishFailed counts a failed log mirror
func (m *Metrics) MQTTPublishFailed() {
	if m == nil {
		return
	}
	m.mqttPublishFailures.Inc()
}

// LogWriteFailed counts an ingestion log entry whose durable write failed
func (m *Metrics) LogWriteFailed(source models.IngestionSource) {
	if m == nil {
		return
	}
	m.logWriteFailures.WithLabelValues(string(source)).Inc()
}
