package weather

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/climate-ingest/internal/metrics"
)

// maxErrorBody is how much of an error response body is kept in messages
const maxErrorBody = 200

// FetchPolicy bounds the retries of one fetch
type FetchPolicy struct {
	MaxAttempts int
	Timeout     time.Duration
	// Delays[i] is the wait after failed attempt i+1. The last value repeats.
	Delays []time.Duration
}

// DefaultFetchPolicy is 3 attempts of 8s with 1s and 2s between them
var DefaultFetchPolicy = FetchPolicy{
	MaxAttempts: 3,
	Timeout:     8 * time.Second,
	Delays:      []time.Duration{time.Second, 2 * time.Second},
}

// Budget is the worst-case wall time of one fetch
func (p FetchPolicy) Budget() time.Duration {
	total := time.Duration(p.MaxAttempts) * p.Timeout
	for i := 0; i < p.MaxAttempts-1; i++ {
		total += p.delay(i)
	}
	return total
}

func (p FetchPolicy) delay(i int) time.Duration {
	if len(p.Delays) == 0 {
		return 0
	}
	if i >= len(p.Delays) {
		return p.Delays[len(p.Delays)-1]
	}
	return p.Delays[i]
}

// Response is a successful (2xx) upstream response
type Response struct {
	StatusCode int
	Body       []byte
	Attempts   int
}

// FetchError is returned once attempts are exhausted or a non-retryable
// status was received. Its message is the last recorded failure.
type FetchError struct {
	Attempts   int
	LastError  string
	Timeout    bool
	StatusCode int
}

func (e *FetchError) Error() string {
	return e.LastError
}

// Fetcher GETs a URL with per-attempt timeouts and backoff between attempts
type Fetcher struct {
	client  *http.Client
	policy  FetchPolicy
	metrics *metrics.Metrics
	logger  zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewFetcher creates a Fetcher. A nil client uses a fresh http.Client.
func NewFetcher(client *http.Client, policy FetchPolicy, m *metrics.Metrics, logger zerolog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Fetcher{
		client:  client,
		policy:  policy,
		metrics: m,
		logger:  logger,
		sleep:   sleepContext,
	}
}

// Budget is the worst-case wall time of one Fetch
func (f *Fetcher) Budget() time.Duration {
	return f.policy.Budget()
}

// Fetch retries transport errors, timeouts and 5xx. Any other non-2xx
// status stops at once.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Response, error) {
	fetchErr := &FetchError{}

	for attempt := 1; attempt <= f.policy.MaxAttempts; attempt++ {
		fetchErr.Attempts = attempt

		resp, retryable, err := f.attempt(ctx, url, fetchErr)
		if err == nil {
			resp.Attempts = attempt
			f.metrics.FetchAttempts(attempt)
			return resp, nil
		}

		f.logger.Warn().
			Int("attempt", attempt).
			Int("max_attempts", f.policy.MaxAttempts).
			Bool("retryable", retryable).
			Str("error", fetchErr.LastError).
			Msg("Weather fetch attempt failed")

		if !retryable || attempt == f.policy.MaxAttempts {
			break
		}
		if err := f.sleep(ctx, f.policy.delay(attempt-1)); err != nil {
			break
		}
	}

	f.metrics.FetchAttempts(fetchErr.Attempts)
	return nil, fetchErr
}

// attempt runs one request. On failure it records the message in fetchErr.
func (f *Fetcher) attempt(ctx context.Context, url string, fetchErr *FetchError) (*Response, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.policy.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		fetchErr.LastError = fmt.Sprintf("fetch failed: %v", err)
		return nil, false, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.recordTransportError(ctx, attemptCtx, err, fetchErr)
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		f.recordTransportError(ctx, attemptCtx, err, fetchErr)
		return nil, ctx.Err() == nil, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Response{StatusCode: resp.StatusCode, Body: body}, false, nil
	}

	snippet := body
	if len(snippet) > maxErrorBody {
		snippet = snippet[:maxErrorBody]
	}
	fetchErr.LastError = fmt.Sprintf("upstream returned HTTP %d: %s", resp.StatusCode, snippet)
	fetchErr.Timeout = false
	fetchErr.StatusCode = resp.StatusCode
	return nil, resp.StatusCode >= 500, fmt.Errorf("HTTP %d", resp.StatusCode)
}

func (f *Fetcher) recordTransportError(ctx, attemptCtx context.Context, err error, fetchErr *FetchError) {
	fetchErr.StatusCode = 0
	if ctx.Err() == nil && isTimeout(attemptCtx, err) {
		fetchErr.Timeout = true
		fetchErr.LastError = fmt.Sprintf("fetch timed out after %s", f.policy.Timeout)
		return
	}
	fetchErr.Timeout = false
	fetchErr.LastError = fmt.Sprintf("fetch failed: %v", err)
}

func isTimeout(attemptCtx context.Context, err error) bool {
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
