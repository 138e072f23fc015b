package transmit

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/devmatch/climate-agent/internal/telemetry"
)

// SubmitPath is the ingestion endpoint, relative to the backend base URL.
const SubmitPath = "/api/data/submit"

// ErrCircuitOpen is returned while the circuit breaker holds attempts off
// a struggling backend. It classifies as retryable.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// HTTPDoer matches http.Client's Do method, so tests can inject fakes.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPConfig holds configuration for the HTTP transmitter.
type HTTPConfig struct {
	// BaseURL of the backend, without trailing slash
	// (e.g. "https://ingest.devmatch.io").
	BaseURL string

	// Credentials supplies the bearer token for each attempt.
	Credentials *Credentials

	// Timeout bounds one attempt end to end (default: 30 seconds).
	Timeout time.Duration

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient HTTPDoer

	// Breaker configures the circuit breaker. If nil, DefaultBreakerConfig
	// is used.
	Breaker *BreakerConfig

	// Logger for attempt outcomes.
	Logger zerolog.Logger

	// Metrics records attempt instruments. Optional.
	Metrics *Metrics
}

// HTTPTransmitter delivers records to the backend ingestion endpoint over
// HTTPS. One Send is one attempt: the transmitter classifies the result
// and leaves retry pacing to the caller.
type HTTPTransmitter struct {
	baseURL     string
	credentials *Credentials
	client      HTTPDoer
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	logger      zerolog.Logger
	metrics     *Metrics
}

// NewHTTPTransmitter creates an HTTP transmitter.
func NewHTTPTransmitter(cfg HTTPConfig) *HTTPTransmitter {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	breakerCfg := DefaultBreakerConfig("backend-submit")
	if cfg.Breaker != nil {
		breakerCfg = *cfg.Breaker
	}

	return &HTTPTransmitter{
		baseURL:     cfg.BaseURL,
		credentials: cfg.Credentials,
		client:      client,
		breaker:     newBreaker[*http.Response](breakerCfg),
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
}

// Send delivers one record. The outcome classifies the attempt:
//
//   - 2xx is delivered
//   - transport errors, timeouts, 5xx, 408, 429, and auth rejections are
//     retryable; the record is expected back on the queue
//   - encoding failures and the remaining 4xx are terminal; the caller
//     drops the record
//
// 5xx responses are fed to the circuit breaker as failures. While the
// breaker is open, Send fails fast with ErrCircuitOpen without touching
// the network.
func (t *HTTPTransmitter) Send(ctx context.Context, rec *telemetry.Record) Outcome {
	finish := timeAttempt()
	requestID := "req_" + uuid.New().String()[:22]

	out := t.attempt(ctx, rec, requestID)
	out.RequestID = requestID
	out = finish(out)

	t.log(rec, out)
	t.metrics.RecordAttempt("http", out)
	return out
}

func (t *HTTPTransmitter) attempt(ctx context.Context, rec *telemetry.Record, requestID string) Outcome {
	body, err := encodeRecord(rec)
	if err != nil {
		return terminal(err, 0, requestID, 0)
	}

	bearer, err := t.credentials.Bearer()
	if err != nil {
		// A signing failure is local misconfiguration; no retry can fix it.
		return terminal(err, 0, requestID, 0)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+SubmitPath, bytes.NewReader(body))
	if err != nil {
		return terminal(err, 0, requestID, 0)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("X-Request-Id", requestID)

	// 5xx responses come back as errors so the breaker counts them.
	resp, err := t.breaker.Execute(func() (*http.Response, error) {
		r, doErr := t.client.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		if r.StatusCode >= 500 {
			return r, &ServerError{StatusCode: r.StatusCode}
		}
		return r, nil
	})

	if err != nil {
		if resp != nil {
			drainBody(resp)
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return retryable(ErrCircuitOpen, 0, requestID, 0)
		}

		var serverErr *ServerError
		if errors.As(err, &serverErr) {
			return retryable(err, serverErr.StatusCode, requestID, 0)
		}

		// Network error: refused, reset, DNS, timeout.
		return retryable(err, 0, requestID, 0)
	}

	drainBody(resp)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return delivered(resp.StatusCode, requestID, 0)
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		// Timeouts and throttling clear on their own. Auth rejections can
		// too, after a credential rotation; dropping the record here would
		// lose data over a provisioning blip.
		return retryable(&RejectedError{StatusCode: resp.StatusCode}, resp.StatusCode, requestID, 0)
	default:
		return terminal(&RejectedError{StatusCode: resp.StatusCode}, resp.StatusCode, requestID, 0)
	}
}

func (t *HTTPTransmitter) log(rec *telemetry.Record, out Outcome) {
	switch out.Class {
	case ClassDelivered:
		t.logger.Info().
			Str("request_id", out.RequestID).
			Int("status", out.StatusCode).
			Int64("timestamp", rec.Timestamp).
			Dur("duration", out.Duration).
			Msg("record delivered")
	case ClassRetryable:
		t.logger.Warn().
			Str("request_id", out.RequestID).
			Int("status", out.StatusCode).
			Int64("timestamp", rec.Timestamp).
			Err(out.Err).
			Msg("delivery attempt failed, will retry")
	case ClassTerminal:
		t.logger.Error().
			Str("request_id", out.RequestID).
			Int("status", out.StatusCode).
			Int64("timestamp", rec.Timestamp).
			Err(out.Err).
			Msg("record rejected, dropping")
	}
}

// BreakerState returns the current state of the circuit breaker.
func (t *HTTPTransmitter) BreakerState() gobreaker.State {
	return t.breaker.State()
}

func drainBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

// ServerError represents an HTTP 5xx backend error.
type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return "server error: " + http.StatusText(e.StatusCode)
}

// RejectedError represents a non-5xx rejection from the backend.
type RejectedError struct {
	StatusCode int
}

func (e *RejectedError) Error() string {
	return "backend rejected request: " + http.StatusText(e.StatusCode)
}
