// Package sink ships JSON record batches to the OpenObserve ingestion
// endpoint with bounded retries and exponential backoff.
package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-logr/logr"

	"github.com/openobserve/openobserve-lambda-extension/config"
)

// maxResponseExcerpt is the maximum number of response body bytes kept
// for error reporting.
const maxResponseExcerpt = 1024

// retryableStatus lists the HTTP statuses worth another attempt. Any
// other non-2xx status is terminal for the batch.
var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:      true, // 408
	http.StatusTooManyRequests:     true, // 429
	http.StatusInternalServerError: true, // 500
	http.StatusBadGateway:          true, // 502
	http.StatusServiceUnavailable:  true, // 503
	http.StatusGatewayTimeout:      true, // 504
}

// PermanentError reports a status the sink will keep rejecting, such
// as bad credentials or a malformed request.
type PermanentError struct {
	Status int
	Body   string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("sink returned permanent error status %d: %s", e.Status, e.Body)
}

// TransientExhaustedError reports that every attempt failed with a
// retryable condition.
type TransientExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *TransientExhaustedError) Error() string {
	return fmt.Sprintf("sink unreachable after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *TransientExhaustedError) Unwrap() error { return e.LastErr }

// statusError is a retryable non-2xx response.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("sink returned status %d: %s", e.status, e.body)
}

// Client posts batches to the ingest URL. It is stateless apart from
// the underlying connection pool and safe for concurrent use.
type Client struct {
	httpClient *http.Client
	url        string
	auth       config.Secret

	maxRetries   uint64
	initialDelay time.Duration
	maxDelay     time.Duration

	log logr.Logger
}

// New builds a Client from the validated configuration. The per-attempt
// timeout is cfg.RequestTimeout.
func New(cfg *config.Config, log logr.Logger) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: cfg.RequestTimeout},
		url:          cfg.IngestURL(),
		auth:         cfg.Authorization,
		maxRetries:   uint64(cfg.MaxRetries),
		initialDelay: cfg.InitialRetryDelay,
		maxDelay:     cfg.MaxRetryDelay,
		log:          log,
	}
}

// URL returns the derived ingestion URL.
func (c *Client) URL() string { return c.url }

// Send posts one JSON array payload. The first attempt is immediate;
// failed attempts back off exponentially from the initial delay,
// doubling up to the cap, for maxRetries+1 total attempts. Returns nil
// on 2xx, *PermanentError on a terminal status,
// *TransientExhaustedError when retries run out, or the context error
// when canceled mid-flight.
func (c *Client) Send(ctx context.Context, payload []byte) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialDelay
	bo.MaxInterval = c.maxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	attempts := 0
	operation := func() error {
		attempts++
		err := c.attempt(ctx, payload)
		var permanent *PermanentError
		if errors.As(err, &permanent) {
			// stop the retry chain immediately
			return backoff.Permanent(err)
		}

		return err
	}
	notify := func(err error, delay time.Duration) {
		c.log.Info("sink attempt failed, will retry",
			"attempt", attempts,
			"maxAttempts", c.maxRetries+1,
			"delay", delay.String(),
			"reason", err.Error(),
		)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx), notify)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("sink send canceled: %w", ctx.Err())
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return permanent
	}

	return &TransientExhaustedError{Attempts: attempts, LastErr: err}
}

// attempt performs a single POST. Retryable failures come back as
// plain errors, terminal statuses as *PermanentError.
func (c *Client) attempt(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return &PermanentError{Status: 0, Body: err.Error()}
	}
	req.Header.Set("Authorization", c.auth.Reveal())
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// connection, DNS and timeout errors are all retryable
		return fmt.Errorf("sink request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseExcerpt))
	if retryableStatus[resp.StatusCode] {
		return &statusError{status: resp.StatusCode, body: string(excerpt)}
	}

	return &PermanentError{Status: resp.StatusCode, Body: string(excerpt)}
}
