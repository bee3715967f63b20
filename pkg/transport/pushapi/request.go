package pushapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teamtrek/realtime/pkg/transport"
)

// APIError is a non-2xx response from the provider.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("push api: status %d: %s", e.StatusCode, e.Body)
}

// Unwrap maps the status class onto the transport sentinels so callers
// can match with errors.Is.
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusRequestEntityTooLarge:
		return transport.ErrTooLarge
	case e.StatusCode >= 500:
		return transport.ErrUnavailable
	default:
		return transport.ErrRejected
	}
}

// IsRetryable reports whether the request may be attempted again.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// doRequest performs one signed HTTP request. Network faults and timeouts
// come back wrapped as transport.ErrUnavailable; non-2xx responses as
// *APIError.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte, extra url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.signedURL(method, path, body, extra), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", transport.ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	return respBody, nil
}

// doWithRetry wraps doRequest with exponential backoff and jitter. Only
// used for idempotent reads; publishes must stay single-attempt.
func (c *Client) doWithRetry(ctx context.Context, method, path string, body []byte, extra url.Values) ([]byte, error) {
	backoff := c.cfg.RetryBackoff
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(backoff)/2 + 1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff + jitter):
			}
			backoff *= 2
			c.log.Debug().Int("attempt", attempt).Str("path", path).Msg("retrying request")
		}

		respBody, err := c.doRequest(ctx, method, path, body, extra)
		if err == nil {
			return respBody, nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.IsRetryable() {
			return nil, err
		}
	}

	return nil, lastErr
}
