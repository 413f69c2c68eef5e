package common

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotRetryable marks failures that will not succeed on a retry.
var ErrNotRetryable = errors.New("not retryable")

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	StatusCode int
	Body       string
	// RetryAfter is the server requested wait, zero when absent.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the same request may succeed later: request
// timeouts, rate limiting and server errors.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

// Is makes errors.Is(err, ErrNotRetryable) hold for client errors.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotRetryable && !e.Retryable()
}

// NewStatusError builds a StatusError from resp. body is a truncated excerpt
// of the response body for diagnostics.
func NewStatusError(resp *http.Response, body []byte) *StatusError {
	const maxBody = 256
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	return &StatusError{
		StatusCode: resp.StatusCode,
		Body:       string(body),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// NewHTTPClient returns a client whose transport records a client span per
// request on tp.
func NewHTTPClient(timeout time.Duration, tp trace.TracerProvider) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport, otelhttp.WithTracerProvider(tp)),
	}
}
