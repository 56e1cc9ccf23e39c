package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	gateway "github.com/eugener/heimdall/internal"
)

// HTTPError is a non-2xx upstream response.
type HTTPError struct {
	Status int
	Header http.Header
	Body   []byte
}

// Error returns a short description; bodies are capped at read time.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream HTTP %d: %s", e.Status, e.Body)
}

// HTTPStatus returns the status code for classification.
func (e *HTTPError) HTTPStatus() int { return e.Status }

// RetryAfter parses the Retry-After header as delta-seconds. ok is false when
// absent or unparseable (HTTP-date forms are not worth supporting here).
func (e *HTTPError) RetryAfter() (time.Duration, bool) {
	v := e.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// TransportError wraps a transport-level failure with its rough kind.
type TransportError struct {
	Kind string // "timeout", "connect", "dns", "tls", "other"
	Err  error
}

func (e *TransportError) Error() string { return fmt.Sprintf("upstream %s: %v", e.Kind, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// wrapTransport classifies a client.Do error.
func wrapTransport(err error) *TransportError {
	kind := "other"
	var netErr net.Error
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		kind = "timeout"
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = "timeout"
	case errors.As(err, &dnsErr):
		kind = "dns"
	default:
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			kind = "connect"
		}
	}
	return &TransportError{Kind: kind, Err: err}
}

// Cooldown durations of the default classifier.
const (
	rateLimitCooldown = 30 * time.Second
	serverErrCooldown = 10 * time.Second
)

// DefaultDecision implements the default failure classification. nil means
// "no disallow": 404s and unrecognized errors pass through to the caller
// untouched.
func DefaultDecision(err error) *gateway.UnavailableDecision {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == http.StatusNotFound:
			return nil
		case httpErr.Status == http.StatusTooManyRequests:
			d := rateLimitCooldown
			if ra, ok := httpErr.RetryAfter(); ok {
				d = ra
			}
			return &gateway.UnavailableDecision{
				Level:    gateway.LevelCooldown,
				Duration: d,
				Reason:   gateway.ReasonRateLimit,
			}
		case httpErr.Status == http.StatusUnauthorized || httpErr.Status == http.StatusForbidden:
			return &gateway.UnavailableDecision{
				Level:    gateway.LevelDead,
				Duration: gateway.DeadDuration,
				Reason:   gateway.ReasonAuthInvalid,
			}
		case httpErr.Status >= 500:
			return &gateway.UnavailableDecision{
				Level:    gateway.LevelCooldown,
				Duration: serverErrCooldown,
				Reason:   gateway.ReasonUpstream5xx,
			}
		}
		return nil
	}

	var tErr *TransportError
	if errors.As(err, &tErr) {
		switch tErr.Kind {
		case "timeout", "connect", "dns", "tls":
			return &gateway.UnavailableDecision{
				Level:    gateway.LevelCooldown,
				Duration: serverErrCooldown,
				Reason:   gateway.ReasonTimeout,
			}
		}
	}
	return nil
}

// isAuthFailure reports whether the error is an upstream 401/403.
func isAuthFailure(err error) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return httpErr.Status == http.StatusUnauthorized || httpErr.Status == http.StatusForbidden
}
