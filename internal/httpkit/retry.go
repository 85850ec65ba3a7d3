package httpkit

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"syscall"
	"time"
)

// Retry is a retry policy. Dial failures that never reached the server
// are always retried. With Statuses set, 429 and 502-504 responses are
// retried too, waiting for Retry-After when the server sends one.
type Retry struct {
	// Attempts is the number of retries after the first try.
	Attempts int
	// Base is the first backoff delay; it doubles per retry.
	Base time.Duration
	// Max caps any single wait, including Retry-After.
	Max time.Duration
	// Statuses enables retrying overloaded responses.
	Statuses bool
}

func (r Retry) withDefaults() Retry {
	if r.Attempts <= 0 {
		r.Attempts = 2
	}
	if r.Base <= 0 {
		r.Base = 500 * time.Millisecond
	}
	if r.Max <= 0 {
		r.Max = 10 * time.Second
	}
	return r
}

type retryTransport struct {
	next   http.RoundTripper
	policy Retry
	logger *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	rewindable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	delay := t.policy.Base
	for attempt := 1; attempt <= t.policy.Attempts; attempt++ {
		wait, retry := t.shouldRetry(resp, err)
		if !retry || !rewindable {
			return resp, err
		}
		if wait <= 0 {
			wait = delay
			delay *= 2
		}
		wait = min(wait, t.policy.Max)

		if t.logger != nil {
			t.logger.Debug("retrying request",
				"method", req.Method, "url", req.URL.Redacted(),
				"attempt", attempt, "wait", wait, "cause", cause(resp, err))
		}
		if resp != nil {
			DrainAndClose(resp.Body, 4096)
		}

		timer := time.NewTimer(wait)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		next := req.Clone(req.Context())
		if req.GetBody != nil {
			body, berr := req.GetBody()
			if berr != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", berr)
			}
			next.Body = body
		}
		resp, err = t.next.RoundTrip(next)
	}
	return resp, err
}

// shouldRetry decides whether the outcome is worth another try and how
// long the server asked to wait (zero for "use backoff").
func (t *retryTransport) shouldRetry(resp *http.Response, err error) (time.Duration, bool) {
	if err != nil {
		return 0, isDialFailure(err)
	}
	if !t.policy.Statuses {
		return 0, false
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return retryAfter(resp.Header.Get("Retry-After"), time.Now()), true
	}
	return 0, false
}

// isDialFailure reports errors raised before any byte reached the server.
func isDialFailure(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.EHOSTUNREACH || errno == syscall.ENETUNREACH || errno == syscall.ECONNREFUSED
}

// retryAfter parses a Retry-After header in either delay-seconds or
// HTTP-date form.
func retryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return max(time.Duration(secs)*time.Second, 0)
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(at.Sub(now), 0)
	}
	return 0
}

func cause(resp *http.Response, err error) string {
	if err != nil {
		return err.Error()
	}
	return resp.Status
}
