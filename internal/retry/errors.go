package retry

import (
	"errors"
	"strings"
	"time"
)

// RateLimitError is the tagged error the remote-call adapter raises when the
// dependency throttles a request. RetryAfter carries an explicit server
// suggested wait when present; ResetAt carries a quota reset timestamp.
// Either may be zero, in which case the governor falls back to exponential
// backoff.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
	ResetAt    time.Time
}

func (e *RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "rate limit exceeded"
}

// rateLimitKeywords mark a throttling failure when the adapter could not
// tag the error itself.
var rateLimitKeywords = []string{"rate limit", "quota", "too many requests", "429"}

// IsRateLimit reports whether err is classified as a rate-limit failure:
// either a tagged *RateLimitError or an error whose message carries a
// throttling signal.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range rateLimitKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// SuggestedDelay extracts a server-suggested wait from err: an explicit
// retry-after value wins, otherwise the reset-timestamp difference from now.
// The second return is false when no hint is present.
func SuggestedDelay(err error, now time.Time) (time.Duration, bool) {
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		return 0, false
	}
	if rle.RetryAfter > 0 {
		return rle.RetryAfter, true
	}
	if !rle.ResetAt.IsZero() {
		if d := rle.ResetAt.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}
