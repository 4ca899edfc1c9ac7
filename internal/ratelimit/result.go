package ratelimit

import (
	"errors"
	"time"
)

// Result is the immutable outcome of one rate limit evaluation. It is
// never persisted; the transport layer serializes it into response
// headers and, on denial, the 429 body.
type Result struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
	ResetsAt   time.Time
}

// RetryAfterSeconds rounds up so a client that waits the advertised
// number of seconds always lands in the next window.
func (r Result) RetryAfterSeconds() int64 {
	if r.RetryAfter <= 0 {
		return 0
	}
	secs := int64(r.RetryAfter / time.Second)
	if r.RetryAfter%time.Second != 0 {
		secs++
	}
	return secs
}

var (
	ErrInvalidLimit  = errors.New("invalid_limit")
	ErrInvalidWindow = errors.New("invalid_window")

	// ErrStoreUnavailable is surfaced only under the fail-closed policy.
	ErrStoreUnavailable = errors.New("rate_limit_store_unavailable")
)
