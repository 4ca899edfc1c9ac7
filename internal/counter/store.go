// Package counter persists per-(tenant, limit key, window) request counts.
package counter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ErrUnavailable reports that the counter backend could not be reached.
// The rate limit evaluator decides fail-open vs fail-closed; the store
// never makes that policy call itself.
var ErrUnavailable = errors.New("counter_store_unavailable")

// Store atomically counts requests inside a fixed window. Keys are scoped
// by window start so a retention sweep of past windows can never race an
// increment on the active window.
type Store interface {
	// IncrementAndGet adds one to the counter for (tenantID, limitKey,
	// windowStart) and returns the new count. The increment happens even
	// for the request that exceeds the limit.
	IncrementAndGet(ctx context.Context, tenantID snowflake.ID, limitKey string, windowStart time.Time, window time.Duration) (int64, error)
}

func counterKey(tenantID snowflake.ID, limitKey string, windowStart time.Time) string {
	return fmt.Sprintf("ratelimit:ctr:%s:%s:%d", tenantID, limitKey, windowStart.Unix())
}
