// Package ratelimit implements fixed-window rate limiting on top of the
// counter store. Windows are clock-aligned, non-overlapping buckets; the
// request that exceeds the limit is still counted.
package ratelimit

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/counter"
	"go.uber.org/zap"
)

// Request carries one evaluation. Limit and Window come from the caller's
// entitlement lookup; the evaluator knows nothing about plans.
type Request struct {
	TenantID snowflake.ID
	LimitKey string
	Limit    int64
	Window   time.Duration
}

type Evaluator struct {
	store    counter.Store
	clock    clock.Clock
	log      *zap.Logger
	failOpen bool
}

func NewEvaluator(store counter.Store, clk clock.Clock, log *zap.Logger, failOpen bool) *Evaluator {
	return &Evaluator{
		store:    store,
		clock:    clk,
		log:      log.Named("ratelimit"),
		failOpen: failOpen,
	}
}

// Evaluate increments the window counter and decides allow/deny.
// The increment happens unconditionally, so the limit+1th request in a
// window is both counted and denied.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.LimitKey) == "" {
		return Result{}, ErrInvalidLimit
	}
	if req.Limit <= 0 {
		return Result{}, ErrInvalidLimit
	}
	// Windows are second-granular; the bucket math divides by whole
	// seconds, so anything finer is rejected rather than truncated.
	if req.Window < time.Second {
		return Result{}, ErrInvalidWindow
	}

	now := e.clock.Now()
	windowSecs := int64(req.Window / time.Second)
	windowStart := time.Unix((now.Unix()/windowSecs)*windowSecs, 0).UTC()
	resetsAt := windowStart.Add(req.Window)

	count, err := e.store.IncrementAndGet(ctx, req.TenantID, req.LimitKey, windowStart, req.Window)
	if err != nil {
		if e.failOpen {
			e.log.Warn("counter store unreachable, failing open",
				zap.String("tenant_id", req.TenantID.String()),
				zap.String("limit_key", req.LimitKey),
				zap.Error(err),
			)
			return Result{
				Allowed:   true,
				Limit:     req.Limit,
				Remaining: req.Limit,
				ResetsAt:  resetsAt,
			}, nil
		}
		e.log.Warn("counter store unreachable, failing closed",
			zap.String("tenant_id", req.TenantID.String()),
			zap.String("limit_key", req.LimitKey),
			zap.Error(err),
		)
		return Result{}, ErrStoreUnavailable
	}

	remaining := req.Limit - count
	if remaining < 0 {
		remaining = 0
	}

	result := Result{
		Allowed:   count <= req.Limit,
		Limit:     req.Limit,
		Remaining: remaining,
		ResetsAt:  resetsAt,
	}
	if !result.Allowed {
		result.RetryAfter = resetsAt.Sub(now)
	}
	return result, nil
}
