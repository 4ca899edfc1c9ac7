package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/counter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type failingStore struct{}

func (failingStore) IncrementAndGet(context.Context, snowflake.ID, string, time.Time, time.Duration) (int64, error) {
	return 0, counter.ErrUnavailable
}

func newTestEvaluator(t *testing.T, failOpen bool) (*Evaluator, *clock.FakeClock) {
	t.Helper()
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC))
	return NewEvaluator(counter.NewMemoryStore(), clk, zap.NewNop(), failOpen), clk
}

func TestEvaluateHardCutoff(t *testing.T) {
	eval, _ := newTestEvaluator(t, true)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	tenant := node.Generate()

	req := Request{TenantID: tenant, LimitKey: "api.requests", Limit: 5, Window: time.Minute}

	// Responses 1-5 allowed with remaining 4,3,2,1,0.
	for i, want := range []int64{4, 3, 2, 1, 0} {
		res, err := eval.Evaluate(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i+1)
		assert.Equal(t, want, res.Remaining, "request %d", i+1)
		assert.Equal(t, int64(5), res.Limit)
	}

	// Request 6 is counted and denied.
	res, err := eval.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(0), res.Remaining)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	retry := res.RetryAfterSeconds()
	assert.GreaterOrEqual(t, retry, int64(1))
	assert.LessOrEqual(t, retry, int64(60))
}

func TestEvaluateWindowReset(t *testing.T) {
	eval, clk := newTestEvaluator(t, true)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	tenant := node.Generate()

	req := Request{TenantID: tenant, LimitKey: "api.requests", Limit: 3, Window: time.Minute}

	for range 4 {
		_, err := eval.Evaluate(context.Background(), req)
		require.NoError(t, err)
	}

	// Cross the window boundary: remaining resets to limit-1.
	clk.Advance(time.Minute)
	res, err := eval.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(2), res.Remaining)
}

func TestEvaluateRemainingMonotonic(t *testing.T) {
	eval, _ := newTestEvaluator(t, true)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	tenant := node.Generate()

	req := Request{TenantID: tenant, LimitKey: "api.requests", Limit: 10, Window: time.Minute}

	prev := int64(10)
	for range 12 {
		res, err := eval.Evaluate(context.Background(), req)
		require.NoError(t, err)
		assert.LessOrEqual(t, res.Remaining, prev)
		assert.LessOrEqual(t, res.Remaining, res.Limit)
		prev = res.Remaining
	}
}

func TestEvaluateResetsAtWindowBoundary(t *testing.T) {
	eval, clk := newTestEvaluator(t, true)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	tenant := node.Generate()

	res, err := eval.Evaluate(context.Background(), Request{
		TenantID: tenant, LimitKey: "api.requests", Limit: 1, Window: time.Minute,
	})
	require.NoError(t, err)

	wantReset := clk.Now().Truncate(time.Minute).Add(time.Minute)
	assert.Equal(t, wantReset, res.ResetsAt)
}

func TestEvaluateFailOpen(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	eval := NewEvaluator(failingStore{}, clk, zap.NewNop(), true)

	res, err := eval.Evaluate(context.Background(), Request{
		TenantID: 1, LimitKey: "api.requests", Limit: 5, Window: time.Minute,
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestEvaluateFailClosed(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	eval := NewEvaluator(failingStore{}, clk, zap.NewNop(), false)

	_, err := eval.Evaluate(context.Background(), Request{
		TenantID: 1, LimitKey: "api.requests", Limit: 5, Window: time.Minute,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
}

func TestEvaluateRejectsBadConfig(t *testing.T) {
	eval, _ := newTestEvaluator(t, true)

	_, err := eval.Evaluate(context.Background(), Request{TenantID: 1, LimitKey: "k", Limit: 0, Window: time.Minute})
	assert.ErrorIs(t, err, ErrInvalidLimit)

	_, err = eval.Evaluate(context.Background(), Request{TenantID: 1, LimitKey: "k", Limit: 5, Window: 0})
	assert.ErrorIs(t, err, ErrInvalidWindow)

	_, err = eval.Evaluate(context.Background(), Request{TenantID: 1, LimitKey: "k", Limit: 5, Window: 500 * time.Millisecond})
	assert.ErrorIs(t, err, ErrInvalidWindow)
}
