package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/metergate/internal/clock"
	webhookdomain "github.com/smallbiznis/metergate/internal/webhook/domain"
	"github.com/smallbiznis/metergate/internal/webhook/repository"
	"github.com/smallbiznis/metergate/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestBreaker(t *testing.T) (*Breaker, *gorm.DB, *clock.FakeClock, *webhookdomain.WebhookEndpoint) {
	t.Helper()

	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&webhookdomain.WebhookEndpoint{}))

	endpoint := &webhookdomain.WebhookEndpoint{
		ID:               snowflake.ID(7),
		OrgID:            snowflake.ID(42),
		URL:              "https://example.com/hooks",
		Secret:           "whsec_test",
		SubscribedEvents: []string{"entitlement.limit.exceeded"},
		CircuitState:     webhookdomain.CircuitClosed,
		IsActive:         true,
	}
	require.NoError(t, conn.Create(endpoint).Error)

	fc := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	b := New(conn, repository.ProvideEndpointRepository(), NewLocalLocker(), fc, zap.NewNop(), nil, Config{
		FailureThreshold: 5,
		Cooldown:         time.Minute,
	})
	return b, conn, fc, endpoint
}

func reload(t *testing.T, conn *gorm.DB, id snowflake.ID) *webhookdomain.WebhookEndpoint {
	t.Helper()
	var ep webhookdomain.WebhookEndpoint
	require.NoError(t, conn.Where("id = ?", id).First(&ep).Error)
	return &ep
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, conn, fc, ep := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, b.OnFailure(ctx, ep))
		assert.Equal(t, webhookdomain.CircuitClosed, ep.CircuitState)

		ok, err := b.Acquire(ctx, ep)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	require.NoError(t, b.OnFailure(ctx, ep))
	assert.Equal(t, webhookdomain.CircuitOpen, ep.CircuitState)
	assert.Equal(t, 5, ep.ConsecutiveFailures)
	require.NotNil(t, ep.OpenedAt)
	assert.Equal(t, fc.Now(), ep.OpenedAt.UTC())

	stored := reload(t, conn, ep.ID)
	assert.Equal(t, webhookdomain.CircuitOpen, stored.CircuitState)
}

func TestBreakerShortCircuitsWhileOpen(t *testing.T) {
	b, _, fc, ep := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.OnFailure(ctx, ep))
	}
	require.Equal(t, webhookdomain.CircuitOpen, ep.CircuitState)

	ok, err := b.Acquire(ctx, ep)
	require.NoError(t, err)
	assert.False(t, ok)

	fc.Advance(59 * time.Second)
	ok, err = b.Acquire(ctx, ep)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBreakerAdmitsSingleHalfOpenTrial(t *testing.T) {
	b, conn, fc, ep := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.OnFailure(ctx, ep))
	}
	openedAt := *ep.OpenedAt
	fc.Advance(time.Minute)

	ok, err := b.Acquire(ctx, ep)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, webhookdomain.CircuitHalfOpen, ep.CircuitState)

	// A second worker holding the pre-trial snapshot loses the
	// conditional update and is not admitted.
	stale := &webhookdomain.WebhookEndpoint{
		ID:           ep.ID,
		CircuitState: webhookdomain.CircuitOpen,
		OpenedAt:     &openedAt,
	}
	ok, err = b.Acquire(ctx, stale)
	require.NoError(t, err)
	assert.False(t, ok)

	stored := reload(t, conn, ep.ID)
	assert.Equal(t, webhookdomain.CircuitHalfOpen, stored.CircuitState)
}

func TestBreakerCountsFailuresFromStaleSnapshots(t *testing.T) {
	b, conn, _, ep := newTestBreaker(t)
	ctx := context.Background()

	// Two workers load the endpoint before either records its failure.
	// Both snapshots carry a zero streak; the second write must not
	// roll the count back to one.
	snapA := reload(t, conn, ep.ID)
	snapB := reload(t, conn, ep.ID)

	require.NoError(t, b.OnFailure(ctx, snapA))
	require.NoError(t, b.OnFailure(ctx, snapB))

	stored := reload(t, conn, ep.ID)
	assert.Equal(t, 2, stored.ConsecutiveFailures)
	assert.Equal(t, 2, snapB.ConsecutiveFailures)

	// Five interleaved failures reach the threshold even though every
	// caller started from the same zero-streak snapshot.
	snaps := make([]*webhookdomain.WebhookEndpoint, 3)
	for i := range snaps {
		snaps[i] = &webhookdomain.WebhookEndpoint{ID: ep.ID, CircuitState: webhookdomain.CircuitClosed}
	}
	for _, snap := range snaps {
		require.NoError(t, b.OnFailure(ctx, snap))
	}

	stored = reload(t, conn, ep.ID)
	assert.Equal(t, webhookdomain.CircuitOpen, stored.CircuitState)
	assert.Equal(t, 5, stored.ConsecutiveFailures)
}

func TestBreakerReclaimsAbandonedTrial(t *testing.T) {
	b, conn, fc, ep := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.OnFailure(ctx, ep))
	}
	fc.Advance(time.Minute)

	ok, err := b.Acquire(ctx, ep)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, webhookdomain.CircuitHalfOpen, ep.CircuitState)

	// The trial worker dies without reporting; within the cooldown the
	// slot stays taken.
	other := reload(t, conn, ep.ID)
	ok, err = b.Acquire(ctx, other)
	require.NoError(t, err)
	assert.False(t, ok)

	// After a full cooldown the slot is reclaimed, once.
	fc.Advance(time.Minute)
	other = reload(t, conn, ep.ID)
	ok, err = b.Acquire(ctx, other)
	require.NoError(t, err)
	assert.True(t, ok)

	third := reload(t, conn, ep.ID)
	ok, err = b.Acquire(ctx, third)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBreakerSuccessClosesAndResetsStreak(t *testing.T) {
	b, conn, fc, ep := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.OnFailure(ctx, ep))
	}
	fc.Advance(time.Minute)

	ok, err := b.Acquire(ctx, ep)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.OnSuccess(ctx, ep))
	assert.Equal(t, webhookdomain.CircuitClosed, ep.CircuitState)
	assert.Zero(t, ep.ConsecutiveFailures)
	assert.Nil(t, ep.OpenedAt)

	stored := reload(t, conn, ep.ID)
	assert.Equal(t, webhookdomain.CircuitClosed, stored.CircuitState)
	assert.Zero(t, stored.ConsecutiveFailures)
}

func TestBreakerFailedTrialReopens(t *testing.T) {
	b, _, fc, ep := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.OnFailure(ctx, ep))
	}
	openedAt := *ep.OpenedAt

	fc.Advance(time.Minute)
	ok, err := b.Acquire(ctx, ep)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.OnFailure(ctx, ep))
	assert.Equal(t, webhookdomain.CircuitOpen, ep.CircuitState)
	require.NotNil(t, ep.OpenedAt)
	assert.True(t, ep.OpenedAt.After(openedAt))
}

func TestBreakerAdminReset(t *testing.T) {
	b, conn, _, ep := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.OnFailure(ctx, ep))
	}
	require.Equal(t, webhookdomain.CircuitOpen, ep.CircuitState)

	require.NoError(t, b.Reset(ctx, ep))
	assert.Equal(t, webhookdomain.CircuitClosed, ep.CircuitState)

	stored := reload(t, conn, ep.ID)
	assert.Equal(t, webhookdomain.CircuitClosed, stored.CircuitState)
	assert.Zero(t, stored.ConsecutiveFailures)

	ok, err := b.Acquire(ctx, ep)
	require.NoError(t, err)
	assert.True(t, ok)
}
