package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/observability/metrics"
	webhookdomain "github.com/smallbiznis/metergate/internal/webhook/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const lockTTL = 5 * time.Second

// Breaker guards each endpoint with a closed/open/half-open circuit.
// State lives on the endpoint row; mutations run under a per-endpoint
// lock and use state-conditional updates, so concurrent workers admit
// at most one half-open trial.
type Breaker struct {
	db        *gorm.DB
	repo      webhookdomain.EndpointRepository
	locker    Locker
	clock     clock.Clock
	log       *zap.Logger
	metrics   *metrics.Metrics
	threshold int
	cooldown  time.Duration
}

type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
}

func New(db *gorm.DB, repo webhookdomain.EndpointRepository, locker Locker, clk clock.Clock, log *zap.Logger, m *metrics.Metrics, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	return &Breaker{
		db:        db,
		repo:      repo,
		locker:    locker,
		clock:     clk,
		log:       log.Named("webhook.breaker"),
		metrics:   m,
		threshold: cfg.FailureThreshold,
		cooldown:  cfg.Cooldown,
	}
}

func lockKey(endpointID fmt.Stringer) string {
	return "webhook:breaker:" + endpointID.String()
}

// Acquire decides whether a delivery attempt may proceed. It returns
// false while the circuit is open and no trial slot is available.
// When the cooldown has elapsed it admits exactly one caller, moving
// the circuit to half-open.
func (b *Breaker) Acquire(ctx context.Context, endpoint *webhookdomain.WebhookEndpoint) (bool, error) {
	switch endpoint.CircuitState {
	case webhookdomain.CircuitClosed:
		return true, nil

	case webhookdomain.CircuitHalfOpen:
		// A trial is in flight. If it has outlived a full cooldown the
		// worker running it is presumed dead and the slot is reclaimed,
		// otherwise the circuit would stay half-open forever.
		if endpoint.OpenedAt == nil || b.clock.Now().Sub(*endpoint.OpenedAt) < b.cooldown {
			return false, nil
		}
		return b.reclaimTrial(ctx, endpoint)

	case webhookdomain.CircuitOpen:
		if endpoint.OpenedAt == nil || b.clock.Now().Sub(*endpoint.OpenedAt) < b.cooldown {
			return false, nil
		}

		now := b.clock.Now()
		won, err := b.repo.UpdateCircuit(ctx, b.db, endpoint.ID, webhookdomain.CircuitOpen, webhookdomain.CircuitUpdate{
			State:               webhookdomain.CircuitHalfOpen,
			ConsecutiveFailures: endpoint.ConsecutiveFailures,
			OpenedAt:            &now,
		})
		if err != nil {
			return false, err
		}
		if won {
			endpoint.CircuitState = webhookdomain.CircuitHalfOpen
			endpoint.OpenedAt = &now
			b.transition(ctx, webhookdomain.CircuitOpen, webhookdomain.CircuitHalfOpen, endpoint)
		}
		return won, nil
	}

	return false, nil
}

// reclaimTrial hands the half-open slot to a new worker after the
// previous trial went silent. The lock plus a fresh read keep two
// reclaimers from both being admitted.
func (b *Breaker) reclaimTrial(ctx context.Context, endpoint *webhookdomain.WebhookEndpoint) (bool, error) {
	admitted := false
	err := b.withLock(ctx, endpoint, func() error {
		if endpoint.CircuitState != webhookdomain.CircuitHalfOpen {
			return nil
		}
		now := b.clock.Now()
		if endpoint.OpenedAt == nil || now.Sub(*endpoint.OpenedAt) < b.cooldown {
			return nil
		}

		won, err := b.repo.UpdateCircuit(ctx, b.db, endpoint.ID, webhookdomain.CircuitHalfOpen, webhookdomain.CircuitUpdate{
			State:               webhookdomain.CircuitHalfOpen,
			ConsecutiveFailures: endpoint.ConsecutiveFailures,
			OpenedAt:            &now,
		})
		if err != nil {
			return err
		}
		if won {
			endpoint.OpenedAt = &now
			admitted = true
			b.log.Warn("reclaimed abandoned half-open trial",
				zap.String("endpoint_id", endpoint.ID.String()),
			)
		}
		return nil
	})
	return admitted, err
}

// OnSuccess closes the circuit and clears the failure streak.
func (b *Breaker) OnSuccess(ctx context.Context, endpoint *webhookdomain.WebhookEndpoint) error {
	return b.withLock(ctx, endpoint, func() error {
		prev := endpoint.CircuitState
		won, err := b.repo.UpdateCircuit(ctx, b.db, endpoint.ID, prev, webhookdomain.CircuitUpdate{
			State:               webhookdomain.CircuitClosed,
			ConsecutiveFailures: 0,
			OpenedAt:            nil,
		})
		if err != nil {
			return err
		}
		if !won {
			b.log.Warn("circuit update lost, state changed underneath",
				zap.String("endpoint_id", endpoint.ID.String()),
				zap.String("expected_state", string(prev)),
			)
			return nil
		}

		endpoint.CircuitState = webhookdomain.CircuitClosed
		endpoint.ConsecutiveFailures = 0
		endpoint.OpenedAt = nil
		if prev != webhookdomain.CircuitClosed {
			b.transition(ctx, prev, webhookdomain.CircuitClosed, endpoint)
		}
		return nil
	})
}

// OnFailure records a failed attempt. A failed half-open trial reopens
// immediately; a closed circuit opens once the streak reaches the
// threshold. The streak is computed from the row as re-read under the
// lock, never from the caller's snapshot, so concurrent failures on
// the same endpoint all count.
func (b *Breaker) OnFailure(ctx context.Context, endpoint *webhookdomain.WebhookEndpoint) error {
	return b.withLock(ctx, endpoint, func() error {
		prev := endpoint.CircuitState
		failures := endpoint.ConsecutiveFailures + 1

		next := webhookdomain.CircuitClosed
		var openedAt *time.Time
		if prev == webhookdomain.CircuitHalfOpen || failures >= b.threshold {
			next = webhookdomain.CircuitOpen
			now := b.clock.Now()
			openedAt = &now
		}

		won, err := b.repo.UpdateCircuit(ctx, b.db, endpoint.ID, prev, webhookdomain.CircuitUpdate{
			State:               next,
			ConsecutiveFailures: failures,
			OpenedAt:            openedAt,
		})
		if err != nil {
			return err
		}
		if !won {
			b.log.Warn("circuit update lost, state changed underneath",
				zap.String("endpoint_id", endpoint.ID.String()),
				zap.String("expected_state", string(prev)),
			)
			return nil
		}

		endpoint.CircuitState = next
		endpoint.ConsecutiveFailures = failures
		endpoint.OpenedAt = openedAt
		if next != prev {
			b.transition(ctx, prev, next, endpoint)
		}
		return nil
	})
}

// Reset forces the circuit closed, the admin override.
func (b *Breaker) Reset(ctx context.Context, endpoint *webhookdomain.WebhookEndpoint) error {
	return b.withLock(ctx, endpoint, func() error {
		prev := endpoint.CircuitState
		won, err := b.repo.UpdateCircuit(ctx, b.db, endpoint.ID, prev, webhookdomain.CircuitUpdate{
			State:               webhookdomain.CircuitClosed,
			ConsecutiveFailures: 0,
			OpenedAt:            nil,
		})
		if err != nil {
			return err
		}
		if !won {
			return nil
		}

		endpoint.CircuitState = webhookdomain.CircuitClosed
		endpoint.ConsecutiveFailures = 0
		endpoint.OpenedAt = nil
		if prev != webhookdomain.CircuitClosed {
			b.transition(ctx, prev, webhookdomain.CircuitClosed, endpoint)
		}
		return nil
	})
}

// withLock serializes circuit mutations per endpoint and re-reads the
// row once the lock is held. Callers arrive with snapshots loaded
// before the lock; deciding from those would drop updates made by
// whoever held the lock first.
func (b *Breaker) withLock(ctx context.Context, endpoint *webhookdomain.WebhookEndpoint, fn func() error) error {
	key := lockKey(endpoint.ID)
	token, ok, err := b.locker.TryLock(ctx, key, lockTTL)
	if err != nil {
		return err
	}
	if !ok {
		// Another worker is mutating this endpoint. Refresh and let it win.
		fresh, ferr := b.repo.FindByID(ctx, b.db, endpoint.ID)
		if ferr == nil && fresh != nil {
			*endpoint = *fresh
		}
		return nil
	}
	defer func() {
		if rerr := b.locker.Release(ctx, key, token); rerr != nil {
			b.log.Warn("breaker lock release failed", zap.Error(rerr))
		}
	}()

	fresh, err := b.repo.FindByID(ctx, b.db, endpoint.ID)
	if err != nil {
		return err
	}
	if fresh == nil {
		// Endpoint deleted mid-flight; nothing to record.
		return nil
	}
	*endpoint = *fresh

	return fn()
}

func (b *Breaker) transition(ctx context.Context, from, to webhookdomain.CircuitState, endpoint *webhookdomain.WebhookEndpoint) {
	b.log.Info("circuit transition",
		zap.String("endpoint_id", endpoint.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("consecutive_failures", endpoint.ConsecutiveFailures),
	)
	b.metrics.RecordBreakerTransition(ctx, string(from), string(to))
}
