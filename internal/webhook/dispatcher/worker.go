package dispatcher

import (
	"context"
	"strconv"
	"time"

	"github.com/smallbiznis/metergate/internal/alert"
	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/observability/metrics"
	"github.com/smallbiznis/metergate/internal/webhook/breaker"
	"github.com/smallbiznis/metergate/internal/webhook/deliverer"
	webhookdomain "github.com/smallbiznis/metergate/internal/webhook/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Worker drains due deliveries on a ticker: claims a batch, checks the
// endpoint and its circuit, attempts delivery, and schedules retries
// with capped exponential backoff.
type Worker struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	endpoints webhookdomain.EndpointRepository
	delivs    webhookdomain.DeliveryRepository
	deliverer *deliverer.Deliverer
	breaker   *breaker.Breaker
	notifier  alert.Notifier
	metrics   *metrics.Metrics
	jitter    JitterFunc
	cfg       Config
}

func NewWorker(
	db *gorm.DB,
	log *zap.Logger,
	clk clock.Clock,
	endpoints webhookdomain.EndpointRepository,
	delivs webhookdomain.DeliveryRepository,
	d *deliverer.Deliverer,
	b *breaker.Breaker,
	notifier alert.Notifier,
	m *metrics.Metrics,
	jitter JitterFunc,
	cfg Config,
) *Worker {
	if jitter == nil {
		jitter = DefaultJitter
	}
	return &Worker{
		db:        db,
		log:       log.Named("webhook.dispatcher"),
		clock:     clk,
		endpoints: endpoints,
		delivs:    delivs,
		deliverer: d,
		breaker:   b,
		notifier:  notifier,
		metrics:   m,
		jitter:    jitter,
		cfg:       cfg.withDefaults(),
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := w.RunOnce(ctx); err != nil {
			w.log.Warn("dispatch run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) RunOnce(parentCtx context.Context) error {
	ctx, cancel := context.WithTimeout(parentCtx, w.cfg.RunTimeout)
	defer cancel()

	_, err := w.processBatch(ctx, w.cfg.BatchSize)
	return err
}

func (w *Worker) processBatch(ctx context.Context, limit int) (int, error) {
	due, err := w.delivs.ClaimDue(ctx, w.db, w.clock.Now(), limit)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	processed := 0
	for i := range due {
		rowCtx, cancel := context.WithTimeout(ctx, w.cfg.RowTimeout)
		err := w.processDelivery(rowCtx, &due[i])
		cancel()

		if err != nil {
			w.log.Warn("delivery row failed",
				zap.Error(err),
				zap.String("delivery_id", due[i].ID.String()),
			)
			continue
		}
		processed++
	}

	return processed, nil
}

func (w *Worker) processDelivery(ctx context.Context, delivery *webhookdomain.WebhookDelivery) error {
	if delivery.Terminal() {
		return nil
	}

	endpoint, err := w.endpoints.FindByID(ctx, w.db, delivery.EndpointID)
	if err != nil {
		return err
	}
	if endpoint == nil || !endpoint.IsActive {
		// Endpoint was deleted after the delivery was queued. Abandon
		// quietly, nothing to alert on.
		return w.markTerminal(ctx, delivery, webhookdomain.ReasonEndpointRemoved, nil)
	}

	admitted, err := w.breaker.Acquire(ctx, endpoint)
	if err != nil {
		return err
	}
	if !admitted {
		return w.recordShortCircuit(ctx, delivery, endpoint)
	}

	outcome := w.deliverer.Deliver(ctx, endpoint, delivery)
	now := w.clock.Now()
	latencyMS := outcome.Latency.Milliseconds()

	delivery.AttemptCount++
	delivery.LastAttemptAt = &now
	delivery.LastLatencyMS = &latencyMS
	delivery.UpdatedAt = now
	if outcome.StatusCode != 0 {
		code := outcome.StatusCode
		delivery.LastStatusCode = &code
	} else {
		delivery.LastStatusCode = nil
	}

	switch outcome.Kind {
	case deliverer.OutcomeSuccess:
		delivery.Status = webhookdomain.DeliverySuccess
		delivery.FailureReason = nil
		delivery.NextRetryAt = nil
		if err := w.delivs.Update(ctx, w.db, delivery); err != nil {
			return err
		}
		w.metrics.RecordWebhookDelivery(ctx, delivery.EventName, "success", outcome.Latency)
		return w.breaker.OnSuccess(ctx, endpoint)

	case deliverer.OutcomePermanent:
		w.metrics.RecordWebhookDelivery(ctx, delivery.EventName, "permanent_failure", outcome.Latency)
		if err := w.markTerminal(ctx, delivery, outcome.Reason, delivery.LastStatusCode); err != nil {
			return err
		}
		return w.breaker.OnFailure(ctx, endpoint)

	default:
		w.metrics.RecordWebhookDelivery(ctx, delivery.EventName, "transient_failure", outcome.Latency)
		if err := w.breaker.OnFailure(ctx, endpoint); err != nil {
			return err
		}

		if delivery.AttemptCount >= delivery.MaxAttempts {
			if err := w.markTerminal(ctx, delivery, webhookdomain.ReasonExhausted, delivery.LastStatusCode); err != nil {
				return err
			}
			w.alertExhausted(ctx, delivery, endpoint)
			return nil
		}

		delay := Backoff(delivery.AttemptCount, w.cfg.RetryBase, w.cfg.RetryCap, w.jitter)
		nextRetry := now.Add(delay)
		reason := outcome.Reason
		delivery.Status = webhookdomain.DeliveryFailed
		delivery.FailureReason = &reason
		delivery.NextRetryAt = &nextRetry
		if err := w.delivs.Update(ctx, w.db, delivery); err != nil {
			return err
		}
		w.metrics.RecordRetryScheduled(ctx, delivery.EventName)
		return nil
	}
}

// recordShortCircuit marks the skip without consuming an attempt: the
// endpoint was never contacted.
func (w *Worker) recordShortCircuit(ctx context.Context, delivery *webhookdomain.WebhookDelivery, endpoint *webhookdomain.WebhookEndpoint) error {
	now := w.clock.Now()
	retryAt := now.Add(w.cfg.RetryBase)
	reason := webhookdomain.ReasonCircuitOpen

	delivery.Status = webhookdomain.DeliveryFailed
	delivery.FailureReason = &reason
	delivery.NextRetryAt = &retryAt
	delivery.LastAttemptAt = &now
	delivery.UpdatedAt = now
	if err := w.delivs.Update(ctx, w.db, delivery); err != nil {
		return err
	}

	w.metrics.RecordWebhookDelivery(ctx, delivery.EventName, "short_circuited", 0)
	w.log.Debug("delivery short-circuited",
		zap.String("delivery_id", delivery.ID.String()),
		zap.String("endpoint_id", endpoint.ID.String()),
	)
	return nil
}

func (w *Worker) markTerminal(ctx context.Context, delivery *webhookdomain.WebhookDelivery, reason string, statusCode *int) error {
	now := w.clock.Now()
	delivery.Status = webhookdomain.DeliveryFailed
	delivery.FailureReason = &reason
	delivery.NextRetryAt = nil
	delivery.LastStatusCode = statusCode
	delivery.UpdatedAt = now
	return w.delivs.Update(ctx, w.db, delivery)
}

func (w *Worker) alertExhausted(ctx context.Context, delivery *webhookdomain.WebhookDelivery, endpoint *webhookdomain.WebhookEndpoint) {
	err := w.notifier.Notify(ctx, alert.Alert{
		Title:      "webhook retries exhausted",
		Message:    "delivery abandoned after exhausting all attempts; the event itself is preserved",
		OccurredAt: w.clock.Now(),
		Fields: map[string]string{
			"delivery_id": delivery.ID.String(),
			"endpoint_id": endpoint.ID.String(),
			"event":       delivery.EventName,
			"attempts":    strconv.Itoa(delivery.AttemptCount),
			"url":         endpoint.URL,
		},
	})
	if err != nil {
		w.log.Warn("exhaustion alert failed", zap.Error(err))
	}
}
