package webhook

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/metergate/internal/alert"
	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/config"
	"github.com/smallbiznis/metergate/internal/observability/metrics"
	"github.com/smallbiznis/metergate/internal/webhook/breaker"
	"github.com/smallbiznis/metergate/internal/webhook/deliverer"
	"github.com/smallbiznis/metergate/internal/webhook/dispatcher"
	webhookdomain "github.com/smallbiznis/metergate/internal/webhook/domain"
	"github.com/smallbiznis/metergate/internal/webhook/repository"
	"github.com/smallbiznis/metergate/internal/webhook/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("webhook",
	fx.Provide(repository.ProvideEndpointRepository),
	fx.Provide(repository.ProvideDeliveryRepository),
	fx.Provide(NewLocker),
	fx.Provide(NewBreaker),
	fx.Provide(NewDeliverer),
	fx.Provide(NewWorker),
	fx.Provide(service.New),
	fx.Invoke(StartWorker),
)

// NewLocker uses the shared redis instance when configured so breaker
// mutations are serialized across replicas. Without redis the lock is
// process-local.
func NewLocker(cfg config.Config, log *zap.Logger) breaker.Locker {
	addr := strings.TrimSpace(cfg.RateLimit.RedisAddr)
	if addr == "" {
		log.Warn("redis not configured, breaker locks are process-local")
		return breaker.NewLocalLocker()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RateLimit.RedisPassword,
		DB:       cfg.RateLimit.RedisDB,
	})
	return breaker.NewRedisLocker(client)
}

type BreakerParams struct {
	fx.In

	DB      *gorm.DB
	Repo    webhookdomain.EndpointRepository
	Locker  breaker.Locker
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *metrics.Metrics
	Config  config.Config
}

func NewBreaker(p BreakerParams) *breaker.Breaker {
	return breaker.New(p.DB, p.Repo, p.Locker, p.Clock, p.Log, p.Metrics, breaker.Config{
		FailureThreshold: p.Config.Webhook.FailureThreshold,
		Cooldown:         p.Config.Webhook.Cooldown,
	})
}

func NewDeliverer(cfg config.Config, log *zap.Logger) *deliverer.Deliverer {
	return deliverer.New(cfg.Webhook.DeliveryTimeout, log)
}

type WorkerParams struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Endpoints webhookdomain.EndpointRepository
	Delivs    webhookdomain.DeliveryRepository
	Deliverer *deliverer.Deliverer
	Breaker   *breaker.Breaker
	Notifier  alert.Notifier
	Metrics   *metrics.Metrics
	Config    config.Config
}

func NewWorker(p WorkerParams) *dispatcher.Worker {
	return dispatcher.NewWorker(
		p.DB, p.Log, p.Clock, p.Endpoints, p.Delivs, p.Deliverer, p.Breaker,
		p.Notifier, p.Metrics, nil,
		dispatcher.Config{
			BatchSize:    p.Config.Webhook.BatchSize,
			PollInterval: p.Config.Webhook.PollInterval,
			MaxAttempts:  p.Config.Webhook.MaxAttempts,
			RetryBase:    p.Config.Webhook.RetryBase,
			RetryCap:     p.Config.Webhook.RetryCap,
		},
	)
}

// StartWorker ties the dispatch loop to the fx lifecycle.
func StartWorker(lc fx.Lifecycle, worker *dispatcher.Worker) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				worker.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
