package counter

import (
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/metergate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewStore picks the redis store when configured, the in-process store
// otherwise. Single-node deployments work out of the box; multi-node
// deployments need redis for counters to be shared.
func NewStore(cfg config.Config, log *zap.Logger) Store {
	addr := strings.TrimSpace(cfg.RateLimit.RedisAddr)
	if addr == "" {
		log.Warn("rate limit redis not configured, using in-process counters")
		return NewMemoryStore()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RateLimit.RedisPassword,
		DB:       cfg.RateLimit.RedisDB,
	})
	return NewRedisStore(client)
}

var Module = fx.Module("counter",
	fx.Provide(NewStore),
)
