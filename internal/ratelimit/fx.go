package ratelimit

import (
	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/config"
	"github.com/smallbiznis/metergate/internal/counter"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func Provide(store counter.Store, clk clock.Clock, log *zap.Logger, cfg config.Config) *Evaluator {
	return NewEvaluator(store, clk, log, cfg.RateLimit.FailOpen)
}

var Module = fx.Module("ratelimit",
	fx.Provide(Provide),
)
