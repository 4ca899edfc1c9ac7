package alert

import (
	"github.com/smallbiznis/metergate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("alert",
	fx.Provide(NewNotifier),
)

func NewNotifier(cfg config.Config, log *zap.Logger) Notifier {
	if cfg.Alert.SlackWebhookURL != "" {
		return NewSlackNotifier(cfg.Alert.SlackWebhookURL, cfg.Alert.SlackChannel, log)
	}
	return NewNoopNotifier(log)
}
