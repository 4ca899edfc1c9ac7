package migration

import (
	apikeydomain "github.com/smallbiznis/metergate/internal/apikey/domain"
	eventdomain "github.com/smallbiznis/metergate/internal/event/domain"
	webhookdomain "github.com/smallbiznis/metergate/internal/webhook/domain"
)

// migratedModels lists every persisted model for the AutoMigrate
// fallback on non-postgres databases.
func migratedModels() []any {
	return []any{
		&apikeydomain.APIKey{},
		&webhookdomain.WebhookEndpoint{},
		&webhookdomain.WebhookDelivery{},
		&eventdomain.EntitlementEvent{},
	}
}
