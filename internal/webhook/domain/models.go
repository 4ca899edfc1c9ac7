package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// CircuitState is the per-endpoint breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// DeliveryStatus is the lifecycle state of a delivery. A SUCCESS row is
// immutable; a FAILED row with a nil NextRetryAt is terminal.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Failure reasons recorded on delivery rows.
const (
	ReasonTimeout          = "timeout"
	ReasonConnectionError  = "connection_error"
	ReasonEndpointRejected = "endpoint_rejected"
	ReasonEndpointError    = "endpoint_error"
	ReasonRateLimited      = "endpoint_rate_limited"
	ReasonCircuitOpen      = "circuit_open"
	ReasonExhausted        = "retries_exhausted"
	ReasonEndpointRemoved  = "endpoint_removed"
)

// WebhookEndpoint is a tenant-registered delivery target.
type WebhookEndpoint struct {
	ID                  snowflake.ID   `gorm:"primaryKey"`
	OrgID               snowflake.ID   `gorm:"column:org_id;not null;index:ix_webhook_endpoints_org"`
	URL                 string         `gorm:"type:text;not null"`
	Secret              string         `gorm:"type:text;not null"`
	SubscribedEvents    pq.StringArray `gorm:"column:subscribed_events;type:text[];not null"`
	CircuitState        CircuitState   `gorm:"column:circuit_state;type:text;not null;default:closed"`
	ConsecutiveFailures int            `gorm:"column:consecutive_failures;not null;default:0"`
	OpenedAt            *time.Time     `gorm:"column:opened_at"`
	IsActive            bool           `gorm:"column:is_active;not null;default:true"`
	CreatedAt           time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt           time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (WebhookEndpoint) TableName() string { return "webhook_endpoints" }

// Subscribed reports whether the endpoint wants eventName.
func (e *WebhookEndpoint) Subscribed(eventName string) bool {
	for _, name := range e.SubscribedEvents {
		if name == eventName {
			return true
		}
	}
	return false
}

// WebhookDelivery is one attempt chain to deliver an event to an
// endpoint. Payload holds the exact signed body so every retry sends
// byte-identical content.
type WebhookDelivery struct {
	ID             snowflake.ID   `gorm:"primaryKey"`
	OrgID          snowflake.ID   `gorm:"column:org_id;not null;index:ix_webhook_deliveries_org"`
	EndpointID     snowflake.ID   `gorm:"column:endpoint_id;not null;index:ix_webhook_deliveries_endpoint"`
	EventID        snowflake.ID   `gorm:"column:event_id;not null"`
	EventName      string         `gorm:"column:event_name;type:text;not null"`
	Payload        datatypes.JSON `gorm:"type:jsonb;not null"`
	Status         DeliveryStatus `gorm:"type:text;not null;default:pending"`
	FailureReason  *string        `gorm:"column:failure_reason;type:text"`
	AttemptCount   int            `gorm:"column:attempt_count;not null;default:0"`
	MaxAttempts    int            `gorm:"column:max_attempts;not null"`
	LastAttemptAt  *time.Time     `gorm:"column:last_attempt_at"`
	NextRetryAt    *time.Time     `gorm:"column:next_retry_at;index:ix_webhook_deliveries_retry"`
	LastStatusCode *int           `gorm:"column:last_status_code"`
	LastLatencyMS  *int64         `gorm:"column:last_latency_ms"`
	CreatedAt      time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (WebhookDelivery) TableName() string { return "webhook_deliveries" }

// Terminal reports whether no further attempts will be made.
func (d *WebhookDelivery) Terminal() bool {
	if d.Status == DeliverySuccess {
		return true
	}
	return d.Status == DeliveryFailed && d.NextRetryAt == nil
}
