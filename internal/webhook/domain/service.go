package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Service interface {
	// Publish persists the event and fans out one pending delivery per
	// subscribed active endpoint, in a single transaction.
	Publish(ctx context.Context, orgID snowflake.ID, req PublishRequest) (*PublishResponse, error)

	ListEndpoints(ctx context.Context, orgID snowflake.ID) ([]EndpointResponse, error)
	CreateEndpoint(ctx context.Context, orgID snowflake.ID, req CreateEndpointRequest) (*EndpointSecretResponse, error)
	DeleteEndpoint(ctx context.Context, orgID snowflake.ID, endpointID snowflake.ID) error
	RegenerateSecret(ctx context.Context, orgID snowflake.ID, endpointID snowflake.ID) (*EndpointSecretResponse, error)
	ResetCircuitBreaker(ctx context.Context, orgID snowflake.ID, endpointID snowflake.ID) error

	ListDeliveries(ctx context.Context, orgID snowflake.ID, filter DeliveryFilter) ([]DeliveryResponse, error)
	GetDelivery(ctx context.Context, orgID snowflake.ID, deliveryID snowflake.ID) (*DeliveryResponse, error)
	RetryDelivery(ctx context.Context, orgID snowflake.ID, deliveryID snowflake.ID) error
}

type EndpointRepository interface {
	Insert(ctx context.Context, db *gorm.DB, endpoint *WebhookEndpoint) error
	Update(ctx context.Context, db *gorm.DB, endpoint *WebhookEndpoint) error
	Delete(ctx context.Context, db *gorm.DB, orgID, endpointID snowflake.ID) error
	Find(ctx context.Context, db *gorm.DB, orgID, endpointID snowflake.ID) (*WebhookEndpoint, error)
	FindByID(ctx context.Context, db *gorm.DB, endpointID snowflake.ID) (*WebhookEndpoint, error)
	ListActive(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]WebhookEndpoint, error)
	List(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]WebhookEndpoint, error)

	// UpdateCircuit applies breaker columns guarded by the expected
	// current state. It reports false when the endpoint was in another
	// state, which callers use to admit at most one half-open trial.
	UpdateCircuit(ctx context.Context, db *gorm.DB, endpointID snowflake.ID, expect CircuitState, update CircuitUpdate) (bool, error)
}

type DeliveryRepository interface {
	Insert(ctx context.Context, db *gorm.DB, deliveries []WebhookDelivery) error
	Update(ctx context.Context, db *gorm.DB, delivery *WebhookDelivery) error
	Find(ctx context.Context, db *gorm.DB, orgID, deliveryID snowflake.ID) (*WebhookDelivery, error)
	List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter DeliveryFilter) ([]WebhookDelivery, error)

	// ClaimDue returns deliveries ready for an attempt: pending rows and
	// failed rows whose next_retry_at has elapsed.
	ClaimDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]WebhookDelivery, error)
}

type CircuitUpdate struct {
	State               CircuitState
	ConsecutiveFailures int
	OpenedAt            *time.Time
}

type PublishRequest struct {
	EventName  string          `json:"event_name"`
	OccurredAt *time.Time      `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

type PublishResponse struct {
	EventID    snowflake.ID `json:"event_id"`
	Deliveries int          `json:"deliveries"`
}

type CreateEndpointRequest struct {
	URL              string   `json:"url"`
	SubscribedEvents []string `json:"subscribed_events"`
}

type EndpointResponse struct {
	ID                  snowflake.ID `json:"id"`
	URL                 string       `json:"url"`
	SubscribedEvents    []string     `json:"subscribed_events"`
	CircuitState        CircuitState `json:"circuit_state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	OpenedAt            *time.Time   `json:"opened_at"`
	IsActive            bool         `json:"is_active"`
	CreatedAt           time.Time    `json:"created_at"`
}

type EndpointSecretResponse struct {
	ID     snowflake.ID `json:"id"`
	URL    string       `json:"url"`
	Secret string       `json:"secret"`
}

type DeliveryFilter struct {
	EndpointID snowflake.ID
	Status     DeliveryStatus
	Limit      int
}

type DeliveryResponse struct {
	ID             snowflake.ID    `json:"id"`
	EndpointID     snowflake.ID    `json:"endpoint_id"`
	EventID        snowflake.ID    `json:"event_id"`
	EventName      string          `json:"event_name"`
	Payload        json.RawMessage `json:"payload"`
	Status         DeliveryStatus  `json:"status"`
	FailureReason  *string         `json:"failure_reason"`
	AttemptCount   int             `json:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at"`
	NextRetryAt    *time.Time      `json:"next_retry_at"`
	LastStatusCode *int            `json:"last_status_code"`
	LastLatencyMS  *int64          `json:"last_latency_ms"`
	CreatedAt      time.Time       `json:"created_at"`
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidURL          = errors.New("invalid_endpoint_url")
	ErrInvalidEvents       = errors.New("invalid_subscribed_events")
	ErrEndpointNotFound    = errors.New("endpoint_not_found")
	ErrDeliveryNotFound    = errors.New("delivery_not_found")
	ErrDeliveryImmutable   = errors.New("delivery_already_succeeded")
)
