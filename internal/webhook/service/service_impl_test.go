package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/config"
	eventdomain "github.com/smallbiznis/metergate/internal/event/domain"
	"github.com/smallbiznis/metergate/internal/webhook/breaker"
	webhookdomain "github.com/smallbiznis/metergate/internal/webhook/domain"
	"github.com/smallbiznis/metergate/internal/webhook/repository"
	"github.com/smallbiznis/metergate/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (webhookdomain.Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&webhookdomain.WebhookEndpoint{},
		&webhookdomain.WebhookDelivery{},
		&eventdomain.EntitlementEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fc := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	endpoints := repository.ProvideEndpointRepository()
	b := breaker.New(conn, endpoints, breaker.NewLocalLocker(), fc, zap.NewNop(), nil, breaker.Config{})

	cfg := config.Config{}
	cfg.Webhook.MaxAttempts = 5

	svc := New(Params{
		DB:        conn,
		Log:       zap.NewNop(),
		Clock:     fc,
		GenID:     node,
		Config:    cfg,
		Endpoints: endpoints,
		Delivs:    repository.ProvideDeliveryRepository(),
		Breaker:   b,
	})
	return svc, conn, fc
}

func createEndpoint(t *testing.T, svc webhookdomain.Service, orgID snowflake.ID, events ...string) *webhookdomain.EndpointSecretResponse {
	t.Helper()
	resp, err := svc.CreateEndpoint(context.Background(), orgID, webhookdomain.CreateEndpointRequest{
		URL:              "https://example.com/hooks",
		SubscribedEvents: events,
	})
	require.NoError(t, err)
	return resp
}

func TestCreateEndpointGeneratesSecret(t *testing.T) {
	svc, conn, _ := newTestService(t)
	orgID := snowflake.ID(42)

	resp := createEndpoint(t, svc, orgID, eventdomain.EventLimitExceeded)
	assert.True(t, strings.HasPrefix(resp.Secret, "whsec_"))

	var stored webhookdomain.WebhookEndpoint
	require.NoError(t, conn.Where("id = ?", resp.ID).First(&stored).Error)
	assert.Equal(t, webhookdomain.CircuitClosed, stored.CircuitState)
	assert.True(t, stored.IsActive)
	assert.Equal(t, resp.Secret, stored.Secret)
}

func TestCreateEndpointValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateEndpoint(ctx, snowflake.ID(42), webhookdomain.CreateEndpointRequest{
		URL:              "ftp://example.com",
		SubscribedEvents: []string{eventdomain.EventLimitExceeded},
	})
	assert.ErrorIs(t, err, webhookdomain.ErrInvalidURL)

	_, err = svc.CreateEndpoint(ctx, snowflake.ID(42), webhookdomain.CreateEndpointRequest{
		URL:              "https://example.com/hooks",
		SubscribedEvents: []string{"entitlement.bogus"},
	})
	assert.ErrorIs(t, err, webhookdomain.ErrInvalidEvents)

	_, err = svc.CreateEndpoint(ctx, snowflake.ID(42), webhookdomain.CreateEndpointRequest{
		URL: "https://example.com/hooks",
	})
	assert.ErrorIs(t, err, webhookdomain.ErrInvalidEvents)
}

func TestPublishFansOutToSubscribers(t *testing.T) {
	svc, conn, fc := newTestService(t)
	orgID := snowflake.ID(42)

	subscribed := createEndpoint(t, svc, orgID, eventdomain.EventLimitExceeded, eventdomain.EventLimitWarning)
	createEndpoint(t, svc, orgID, eventdomain.EventAPIKeyRevoked)

	resp, err := svc.Publish(context.Background(), orgID, webhookdomain.PublishRequest{
		EventName: eventdomain.EventLimitExceeded,
		Data:      json.RawMessage(`{"limit_key":"api.requests","limit":100,"window_seconds":60,"retry_after":30}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Deliveries)

	var deliveries []webhookdomain.WebhookDelivery
	require.NoError(t, conn.Find(&deliveries).Error)
	require.Len(t, deliveries, 1)
	assert.Equal(t, subscribed.ID, deliveries[0].EndpointID)
	assert.Equal(t, webhookdomain.DeliveryPending, deliveries[0].Status)
	assert.Equal(t, 5, deliveries[0].MaxAttempts)

	var envelope webhookdomain.Envelope
	require.NoError(t, json.Unmarshal(deliveries[0].Payload, &envelope))
	assert.Equal(t, eventdomain.EventLimitExceeded, envelope.Event)
	assert.Equal(t, fc.Now().Format(time.RFC3339), envelope.Timestamp)

	var event eventdomain.EntitlementEvent
	require.NoError(t, conn.First(&event).Error)
	assert.Equal(t, deliveries[0].EventID, event.ID)
}

func TestPublishRejectsInvalidEvent(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Publish(context.Background(), snowflake.ID(42), webhookdomain.PublishRequest{
		EventName: "entitlement.bogus",
		Data:      json.RawMessage(`{}`),
	})
	assert.ErrorIs(t, err, eventdomain.ErrUnknownEventName)

	_, err = svc.Publish(context.Background(), snowflake.ID(42), webhookdomain.PublishRequest{
		EventName: eventdomain.EventAPIKeyRevoked,
		Data:      json.RawMessage(`{"key_id":"k","unexpected":true}`),
	})
	assert.ErrorIs(t, err, eventdomain.ErrInvalidPayload)
}

func TestPublishWithNoSubscribersPersistsEvent(t *testing.T) {
	svc, conn, _ := newTestService(t)

	resp, err := svc.Publish(context.Background(), snowflake.ID(42), webhookdomain.PublishRequest{
		EventName: eventdomain.EventLimitWarning,
		Data:      json.RawMessage(`{"limit_key":"api.requests","limit":100,"used":80,"window_seconds":60,"threshold":0.8}`),
	})
	require.NoError(t, err)
	assert.Zero(t, resp.Deliveries)

	var count int64
	require.NoError(t, conn.Model(&eventdomain.EntitlementEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRegenerateSecretRotates(t *testing.T) {
	svc, _, _ := newTestService(t)
	orgID := snowflake.ID(42)

	created := createEndpoint(t, svc, orgID, eventdomain.EventLimitExceeded)
	rotated, err := svc.RegenerateSecret(context.Background(), orgID, created.ID)
	require.NoError(t, err)
	assert.NotEqual(t, created.Secret, rotated.Secret)
	assert.True(t, strings.HasPrefix(rotated.Secret, "whsec_"))

	_, err = svc.RegenerateSecret(context.Background(), snowflake.ID(7), created.ID)
	assert.ErrorIs(t, err, webhookdomain.ErrEndpointNotFound)
}

func TestResetCircuitBreaker(t *testing.T) {
	svc, conn, fc := newTestService(t)
	orgID := snowflake.ID(42)

	created := createEndpoint(t, svc, orgID, eventdomain.EventLimitExceeded)
	openedAt := fc.Now()
	require.NoError(t, conn.Model(&webhookdomain.WebhookEndpoint{}).
		Where("id = ?", created.ID).
		Updates(map[string]any{
			"circuit_state":        webhookdomain.CircuitOpen,
			"consecutive_failures": 5,
			"opened_at":            openedAt,
		}).Error)

	require.NoError(t, svc.ResetCircuitBreaker(context.Background(), orgID, created.ID))

	var stored webhookdomain.WebhookEndpoint
	require.NoError(t, conn.Where("id = ?", created.ID).First(&stored).Error)
	assert.Equal(t, webhookdomain.CircuitClosed, stored.CircuitState)
	assert.Zero(t, stored.ConsecutiveFailures)
	assert.Nil(t, stored.OpenedAt)
}

func TestRetryDelivery(t *testing.T) {
	svc, conn, fc := newTestService(t)
	orgID := snowflake.ID(42)
	created := createEndpoint(t, svc, orgID, eventdomain.EventLimitExceeded)

	reason := webhookdomain.ReasonExhausted
	delivery := &webhookdomain.WebhookDelivery{
		ID:            snowflake.ID(1001),
		OrgID:         orgID,
		EndpointID:    created.ID,
		EventID:       snowflake.ID(9001),
		EventName:     eventdomain.EventLimitExceeded,
		Payload:       []byte(`{}`),
		Status:        webhookdomain.DeliveryFailed,
		FailureReason: &reason,
		AttemptCount:  5,
		MaxAttempts:   5,
	}
	require.NoError(t, conn.Create(delivery).Error)

	fc.Advance(time.Minute)
	require.NoError(t, svc.RetryDelivery(context.Background(), orgID, delivery.ID))

	var stored webhookdomain.WebhookDelivery
	require.NoError(t, conn.Where("id = ?", delivery.ID).First(&stored).Error)
	assert.Equal(t, webhookdomain.DeliveryPending, stored.Status)
	assert.Nil(t, stored.FailureReason)
	assert.Equal(t, 6, stored.MaxAttempts, "exhausted delivery gets one extra slot")

	// A succeeded delivery is immutable.
	require.NoError(t, conn.Model(&webhookdomain.WebhookDelivery{}).
		Where("id = ?", delivery.ID).
		Update("status", webhookdomain.DeliverySuccess).Error)
	err := svc.RetryDelivery(context.Background(), orgID, delivery.ID)
	assert.ErrorIs(t, err, webhookdomain.ErrDeliveryImmutable)
}

func TestDeleteEndpoint(t *testing.T) {
	svc, _, _ := newTestService(t)
	orgID := snowflake.ID(42)

	created := createEndpoint(t, svc, orgID, eventdomain.EventLimitExceeded)
	require.NoError(t, svc.DeleteEndpoint(context.Background(), orgID, created.ID))

	err := svc.DeleteEndpoint(context.Background(), orgID, created.ID)
	assert.ErrorIs(t, err, webhookdomain.ErrEndpointNotFound)

	list, err := svc.ListEndpoints(context.Background(), orgID)
	require.NoError(t, err)
	assert.Empty(t, list)
}
