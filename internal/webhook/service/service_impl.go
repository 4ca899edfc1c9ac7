package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/config"
	eventdomain "github.com/smallbiznis/metergate/internal/event/domain"
	"github.com/smallbiznis/metergate/internal/webhook/breaker"
	webhookdomain "github.com/smallbiznis/metergate/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	secretPrefix = "whsec_"
	secretBytes  = 32
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	GenID     *snowflake.Node
	Config    config.Config
	Endpoints webhookdomain.EndpointRepository
	Delivs    webhookdomain.DeliveryRepository
	Breaker   *breaker.Breaker
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	genID       *snowflake.Node
	endpoints   webhookdomain.EndpointRepository
	delivs      webhookdomain.DeliveryRepository
	breaker     *breaker.Breaker
	maxAttempts int
}

func New(p Params) webhookdomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("webhook.service"),
		clock:       p.Clock,
		genID:       p.GenID,
		endpoints:   p.Endpoints,
		delivs:      p.Delivs,
		breaker:     p.Breaker,
		maxAttempts: p.Config.Webhook.MaxAttempts,
	}
}

func (s *Service) Publish(ctx context.Context, orgID snowflake.ID, req webhookdomain.PublishRequest) (*webhookdomain.PublishResponse, error) {
	if orgID == 0 {
		return nil, webhookdomain.ErrInvalidOrganization
	}

	payload, err := eventdomain.DecodePayload(req.EventName, req.Data)
	if err != nil {
		return nil, err
	}

	occurredAt := s.clock.Now()
	if req.OccurredAt != nil {
		occurredAt = req.OccurredAt.UTC()
	}

	envelope, err := webhookdomain.NewEnvelope(req.EventName, occurredAt, payload)
	if err != nil {
		return nil, err
	}

	event := &eventdomain.EntitlementEvent{
		ID:         s.genID.Generate(),
		OrgID:      orgID,
		EventName:  req.EventName,
		Payload:    payload,
		OccurredAt: occurredAt,
		CreatedAt:  s.clock.Now(),
	}

	var fannedOut int
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(event).Error; err != nil {
			return err
		}

		targets, err := s.endpoints.ListActive(ctx, tx, orgID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		deliveries := make([]webhookdomain.WebhookDelivery, 0, len(targets))
		for i := range targets {
			if !targets[i].Subscribed(req.EventName) {
				continue
			}
			deliveries = append(deliveries, webhookdomain.WebhookDelivery{
				ID:          s.genID.Generate(),
				OrgID:       orgID,
				EndpointID:  targets[i].ID,
				EventID:     event.ID,
				EventName:   req.EventName,
				Payload:     envelope,
				Status:      webhookdomain.DeliveryPending,
				MaxAttempts: s.maxAttempts,
				CreatedAt:   now,
				UpdatedAt:   now,
			})
		}

		fannedOut = len(deliveries)
		return s.delivs.Insert(ctx, tx, deliveries)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("event published",
		zap.String("event_id", event.ID.String()),
		zap.String("event", req.EventName),
		zap.Int("deliveries", fannedOut),
	)
	return &webhookdomain.PublishResponse{EventID: event.ID, Deliveries: fannedOut}, nil
}

func (s *Service) ListEndpoints(ctx context.Context, orgID snowflake.ID) ([]webhookdomain.EndpointResponse, error) {
	if orgID == 0 {
		return nil, webhookdomain.ErrInvalidOrganization
	}

	items, err := s.endpoints.List(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}

	resp := make([]webhookdomain.EndpointResponse, 0, len(items))
	for i := range items {
		resp = append(resp, toEndpointResponse(&items[i]))
	}
	return resp, nil
}

func (s *Service) CreateEndpoint(ctx context.Context, orgID snowflake.ID, req webhookdomain.CreateEndpointRequest) (*webhookdomain.EndpointSecretResponse, error) {
	if orgID == 0 {
		return nil, webhookdomain.ErrInvalidOrganization
	}

	target, err := validateURL(req.URL)
	if err != nil {
		return nil, err
	}

	events, err := normalizeEvents(req.SubscribedEvents)
	if err != nil {
		return nil, err
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	endpoint := &webhookdomain.WebhookEndpoint{
		ID:               s.genID.Generate(),
		OrgID:            orgID,
		URL:              target,
		Secret:           secret,
		SubscribedEvents: events,
		CircuitState:     webhookdomain.CircuitClosed,
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.endpoints.Insert(ctx, s.db, endpoint); err != nil {
		return nil, err
	}

	return &webhookdomain.EndpointSecretResponse{ID: endpoint.ID, URL: endpoint.URL, Secret: secret}, nil
}

func (s *Service) DeleteEndpoint(ctx context.Context, orgID snowflake.ID, endpointID snowflake.ID) error {
	if orgID == 0 {
		return webhookdomain.ErrInvalidOrganization
	}

	endpoint, err := s.endpoints.Find(ctx, s.db, orgID, endpointID)
	if err != nil {
		return err
	}
	if endpoint == nil {
		return webhookdomain.ErrEndpointNotFound
	}
	// In-flight deliveries to this endpoint resolve as terminal no-ops
	// on their next dispatch.
	return s.endpoints.Delete(ctx, s.db, orgID, endpointID)
}

func (s *Service) RegenerateSecret(ctx context.Context, orgID snowflake.ID, endpointID snowflake.ID) (*webhookdomain.EndpointSecretResponse, error) {
	if orgID == 0 {
		return nil, webhookdomain.ErrInvalidOrganization
	}

	endpoint, err := s.endpoints.Find(ctx, s.db, orgID, endpointID)
	if err != nil {
		return nil, err
	}
	if endpoint == nil {
		return nil, webhookdomain.ErrEndpointNotFound
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}

	endpoint.Secret = secret
	endpoint.UpdatedAt = s.clock.Now()
	if err := s.endpoints.Update(ctx, s.db, endpoint); err != nil {
		return nil, err
	}

	return &webhookdomain.EndpointSecretResponse{ID: endpoint.ID, URL: endpoint.URL, Secret: secret}, nil
}

func (s *Service) ResetCircuitBreaker(ctx context.Context, orgID snowflake.ID, endpointID snowflake.ID) error {
	if orgID == 0 {
		return webhookdomain.ErrInvalidOrganization
	}

	endpoint, err := s.endpoints.Find(ctx, s.db, orgID, endpointID)
	if err != nil {
		return err
	}
	if endpoint == nil {
		return webhookdomain.ErrEndpointNotFound
	}

	return s.breaker.Reset(ctx, endpoint)
}

func (s *Service) ListDeliveries(ctx context.Context, orgID snowflake.ID, filter webhookdomain.DeliveryFilter) ([]webhookdomain.DeliveryResponse, error) {
	if orgID == 0 {
		return nil, webhookdomain.ErrInvalidOrganization
	}

	items, err := s.delivs.List(ctx, s.db, orgID, filter)
	if err != nil {
		return nil, err
	}

	resp := make([]webhookdomain.DeliveryResponse, 0, len(items))
	for i := range items {
		resp = append(resp, toDeliveryResponse(&items[i]))
	}
	return resp, nil
}

func (s *Service) GetDelivery(ctx context.Context, orgID snowflake.ID, deliveryID snowflake.ID) (*webhookdomain.DeliveryResponse, error) {
	if orgID == 0 {
		return nil, webhookdomain.ErrInvalidOrganization
	}

	delivery, err := s.delivs.Find(ctx, s.db, orgID, deliveryID)
	if err != nil {
		return nil, err
	}
	if delivery == nil {
		return nil, webhookdomain.ErrDeliveryNotFound
	}

	resp := toDeliveryResponse(delivery)
	return &resp, nil
}

// RetryDelivery requeues a failed delivery. An exhausted delivery gets
// one extra attempt slot so the count invariant holds.
func (s *Service) RetryDelivery(ctx context.Context, orgID snowflake.ID, deliveryID snowflake.ID) error {
	if orgID == 0 {
		return webhookdomain.ErrInvalidOrganization
	}

	delivery, err := s.delivs.Find(ctx, s.db, orgID, deliveryID)
	if err != nil {
		return err
	}
	if delivery == nil {
		return webhookdomain.ErrDeliveryNotFound
	}
	if delivery.Status == webhookdomain.DeliverySuccess {
		return webhookdomain.ErrDeliveryImmutable
	}

	if delivery.AttemptCount >= delivery.MaxAttempts {
		delivery.MaxAttempts = delivery.AttemptCount + 1
	}
	delivery.Status = webhookdomain.DeliveryPending
	delivery.FailureReason = nil
	delivery.NextRetryAt = nil
	delivery.UpdatedAt = s.clock.Now()
	return s.delivs.Update(ctx, s.db, delivery)
}

func toEndpointResponse(endpoint *webhookdomain.WebhookEndpoint) webhookdomain.EndpointResponse {
	return webhookdomain.EndpointResponse{
		ID:                  endpoint.ID,
		URL:                 endpoint.URL,
		SubscribedEvents:    endpoint.SubscribedEvents,
		CircuitState:        endpoint.CircuitState,
		ConsecutiveFailures: endpoint.ConsecutiveFailures,
		OpenedAt:            endpoint.OpenedAt,
		IsActive:            endpoint.IsActive,
		CreatedAt:           endpoint.CreatedAt,
	}
}

func toDeliveryResponse(delivery *webhookdomain.WebhookDelivery) webhookdomain.DeliveryResponse {
	return webhookdomain.DeliveryResponse{
		ID:             delivery.ID,
		EndpointID:     delivery.EndpointID,
		EventID:        delivery.EventID,
		EventName:      delivery.EventName,
		Payload:        []byte(delivery.Payload),
		Status:         delivery.Status,
		FailureReason:  delivery.FailureReason,
		AttemptCount:   delivery.AttemptCount,
		MaxAttempts:    delivery.MaxAttempts,
		LastAttemptAt:  delivery.LastAttemptAt,
		NextRetryAt:    delivery.NextRetryAt,
		LastStatusCode: delivery.LastStatusCode,
		LastLatencyMS:  delivery.LastLatencyMS,
		CreatedAt:      delivery.CreatedAt,
	}
}

func validateURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	parsed, err := url.Parse(trimmed)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return "", webhookdomain.ErrInvalidURL
	}
	return trimmed, nil
}

func normalizeEvents(events []string) ([]string, error) {
	if len(events) == 0 {
		return nil, webhookdomain.ErrInvalidEvents
	}

	seen := make(map[string]struct{}, len(events))
	out := make([]string, 0, len(events))
	for _, raw := range events {
		name := strings.TrimSpace(raw)
		if !isKnownEvent(name) {
			return nil, webhookdomain.ErrInvalidEvents
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out, nil
}

func isKnownEvent(name string) bool {
	for _, known := range eventdomain.ValidEventNames {
		if name == known {
			return true
		}
	}
	return false
}

func generateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return secretPrefix + hex.EncodeToString(buf), nil
}
