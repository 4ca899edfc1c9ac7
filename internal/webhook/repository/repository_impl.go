package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	webhookdomain "github.com/smallbiznis/metergate/internal/webhook/domain"
	"gorm.io/gorm"
)

type endpointRepo struct{}

func ProvideEndpointRepository() webhookdomain.EndpointRepository {
	return &endpointRepo{}
}

func (r *endpointRepo) Insert(ctx context.Context, db *gorm.DB, endpoint *webhookdomain.WebhookEndpoint) error {
	return db.WithContext(ctx).Create(endpoint).Error
}

func (r *endpointRepo) Update(ctx context.Context, db *gorm.DB, endpoint *webhookdomain.WebhookEndpoint) error {
	return db.WithContext(ctx).
		Model(&webhookdomain.WebhookEndpoint{}).
		Where("id = ? AND org_id = ?", endpoint.ID, endpoint.OrgID).
		Updates(map[string]any{
			"url":                  endpoint.URL,
			"secret":               endpoint.Secret,
			"subscribed_events":    endpoint.SubscribedEvents,
			"circuit_state":        endpoint.CircuitState,
			"consecutive_failures": endpoint.ConsecutiveFailures,
			"opened_at":            endpoint.OpenedAt,
			"is_active":            endpoint.IsActive,
			"updated_at":           endpoint.UpdatedAt,
		}).Error
}

func (r *endpointRepo) Delete(ctx context.Context, db *gorm.DB, orgID, endpointID snowflake.ID) error {
	return db.WithContext(ctx).
		Where("id = ? AND org_id = ?", endpointID, orgID).
		Delete(&webhookdomain.WebhookEndpoint{}).Error
}

func (r *endpointRepo) Find(ctx context.Context, db *gorm.DB, orgID, endpointID snowflake.ID) (*webhookdomain.WebhookEndpoint, error) {
	var endpoint webhookdomain.WebhookEndpoint
	err := db.WithContext(ctx).
		Where("id = ? AND org_id = ?", endpointID, orgID).
		First(&endpoint).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &endpoint, nil
}

func (r *endpointRepo) FindByID(ctx context.Context, db *gorm.DB, endpointID snowflake.ID) (*webhookdomain.WebhookEndpoint, error) {
	var endpoint webhookdomain.WebhookEndpoint
	err := db.WithContext(ctx).
		Where("id = ?", endpointID).
		First(&endpoint).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &endpoint, nil
}

func (r *endpointRepo) ListActive(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]webhookdomain.WebhookEndpoint, error) {
	var endpoints []webhookdomain.WebhookEndpoint
	err := db.WithContext(ctx).
		Where("org_id = ? AND is_active = ?", orgID, true).
		Order("created_at ASC").
		Find(&endpoints).Error
	if err != nil {
		return nil, err
	}
	return endpoints, nil
}

func (r *endpointRepo) List(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]webhookdomain.WebhookEndpoint, error) {
	var endpoints []webhookdomain.WebhookEndpoint
	err := db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("created_at ASC").
		Find(&endpoints).Error
	if err != nil {
		return nil, err
	}
	return endpoints, nil
}

func (r *endpointRepo) UpdateCircuit(ctx context.Context, db *gorm.DB, endpointID snowflake.ID, expect webhookdomain.CircuitState, update webhookdomain.CircuitUpdate) (bool, error) {
	res := db.WithContext(ctx).
		Model(&webhookdomain.WebhookEndpoint{}).
		Where("id = ? AND circuit_state = ?", endpointID, expect).
		Updates(map[string]any{
			"circuit_state":        update.State,
			"consecutive_failures": update.ConsecutiveFailures,
			"opened_at":            update.OpenedAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

type deliveryRepo struct{}

func ProvideDeliveryRepository() webhookdomain.DeliveryRepository {
	return &deliveryRepo{}
}

func (r *deliveryRepo) Insert(ctx context.Context, db *gorm.DB, deliveries []webhookdomain.WebhookDelivery) error {
	if len(deliveries) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&deliveries).Error
}

func (r *deliveryRepo) Update(ctx context.Context, db *gorm.DB, delivery *webhookdomain.WebhookDelivery) error {
	return db.WithContext(ctx).
		Model(&webhookdomain.WebhookDelivery{}).
		Where("id = ?", delivery.ID).
		Updates(map[string]any{
			"status":           delivery.Status,
			"failure_reason":   delivery.FailureReason,
			"attempt_count":    delivery.AttemptCount,
			"max_attempts":     delivery.MaxAttempts,
			"last_attempt_at":  delivery.LastAttemptAt,
			"next_retry_at":    delivery.NextRetryAt,
			"last_status_code": delivery.LastStatusCode,
			"last_latency_ms":  delivery.LastLatencyMS,
			"updated_at":       delivery.UpdatedAt,
		}).Error
}

func (r *deliveryRepo) Find(ctx context.Context, db *gorm.DB, orgID, deliveryID snowflake.ID) (*webhookdomain.WebhookDelivery, error) {
	var delivery webhookdomain.WebhookDelivery
	err := db.WithContext(ctx).
		Where("id = ? AND org_id = ?", deliveryID, orgID).
		First(&delivery).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &delivery, nil
}

func (r *deliveryRepo) List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter webhookdomain.DeliveryFilter) ([]webhookdomain.WebhookDelivery, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("created_at DESC").
		Limit(limit)

	if filter.EndpointID != 0 {
		query = query.Where("endpoint_id = ?", filter.EndpointID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var deliveries []webhookdomain.WebhookDelivery
	if err := query.Find(&deliveries).Error; err != nil {
		return nil, err
	}
	return deliveries, nil
}

func (r *deliveryRepo) ClaimDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]webhookdomain.WebhookDelivery, error) {
	var deliveries []webhookdomain.WebhookDelivery
	err := db.WithContext(ctx).
		Where("status = ? OR (status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?)",
			webhookdomain.DeliveryPending, webhookdomain.DeliveryFailed, now).
		Order("created_at ASC").
		Limit(limit).
		Find(&deliveries).Error
	if err != nil {
		return nil, err
	}
	return deliveries, nil
}
