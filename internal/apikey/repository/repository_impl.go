package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/smallbiznis/metergate/internal/apikey/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() apikeydomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, key *apikeydomain.APIKey) error {
	return db.WithContext(ctx).Create(key).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, key *apikeydomain.APIKey) error {
	return db.WithContext(ctx).
		Model(&apikeydomain.APIKey{}).
		Where("org_id = ? AND key_id = ?", key.OrgID, key.KeyID).
		Updates(map[string]any{
			"name":                key.Name,
			"scopes":              key.Scopes,
			"server_scopes":       key.ServerScopes,
			"key_hash":            key.KeyHash,
			"is_active":           key.IsActive,
			"updated_at":          key.UpdatedAt,
			"last_used_at":        key.LastUsedAt,
			"expires_at":          key.ExpiresAt,
			"revoked_at":          key.RevokedAt,
			"rotated_from_key_id": key.RotatedFromKeyID,
		}).Error
}

func (r *repo) FindByKeyID(ctx context.Context, db *gorm.DB, orgID snowflake.ID, keyID string) (*apikeydomain.APIKey, error) {
	var key apikeydomain.APIKey
	err := db.WithContext(ctx).
		Where("org_id = ? AND key_id = ?", orgID, keyID).
		First(&key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &key, nil
}

func (r *repo) FindByHash(ctx context.Context, db *gorm.DB, hash string) (*apikeydomain.APIKey, error) {
	var key apikeydomain.APIKey
	err := db.WithContext(ctx).
		Where("key_hash = ?", hash).
		First(&key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &key, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]apikeydomain.APIKey, error) {
	var keys []apikeydomain.APIKey
	err := db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("created_at DESC").
		Find(&keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}
