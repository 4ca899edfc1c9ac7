package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Service interface {
	List(ctx context.Context, orgID snowflake.ID) ([]Response, error)
	Create(ctx context.Context, orgID snowflake.ID, req CreateRequest) (*SecretResponse, error)
	Rotate(ctx context.Context, orgID snowflake.ID, keyID string) (*SecretResponse, error)
	Revoke(ctx context.Context, orgID snowflake.ID, keyID string) error
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, key *APIKey) error
	Update(ctx context.Context, db *gorm.DB, key *APIKey) error
	FindByKeyID(ctx context.Context, db *gorm.DB, orgID snowflake.ID, keyID string) (*APIKey, error)
	FindByHash(ctx context.Context, db *gorm.DB, hash string) (*APIKey, error)
	List(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]APIKey, error)
}

type CreateRequest struct {
	Name         string     `json:"name"`
	Scopes       []string   `json:"scopes"`
	ServerScopes []string   `json:"server_scopes"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

type Response struct {
	KeyID            string     `json:"key_id"`
	Name             string     `json:"name"`
	Scopes           []string   `json:"scopes"`
	ServerScopes     []string   `json:"server_scopes,omitempty"`
	IsActive         bool       `json:"is_active"`
	CreatedAt        time.Time  `json:"created_at"`
	LastUsedAt       *time.Time `json:"last_used_at"`
	ExpiresAt        *time.Time `json:"expires_at"`
	RevokedAt        *time.Time `json:"revoked_at"`
	RotatedFromKeyID *string    `json:"rotated_from_key_id"`
}

type SecretResponse struct {
	KeyID  string `json:"key_id"`
	APIKey string `json:"api_key"`
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidName         = errors.New("invalid_name")
	ErrInvalidScope        = errors.New("invalid_scope")
	ErrInvalidKeyID        = errors.New("invalid_key_id")
	ErrNotFound            = errors.New("not_found")
)

// ValidScopes lists the grantable scopes.
var ValidScopes = []string{string(ScopeRead), string(ScopeWrite), string(ScopeDelete)}
