package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	apikeydomain "github.com/smallbiznis/metergate/internal/apikey/domain"
	"github.com/smallbiznis/metergate/internal/observability/logger"
	"github.com/smallbiznis/metergate/internal/tenantctx"
	"go.uber.org/zap"
)

const (
	contextAPIKey  = "api_key"
	headerServerID = "X-Server-Id"
)

// APIKeyRequired authenticates with a bearer API key. Tenant identity
// comes solely from the api_keys row. Revoked and expired keys still
// authenticate here; the scope gate rejects them with their specific
// denial code so callers can tell the difference.
func (s *Server) APIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if header == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		parts := strings.Fields(header)
		if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		hash := apikeydomain.HashAPIKey(parts[1])
		key, err := s.apiKeyRepo.FindByHash(c.Request.Context(), s.db, hash)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if key == nil || subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := tenantctx.WithTenantID(c.Request.Context(), key.OrgID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(contextAPIKey, key)
		c.Next()
	}
}

// ScopeGate enforces the fixed method-to-scope table and the optional
// server scope carried in the X-Server-Id header. Must run after
// APIKeyRequired.
func (s *Server) ScopeGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := apiKeyFromContext(c)
		if key == nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		required := apikeydomain.ScopeForMethod(c.Request.Method)
		target := strings.TrimSpace(c.GetHeader(headerServerID))
		decision := apikeydomain.Authorize(key, required, target, s.clock.Now())
		if !decision.Allowed {
			ctx := c.Request.Context()
			logger.FromContext(ctx).Warn("API key denied",
				zap.String("key_id", key.KeyID),
				zap.String("reason", string(decision.Reason)),
				zap.String("required_scope", string(required)),
			)
			s.obsMetrics.RecordScopeDenied(ctx, key.OrgID.String(), string(decision.Reason))
			AbortWithError(c, scopeDenialError{reason: decision.Reason})
			return
		}

		c.Next()
	}
}

func apiKeyFromContext(c *gin.Context) *apikeydomain.APIKey {
	value, ok := c.Get(contextAPIKey)
	if !ok {
		return nil
	}
	key, ok := value.(*apikeydomain.APIKey)
	if !ok {
		return nil
	}
	return key
}
