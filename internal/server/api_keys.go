package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	apikeydomain "github.com/smallbiznis/metergate/internal/apikey/domain"
	"github.com/smallbiznis/metergate/internal/tenantctx"
)

func (s *Server) ListAPIKeys(c *gin.Context) {
	tenantID, ok := tenantctx.TenantIDFromContext(c.Request.Context())
	if !ok || tenantID == 0 {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	keys, err := s.apiKeySvc.List(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": keys})
}

func (s *Server) CreateAPIKey(c *gin.Context) {
	tenantID, ok := tenantctx.TenantIDFromContext(c.Request.Context())
	if !ok || tenantID == 0 {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req apikeydomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	// The plaintext key is returned exactly once.
	secret, err := s.apiKeySvc.Create(c.Request.Context(), tenantID, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, secret)
}

func (s *Server) RotateAPIKey(c *gin.Context) {
	tenantID, ok := tenantctx.TenantIDFromContext(c.Request.Context())
	if !ok || tenantID == 0 {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	keyID := strings.TrimSpace(c.Param("key_id"))
	secret, err := s.apiKeySvc.Rotate(c.Request.Context(), tenantID, keyID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, secret)
}

func (s *Server) RevokeAPIKey(c *gin.Context) {
	tenantID, ok := tenantctx.TenantIDFromContext(c.Request.Context())
	if !ok || tenantID == 0 {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	keyID := strings.TrimSpace(c.Param("key_id"))
	if err := s.apiKeySvc.Revoke(c.Request.Context(), tenantID, keyID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
