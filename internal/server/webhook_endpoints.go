package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/metergate/internal/tenantctx"
	webhookdomain "github.com/smallbiznis/metergate/internal/webhook/domain"
)

func (s *Server) ListWebhookEndpoints(c *gin.Context) {
	tenantID, ok := tenantctx.TenantIDFromContext(c.Request.Context())
	if !ok || tenantID == 0 {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	endpoints, err := s.webhookSvc.ListEndpoints(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": endpoints})
}

func (s *Server) CreateWebhookEndpoint(c *gin.Context) {
	tenantID, ok := tenantctx.TenantIDFromContext(c.Request.Context())
	if !ok || tenantID == 0 {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req webhookdomain.CreateEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.webhookSvc.CreateEndpoint(c.Request.Context(), tenantID, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	// The secret is returned exactly once, at creation.
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) DeleteWebhookEndpoint(c *gin.Context) {
	tenantID, endpointID, ok := s.tenantAndID(c, "id")
	if !ok {
		return
	}

	if err := s.webhookSvc.DeleteEndpoint(c.Request.Context(), tenantID, endpointID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) RegenerateWebhookSecret(c *gin.Context) {
	tenantID, endpointID, ok := s.tenantAndID(c, "id")
	if !ok {
		return
	}

	resp, err := s.webhookSvc.RegenerateSecret(c.Request.Context(), tenantID, endpointID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) ResetWebhookBreaker(c *gin.Context) {
	tenantID, endpointID, ok := s.tenantAndID(c, "id")
	if !ok {
		return
	}

	if err := s.webhookSvc.ResetCircuitBreaker(c.Request.Context(), tenantID, endpointID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "closed"})
}

// tenantAndID pulls the tenant from context and a snowflake ID from the
// named route param, aborting on failure.
func (s *Server) tenantAndID(c *gin.Context, param string) (snowflake.ID, snowflake.ID, bool) {
	tenantID, ok := tenantctx.TenantIDFromContext(c.Request.Context())
	if !ok || tenantID == 0 {
		AbortWithError(c, ErrUnauthorized)
		return 0, 0, false
	}

	raw := strings.TrimSpace(c.Param(param))
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed <= 0 {
		AbortWithError(c, newValidationError(param, "invalid_id", "invalid identifier"))
		return 0, 0, false
	}

	return tenantID, snowflake.ID(parsed), true
}
