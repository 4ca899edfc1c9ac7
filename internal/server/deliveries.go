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

func (s *Server) ListDeliveries(c *gin.Context) {
	tenantID, ok := tenantctx.TenantIDFromContext(c.Request.Context())
	if !ok || tenantID == 0 {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	filter := webhookdomain.DeliveryFilter{
		Status: webhookdomain.DeliveryStatus(strings.TrimSpace(c.Query("status"))),
	}
	if raw := strings.TrimSpace(c.Query("endpoint_id")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			AbortWithError(c, newValidationError("endpoint_id", "invalid_id", "invalid identifier"))
			return
		}
		filter.EndpointID = snowflake.ID(parsed)
	}
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
			return
		}
		filter.Limit = parsed
	}

	deliveries, err := s.webhookSvc.ListDeliveries(c.Request.Context(), tenantID, filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": deliveries})
}

func (s *Server) GetDelivery(c *gin.Context) {
	tenantID, deliveryID, ok := s.tenantAndID(c, "id")
	if !ok {
		return
	}

	delivery, err := s.webhookSvc.GetDelivery(c.Request.Context(), tenantID, deliveryID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, delivery)
}

func (s *Server) RetryDelivery(c *gin.Context) {
	tenantID, deliveryID, ok := s.tenantAndID(c, "id")
	if !ok {
		return
	}

	if err := s.webhookSvc.RetryDelivery(c.Request.Context(), tenantID, deliveryID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}
