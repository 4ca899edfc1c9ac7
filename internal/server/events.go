package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/metergate/internal/tenantctx"
	webhookdomain "github.com/smallbiznis/metergate/internal/webhook/domain"
)

type publishEventRequest struct {
	EventName  string          `json:"event_name"`
	OccurredAt *time.Time      `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// PublishEvent accepts a typed entitlement event and fans it out to
// subscribed endpoints.
func (s *Server) PublishEvent(c *gin.Context) {
	var req publishEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	tenantID, ok := tenantctx.TenantIDFromContext(c.Request.Context())
	if !ok || tenantID == 0 {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	resp, err := s.webhookSvc.Publish(c.Request.Context(), tenantID, webhookdomain.PublishRequest{
		EventName:  req.EventName,
		OccurredAt: req.OccurredAt,
		Data:       req.Data,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"event_id":   resp.EventID.String(),
		"deliveries": resp.Deliveries,
	})
}
