package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/metergate/internal/observability/logger"
	"github.com/smallbiznis/metergate/internal/ratelimit"
	"github.com/smallbiznis/metergate/internal/tenantctx"
	"go.uber.org/zap"
)

type checkRateLimitRequest struct {
	LimitKey      string `json:"limit_key"`
	Limit         int64  `json:"limit"`
	WindowSeconds int64  `json:"window_seconds"`
}

type checkRateLimitResponse struct {
	Allowed   bool      `json:"allowed"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetsAt  time.Time `json:"resets_at"`
}

type rateLimitExceededResponse struct {
	Error      string    `json:"error"`
	Message    string    `json:"message"`
	RetryAfter int64     `json:"retry_after"`
	Limit      int64     `json:"limit"`
	ResetsAt   time.Time `json:"resets_at"`
}

// CheckRateLimit evaluates one request against the caller's entitled
// limit. The caller resolves the limit from its plan; this endpoint
// owns only the counting and the verdict.
func (s *Server) CheckRateLimit(c *gin.Context) {
	var req checkRateLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	tenantID, ok := tenantctx.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	result, err := s.evaluator.Evaluate(ctx, ratelimit.Request{
		TenantID: tenantID,
		LimitKey: req.LimitKey,
		Limit:    req.Limit,
		Window:   time.Duration(req.WindowSeconds) * time.Second,
	})
	if err != nil {
		if errors.Is(err, ratelimit.ErrStoreUnavailable) {
			logger.FromContext(ctx).Warn("rate limit check unavailable", zap.Error(err))
		}
		AbortWithError(c, err)
		return
	}

	c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetsAt.Unix(), 10))

	if !result.Allowed {
		s.obsMetrics.RecordRateLimitDenied(ctx, tenantID.String(), req.LimitKey, "window_exhausted")
		c.Header("Retry-After", strconv.FormatInt(result.RetryAfterSeconds(), 10))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, rateLimitExceededResponse{
			Error:      "rate_limit_exceeded",
			Message:    "rate limit exceeded for " + req.LimitKey,
			RetryAfter: result.RetryAfterSeconds(),
			Limit:      result.Limit,
			ResetsAt:   result.ResetsAt,
		})
		return
	}

	s.obsMetrics.RecordRateLimitAllowed(ctx, tenantID.String(), req.LimitKey)
	c.JSON(http.StatusOK, checkRateLimitResponse{
		Allowed:   true,
		Limit:     result.Limit,
		Remaining: result.Remaining,
		ResetsAt:  result.ResetsAt,
	})
}
