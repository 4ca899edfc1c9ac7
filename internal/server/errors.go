package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	apikeydomain "github.com/smallbiznis/metergate/internal/apikey/domain"
	eventdomain "github.com/smallbiznis/metergate/internal/event/domain"
	"github.com/smallbiznis/metergate/internal/ratelimit"
	webhookdomain "github.com/smallbiznis/metergate/internal/webhook/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInternal           = errors.New("internal_error")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

// scopeDenialError carries the ordered denial code from the authorizer
// so the response body names the exact reason.
type scopeDenialError struct {
	reason apikeydomain.DenialReason
}

func (e scopeDenialError) Error() string { return string(e.reason) }

func denialMessage(reason apikeydomain.DenialReason) string {
	switch reason {
	case apikeydomain.DenyExpired:
		return "API key has expired"
	case apikeydomain.DenyRevoked:
		return "API key has been revoked"
	case apikeydomain.DenyInsufficientScope:
		return "API key lacks the required scope"
	case apikeydomain.DenyServerNotPermitted:
		return "API key is not permitted for this server"
	default:
		return "forbidden"
	}
}

// scopeDenialResponse is the flat 403 body; like the 429 body it names
// the code at the top level so clients can switch on it directly.
type scopeDenialResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		var denial scopeDenialError
		if errors.As(lastErr.Err, &denial) {
			c.AbortWithStatusJSON(http.StatusForbidden, scopeDenialResponse{
				Error:   string(denial.reason),
				Message: denialMessage(denial.reason),
			})
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var denial scopeDenialError
	if errors.As(err, &denial) {
		return http.StatusForbidden, errorPayload{
			Type:    string(denial.reason),
			Message: denialMessage(denial.reason),
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: "invalid value",
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, webhookdomain.ErrDeliveryImmutable):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "delivery already succeeded",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, ratelimit.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, apikeydomain.ErrInvalidName),
		errors.Is(err, apikeydomain.ErrInvalidScope),
		errors.Is(err, apikeydomain.ErrInvalidKeyID),
		errors.Is(err, webhookdomain.ErrInvalidURL),
		errors.Is(err, webhookdomain.ErrInvalidEvents),
		errors.Is(err, eventdomain.ErrUnknownEventName),
		errors.Is(err, eventdomain.ErrInvalidPayload),
		errors.Is(err, ratelimit.ErrInvalidLimit),
		errors.Is(err, ratelimit.ErrInvalidWindow):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, apikeydomain.ErrNotFound),
		errors.Is(err, webhookdomain.ErrEndpointNotFound),
		errors.Is(err, webhookdomain.ErrDeliveryNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	if errors.Is(err, ErrInvalidRequest) {
		return "invalid_request"
	}
	return err.Error()
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	switch {
	case status >= http.StatusInternalServerError:
		return "internal", payload.Type
	case status == http.StatusForbidden:
		return "forbidden", payload.Type
	case status == http.StatusUnauthorized:
		return "unauthorized", payload.Type
	default:
		return "client", payload.Type
	}
}
