package domain

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Each event name maps to exactly one payload schema. Payloads are
// decoded with DisallowUnknownFields so a producer sending the wrong
// shape is rejected at publish time, not at delivery time.
const (
	EventLimitWarning       = "entitlement.limit.warning"
	EventLimitExceeded      = "entitlement.limit.exceeded"
	EventEntitlementUpdated = "entitlement.updated"
	EventAPIKeyRevoked      = "entitlement.api_key.revoked"
)

var (
	ErrUnknownEventName = errors.New("unknown_event_name")
	ErrInvalidPayload   = errors.New("invalid_event_payload")
)

// LimitWarningPayload fires when usage crosses a warning threshold of
// the entitled limit.
type LimitWarningPayload struct {
	LimitKey      string  `json:"limit_key"`
	Limit         int64   `json:"limit"`
	Used          int64   `json:"used"`
	WindowSeconds int64   `json:"window_seconds"`
	Threshold     float64 `json:"threshold"`
}

// LimitExceededPayload fires when a request is denied by the limiter.
type LimitExceededPayload struct {
	LimitKey      string `json:"limit_key"`
	Limit         int64  `json:"limit"`
	WindowSeconds int64  `json:"window_seconds"`
	RetryAfter    int64  `json:"retry_after"`
}

// EntitlementUpdatedPayload fires when a tenant's entitlement value
// changes upstream.
type EntitlementUpdatedPayload struct {
	Feature       string `json:"feature"`
	PreviousValue int64  `json:"previous_value"`
	CurrentValue  int64  `json:"current_value"`
}

// APIKeyRevokedPayload fires when a key is revoked or rotated out.
type APIKeyRevokedPayload struct {
	KeyID  string `json:"key_id"`
	Reason string `json:"reason"`
}

// ValidEventNames lists every event name a producer may publish.
var ValidEventNames = []string{
	EventLimitWarning,
	EventLimitExceeded,
	EventEntitlementUpdated,
	EventAPIKeyRevoked,
}

// DecodePayload validates raw against the schema for eventName and
// returns the canonical re-encoded form.
func DecodePayload(eventName string, raw json.RawMessage) (json.RawMessage, error) {
	var target any
	switch eventName {
	case EventLimitWarning:
		target = &LimitWarningPayload{}
	case EventLimitExceeded:
		target = &LimitExceededPayload{}
	case EventEntitlementUpdated:
		target = &EntitlementUpdatedPayload{}
	case EventAPIKeyRevoked:
		target = &APIKeyRevokedPayload{}
	default:
		return nil, ErrUnknownEventName
	}

	if err := strictUnmarshal(raw, target); err != nil {
		return nil, errors.Join(ErrInvalidPayload, err)
	}

	canonical, err := json.Marshal(target)
	if err != nil {
		return nil, errors.Join(ErrInvalidPayload, err)
	}
	return canonical, nil
}

func strictUnmarshal(raw json.RawMessage, target any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}
