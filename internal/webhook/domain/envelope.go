package domain

import (
	"encoding/json"
	"time"
)

// Envelope is the wire body delivered to endpoints. It is marshaled
// once at publish time and stored on the delivery row, so signatures
// are reproducible.
type Envelope struct {
	Event     string          `json:"event"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEnvelope builds the canonical body for an event.
func NewEnvelope(eventName string, occurredAt time.Time, data json.RawMessage) ([]byte, error) {
	return json.Marshal(Envelope{
		Event:     eventName,
		Timestamp: occurredAt.UTC().Format(time.RFC3339),
		Data:      data,
	})
}
