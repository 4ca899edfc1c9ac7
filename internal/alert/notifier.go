package alert

import (
	"context"
	"time"
)

// Alert is an operator-facing notification.
type Alert struct {
	Title      string
	Message    string
	OccurredAt time.Time
	Fields     map[string]string
}

// Notifier delivers operator alerts. Implementations must not block
// the caller beyond a bounded timeout.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}
