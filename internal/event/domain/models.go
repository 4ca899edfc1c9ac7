package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EntitlementEvent is an outbox row. It is written in the same
// transaction as the deliveries fanned out from it, so a published
// event is never lost between the API call and the dispatcher.
type EntitlementEvent struct {
	ID         snowflake.ID   `gorm:"primaryKey"`
	OrgID      snowflake.ID   `gorm:"column:org_id;not null;index:ix_entitlement_events_org"`
	EventName  string         `gorm:"column:event_name;type:text;not null"`
	Payload    datatypes.JSON `gorm:"type:jsonb;not null"`
	OccurredAt time.Time      `gorm:"column:occurred_at;not null"`
	CreatedAt  time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (EntitlementEvent) TableName() string { return "entitlement_events" }
