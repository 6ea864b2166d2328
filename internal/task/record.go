package task

import (
	"time"

	"gorm.io/datatypes"
)

// Record is the persisted row for one message id. Exactly one Record exists
// per MessageID; terminal writes (COMPLETED/FAILED) are overwriting updates
// onto it. Replaying one leaves status, result, cached and attempt as they
// were; CompletedAt and DurationMs take the replay's own clock reading.
type Record struct {
	MessageID string `gorm:"primaryKey;size:191" json:"message_id"`

	Status   Status         `gorm:"type:varchar(16);not null;index:idx_status_hash,priority:1" json:"status"`
	BodyHash string         `gorm:"type:varchar(191);index:idx_status_hash,priority:2" json:"body_hash"`
	Payload  datatypes.JSON `gorm:"type:json" json:"payload"`
	Result   datatypes.JSON `gorm:"type:json" json:"result"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMs  int64     `json:"duration_ms"`
	Cached      bool      `json:"cached"`
	Attempt     int       `json:"attempt"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Record) TableName() string { return "task_records" }
