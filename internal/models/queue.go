package models

import (
	"time"

	"gorm.io/datatypes"
)

// Operation is the kind of mutation carried by a queue item
type Operation string

const (
	OpInsert Operation = "Insert"
	OpUpdate Operation = "Update"
	OpDelete Operation = "Delete"
)

// QueueStatus represents the lifecycle state of a queue item
type QueueStatus string

const (
	QueuePending   QueueStatus = "pending"
	QueueCompleted QueueStatus = "completed"
	QueueFailed    QueueStatus = "failed" // terminal, requires manual retry or discard
)

// MaxAttempts is the retry budget before a queue item becomes permanently failed
const MaxAttempts = 5

// QueueItem is one pending local mutation awaiting server confirmation.
// Invariant: at most one pending row exists per (entity_type, entity_id);
// a newer mutation replaces the snapshot of the existing pending row.
type QueueItem struct {
	QueueID         string         `gorm:"primaryKey;type:varchar(36)" json:"queueId"`
	EntityType      string         `gorm:"type:varchar(50);not null;index:idx_queue_entity" json:"entityType"`
	EntityID        string         `gorm:"type:varchar(36);not null;index:idx_queue_entity" json:"entityId"`
	Operation       Operation      `gorm:"type:varchar(20);not null" json:"operation"`
	Payload         datatypes.JSON `json:"payload"` // entity snapshot at enqueue time, null for Delete
	BaseSyncVersion int64          `gorm:"not null;default:0" json:"baseSyncVersion"`
	Status          QueueStatus    `gorm:"type:varchar(20);not null;default:'pending';index:idx_queue_pending" json:"status"`
	Attempts        int            `gorm:"not null;default:0" json:"attempts"`
	LastAttemptAt   *time.Time     `json:"lastAttemptAt,omitempty"`
	LastError       string         `gorm:"type:text" json:"lastError,omitempty"`
	Priority        int            `gorm:"not null;default:5;index:idx_queue_pending" json:"priority"` // lower = sooner
	ScheduledAt     time.Time      `gorm:"not null;index:idx_queue_pending" json:"scheduledAt"`        // backoff gate
	CreatedAt       time.Time      `json:"createdAt"`
}

// TableName specifies the table name for QueueItem
func (QueueItem) TableName() string {
	return "sync_queue"
}
