package models

import (
	"time"

	"gorm.io/datatypes"
)

// Resolution is the user's decision for a conflict
type Resolution string

const (
	ResolveUseLocal  Resolution = "UseLocal"
	ResolveUseServer Resolution = "UseServer"
	ResolveMerged    Resolution = "Merged"
)

// ConflictSource records where a conflict was detected
type ConflictSource string

const (
	ConflictSourcePush ConflictSource = "push" // server rejected our base version
	ConflictSourcePull ConflictSource = "pull" // incoming change hit a locally dirty entity
)

// SyncConflict is a detected disagreement between the local and server copy
// of one entity. A row exists only while the conflict is unresolved; sync for
// the affected entity is paused until the user resolves it.
type SyncConflict struct {
	ConflictID        string         `gorm:"primaryKey;type:varchar(36)" json:"conflictId"`
	EntityType        string         `gorm:"type:varchar(50);not null;uniqueIndex:idx_conflict_entity" json:"entityType"`
	EntityID          string         `gorm:"type:varchar(36);not null;uniqueIndex:idx_conflict_entity" json:"entityId"`
	LocalData         datatypes.JSON `json:"localData"`
	ServerData        datatypes.JSON `json:"serverData"`
	ServerSyncVersion int64          `gorm:"not null;default:0" json:"serverSyncVersion"`
	QueueID           string         `gorm:"type:varchar(36)" json:"queueId,omitempty"` // originating queue item, when detected on push
	Source            ConflictSource `gorm:"type:varchar(10);not null" json:"source"`
	DetectedAt        time.Time      `gorm:"not null" json:"detectedAt"`
	CreatedAt         time.Time      `json:"createdAt"`
}

// TableName specifies the table name for SyncConflict
func (SyncConflict) TableName() string {
	return "sync_conflicts"
}
