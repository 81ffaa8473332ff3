package models

import "time"

// SyncCursor is the per-device delta-sync high-water mark. Exactly one row
// exists per installation; it is created on first run and only ever advances.
type SyncCursor struct {
	DeviceID        string     `gorm:"primaryKey;type:varchar(36)" json:"deviceId"`
	LastSyncVersion int64      `gorm:"not null;default:0" json:"lastSyncVersion"`
	LastFullSyncAt  *time.Time `json:"lastFullSyncAt,omitempty"`
	LastDeltaSyncAt *time.Time `json:"lastDeltaSyncAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// TableName specifies the table name for SyncCursor
func (SyncCursor) TableName() string {
	return "sync_cursors"
}
