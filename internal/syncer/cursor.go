package syncer

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rovermatic/fieldsync/internal/database"
	"github.com/rovermatic/fieldsync/internal/models"

	"gorm.io/gorm"
)

// Cursors manages the per-device delta-sync high-water mark
type Cursors struct {
	db *database.DB
}

// NewCursors creates the cursor repository
func NewCursors(db *database.DB) *Cursors {
	return &Cursors{db: db}
}

// Ensure loads the device cursor, creating it on first run. An empty deviceID
// means a fresh installation: one is generated and persisted with the cursor.
func (c *Cursors) Ensure(deviceID string) (*models.SyncCursor, error) {
	if deviceID == "" {
		var existing models.SyncCursor
		err := c.db.Order("created_at ASC").First(&existing).Error
		if err == nil {
			return &existing, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to load sync cursor: %w", err)
		}
		deviceID = uuid.New().String()
	}

	var cursor models.SyncCursor
	err := c.db.Where("device_id = ?", deviceID).First(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// One cursor per installation. Silently adopting a new device id
		// would orphan the delta baseline, so a mismatch fails loudly.
		var other models.SyncCursor
		otherErr := c.db.Order("created_at ASC").First(&other).Error
		if otherErr == nil {
			return nil, fmt.Errorf("device identity mismatch: this installation is registered as %s, refusing to re-register as %s", other.DeviceID, deviceID)
		}
		if !errors.Is(otherErr, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to load sync cursor: %w", otherErr)
		}
		cursor = models.SyncCursor{DeviceID: deviceID}
		if err := c.db.Create(&cursor).Error; err != nil {
			return nil, fmt.Errorf("failed to create sync cursor: %w", err)
		}
		return &cursor, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync cursor: %w", err)
	}
	return &cursor, nil
}

// Get returns the cursor for a device
func (c *Cursors) Get(deviceID string) (*models.SyncCursor, error) {
	var cursor models.SyncCursor
	if err := c.db.Where("device_id = ?", deviceID).First(&cursor).Error; err != nil {
		return nil, fmt.Errorf("failed to load sync cursor: %w", err)
	}
	return &cursor, nil
}

// AdvanceTx moves the high-water mark forward inside tx. The cursor is
// monotonic: a version at or below the current mark is ignored, so a retried
// or reordered page can never regress it.
func (c *Cursors) AdvanceTx(tx *gorm.DB, deviceID string, version int64) error {
	err := tx.Model(&models.SyncCursor{}).
		Where("device_id = ? AND last_sync_version < ?", deviceID, version).
		Update("last_sync_version", version).Error
	if err != nil {
		return fmt.Errorf("failed to advance sync cursor: %w", err)
	}
	return nil
}

// MarkSynced stamps the completion time of a delta (or full) sync cycle
func (c *Cursors) MarkSynced(deviceID string, full bool) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{"last_delta_sync_at": now}
	if full {
		updates["last_full_sync_at"] = now
	}
	err := c.db.Model(&models.SyncCursor{}).
		Where("device_id = ?", deviceID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to stamp sync time: %w", err)
	}
	return nil
}
