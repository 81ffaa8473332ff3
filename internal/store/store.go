package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rovermatic/fieldsync/internal/database"
	"github.com/rovermatic/fieldsync/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Explicit results for store operations, so callers can branch without
// inspecting error strings.
var (
	ErrNotFound        = errors.New("entity not found")
	ErrVersionMismatch = errors.New("entity version mismatch")
)

// Store is the durable, versioned entity store. All writes go through
// Transaction so a caller-thread write and a sync-worker write can never
// interleave mid-transaction.
type Store struct {
	db *database.DB
	mu sync.Mutex
}

// New creates an entity store on top of the local database
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// Filter narrows List results
type Filter struct {
	DirtyOnly    bool
	NumberPrefix string
}

// Transaction runs fn inside one local transaction while holding the store's
// write lock. This is the single atomicity boundary the mutation recorder and
// the queue processor share: either everything fn wrote is visible after a
// crash, or none of it is.
func (s *Store) Transaction(fn func(tx *gorm.DB) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Transaction(fn)
}

// Get returns an entity, hiding tombstoned records
func (s *Store) Get(entityType, entityID string) (*models.Entity, error) {
	var entity models.Entity
	err := s.db.Where("entity_type = ? AND entity_id = ? AND deleted = ?", entityType, entityID, false).
		First(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entity %s:%s: %w", entityType, entityID, err)
	}
	return &entity, nil
}

// GetAny returns an entity including tombstones. Conflict resolution needs
// this: a delete-pending record is hidden from normal reads but must still be
// resolvable.
func (s *Store) GetAny(entityType, entityID string) (*models.Entity, error) {
	var entity models.Entity
	err := s.db.Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		First(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entity %s:%s: %w", entityType, entityID, err)
	}
	return &entity, nil
}

// List returns all live entities of a type, snapshot-consistent at call time
func (s *Store) List(entityType string, filter Filter) ([]models.Entity, error) {
	query := s.db.Where("entity_type = ? AND deleted = ?", entityType, false)
	if filter.DirtyOnly {
		query = query.Where("is_dirty = ?", true)
	}
	if filter.NumberPrefix != "" {
		query = query.Where("human_number LIKE ?", filter.NumberPrefix+"%")
	}

	var entities []models.Entity
	if err := query.Order("created_at ASC").Find(&entities).Error; err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", entityType, err)
	}
	return entities, nil
}

// PutTx inserts or updates an entity inside tx. expectedVersion is the
// caller's optimistic base: the write is rejected with ErrVersionMismatch if
// the stored SyncVersion moved past it. Local writes always mark the entity
// dirty; server-confirmed state goes through ApplyUpsertTx instead.
func (s *Store) PutTx(tx *gorm.DB, entity *models.Entity, expectedVersion int64) error {
	var existing models.Entity
	err := tx.Where("entity_type = ? AND entity_id = ?", entity.EntityType, entity.EntityID).
		First(&existing).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if expectedVersion != 0 {
			return ErrVersionMismatch
		}
		entity.SyncVersion = 0
		entity.IsDirty = true
		entity.UpdatedAt = time.Now().UTC()
		if err := tx.Create(entity).Error; err != nil {
			return fmt.Errorf("failed to insert entity: %w", err)
		}
		return nil

	case err != nil:
		return fmt.Errorf("failed to load entity for update: %w", err)
	}

	if existing.SyncVersion != expectedVersion {
		return ErrVersionMismatch
	}

	entity.SyncVersion = existing.SyncVersion // clients never advance the version
	entity.IsDirty = true
	entity.Deleted = false
	entity.CreatedAt = existing.CreatedAt
	entity.UpdatedAt = time.Now().UTC()
	if err := tx.Save(entity).Error; err != nil {
		return fmt.Errorf("failed to update entity: %w", err)
	}
	return nil
}

// DeleteTx tombstones an entity inside tx. The row survives, hidden from
// reads, until the server acknowledges the delete.
func (s *Store) DeleteTx(tx *gorm.DB, entityType, entityID string, expectedVersion int64) error {
	var existing models.Entity
	err := tx.Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load entity for delete: %w", err)
	}

	if existing.SyncVersion != expectedVersion {
		return ErrVersionMismatch
	}

	updates := map[string]interface{}{
		"deleted":    true,
		"is_dirty":   true,
		"updated_at": time.Now().UTC(),
	}
	if err := tx.Model(&models.Entity{}).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to tombstone entity: %w", err)
	}
	return nil
}

// ApplyUpsertTx writes server-confirmed state inside tx: payload and
// SyncVersion come from the server, the dirty flag clears, tombstones lift.
func (s *Store) ApplyUpsertTx(tx *gorm.DB, entityType, entityID string, payload datatypes.JSON, syncVersion int64) error {
	now := time.Now().UTC()

	var existing models.Entity
	err := tx.Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		First(&existing).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		entity := models.Entity{
			EntityType:  entityType,
			EntityID:    entityID,
			SyncVersion: syncVersion,
			HumanNumber: models.HumanNumberOf(payload),
			Payload:     payload,
			UpdatedAt:   now,
		}
		if err := tx.Create(&entity).Error; err != nil {
			return fmt.Errorf("failed to insert server entity: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load entity for server apply: %w", err)
	}

	// SyncVersion never decreases. Replaying an already-applied change is a
	// no-op, which makes retried pull pages idempotent.
	if syncVersion < existing.SyncVersion {
		return nil
	}

	updates := map[string]interface{}{
		"payload":      payload,
		"human_number": models.HumanNumberOf(payload),
		"sync_version": syncVersion,
		"is_dirty":     false,
		"deleted":      false,
		"updated_at":   now,
	}
	if err := tx.Model(&models.Entity{}).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to apply server entity: %w", err)
	}
	return nil
}

// ApplyFieldsTx applies server-corrected fields after a push, e.g. a
// renumbered human-facing identifier. Version bumps to the server value, the
// dirty flag is left alone unless clearDirty is set.
func (s *Store) ApplyFieldsTx(tx *gorm.DB, entityType, entityID string, syncVersion int64, payload datatypes.JSON, humanNumber string, clearDirty bool) error {
	updates := map[string]interface{}{
		"sync_version": syncVersion,
		"updated_at":   time.Now().UTC(),
	}
	if payload != nil {
		updates["payload"] = payload
		if n := models.HumanNumberOf(payload); n != "" {
			updates["human_number"] = n
		}
	}
	if humanNumber != "" {
		updates["human_number"] = humanNumber
	}
	if clearDirty {
		updates["is_dirty"] = false
	}
	err := tx.Model(&models.Entity{}).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to apply server fields: %w", err)
	}
	return nil
}

// ApplyDeleteTx marks a server-side delete inside tx. The tombstone stays
// (hidden from reads); replays are no-ops.
func (s *Store) ApplyDeleteTx(tx *gorm.DB, entityType, entityID string, syncVersion int64) error {
	updates := map[string]interface{}{
		"deleted":      true,
		"is_dirty":     false,
		"sync_version": syncVersion,
		"updated_at":   time.Now().UTC(),
	}
	err := tx.Model(&models.Entity{}).
		Where("entity_type = ? AND entity_id = ? AND sync_version <= ?", entityType, entityID, syncVersion).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to apply server delete: %w", err)
	}
	return nil
}

// PurgeTx removes a tombstone once the server has acknowledged the delete
func (s *Store) PurgeTx(tx *gorm.DB, entityType, entityID string) error {
	err := tx.Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Delete(&models.Entity{}).Error
	if err != nil {
		return fmt.Errorf("failed to purge entity: %w", err)
	}
	return nil
}
