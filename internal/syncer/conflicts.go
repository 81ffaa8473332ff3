package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/rovermatic/fieldsync/internal/database"
	"github.com/rovermatic/fieldsync/internal/models"
	"github.com/rovermatic/fieldsync/internal/queue"
	"github.com/rovermatic/fieldsync/internal/recorder"
	"github.com/rovermatic/fieldsync/internal/store"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrConflictNotFound is returned when resolving an unknown conflict
var ErrConflictNotFound = errors.New("conflict not found")

// Resolver detects and resolves disagreements between the local and server
// copy of an entity. A conflict is never auto-resolved: it pauses sync for
// its entity (and only its entity) until the user picks UseLocal, UseServer
// or supplies a merged payload.
type Resolver struct {
	db       *database.DB
	store    *store.Store
	queue    *queue.Queue
	recorder *recorder.Recorder
	client   *Client // nil when the server cannot be reached; forwarding is best-effort
}

// NewResolver creates a conflict resolver
func NewResolver(db *database.DB, s *store.Store, q *queue.Queue, r *recorder.Recorder, c *Client) *Resolver {
	return &Resolver{db: db, store: s, queue: q, recorder: r, client: c}
}

// RecordTx stores a detected conflict inside tx. One conflict exists per
// entity: re-detection refreshes the server snapshot instead of stacking a
// second row.
func (r *Resolver) RecordTx(tx *gorm.DB, entityType, entityID, queueID string, localData, serverData json.RawMessage, serverVersion int64, source models.ConflictSource) error {
	now := time.Now().UTC()

	var existing models.SyncConflict
	err := tx.Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		First(&existing).Error
	if err == nil {
		updates := map[string]interface{}{
			"server_data":         datatypes.JSON(serverData),
			"server_sync_version": serverVersion,
			"detected_at":         now,
		}
		if err := tx.Model(&models.SyncConflict{}).
			Where("conflict_id = ?", existing.ConflictID).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to refresh conflict: %w", err)
		}
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to look up conflict: %w", err)
	}

	conflict := models.SyncConflict{
		ConflictID:        uuid.New().String(),
		EntityType:        entityType,
		EntityID:          entityID,
		LocalData:         datatypes.JSON(localData),
		ServerData:        datatypes.JSON(serverData),
		ServerSyncVersion: serverVersion,
		QueueID:           queueID,
		Source:            source,
		DetectedAt:        now,
	}
	if err := tx.Create(&conflict).Error; err != nil {
		return fmt.Errorf("failed to record conflict: %w", err)
	}
	return nil
}

// Pending returns all unresolved conflicts, oldest first
func (r *Resolver) Pending() ([]models.SyncConflict, error) {
	var conflicts []models.SyncConflict
	if err := r.db.Order("detected_at ASC").Find(&conflicts).Error; err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	return conflicts, nil
}

// Count returns the number of unresolved conflicts
func (r *Resolver) Count() (int64, error) {
	var n int64
	if err := r.db.Model(&models.SyncConflict{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count conflicts: %w", err)
	}
	return n, nil
}

// Get returns one conflict by id
func (r *Resolver) Get(conflictID string) (*models.SyncConflict, error) {
	var conflict models.SyncConflict
	err := r.db.Where("conflict_id = ?", conflictID).First(&conflict).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConflictNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conflict: %w", err)
	}
	return &conflict, nil
}

// Resolve applies the user's decision and removes the conflict, unblocking
// sync for the entity. mergedData is required for Merged and ignored
// otherwise.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, resolution models.Resolution, mergedData json.RawMessage) error {
	conflict, err := r.Get(conflictID)
	if err != nil {
		return err
	}

	switch resolution {
	case models.ResolveUseServer:
		err = r.resolveUseServer(conflict)
	case models.ResolveUseLocal:
		err = r.resolveUseLocal(conflict)
	case models.ResolveMerged:
		err = r.resolveMerged(conflict, mergedData)
	default:
		return fmt.Errorf("unknown resolution %q", resolution)
	}
	if err != nil {
		return err
	}

	// Tell the server which way the user went. Local state is already
	// consistent, so a failure here only costs the server its audit trail.
	if r.client != nil {
		if err := r.client.ResolveConflict(ctx, conflictID, resolution, mergedData); err != nil {
			log.Printf("⚠️ Conflict %s: could not forward resolution to server: %v", conflictID, err)
		}
	}
	return nil
}

// resolveUseServer discards local edits: the server snapshot is applied, the
// originating queue item completes without re-pushing.
func (r *Resolver) resolveUseServer(conflict *models.SyncConflict) error {
	return r.store.Transaction(func(tx *gorm.DB) error {
		if len(conflict.ServerData) == 0 || string(conflict.ServerData) == "null" {
			// The server side no longer has the entity
			if err := r.store.ApplyDeleteTx(tx, conflict.EntityType, conflict.EntityID, conflict.ServerSyncVersion); err != nil {
				return err
			}
		} else {
			if err := r.store.ApplyUpsertTx(tx, conflict.EntityType, conflict.EntityID,
				datatypes.JSON(conflict.ServerData), conflict.ServerSyncVersion); err != nil {
				return err
			}
		}

		if conflict.QueueID != "" {
			if err := r.queue.MarkCompletedTx(tx, conflict.QueueID); err != nil && !errors.Is(err, queue.ErrNotFound) {
				return err
			}
		}
		return r.removeTx(tx, conflict.ConflictID)
	})
}

// resolveUseLocal keeps the local snapshot and rebases the pending item onto
// the server's current version, so the next push is accepted instead of
// bouncing again.
func (r *Resolver) resolveUseLocal(conflict *models.SyncConflict) error {
	return r.store.Transaction(func(tx *gorm.DB) error {
		if conflict.QueueID != "" {
			if err := r.queue.RebaseTx(tx, conflict.QueueID, conflict.ServerSyncVersion); err != nil && !errors.Is(err, queue.ErrNotFound) {
				return err
			}
		}
		return r.removeTx(tx, conflict.ConflictID)
	})
}

// resolveMerged treats the merged payload as a fresh update: the entity's
// base moves to the server version, the mutation re-enters the recorder and
// is subject to the same conflict detection as any other edit.
func (r *Resolver) resolveMerged(conflict *models.SyncConflict, mergedData json.RawMessage) error {
	if len(mergedData) == 0 {
		return fmt.Errorf("%w: merged resolution requires a payload", recorder.ErrInvalidPayload)
	}

	err := r.store.Transaction(func(tx *gorm.DB) error {
		return r.store.ApplyFieldsTx(tx, conflict.EntityType, conflict.EntityID,
			conflict.ServerSyncVersion, nil, "", false)
	})
	if err != nil {
		return err
	}

	if _, err := r.recorder.Update(conflict.EntityType, conflict.EntityID, mergedData); err != nil {
		return err
	}

	return r.store.Transaction(func(tx *gorm.DB) error {
		return r.removeTx(tx, conflict.ConflictID)
	})
}

func (r *Resolver) removeTx(tx *gorm.DB, conflictID string) error {
	if err := tx.Where("conflict_id = ?", conflictID).
		Delete(&models.SyncConflict{}).Error; err != nil {
		return fmt.Errorf("failed to remove conflict: %w", err)
	}
	return nil
}
