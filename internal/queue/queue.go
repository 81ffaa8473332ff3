package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rovermatic/fieldsync/internal/database"
	"github.com/rovermatic/fieldsync/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a queue item does not exist
var ErrNotFound = errors.New("queue item not found")

// Queue is the durable, ordered log of pending local mutations. Writes that
// must be atomic with an entity write take the caller's transaction (the *Tx
// variants); standalone maintenance operations run on the queue's own handle.
type Queue struct {
	db *database.DB
}

// New creates an offline queue on top of the local database
func New(db *database.DB) *Queue {
	return &Queue{db: db}
}

// backoffDelay is the scheduled retry delay after the given attempt count.
// Attempts 4 and 5 run on the regular sync cycle without extra delay.
func backoffDelay(attempts int) time.Duration {
	switch attempts {
	case 1:
		return 5 * time.Second
	case 2:
		return 15 * time.Second
	case 3:
		return 45 * time.Second
	default:
		return 0
	}
}

// EnqueueTx appends or coalesces a mutation inside tx. At most one pending
// item exists per entity: a newer mutation replaces the snapshot in place.
// Delete always wins coalescing; updates after a pending delete are discarded.
// When a pending Insert is deleted before ever reaching the server, the item
// is elided entirely (the server has nothing to delete) and the caller is
// expected to purge the local row.
func (q *Queue) EnqueueTx(tx *gorm.DB, entityType, entityID string, op models.Operation, payload datatypes.JSON, baseVersion int64, priority int) (item *models.QueueItem, elided bool, err error) {
	var existing models.QueueItem
	findErr := tx.Where("entity_type = ? AND entity_id = ? AND status = ?",
		entityType, entityID, models.QueuePending).
		First(&existing).Error

	if findErr == nil {
		// Pending delete is final: later updates to the entity are discarded.
		if existing.Operation == models.OpDelete {
			return &existing, false, nil
		}

		if op == models.OpDelete && existing.Operation == models.OpInsert {
			if err := tx.Delete(&models.QueueItem{}, "queue_id = ?", existing.QueueID).Error; err != nil {
				return nil, false, fmt.Errorf("failed to elide insert+delete: %w", err)
			}
			return nil, true, nil
		}

		updates := map[string]interface{}{
			"payload":           payload,
			"base_sync_version": baseVersion,
			"last_error":        "",
		}
		if op == models.OpDelete {
			updates["operation"] = models.OpDelete
			updates["payload"] = nil
		}
		if err := tx.Model(&models.QueueItem{}).
			Where("queue_id = ?", existing.QueueID).
			Updates(updates).Error; err != nil {
			return nil, false, fmt.Errorf("failed to coalesce queue item: %w", err)
		}
		if err := tx.Where("queue_id = ?", existing.QueueID).First(&existing).Error; err != nil {
			return nil, false, fmt.Errorf("failed to reload queue item: %w", err)
		}
		return &existing, false, nil
	}
	if !errors.Is(findErr, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("failed to look up pending queue item: %w", findErr)
	}

	now := time.Now().UTC()
	next := models.QueueItem{
		QueueID:         uuid.New().String(),
		EntityType:      entityType,
		EntityID:        entityID,
		Operation:       op,
		Payload:         payload,
		BaseSyncVersion: baseVersion,
		Status:          models.QueuePending,
		Priority:        priority,
		ScheduledAt:     now,
		CreatedAt:       now,
	}
	if op == models.OpDelete {
		next.Payload = nil
	}
	if err := tx.Create(&next).Error; err != nil {
		return nil, false, fmt.Errorf("failed to enqueue mutation: %w", err)
	}
	return &next, false, nil
}

// Peek returns up to batch pending items ready to push, ordered by
// (priority, created_at). Items still inside their backoff window and items
// whose entity has an unresolved conflict are skipped; a conflict on entity A
// never holds back entity B.
func (q *Queue) Peek(batch int) ([]models.QueueItem, error) {
	var items []models.QueueItem
	err := q.db.
		Where("status = ? AND scheduled_at <= ?", models.QueuePending, time.Now().UTC()).
		Where("NOT EXISTS (SELECT 1 FROM sync_conflicts c WHERE c.entity_type = sync_queue.entity_type AND c.entity_id = sync_queue.entity_id)").
		Order("priority ASC, created_at ASC").
		Limit(batch).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to peek queue: %w", err)
	}
	return items, nil
}

// PendingForEntityTx returns the pending item for an entity inside tx, or
// ErrNotFound. Pull apply uses this to detect incoming-change conflicts.
func (q *Queue) PendingForEntityTx(tx *gorm.DB, entityType, entityID string) (*models.QueueItem, error) {
	var item models.QueueItem
	err := tx.Where("entity_type = ? AND entity_id = ? AND status = ?",
		entityType, entityID, models.QueuePending).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up pending item: %w", err)
	}
	return &item, nil
}

// MarkCompletedTx marks an item confirmed by the server inside tx
func (q *Queue) MarkCompletedTx(tx *gorm.DB, queueID string) error {
	now := time.Now().UTC()
	res := tx.Model(&models.QueueItem{}).
		Where("queue_id = ?", queueID).
		Updates(map[string]interface{}{
			"status":          models.QueueCompleted,
			"last_attempt_at": now,
			"last_error":      "",
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark item completed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailedTx records a failed attempt inside tx. Retryable failures are
// rescheduled with backoff until the attempt budget runs out; permanent
// failures (validation, serialization) skip the budget and fail immediately.
// A failed item is terminal until the user retries or discards it, and never
// blocks other items.
func (q *Queue) MarkFailedTx(tx *gorm.DB, queueID string, cause string, retryable bool) error {
	var item models.QueueItem
	err := tx.Where("queue_id = ?", queueID).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load queue item: %w", err)
	}

	now := time.Now().UTC()
	attempts := item.Attempts + 1

	updates := map[string]interface{}{
		"attempts":        attempts,
		"last_attempt_at": now,
		"last_error":      cause,
	}
	if !retryable || attempts >= models.MaxAttempts {
		updates["status"] = models.QueueFailed
	} else {
		updates["scheduled_at"] = now.Add(backoffDelay(attempts))
	}

	if err := tx.Model(&models.QueueItem{}).
		Where("queue_id = ?", queueID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to mark item failed: %w", err)
	}
	return nil
}

// MarkFailed is MarkFailedTx on the queue's own handle
func (q *Queue) MarkFailed(queueID string, cause string, retryable bool) error {
	return q.MarkFailedTx(q.db.DB, queueID, cause, retryable)
}

// RebaseTx bumps a pending item's base version to the server's current one,
// so its next push is accepted instead of rejected again (UseLocal resolution)
func (q *Queue) RebaseTx(tx *gorm.DB, queueID string, baseVersion int64) error {
	res := tx.Model(&models.QueueItem{}).
		Where("queue_id = ? AND status = ?", queueID, models.QueuePending).
		Updates(map[string]interface{}{
			"base_sync_version": baseVersion,
			"scheduled_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to rebase queue item: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RetryFailed puts a terminally failed item back in the pending state with a
// fresh attempt budget. User-initiated.
func (q *Queue) RetryFailed(queueID string) error {
	res := q.db.Model(&models.QueueItem{}).
		Where("queue_id = ? AND status = ?", queueID, models.QueueFailed).
		Updates(map[string]interface{}{
			"status":       models.QueuePending,
			"attempts":     0,
			"last_error":   "",
			"scheduled_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to retry item: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DiscardFailed drops a terminally failed item. User-initiated.
func (q *Queue) DiscardFailed(queueID string) error {
	res := q.db.Where("queue_id = ? AND status = ?", queueID, models.QueueFailed).
		Delete(&models.QueueItem{})
	if res.Error != nil {
		return fmt.Errorf("failed to discard item: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearCompleted garbage-collects finished items. Completed items carry no
// further obligation, so this is safe to run at any time.
func (q *Queue) ClearCompleted() error {
	if err := q.db.Where("status = ?", models.QueueCompleted).
		Delete(&models.QueueItem{}).Error; err != nil {
		return fmt.Errorf("failed to clear completed items: %w", err)
	}
	return nil
}

// Counts returns the number of pending and terminally failed items
func (q *Queue) Counts() (pending int64, failed int64, err error) {
	if err = q.db.Model(&models.QueueItem{}).
		Where("status = ?", models.QueuePending).
		Count(&pending).Error; err != nil {
		return 0, 0, fmt.Errorf("failed to count pending items: %w", err)
	}
	if err = q.db.Model(&models.QueueItem{}).
		Where("status = ?", models.QueueFailed).
		Count(&failed).Error; err != nil {
		return 0, 0, fmt.Errorf("failed to count failed items: %w", err)
	}
	return pending, failed, nil
}

// Failed lists terminally failed items for user inspection
func (q *Queue) Failed() ([]models.QueueItem, error) {
	var items []models.QueueItem
	err := q.db.Where("status = ?", models.QueueFailed).
		Order("created_at ASC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list failed items: %w", err)
	}
	return items, nil
}
