package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rovermatic/fieldsync/internal/database"
	"github.com/rovermatic/fieldsync/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func newTestQueue(t *testing.T) (*Queue, *database.DB) {
	t.Helper()
	db, err := database.ConnectMemory()
	if err != nil {
		t.Fatalf("Failed to open in-memory store: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Failed to migrate schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), db
}

func enqueue(t *testing.T, q *Queue, db *database.DB, entityID string, op models.Operation, payload string, baseVersion int64) (*models.QueueItem, bool) {
	t.Helper()
	var item *models.QueueItem
	var elided bool
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		var data datatypes.JSON
		if payload != "" {
			data = datatypes.JSON(payload)
		}
		item, elided, err = q.EnqueueTx(tx, models.KindEquipment, entityID, op, data, baseVersion, 5)
		return err
	})
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	return item, elided
}

func TestCoalescing(t *testing.T) {
	q, db := newTestQueue(t)

	first, _ := enqueue(t, q, db, "eq-1", models.OpInsert, `{"name":"v1"}`, 0)
	second, _ := enqueue(t, q, db, "eq-1", models.OpUpdate, `{"name":"v2"}`, 0)

	// Still one item, same identity, newer snapshot
	if second.QueueID != first.QueueID {
		t.Error("A newer mutation should coalesce into the existing pending item")
	}
	if string(second.Payload) != `{"name":"v2"}` {
		t.Errorf("Coalesced item should carry the latest snapshot, got %s", second.Payload)
	}
	if second.Operation != models.OpInsert {
		t.Errorf("Insert followed by update stays an Insert, got %s", second.Operation)
	}

	pending, _, err := q.Counts()
	if err != nil {
		t.Fatalf("Failed to count: %v", err)
	}
	if pending != 1 {
		t.Errorf("Expected exactly one pending item per entity, got %d", pending)
	}
}

func TestDeleteWinsCoalescing(t *testing.T) {
	q, db := newTestQueue(t)

	// Update then delete: the item becomes a Delete
	enqueue(t, q, db, "eq-1", models.OpUpdate, `{"name":"v1"}`, 3)
	item, elided := enqueue(t, q, db, "eq-1", models.OpDelete, "", 3)
	if elided {
		t.Fatal("Update+delete must not be elided; the server knows the entity")
	}
	if item.Operation != models.OpDelete {
		t.Errorf("Delete should win coalescing, got %s", item.Operation)
	}
	if item.Payload != nil {
		t.Errorf("Delete items carry no payload, got %s", item.Payload)
	}

	// A mutation after a pending delete is discarded
	after, _ := enqueue(t, q, db, "eq-1", models.OpUpdate, `{"name":"resurrect"}`, 3)
	if after.Operation != models.OpDelete {
		t.Error("Pending delete is final; later updates must be discarded")
	}
}

func TestInsertThenDeleteElides(t *testing.T) {
	q, db := newTestQueue(t)

	enqueue(t, q, db, "eq-1", models.OpInsert, `{"name":"v1"}`, 0)
	item, elided := enqueue(t, q, db, "eq-1", models.OpDelete, "", 0)

	// The server never saw this entity, so there is nothing to tell it
	if !elided {
		t.Fatal("Deleting a never-pushed insert should elide the queue item")
	}
	if item != nil {
		t.Error("Elided enqueue should return no item")
	}

	pending, _, err := q.Counts()
	if err != nil {
		t.Fatalf("Failed to count: %v", err)
	}
	if pending != 0 {
		t.Errorf("Expected empty queue after elision, got %d pending", pending)
	}
}

func TestPeekOrdering(t *testing.T) {
	q, db := newTestQueue(t)

	err := db.Transaction(func(tx *gorm.DB) error {
		if _, _, err := q.EnqueueTx(tx, models.KindEquipment, "eq-1", models.OpInsert,
			datatypes.JSON(`{}`), 0, 5); err != nil {
			return err
		}
		// Manifests carry a higher priority (lower number)
		_, _, err := q.EnqueueTx(tx, models.KindManifest, "man-1", models.OpInsert,
			datatypes.JSON(`{}`), 0, 3)
		return err
	})
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	items, err := q.Peek(10)
	if err != nil {
		t.Fatalf("Failed to peek: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(items))
	}
	if items[0].EntityID != "man-1" {
		t.Errorf("Higher-priority item should come first, got %s", items[0].EntityID)
	}
}

func TestPeekSkipsConflictedEntities(t *testing.T) {
	q, db := newTestQueue(t)

	enqueue(t, q, db, "eq-1", models.OpUpdate, `{"name":"a"}`, 1)
	enqueue(t, q, db, "eq-2", models.OpUpdate, `{"name":"b"}`, 1)

	// eq-1 has an unresolved conflict
	conflict := models.SyncConflict{
		ConflictID: uuid.New().String(),
		EntityType: models.KindEquipment,
		EntityID:   "eq-1",
		Source:     models.ConflictSourcePush,
		DetectedAt: time.Now().UTC(),
	}
	if err := db.Create(&conflict).Error; err != nil {
		t.Fatalf("Failed to record conflict: %v", err)
	}

	items, err := q.Peek(10)
	if err != nil {
		t.Fatalf("Failed to peek: %v", err)
	}
	if len(items) != 1 || items[0].EntityID != "eq-2" {
		t.Fatalf("A conflict on eq-1 must not hold back eq-2, got %d items", len(items))
	}
}

func TestBackoffScheduling(t *testing.T) {
	q, db := newTestQueue(t)

	item, _ := enqueue(t, q, db, "eq-1", models.OpUpdate, `{"name":"a"}`, 1)

	if err := q.MarkFailed(item.QueueID, "connection refused", true); err != nil {
		t.Fatalf("Failed to mark failed: %v", err)
	}

	// Inside the backoff window the item is not ready
	items, err := q.Peek(10)
	if err != nil {
		t.Fatalf("Failed to peek: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("Item inside its backoff window should not be peeked, got %d", len(items))
	}

	var stored models.QueueItem
	if err := db.Where("queue_id = ?", item.QueueID).First(&stored).Error; err != nil {
		t.Fatalf("Failed to reload item: %v", err)
	}
	if stored.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", stored.Attempts)
	}
	if stored.Status != models.QueuePending {
		t.Errorf("Retryable failure should stay pending, got %s", stored.Status)
	}
	if !stored.ScheduledAt.After(time.Now().UTC().Add(3 * time.Second)) {
		t.Error("First retry should be scheduled about 5s out")
	}
}

func TestAttemptBudgetExhaustion(t *testing.T) {
	q, db := newTestQueue(t)

	item, _ := enqueue(t, q, db, "eq-1", models.OpUpdate, `{"name":"a"}`, 1)

	for i := 0; i < models.MaxAttempts; i++ {
		if err := q.MarkFailed(item.QueueID, "connection refused", true); err != nil {
			t.Fatalf("Failed to mark attempt %d: %v", i+1, err)
		}
	}

	var stored models.QueueItem
	if err := db.Where("queue_id = ?", item.QueueID).First(&stored).Error; err != nil {
		t.Fatalf("Failed to reload item: %v", err)
	}
	if stored.Status != models.QueueFailed {
		t.Errorf("Item should be terminally failed after %d attempts, got %s", models.MaxAttempts, stored.Status)
	}

	// Terminal items never come back without user action
	items, _ := q.Peek(10)
	if len(items) != 0 {
		t.Error("Failed items must not be peeked")
	}

	// User retry resets the budget
	if err := q.RetryFailed(item.QueueID); err != nil {
		t.Fatalf("Failed to retry: %v", err)
	}
	items, _ = q.Peek(10)
	if len(items) != 1 {
		t.Errorf("Retried item should be pending again, got %d", len(items))
	}
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	q, db := newTestQueue(t)

	item, _ := enqueue(t, q, db, "eq-1", models.OpUpdate, `{"name":"a"}`, 1)

	if err := q.MarkFailed(item.QueueID, "missing required field", false); err != nil {
		t.Fatalf("Failed to mark failed: %v", err)
	}

	var stored models.QueueItem
	if err := db.Where("queue_id = ?", item.QueueID).First(&stored).Error; err != nil {
		t.Fatalf("Failed to reload item: %v", err)
	}
	if stored.Status != models.QueueFailed {
		t.Errorf("Permanent failure should skip the retry budget, got %s", stored.Status)
	}
	if stored.LastError != "missing required field" {
		t.Errorf("Expected cause to be recorded, got %q", stored.LastError)
	}
}

func TestDiscardAndClear(t *testing.T) {
	q, db := newTestQueue(t)

	item, _ := enqueue(t, q, db, "eq-1", models.OpUpdate, `{"name":"a"}`, 1)
	done, _ := enqueue(t, q, db, "eq-2", models.OpUpdate, `{"name":"b"}`, 1)

	if err := q.MarkFailed(item.QueueID, "bad", false); err != nil {
		t.Fatalf("Failed to mark failed: %v", err)
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		return q.MarkCompletedTx(tx, done.QueueID)
	})
	if err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}

	if err := q.DiscardFailed(item.QueueID); err != nil {
		t.Fatalf("Failed to discard: %v", err)
	}
	if err := q.DiscardFailed(item.QueueID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Discarding twice should report not found, got: %v", err)
	}

	if err := q.ClearCompleted(); err != nil {
		t.Fatalf("Failed to clear completed: %v", err)
	}

	pending, failed, err := q.Counts()
	if err != nil {
		t.Fatalf("Failed to count: %v", err)
	}
	if pending != 0 || failed != 0 {
		t.Errorf("Queue should be empty, got %d pending / %d failed", pending, failed)
	}
}
