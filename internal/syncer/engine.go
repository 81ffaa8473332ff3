package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/rovermatic/fieldsync/internal/config"
	"github.com/rovermatic/fieldsync/internal/database"
	"github.com/rovermatic/fieldsync/internal/models"
	"github.com/rovermatic/fieldsync/internal/queue"
	"github.com/rovermatic/fieldsync/internal/store"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrEngineStopped is returned when a sync is requested after shutdown
var ErrEngineStopped = errors.New("sync engine stopped")

// Engine is the background queue processor. One worker goroutine drives sync
// cycles, so only one cycle is ever in flight; triggers arriving while a
// cycle runs coalesce into a single follow-up run. Triggers: the auto-sync
// ticker, a connectivity-regained event, and manual TriggerSync.
type Engine struct {
	mu sync.RWMutex

	db       *database.DB
	store    *store.Store
	queue    *queue.Queue
	resolver *Resolver
	client   *Client
	cursors  *Cursors
	cfg      *config.SyncConfig
	deviceID string

	entityTypes []string

	// State
	isRunning  bool
	isStopped  bool
	isSyncing  bool
	isOnline   bool
	lastSyncAt time.Time
	lastError  string

	// Channels
	stopChan chan struct{}
	kickChan chan string      // coalesced fire-and-forget triggers
	syncChan chan syncRequest // manual requests wanting a result

	baseCtx context.Context
	cancel  context.CancelFunc
}

type syncRequest struct {
	reply chan SyncResult
}

// NewEngine creates a queue processor
func NewEngine(db *database.DB, s *store.Store, q *queue.Queue, r *Resolver, c *Client, cur *Cursors, cfg *config.SyncConfig, deviceID string) *Engine {
	entityTypes := cfg.EntityTypes
	if len(entityTypes) == 0 {
		entityTypes = models.Kinds()
	}

	return &Engine{
		db:          db,
		store:       s,
		queue:       q,
		resolver:    r,
		client:      c,
		cursors:     cur,
		cfg:         cfg,
		deviceID:    deviceID,
		entityTypes: entityTypes,
		stopChan:    make(chan struct{}),
		kickChan:    make(chan string, 1),
		syncChan:    make(chan syncRequest, 8),
	}
}

// Start starts the sync worker and, if enabled, the auto-sync ticker
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isRunning {
		return fmt.Errorf("sync engine already running")
	}
	// stopChan is closed for good; a stopped engine does not come back
	if e.isStopped {
		return ErrEngineStopped
	}
	e.isRunning = true
	e.baseCtx, e.cancel = context.WithCancel(context.Background())

	log.Println("🔄 Sync engine starting...")
	go e.worker()

	if e.cfg.AutoSyncEnabled {
		go e.autoSyncLoop()
	}
	if e.cfg.SyncOnStartup {
		e.Kick("startup")
	}

	log.Println("✅ Sync engine started")
	return nil
}

// Stop stops the worker. A cycle in flight finishes its current transaction
// and aborts at the next boundary; pending items and the cursor are left
// untouched.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.isRunning {
		return
	}
	log.Println("🛑 Stopping sync engine...")
	e.isRunning = false
	e.isStopped = true
	e.cancel()
	close(e.stopChan)
	log.Println("✅ Sync engine stopped")
}

// Kick schedules a sync cycle without waiting for its result. Kicks while a
// cycle is in flight coalesce into one follow-up run.
func (e *Engine) Kick(reason string) {
	select {
	case e.kickChan <- reason:
	default:
		// a run is already scheduled
	}
}

// SetOnline records connectivity. The offline→online transition triggers a
// sync cycle.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	wasOnline := e.isOnline
	e.isOnline = online
	e.mu.Unlock()

	if online && !wasOnline {
		log.Println("📡 Connectivity regained")
		e.Kick("connectivity")
	}
}

// TriggerSync runs a sync cycle and waits for its result. If a cycle is
// already in flight, the request runs right after it finishes.
func (e *Engine) TriggerSync(ctx context.Context) (SyncResult, error) {
	req := syncRequest{reply: make(chan SyncResult, 1)}

	select {
	case e.syncChan <- req:
	case <-e.stopChan:
		return SyncResult{}, ErrEngineStopped
	case <-ctx.Done():
		return SyncResult{}, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res, res.Err
	case <-e.stopChan:
		return SyncResult{}, ErrEngineStopped
	case <-ctx.Done():
		// The cycle keeps running; the caller just stops waiting.
		return SyncResult{}, ctx.Err()
	}
}

// Status reports the queryable engine state
func (e *Engine) Status() (SyncStatus, error) {
	pending, failed, err := e.queue.Counts()
	if err != nil {
		return SyncStatus{}, err
	}
	conflicts, err := e.resolver.Count()
	if err != nil {
		return SyncStatus{}, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	status := SyncStatus{
		PendingCount:  pending,
		FailedCount:   failed,
		ConflictCount: conflicts,
		LastError:     e.lastError,
		IsSyncing:     e.isSyncing,
		IsOnline:      e.isOnline,
	}
	if !e.lastSyncAt.IsZero() {
		t := e.lastSyncAt
		status.LastSyncAt = &t
	}
	return status, nil
}

// worker processes sync triggers one at a time
func (e *Engine) worker() {
	for {
		select {
		case req := <-e.syncChan:
			req.reply <- e.runCycle(e.baseCtx)
		case reason := <-e.kickChan:
			log.Printf("🔄 Sync triggered (%s)", reason)
			e.runCycle(e.baseCtx)
		case <-e.stopChan:
			return
		}
	}
}

// autoSyncLoop triggers a cycle on the configured interval
func (e *Engine) autoSyncLoop() {
	ticker := time.NewTicker(e.cfg.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Kick("timer")
		case <-e.stopChan:
			return
		}
	}
}

// runCycle performs one full sync cycle: push pending mutations, then pull
// server changes, then garbage-collect the queue. Push precedes Pull so this
// device's own edits are offered before incoming state can land on top of
// them.
func (e *Engine) runCycle(ctx context.Context) SyncResult {
	e.mu.Lock()
	e.isSyncing = true
	e.mu.Unlock()

	start := time.Now()
	result := SyncResult{}

	err := e.pushPending(ctx, &result)
	if err == nil {
		err = e.pullChanges(ctx, &result)
	}
	if err == nil {
		if gcErr := e.queue.ClearCompleted(); gcErr != nil {
			log.Printf("⚠️ Queue GC failed: %v", gcErr)
		}
		if markErr := e.cursors.MarkSynced(e.deviceID, false); markErr != nil {
			log.Printf("⚠️ Could not stamp sync time: %v", markErr)
		}
	}

	result.Duration = time.Since(start)
	result.Err = err

	e.mu.Lock()
	e.isSyncing = false
	if err != nil {
		e.lastError = err.Error()
	} else {
		e.lastError = ""
		e.lastSyncAt = time.Now().UTC()
	}
	e.mu.Unlock()

	if err != nil {
		log.Printf("⚠️ Sync cycle failed after %v: %v", result.Duration, err)
	} else {
		log.Printf("✅ Sync cycle done in %v: %d pushed, %d pulled, %d conflicts",
			result.Duration, result.Pushed, result.Pulled, result.Conflicts)
	}
	return result
}

// pushPending drains the ready portion of the offline queue in batches
func (e *Engine) pushPending(ctx context.Context, result *SyncResult) error {
	for {
		if err := ctx.Err(); err != nil {
			return &NetworkError{Err: err}
		}

		items, err := e.queue.Peek(e.cfg.PushBatchSize)
		if err != nil {
			return &StorageError{Err: err}
		}
		if len(items) == 0 {
			return nil
		}

		resp, err := e.client.Push(ctx, items)
		if err != nil {
			// A cancelled cycle is not a delivery failure: the items stay
			// pending with their attempt counts untouched and the next cycle
			// picks them up again.
			if ctxErr := ctx.Err(); ctxErr != nil {
				return &NetworkError{Err: ctxErr}
			}
			// Transport-level failure covers the whole batch: every item
			// records an attempt and reschedules, then the cycle aborts.
			var netErr *NetworkError
			if errors.As(err, &netErr) {
				for _, item := range items {
					if markErr := e.queue.MarkFailed(item.QueueID, netErr.Error(), true); markErr != nil {
						log.Printf("⚠️ Could not record failed attempt for %s: %v", item.QueueID, markErr)
					}
				}
			}
			return err
		}

		if err := e.applyPushOutcome(items, resp, result); err != nil {
			return err
		}

		// A batch that settled nothing would be re-peeked verbatim; stop
		// instead of hammering the server within one cycle.
		if len(resp.Applied)+len(resp.Conflicts)+len(resp.Rejected) == 0 {
			log.Printf("⚠️ Push response settled none of %d offered changes", len(items))
			return nil
		}

		if len(items) < e.cfg.PushBatchSize {
			return nil
		}
	}
}

// applyPushOutcome settles one pushed batch in a single local transaction
func (e *Engine) applyPushOutcome(items []models.QueueItem, resp *PushResponse, result *SyncResult) error {
	byEntity := make(map[string]models.QueueItem, len(items))
	for _, item := range items {
		byEntity[item.EntityType+"/"+item.EntityID] = item
	}

	err := e.store.Transaction(func(tx *gorm.DB) error {
		for _, applied := range resp.Applied {
			item, ok := byEntity[applied.EntityType+"/"+applied.EntityID]
			if !ok {
				continue
			}
			if err := e.completePushedItemTx(tx, item, applied); err != nil {
				return err
			}
			result.Pushed++
		}

		for _, pc := range resp.Conflicts {
			item, ok := byEntity[pc.EntityType+"/"+pc.EntityID]
			if !ok {
				continue
			}
			// The item stays pending; the conflict row keeps it out of Peek
			// until the user resolves it.
			if err := e.resolver.RecordTx(tx, pc.EntityType, pc.EntityID, item.QueueID,
				pc.LocalData, pc.ServerData, pc.ServerSyncVersion, models.ConflictSourcePush); err != nil {
				return err
			}
			result.Conflicts++
		}

		for _, rej := range resp.Rejected {
			item, ok := byEntity[rej.EntityType+"/"+rej.EntityID]
			if !ok {
				continue
			}
			verr := &ValidationError{Err: errors.New(rej.Error)}
			if err := e.queue.MarkFailedTx(tx, item.QueueID, verr.Error(), false); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &StorageError{Err: err}
	}
	return nil
}

// completePushedItemTx finishes one accepted push. If the entity was mutated
// again while the push was in flight, the coalesced queue item must survive:
// it is rebased onto the server version instead of completed, so the newer
// snapshot goes out on the next cycle.
func (e *Engine) completePushedItemTx(tx *gorm.DB, item models.QueueItem, applied AppliedChange) error {
	var current models.QueueItem
	err := tx.Where("queue_id = ?", item.QueueID).First(&current).Error
	if err != nil {
		return fmt.Errorf("failed to reload pushed item: %w", err)
	}

	if item.Operation == models.OpDelete {
		if err := e.queue.MarkCompletedTx(tx, item.QueueID); err != nil {
			return err
		}
		// Delete acknowledged: the tombstone has served its purpose
		return e.store.PurgeTx(tx, item.EntityType, item.EntityID)
	}

	mutatedMeanwhile := current.Status == models.QueuePending &&
		(!bytes.Equal(current.Payload, item.Payload) || current.Operation != item.Operation)

	if mutatedMeanwhile {
		if err := e.queue.RebaseTx(tx, item.QueueID, applied.SyncVersion); err != nil {
			return err
		}
		return e.store.ApplyFieldsTx(tx, item.EntityType, item.EntityID,
			applied.SyncVersion, datatypes.JSON(applied.Data), "", false)
	}

	if err := e.queue.MarkCompletedTx(tx, item.QueueID); err != nil {
		return err
	}
	return e.store.ApplyFieldsTx(tx, item.EntityType, item.EntityID,
		applied.SyncVersion, datatypes.JSON(applied.Data), "", true)
}

// pullChanges drains server changes page by page. Each page is applied in one
// transaction and the cursor advances with it, so a crash or cancellation
// between pages retries from the last durably applied cursor, never partway
// through a page.
func (e *Engine) pullChanges(ctx context.Context, result *SyncResult) error {
	for {
		if err := ctx.Err(); err != nil {
			return &NetworkError{Err: err}
		}

		cursor, err := e.cursors.Get(e.deviceID)
		if err != nil {
			return &StorageError{Err: err}
		}

		resp, err := e.client.Pull(ctx, cursor.LastSyncVersion, e.entityTypes, e.cfg.PullPageSize)
		if err != nil {
			return err
		}

		txErr := e.store.Transaction(func(tx *gorm.DB) error {
			for i := range resp.Changes {
				ch := &resp.Changes[i]
				if err := e.applyPulledChangeTx(tx, ch, result); err != nil {
					return err
				}
			}
			return e.cursors.AdvanceTx(tx, e.deviceID, resp.NewSyncVersion)
		})
		if txErr != nil {
			return &StorageError{Err: txErr}
		}

		if !resp.HasMore {
			return nil
		}
	}
}

// applyPulledChangeTx applies one incoming change inside the page
// transaction. A change targeting an entity with a pending local mutation
// becomes a conflict instead of an overwrite.
func (e *Engine) applyPulledChangeTx(tx *gorm.DB, ch *Change, result *SyncResult) error {
	pending, err := e.queue.PendingForEntityTx(tx, ch.EntityType, ch.EntityID)
	switch {
	case err == nil:
		var local models.Entity
		localData := json.RawMessage(pending.Payload)
		if lookupErr := tx.Where("entity_type = ? AND entity_id = ?", ch.EntityType, ch.EntityID).
			First(&local).Error; lookupErr == nil {
			localData = json.RawMessage(local.Payload)
		}
		if err := e.resolver.RecordTx(tx, ch.EntityType, ch.EntityID, pending.QueueID,
			localData, ch.Data, ch.SyncVersion, models.ConflictSourcePull); err != nil {
			return err
		}
		result.Conflicts++
		return nil

	case !errors.Is(err, queue.ErrNotFound):
		return err
	}

	switch ch.Operation {
	case models.OpDelete:
		if err := e.store.ApplyDeleteTx(tx, ch.EntityType, ch.EntityID, ch.SyncVersion); err != nil {
			return err
		}
	default:
		if err := e.store.ApplyUpsertTx(tx, ch.EntityType, ch.EntityID, datatypes.JSON(ch.Data), ch.SyncVersion); err != nil {
			return err
		}
	}
	result.Pulled++
	return nil
}
