package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rovermatic/fieldsync/internal/models"
	"github.com/rovermatic/fieldsync/internal/queue"
	"github.com/rovermatic/fieldsync/internal/store"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrInvalidPayload marks a mutation rejected before it ever reaches the
// queue. Permanent: callers surface it to the user, never retry it.
var ErrInvalidPayload = errors.New("invalid payload")

// Recorder is the single entry point business logic uses to mutate entities.
// Every mutation writes the entity and appends/coalesces its queue item in
// one local transaction, so a crash between the two is impossible.
type Recorder struct {
	store *store.Store
	queue *queue.Queue
}

// New creates a mutation recorder
func New(s *store.Store, q *queue.Queue) *Recorder {
	return &Recorder{store: s, queue: q}
}

// Create records a new entity with a client-generated UUID. The entity starts
// at syncVersion 0 and dirty; kinds with a number prefix get an optimistic
// sequential number, subject to server renumbering on push.
func (r *Recorder) Create(entityType string, payload json.RawMessage) (*models.Entity, error) {
	if err := models.ValidatePayload(entityType, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	spec, _ := models.KindFor(entityType)

	entity := &models.Entity{
		EntityType: entityType,
		EntityID:   uuid.New().String(),
	}

	err := r.store.Transaction(func(tx *gorm.DB) error {
		number, err := store.NextHumanNumberTx(tx, entityType, time.Now().UTC())
		if err != nil {
			return err
		}
		snapshot := payload
		if number != "" {
			snapshot, err = injectHumanNumber(payload, number)
			if err != nil {
				return err
			}
		}
		entity.HumanNumber = number
		entity.Payload = datatypes.JSON(snapshot)

		if err := r.store.PutTx(tx, entity, 0); err != nil {
			return err
		}
		_, _, err = r.queue.EnqueueTx(tx, entityType, entity.EntityID, models.OpInsert,
			entity.Payload, 0, spec.Priority)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entity, nil
}

// Update records a change to an existing entity. The pending queue item, if
// any, absorbs the new snapshot instead of producing a second one.
func (r *Recorder) Update(entityType, entityID string, payload json.RawMessage) (*models.Entity, error) {
	if err := models.ValidatePayload(entityType, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	spec, _ := models.KindFor(entityType)

	var updated *models.Entity
	err := r.store.Transaction(func(tx *gorm.DB) error {
		var existing models.Entity
		err := tx.Where("entity_type = ? AND entity_id = ? AND deleted = ?",
			entityType, entityID, false).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load entity: %w", err)
		}

		snapshot := payload
		if existing.HumanNumber != "" && models.HumanNumberOf(payload) == "" {
			snapshot, err = injectHumanNumber(payload, existing.HumanNumber)
			if err != nil {
				return err
			}
		}

		entity := existing
		entity.Payload = datatypes.JSON(snapshot)
		entity.HumanNumber = models.HumanNumberOf(snapshot)
		if err := r.store.PutTx(tx, &entity, existing.SyncVersion); err != nil {
			return err
		}

		_, _, err = r.queue.EnqueueTx(tx, entityType, entityID, models.OpUpdate,
			entity.Payload, existing.SyncVersion, spec.Priority)
		if err != nil {
			return err
		}
		updated = &entity
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete tombstones an entity and queues the delete. The local row survives,
// hidden, until the server acknowledges. Deleting an entity whose Insert never
// reached the server cancels both sides and purges the row outright.
func (r *Recorder) Delete(entityType, entityID string) error {
	if _, ok := models.KindFor(entityType); !ok {
		return fmt.Errorf("%w: unknown entity type %q", ErrInvalidPayload, entityType)
	}
	spec, _ := models.KindFor(entityType)

	return r.store.Transaction(func(tx *gorm.DB) error {
		var existing models.Entity
		err := tx.Where("entity_type = ? AND entity_id = ? AND deleted = ?",
			entityType, entityID, false).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load entity: %w", err)
		}

		if err := r.store.DeleteTx(tx, entityType, entityID, existing.SyncVersion); err != nil {
			return err
		}

		_, elided, err := r.queue.EnqueueTx(tx, entityType, entityID, models.OpDelete,
			nil, existing.SyncVersion, spec.Priority)
		if err != nil {
			return err
		}
		if elided {
			return r.store.PurgeTx(tx, entityType, entityID)
		}
		return nil
	})
}

func injectHumanNumber(payload json.RawMessage, number string) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	numberJSON, err := json.Marshal(number)
	if err != nil {
		return nil, err
	}
	fields["humanNumber"] = numberJSON
	return json.Marshal(fields)
}
