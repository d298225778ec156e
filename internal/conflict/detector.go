// Package conflict implements the default conflict policy: an incoming
// remote upsert is deferred, not applied, while the local side still has
// an un-synced mutation for the same entity. Detections are recorded in
// the sync_conflicts table for an external resolution action; they are a
// surfaced condition, not an error.
package conflict

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/coastline-hq/driftsync/internal/outbox"
	"github.com/coastline-hq/driftsync/internal/store"
	"github.com/coastline-hq/driftsync/internal/types"
)

// Detector is the default policy object consulted by the apply engine.
// It implements apply.ConflictDetector.
type Detector struct {
	queue  *outbox.Queue
	logger *log.Logger
	now    func() time.Time
}

// NewDetector creates the default detector backed by the outbox queue.
//
// If logger is nil, a default logger writing to stderr is used.
func NewDetector(queue *outbox.Queue, logger *log.Logger) *Detector {
	if logger == nil {
		logger = log.New(os.Stderr, "[conflict] ", log.LstdFlags)
	}
	return &Detector{
		queue:  queue,
		logger: logger,
		now:    time.Now,
	}
}

// ShouldApplyChange returns false iff the outbox holds any pending or
// in_flight op for the change's entity. Deletes always apply; the default
// policy has no conflict path for deletes.
func (d *Detector) ShouldApplyChange(ctx context.Context, tx *sql.Tx, scope types.Scope, change types.Change) (bool, error) {
	if change.Op != types.ChangeUpsert {
		return true, nil
	}

	pending, err := d.queue.HasPendingOpsForEntityTx(ctx, tx, scope, change.EntityKey, change.EntityID)
	if err != nil {
		return false, err
	}
	return !pending, nil
}

// OnConflictDetected records the collision. If an unresolved conflict
// already exists for the entity, its versions and timestamp are updated
// in place; at most one unresolved row exists per entity.
//
// The local version is the newest un-synced op payload, falling back to a
// minimal stub when none carries one. The remote version is the incoming
// change payload.
func (d *Detector) OnConflictDetected(ctx context.Context, tx *sql.Tx, scope types.Scope, change types.Change) error {
	local, err := d.queue.LatestPendingPayloadTx(ctx, tx, scope, change.EntityKey, change.EntityID)
	if err != nil {
		return err
	}
	if local == nil {
		local = []byte(fmt.Sprintf(`{"id":%q}`, change.EntityID))
	}

	now := d.now().UTC().Format(store.TimeFormat)

	// The partial unique index on unresolved rows turns the second
	// detection into an update of the first.
	query := `
	INSERT INTO sync_conflicts (
		id, scope_key, entity_key, entity_id,
		local_version, remote_version, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(scope_key, entity_key, entity_id) WHERE resolved_at IS NULL
	DO UPDATE SET
		local_version = excluded.local_version,
		remote_version = excluded.remote_version,
		created_at = excluded.created_at
	`
	_, err = tx.ExecContext(ctx, query,
		uuid.New().String(), scope.Key(), change.EntityKey, change.EntityID,
		string(local), string(change.Data), now)
	if err != nil {
		return fmt.Errorf("failed to record conflict for %s/%s: %w", change.EntityKey, change.EntityID, err)
	}

	d.logger.Printf("Conflict recorded: %s/%s in scope %s", change.EntityKey, change.EntityID, scope.Key())
	return nil
}
