// Package outbox provides the durable FIFO queue of local mutations and
// the processor that pushes them to the remote system.
//
// Ops enter the queue in the same transaction as the entity write that
// produced them, and leave it only through terminal states (succeeded,
// failed, blocked). Claiming transitions ops to a leased in_flight state;
// stale leases are reclaimed on the next claim pass so a crashed process
// never strands work.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/coastline-hq/driftsync/internal/store"
	"github.com/coastline-hq/driftsync/internal/types"
)

// DefaultStaleClaim is how long an in_flight lease may be held before it
// is considered abandoned and reclaimed (crash/kill recovery).
const DefaultStaleClaim = 5 * time.Minute

// ErrTerminalState is returned when a transition is requested on an op
// that has already reached a terminal state.
var ErrTerminalState = errors.New("outbox op is in a terminal state")

// ErrNotFound is returned when an op does not exist.
var ErrNotFound = errors.New("outbox op not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queue is the durable outbox over the local store.
type Queue struct {
	store  *store.Store
	logger *log.Logger
	now    func() time.Time
}

// New creates a queue over the given store.
//
// If logger is nil, a default logger writing to stderr is used.
func New(s *store.Store, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(os.Stderr, "[outbox] ", log.LstdFlags)
	}
	return &Queue{
		store:  s,
		logger: logger,
		now:    time.Now,
	}
}

// Enqueue inserts a new pending op in its own transaction and returns its ID.
//
// If idempotencyKey is empty a random one is generated; callers that need
// true dedup across retries must supply a stable key themselves.
func (q *Queue) Enqueue(ctx context.Context, scope types.Scope, entityKey, entityID string, opType types.OpType, payload []byte, idempotencyKey string) (string, error) {
	var opID string
	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		opID, err = q.EnqueueTx(ctx, tx, scope, entityKey, entityID, opType, payload, idempotencyKey)
		return err
	})
	return opID, err
}

// EnqueueTx inserts a new pending op inside the caller's transaction.
//
// This is the hook for writing an entity row and its outbox op atomically:
// run both against the same tx and the mutation is either fully durable or
// not visible at all.
func (q *Queue) EnqueueTx(ctx context.Context, tx *sql.Tx, scope types.Scope, entityKey, entityID string, opType types.OpType, payload []byte, idempotencyKey string) (string, error) {
	if entityKey == "" {
		return "", fmt.Errorf("entity key is required")
	}
	if !opType.Valid() {
		return "", fmt.Errorf("invalid op type %q", opType)
	}
	if idempotencyKey == "" {
		idempotencyKey = uuid.New().String()
	}

	opID := uuid.New().String()
	now := q.now().UTC().Format(store.TimeFormat)

	query := `
	INSERT INTO outbox_ops (
		id, scope_key, entity_key, entity_id, op_type, idempotency_key,
		payload, attempt_count, state, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`
	_, err := tx.ExecContext(ctx, query,
		opID, scope.Key(), entityKey, entityID, string(opType), idempotencyKey,
		payloadToNull(payload), string(types.OpStatePending), now, now)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue op: %w", err)
	}

	return opID, nil
}

// ClaimPending reclaims stale in_flight rows, then atomically claims up to
// limit pending rows in FIFO order (oldest created_at first) and returns
// them with their state already transitioned to in_flight.
//
// Claiming is the queue's only concurrency-safety mechanism. It does not
// provide cross-process locking; a second concurrent orchestrator against
// the same scope is not supported.
func (q *Queue) ClaimPending(ctx context.Context, scope types.Scope, limit int) ([]types.OutboxOp, error) {
	var claimed []types.OutboxOp
	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := q.reclaimStaleTx(ctx, tx, scope, q.now().Add(-DefaultStaleClaim)); err != nil {
			return err
		}

		ops, err := q.listByState(ctx, tx, scope, types.OpStatePending, limit)
		if err != nil {
			return err
		}

		ids := make([]string, len(ops))
		for i := range ops {
			ids[i] = ops[i].ID
		}
		claimed, err = q.claimByIDTx(ctx, tx, ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ClaimOps atomically transitions the given pending ops to in_flight and
// returns those actually claimed. Ops that are no longer pending are
// silently skipped.
func (q *Queue) ClaimOps(ctx context.Context, ids []string) ([]types.OutboxOp, error) {
	var claimed []types.OutboxOp
	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		claimed, err = q.claimByIDTx(ctx, tx, ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// claimByIDTx transitions pending ops to in_flight inside tx.
func (q *Queue) claimByIDTx(ctx context.Context, tx *sql.Tx, ids []string) ([]types.OutboxOp, error) {
	now := q.now().UTC().Format(store.TimeFormat)
	var claimed []types.OutboxOp

	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `
			UPDATE outbox_ops
			SET state = ?, claimed_at = ?, updated_at = ?
			WHERE id = ? AND state = ?`,
			string(types.OpStateInFlight), now, now, id, string(types.OpStatePending))
		if err != nil {
			return nil, fmt.Errorf("failed to claim op %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to check claim of op %s: %w", id, err)
		}
		if n == 0 {
			continue
		}

		op, err := getOp(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, *op)
	}

	return claimed, nil
}

// ReclaimStale resets in_flight ops claimed before staleBefore back to
// pending so they can be claimed again.
func (q *Queue) ReclaimStale(ctx context.Context, scope types.Scope, staleBefore time.Time) (int, error) {
	var n int
	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = q.reclaimStaleTx(ctx, tx, scope, staleBefore)
		return err
	})
	return n, err
}

func (q *Queue) reclaimStaleTx(ctx context.Context, tx *sql.Tx, scope types.Scope, staleBefore time.Time) (int, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE outbox_ops
		SET state = ?, claimed_at = NULL, updated_at = ?
		WHERE scope_key = ? AND state = ? AND claimed_at < ?`,
		string(types.OpStatePending), q.now().UTC().Format(store.TimeFormat),
		scope.Key(), string(types.OpStateInFlight),
		staleBefore.UTC().Format(store.TimeFormat))
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale ops: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reclaimed ops: %w", err)
	}
	if n > 0 {
		q.logger.Printf("Reclaimed %d stale in_flight ops for scope %s", n, scope.Key())
	}
	return int(n), nil
}

// ListPending returns up to limit pending ops in FIFO order without
// changing their state.
func (q *Queue) ListPending(ctx context.Context, scope types.Scope, limit int) ([]types.OutboxOp, error) {
	return q.listByState(ctx, q.store.RawDB(), scope, types.OpStatePending, limit)
}

func (q *Queue) listByState(ctx context.Context, db querier, scope types.Scope, state types.OpState, limit int) ([]types.OutboxOp, error) {
	query := `
	SELECT ` + opColumns + `
	FROM outbox_ops
	WHERE scope_key = ? AND state = ?
	ORDER BY created_at ASC, rowid ASC
	`
	args := []any{scope.Key(), string(state)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s ops: %w", state, err)
	}
	defer rows.Close()

	return scanOps(rows)
}

// ListOps returns the most recent ops for a scope regardless of state,
// newest first. Used by debug tooling.
func (q *Queue) ListOps(ctx context.Context, scope types.Scope, limit int) ([]types.OutboxOp, error) {
	query := `
	SELECT ` + opColumns + `
	FROM outbox_ops
	WHERE scope_key = ?
	ORDER BY created_at DESC, rowid DESC
	`
	args := []any{scope.Key()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := q.store.RawDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ops: %w", err)
	}
	defer rows.Close()

	return scanOps(rows)
}

// GetOp retrieves a single op by ID.
func (q *Queue) GetOp(ctx context.Context, id string) (*types.OutboxOp, error) {
	return getOp(ctx, q.store.RawDB(), id)
}

func getOp(ctx context.Context, db querier, id string) (*types.OutboxOp, error) {
	row := db.QueryRowContext(ctx, `SELECT `+opColumns+` FROM outbox_ops WHERE id = ?`, id)
	op, err := scanOp(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("op %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get op %s: %w", id, err)
	}
	return op, nil
}

// UpdateState transitions an op to the given state, recording lastError.
//
// Terminal states are enforced here: once an op is succeeded, failed, or
// blocked it never transitions again and ErrTerminalState is returned.
func (q *Queue) UpdateState(ctx context.Context, opID string, state types.OpState, lastError string) error {
	return q.store.WithTx(ctx, func(tx *sql.Tx) error {
		op, err := getOp(ctx, tx, opID)
		if err != nil {
			return err
		}
		if op.State.Terminal() {
			return fmt.Errorf("op %s is %s: %w", opID, op.State, ErrTerminalState)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE outbox_ops
			SET state = ?, last_error = ?, claimed_at = NULL, updated_at = ?
			WHERE id = ?`,
			string(state), store.NullString(lastError),
			q.now().UTC().Format(store.TimeFormat), opID)
		if err != nil {
			return fmt.Errorf("failed to update op %s: %w", opID, err)
		}
		return nil
	})
}

// MarkForRetry increments the attempt count and resets an in_flight op to
// pending, recording the error that caused the retry.
func (q *Queue) MarkForRetry(ctx context.Context, opID, lastError string) error {
	return q.store.WithTx(ctx, func(tx *sql.Tx) error {
		op, err := getOp(ctx, tx, opID)
		if err != nil {
			return err
		}
		if op.State.Terminal() {
			return fmt.Errorf("op %s is %s: %w", opID, op.State, ErrTerminalState)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE outbox_ops
			SET state = ?, attempt_count = attempt_count + 1,
			    last_error = ?, claimed_at = NULL, updated_at = ?
			WHERE id = ?`,
			string(types.OpStatePending), store.NullString(lastError),
			q.now().UTC().Format(store.TimeFormat), opID)
		if err != nil {
			return fmt.Errorf("failed to mark op %s for retry: %w", opID, err)
		}
		return nil
	})
}

// CountPending returns the number of un-synced ops (pending plus
// in_flight) for a scope. Feeds the status snapshot.
func (q *Queue) CountPending(ctx context.Context, scope types.Scope) (int, error) {
	var count int
	err := q.store.RawDB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outbox_ops
		WHERE scope_key = ? AND state IN (?, ?)`,
		scope.Key(), string(types.OpStatePending), string(types.OpStateInFlight)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending ops: %w", err)
	}
	return count, nil
}

// HasPendingOpsForEntity reports whether any un-synced op exists for the
// given entity. Uses the structured (scope, entity_key, entity_id) index.
func (q *Queue) HasPendingOpsForEntity(ctx context.Context, scope types.Scope, entityKey, entityID string) (bool, error) {
	return hasPendingOpsForEntity(ctx, q.store.RawDB(), scope, entityKey, entityID)
}

// HasPendingOpsForEntityTx is HasPendingOpsForEntity inside the caller's
// transaction. Used by the conflict detector so the decision is atomic
// with the apply batch.
func (q *Queue) HasPendingOpsForEntityTx(ctx context.Context, tx *sql.Tx, scope types.Scope, entityKey, entityID string) (bool, error) {
	return hasPendingOpsForEntity(ctx, tx, scope, entityKey, entityID)
}

func hasPendingOpsForEntity(ctx context.Context, db querier, scope types.Scope, entityKey, entityID string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM outbox_ops
			WHERE scope_key = ? AND entity_key = ? AND entity_id = ?
			  AND state IN (?, ?))`,
		scope.Key(), entityKey, entityID,
		string(types.OpStatePending), string(types.OpStateInFlight)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check pending ops for %s/%s: %w", entityKey, entityID, err)
	}
	return exists, nil
}

// PendingOpsForEntity returns un-synced ops for the given entity in FIFO
// order.
func (q *Queue) PendingOpsForEntity(ctx context.Context, scope types.Scope, entityKey, entityID string) ([]types.OutboxOp, error) {
	rows, err := q.store.RawDB().QueryContext(ctx, `
		SELECT `+opColumns+`
		FROM outbox_ops
		WHERE scope_key = ? AND entity_key = ? AND entity_id = ?
		  AND state IN (?, ?)
		ORDER BY created_at ASC, rowid ASC`,
		scope.Key(), entityKey, entityID,
		string(types.OpStatePending), string(types.OpStateInFlight))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending ops for %s/%s: %w", entityKey, entityID, err)
	}
	defer rows.Close()

	return scanOps(rows)
}

// LatestPendingPayloadTx returns the payload of the newest un-synced op
// for the entity, or nil if none. Used as the best available local
// version when recording a conflict.
func (q *Queue) LatestPendingPayloadTx(ctx context.Context, tx *sql.Tx, scope types.Scope, entityKey, entityID string) ([]byte, error) {
	var payload sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT payload FROM outbox_ops
		WHERE scope_key = ? AND entity_key = ? AND entity_id = ?
		  AND state IN (?, ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`,
		scope.Key(), entityKey, entityID,
		string(types.OpStatePending), string(types.OpStateInFlight)).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest pending payload: %w", err)
	}
	if !payload.Valid {
		return nil, nil
	}
	return []byte(payload.String), nil
}

// PendingOpsMatchingPayload returns un-synced ops whose serialized payload
// contains the given substring.
//
// This is the legacy membership test and is only as precise as the payload
// encoding: id "1" matches id "21". New code should use the structured
// entity lookups instead; this remains for parity and debugging.
func (q *Queue) PendingOpsMatchingPayload(ctx context.Context, scope types.Scope, substr string) ([]types.OutboxOp, error) {
	rows, err := q.store.RawDB().QueryContext(ctx, `
		SELECT `+opColumns+`
		FROM outbox_ops
		WHERE scope_key = ? AND state IN (?, ?)
		  AND payload LIKE '%' || ? || '%'
		ORDER BY created_at ASC, rowid ASC`,
		scope.Key(), string(types.OpStatePending), string(types.OpStateInFlight), substr)
	if err != nil {
		return nil, fmt.Errorf("failed to scan payloads: %w", err)
	}
	defer rows.Close()

	return scanOps(rows)
}

// PurgeSucceeded deletes succeeded ops last updated before cutoff.
// Returns the number of rows removed.
func (q *Queue) PurgeSucceeded(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.store.RawDB().ExecContext(ctx, `
		DELETE FROM outbox_ops
		WHERE state = ? AND updated_at < ?`,
		string(types.OpStateSucceeded), cutoff.UTC().Format(store.TimeFormat))
	if err != nil {
		return 0, fmt.Errorf("failed to purge succeeded ops: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged ops: %w", err)
	}
	if n > 0 {
		q.logger.Printf("Purged %d succeeded ops older than %s", n, cutoff.Format(time.RFC3339))
	}
	return n, nil
}

const opColumns = `id, scope_key, entity_key, entity_id, op_type,
	idempotency_key, payload, attempt_count, state, last_error,
	claimed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOp(row rowScanner) (*types.OutboxOp, error) {
	var op types.OutboxOp
	var opType, state, createdAt, updatedAt string
	var payload, lastError, claimedAt sql.NullString

	err := row.Scan(
		&op.ID,
		&op.ScopeKey,
		&op.EntityKey,
		&op.EntityID,
		&opType,
		&op.IdempotencyKey,
		&payload,
		&op.AttemptCount,
		&state,
		&lastError,
		&claimedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	op.OpType = types.OpType(opType)
	op.State = types.OpState(state)
	if payload.Valid {
		op.Payload = []byte(payload.String)
	}
	if lastError.Valid {
		op.LastError = lastError.String
	}
	op.ClaimedAt = store.NullStringToTime(claimedAt)
	op.CreatedAt = store.ParseTime(createdAt)
	op.UpdatedAt = store.ParseTime(updatedAt)

	return &op, nil
}

func scanOps(rows *sql.Rows) ([]types.OutboxOp, error) {
	var ops []types.OutboxOp
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan op: %w", err)
		}
		ops = append(ops, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ops: %w", err)
	}
	return ops, nil
}

func payloadToNull(payload []byte) sql.NullString {
	if payload == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(payload), Valid: true}
}
