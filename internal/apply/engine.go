// Package apply writes batches of remote changes into local entity tables
// transactionally and idempotently.
//
// A batch is all-or-nothing: any handler error rolls the whole
// transaction back so partial application of a page is never visible, and
// the delta runner retries the page wholesale on the next run. This is
// safe because change handlers are contractually idempotent.
package apply

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/coastline-hq/driftsync/internal/store"
	"github.com/coastline-hq/driftsync/internal/types"
)

// ChangeHandler applies individual remote changes to app-owned entity
// tables inside the batch transaction.
//
// Handlers MUST be idempotent: repeated upserts converge to the same
// final row state (last-write-wins by updatedAt is the recommended
// default), and repeated deletes of a missing row are no-ops.
type ChangeHandler interface {
	ApplyUpsert(ctx context.Context, tx *sql.Tx, scope types.Scope, entityKey, entityID string, data []byte, updatedAt time.Time) error
	ApplyDelete(ctx context.Context, tx *sql.Tx, scope types.Scope, entityKey, entityID string, updatedAt time.Time) error
}

// ConflictDetector decides whether an incoming remote change collides
// with an un-synced local mutation, and records detections.
//
// Both methods run inside the batch transaction so the skip decision and
// the recorded conflict are atomic with the applied changes.
type ConflictDetector interface {
	// ShouldApplyChange returns false iff the change must be deferred
	// because the local side has a competing un-synced mutation.
	ShouldApplyChange(ctx context.Context, tx *sql.Tx, scope types.Scope, change types.Change) (bool, error)

	// OnConflictDetected records (or refreshes) the conflict row for the
	// change that was skipped.
	OnConflictDetected(ctx context.Context, tx *sql.Tx, scope types.Scope, change types.Change) error
}

// Result summarizes one batch application.
type Result struct {
	Applied   int
	Conflicts int
	Errors    int
}

// Engine applies batches of remote changes to the local store.
type Engine struct {
	store  *store.Store
	logger *log.Logger
}

// New creates an apply engine over the store.
//
// If logger is nil, a default logger writing to stderr is used.
func New(s *store.Store, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[apply] ", log.LstdFlags)
	}
	return &Engine{
		store:  s,
		logger: logger,
	}
}

// errBatchFailed aborts the batch transaction after handler errors have
// been collected.
var errBatchFailed = errors.New("apply batch failed")

// ApplyChanges applies the batch inside a single transaction.
//
// Upserts are checked against the conflict detector first (when one is
// configured); a deferred change is counted as a conflict, not an error.
// Handler errors are collected, and if any change errored the entire
// transaction is rolled back and the batch reports zero applied. Only
// store-level failures return a non-nil error.
func (e *Engine) ApplyChanges(ctx context.Context, scope types.Scope, changes []types.Change, handler ChangeHandler, detector ConflictDetector) (Result, error) {
	if len(changes) == 0 {
		return Result{}, nil
	}
	if handler == nil {
		return Result{}, fmt.Errorf("change handler cannot be nil")
	}

	var result Result
	var changeErrs []error

	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, change := range changes {
			if err := change.Validate(); err != nil {
				changeErrs = append(changeErrs, fmt.Errorf("%s/%s: %w", change.EntityKey, change.EntityID, err))
				continue
			}

			if change.Op == types.ChangeUpsert && detector != nil {
				ok, err := detector.ShouldApplyChange(ctx, tx, scope, change)
				if err != nil {
					changeErrs = append(changeErrs, fmt.Errorf("conflict check %s/%s: %w", change.EntityKey, change.EntityID, err))
					continue
				}
				if !ok {
					if err := detector.OnConflictDetected(ctx, tx, scope, change); err != nil {
						changeErrs = append(changeErrs, fmt.Errorf("conflict record %s/%s: %w", change.EntityKey, change.EntityID, err))
						continue
					}
					result.Conflicts++
					continue
				}
			}

			var err error
			switch change.Op {
			case types.ChangeUpsert:
				err = handler.ApplyUpsert(ctx, tx, scope, change.EntityKey, change.EntityID, change.Data, change.UpdatedAt)
			case types.ChangeDelete:
				err = handler.ApplyDelete(ctx, tx, scope, change.EntityKey, change.EntityID, change.UpdatedAt)
			}
			if err != nil {
				changeErrs = append(changeErrs, fmt.Errorf("apply %s %s/%s: %w", change.Op, change.EntityKey, change.EntityID, err))
				continue
			}
			result.Applied++
		}

		if len(changeErrs) > 0 {
			return errBatchFailed
		}
		return nil
	})

	if errors.Is(err, errBatchFailed) {
		for _, cerr := range changeErrs {
			e.logger.Printf("Change error (batch rolled back): %v", cerr)
		}
		return Result{Errors: len(changeErrs)}, nil
	}
	if err != nil {
		return Result{}, err
	}

	return result, nil
}
