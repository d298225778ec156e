package apply

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/coastline-hq/driftsync/internal/store"
	"github.com/coastline-hq/driftsync/internal/types"
)

// RowHandler is the built-in ChangeHandler that mirrors remote entities
// into the generic entity_rows table with last-write-wins semantics.
//
// An upsert only wins when its updatedAt is at least as new as the stored
// row, so replaying a page converges to the same final state. Deletes of
// missing rows are no-ops. Apps with richer schemas supply their own
// handler instead.
type RowHandler struct{}

// NewRowHandler creates the generic entity row handler.
func NewRowHandler() *RowHandler {
	return &RowHandler{}
}

// ApplyUpsert implements ChangeHandler.
func (h *RowHandler) ApplyUpsert(ctx context.Context, tx *sql.Tx, scope types.Scope, entityKey, entityID string, data []byte, updatedAt time.Time) error {
	query := `
	INSERT INTO entity_rows (scope_key, entity_key, entity_id, data, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(scope_key, entity_key, entity_id) DO UPDATE SET
		data = excluded.data,
		updated_at = excluded.updated_at
	WHERE excluded.updated_at >= entity_rows.updated_at
	`
	_, err := tx.ExecContext(ctx, query,
		scope.Key(), entityKey, entityID, string(data),
		updatedAt.UTC().Format(store.TimeFormat))
	if err != nil {
		return fmt.Errorf("failed to upsert row %s/%s: %w", entityKey, entityID, err)
	}
	return nil
}

// ApplyDelete implements ChangeHandler.
func (h *RowHandler) ApplyDelete(ctx context.Context, tx *sql.Tx, scope types.Scope, entityKey, entityID string, updatedAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM entity_rows
		WHERE scope_key = ? AND entity_key = ? AND entity_id = ?`,
		scope.Key(), entityKey, entityID)
	if err != nil {
		return fmt.Errorf("failed to delete row %s/%s: %w", entityKey, entityID, err)
	}
	return nil
}

// GetRow reads one mirrored entity row, returning sql.ErrNoRows when the
// row does not exist. Exposed for tests and debug tooling.
func GetRow(ctx context.Context, db *sql.DB, scope types.Scope, entityKey, entityID string) (data []byte, updatedAt time.Time, err error) {
	var raw, updated string
	err = db.QueryRowContext(ctx, `
		SELECT data, updated_at FROM entity_rows
		WHERE scope_key = ? AND entity_key = ? AND entity_id = ?`,
		scope.Key(), entityKey, entityID).Scan(&raw, &updated)
	if err != nil {
		return nil, time.Time{}, err
	}
	return []byte(raw), store.ParseTime(updated), nil
}
