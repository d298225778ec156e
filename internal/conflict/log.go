package conflict

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/coastline-hq/driftsync/internal/store"
	"github.com/coastline-hq/driftsync/internal/types"
)

// ErrNotFound is returned when a conflict does not exist.
var ErrNotFound = errors.New("conflict not found")

// ErrAlreadyResolved is returned when resolving a conflict twice.
var ErrAlreadyResolved = errors.New("conflict already resolved")

const conflictColumns = `id, scope_key, entity_key, entity_id,
	local_version, remote_version, created_at, resolved_at`

// ListUnresolved returns unresolved conflicts for a scope, oldest first.
func ListUnresolved(ctx context.Context, s *store.Store, scope types.Scope) ([]types.Conflict, error) {
	rows, err := s.RawDB().QueryContext(ctx, `
		SELECT `+conflictColumns+`
		FROM sync_conflicts
		WHERE scope_key = ? AND resolved_at IS NULL
		ORDER BY created_at ASC`,
		scope.Key())
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	return scanConflicts(rows)
}

// List returns all conflicts for a scope, newest first.
func List(ctx context.Context, s *store.Store, scope types.Scope, limit int) ([]types.Conflict, error) {
	query := `
	SELECT ` + conflictColumns + `
	FROM sync_conflicts
	WHERE scope_key = ?
	ORDER BY created_at DESC
	`
	args := []any{scope.Key()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.RawDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	return scanConflicts(rows)
}

// Get retrieves one conflict by ID.
func Get(ctx context.Context, s *store.Store, id string) (*types.Conflict, error) {
	row := s.RawDB().QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM sync_conflicts WHERE id = ?`, id)

	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict %s: %w", id, err)
	}
	return c, nil
}

// Resolve marks a conflict as resolved. This is the external resolution
// action: the engine never resolves conflicts on its own.
func Resolve(ctx context.Context, s *store.Store, id string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var resolved sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT resolved_at FROM sync_conflicts WHERE id = ?`, id).Scan(&resolved)
		if err == sql.ErrNoRows {
			return fmt.Errorf("conflict %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load conflict %s: %w", id, err)
		}
		if resolved.Valid {
			return fmt.Errorf("conflict %s: %w", id, ErrAlreadyResolved)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE sync_conflicts SET resolved_at = ? WHERE id = ?`,
			time.Now().UTC().Format(store.TimeFormat), id)
		if err != nil {
			return fmt.Errorf("failed to resolve conflict %s: %w", id, err)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConflict(row rowScanner) (*types.Conflict, error) {
	var c types.Conflict
	var local, remote, resolvedAt sql.NullString
	var createdAt string

	err := row.Scan(
		&c.ID,
		&c.ScopeKey,
		&c.EntityKey,
		&c.EntityID,
		&local,
		&remote,
		&createdAt,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	if local.Valid {
		c.LocalVersion = []byte(local.String)
	}
	if remote.Valid {
		c.RemoteVersion = []byte(remote.String)
	}
	c.CreatedAt = store.ParseTime(createdAt)
	c.ResolvedAt = store.NullStringToTime(resolvedAt)

	return &c, nil
}

func scanConflicts(rows *sql.Rows) ([]types.Conflict, error) {
	var conflicts []types.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflicts = append(conflicts, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return conflicts, nil
}
