package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/coastline-hq/driftsync/internal/types"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// testStore opens an initialized store for a test
func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return s
}

// TestOpen_Success tests database creation including parent directories
func TestOpen_Success(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if s.path != path {
		t.Errorf("path = %q, want %q", s.path, path)
	}
}

// TestInitSchema_CreatesTables tests that all infrastructure tables exist
func TestInitSchema_CreatesTables(t *testing.T) {
	s := testStore(t)

	tables := []string{"sync_meta", "outbox_ops", "sync_cursors", "sync_conflicts", "entity_rows"}
	for _, table := range tables {
		var count int
		query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
		if err := s.conn.QueryRow(query, table).Scan(&count); err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
}

// TestInitSchema_Idempotent tests that schema initialization can run twice
func TestInitSchema_Idempotent(t *testing.T) {
	s := testStore(t)
	if err := s.InitSchema(); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

// TestMeta_RoundTrip tests the metadata key/value store
func TestMeta_RoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SetMeta(ctx, "device_id", "dev-1"); err != nil {
		t.Fatalf("SetMeta() failed: %v", err)
	}

	got, err := s.GetMeta(ctx, "device_id")
	if err != nil {
		t.Fatalf("GetMeta() failed: %v", err)
	}
	if got != "dev-1" {
		t.Errorf("GetMeta() = %q, want %q", got, "dev-1")
	}

	// Overwrite
	if err := s.SetMeta(ctx, "device_id", "dev-2"); err != nil {
		t.Fatalf("SetMeta() overwrite failed: %v", err)
	}
	got, err = s.GetMeta(ctx, "device_id")
	if err != nil {
		t.Fatalf("GetMeta() after overwrite failed: %v", err)
	}
	if got != "dev-2" {
		t.Errorf("GetMeta() = %q, want %q", got, "dev-2")
	}
}

// TestGetMeta_Missing tests that a missing key returns the empty string
func TestGetMeta_Missing(t *testing.T) {
	s := testStore(t)

	got, err := s.GetMeta(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetMeta() failed: %v", err)
	}
	if got != "" {
		t.Errorf("GetMeta() = %q, want empty", got)
	}
}

// TestCursor_MissingIsEmpty tests the "from the beginning" sentinel
func TestCursor_MissingIsEmpty(t *testing.T) {
	s := testStore(t)
	scope := types.NewScope("workspace", "w1")

	cursor, err := s.GetCursor(context.Background(), scope.Key(), "notes")
	if err != nil {
		t.Fatalf("GetCursor() failed: %v", err)
	}
	if cursor != "" {
		t.Errorf("GetCursor() = %q, want empty", cursor)
	}
}

// TestCursor_RoundTrip tests cursor persistence per scope and collection
func TestCursor_RoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	scope := types.NewScope("workspace", "w1").Key()
	other := types.NewScope("workspace", "w2").Key()

	if err := s.SetCursor(ctx, scope, "notes", "c-100"); err != nil {
		t.Fatalf("SetCursor() failed: %v", err)
	}
	if err := s.SetCursor(ctx, scope, "tags", "c-5"); err != nil {
		t.Fatalf("SetCursor() failed: %v", err)
	}

	got, err := s.GetCursor(ctx, scope, "notes")
	if err != nil {
		t.Fatalf("GetCursor() failed: %v", err)
	}
	if got != "c-100" {
		t.Errorf("GetCursor(notes) = %q, want %q", got, "c-100")
	}

	// Cursors are isolated per collection and per scope
	got, _ = s.GetCursor(ctx, scope, "tags")
	if got != "c-5" {
		t.Errorf("GetCursor(tags) = %q, want %q", got, "c-5")
	}
	got, _ = s.GetCursor(ctx, other, "notes")
	if got != "" {
		t.Errorf("GetCursor(other scope) = %q, want empty", got)
	}

	// Overwrite advances
	if err := s.SetCursor(ctx, scope, "notes", "c-200"); err != nil {
		t.Fatalf("SetCursor() overwrite failed: %v", err)
	}
	got, _ = s.GetCursor(ctx, scope, "notes")
	if got != "c-200" {
		t.Errorf("GetCursor() after overwrite = %q, want %q", got, "c-200")
	}
}

// TestWithTx_RollbackOnError tests that a returned error rolls back all writes
func TestWithTx_RollbackOnError(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	wantErr := fmt.Errorf("boom")
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sync_meta (key, value, updated_at) VALUES ('k', 'v', '2026-01-01')`)
		if err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		return wantErr
	})
	if err == nil {
		t.Fatal("WithTx() returned nil, want error")
	}

	got, err := s.GetMeta(ctx, "k")
	if err != nil {
		t.Fatalf("GetMeta() failed: %v", err)
	}
	if got != "" {
		t.Errorf("GetMeta() = %q after rollback, want empty", got)
	}
}

// TestTimeFormat_LexicographicOrder tests that encoded timestamps compare
// as strings in the same order as the times themselves
func TestTimeFormat_LexicographicOrder(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	times := []time.Time{
		base,
		base.Add(1 * time.Nanosecond),
		base.Add(900 * time.Millisecond),
		base.Add(1 * time.Second),
		base.Add(1 * time.Hour),
		base.AddDate(0, 1, 0),
	}

	prev := times[0].UTC().Format(TimeFormat)
	for _, tm := range times[1:] {
		cur := tm.UTC().Format(TimeFormat)
		if !(prev < cur) {
			t.Errorf("encoding not monotonic: %q >= %q", prev, cur)
		}
		prev = cur
	}
}

// TestParseTime_RoundTrip tests timestamp encode/decode fidelity
func TestParseTime_RoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 123456789, time.UTC)
	encoded := now.Format(TimeFormat)

	got := ParseTime(encoded)
	if !got.Equal(now) {
		t.Errorf("ParseTime() = %v, want %v", got, now)
	}
}

// TestParseTime_Invalid tests that garbage input yields the zero time
func TestParseTime_Invalid(t *testing.T) {
	if got := ParseTime("not a timestamp"); !got.IsZero() {
		t.Errorf("ParseTime() = %v, want zero time", got)
	}
}
