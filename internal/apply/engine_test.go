package apply

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coastline-hq/driftsync/internal/store"
	"github.com/coastline-hq/driftsync/internal/types"
)

var testScope = types.NewScope("workspace", "w1")

// testStore opens an initialized store for a test
func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return s
}

func testEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	s := testStore(t)
	return New(s, log.New(os.Stderr, "[test] ", 0)), s
}

func upsert(id, data string, at time.Time) types.Change {
	return types.Change{
		Op:        types.ChangeUpsert,
		EntityKey: "note",
		EntityID:  id,
		Data:      []byte(data),
		UpdatedAt: at,
	}
}

func deletion(id string, at time.Time) types.Change {
	return types.Change{
		Op:        types.ChangeDelete,
		EntityKey: "note",
		EntityID:  id,
		UpdatedAt: at,
	}
}

// TestApplyChanges_UpsertAndDelete tests basic application through the row handler
func TestApplyChanges_UpsertAndDelete(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	result, err := e.ApplyChanges(ctx, testScope, []types.Change{
		upsert("n1", `{"title":"a"}`, now),
		upsert("n2", `{"title":"b"}`, now),
		deletion("n2", now.Add(time.Second)),
	}, NewRowHandler(), nil)
	if err != nil {
		t.Fatalf("ApplyChanges() failed: %v", err)
	}
	if result.Applied != 3 || result.Conflicts != 0 || result.Errors != 0 {
		t.Errorf("Result = %+v, want 3 applied", result)
	}

	data, updatedAt, err := GetRow(ctx, s.RawDB(), testScope, "note", "n1")
	if err != nil {
		t.Fatalf("GetRow(n1) failed: %v", err)
	}
	if string(data) != `{"title":"a"}` {
		t.Errorf("n1 data = %s", data)
	}
	if !updatedAt.Equal(now) {
		t.Errorf("n1 updatedAt = %v, want %v", updatedAt, now)
	}

	if _, _, err := GetRow(ctx, s.RawDB(), testScope, "note", "n2"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("GetRow(n2) = %v, want ErrNoRows", err)
	}
}

// TestApplyChanges_Idempotent tests that replaying a batch converges
func TestApplyChanges_Idempotent(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	batch := []types.Change{
		upsert("n1", `{"title":"a"}`, now),
		deletion("n2", now),
	}

	for i := 0; i < 3; i++ {
		result, err := e.ApplyChanges(ctx, testScope, batch, NewRowHandler(), nil)
		if err != nil {
			t.Fatalf("ApplyChanges() pass %d failed: %v", i, err)
		}
		if result.Applied != 2 {
			t.Errorf("pass %d: Applied = %d, want 2", i, result.Applied)
		}
	}

	data, _, err := GetRow(ctx, s.RawDB(), testScope, "note", "n1")
	if err != nil {
		t.Fatalf("GetRow() failed: %v", err)
	}
	if string(data) != `{"title":"a"}` {
		t.Errorf("n1 data = %s after replay", data)
	}
}

// TestApplyChanges_LastWriteWins tests that stale upserts do not clobber newer rows
func TestApplyChanges_LastWriteWins(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	if _, err := e.ApplyChanges(ctx, testScope, []types.Change{
		upsert("n1", `{"v":2}`, now.Add(time.Minute)),
	}, NewRowHandler(), nil); err != nil {
		t.Fatalf("ApplyChanges() failed: %v", err)
	}

	// An older change arrives late
	if _, err := e.ApplyChanges(ctx, testScope, []types.Change{
		upsert("n1", `{"v":1}`, now),
	}, NewRowHandler(), nil); err != nil {
		t.Fatalf("ApplyChanges() failed: %v", err)
	}

	data, _, err := GetRow(ctx, s.RawDB(), testScope, "note", "n1")
	if err != nil {
		t.Fatalf("GetRow() failed: %v", err)
	}
	if string(data) != `{"v":2}` {
		t.Errorf("n1 data = %s, want the newer version", data)
	}
}

// failingHandler errors on a chosen entity ID
type failingHandler struct {
	inner  ChangeHandler
	failID string
}

func (h *failingHandler) ApplyUpsert(ctx context.Context, tx *sql.Tx, scope types.Scope, entityKey, entityID string, data []byte, updatedAt time.Time) error {
	if entityID == h.failID {
		return errors.New("handler rejected change")
	}
	return h.inner.ApplyUpsert(ctx, tx, scope, entityKey, entityID, data, updatedAt)
}

func (h *failingHandler) ApplyDelete(ctx context.Context, tx *sql.Tx, scope types.Scope, entityKey, entityID string, updatedAt time.Time) error {
	if entityID == h.failID {
		return errors.New("handler rejected change")
	}
	return h.inner.ApplyDelete(ctx, tx, scope, entityKey, entityID, updatedAt)
}

// TestApplyChanges_AllOrNothing tests that one bad change rolls back the batch
func TestApplyChanges_AllOrNothing(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	handler := &failingHandler{inner: NewRowHandler(), failID: "n2"}
	result, err := e.ApplyChanges(ctx, testScope, []types.Change{
		upsert("n1", `{"title":"a"}`, now),
		upsert("n2", `{"title":"b"}`, now),
		upsert("n3", `{"title":"c"}`, now),
	}, handler, nil)
	if err != nil {
		t.Fatalf("ApplyChanges() failed: %v", err)
	}
	if result.Applied != 0 {
		t.Errorf("Applied = %d after rollback, want 0", result.Applied)
	}
	if result.Errors != 1 {
		t.Errorf("Errors = %d, want 1", result.Errors)
	}

	// n1 was written inside the transaction but must not be visible
	if _, _, err := GetRow(ctx, s.RawDB(), testScope, "note", "n1"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("GetRow(n1) = %v after rollback, want ErrNoRows", err)
	}
}

// TestApplyChanges_InvalidChange tests that malformed changes abort the batch
func TestApplyChanges_InvalidChange(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	result, err := e.ApplyChanges(ctx, testScope, []types.Change{
		upsert("n1", `{}`, now),
		{Op: types.ChangeOp("merge"), EntityKey: "note", EntityID: "n2"},
	}, NewRowHandler(), nil)
	if err != nil {
		t.Fatalf("ApplyChanges() failed: %v", err)
	}
	if result.Errors != 1 || result.Applied != 0 {
		t.Errorf("Result = %+v, want rolled-back batch with 1 error", result)
	}

	if _, _, err := GetRow(ctx, s.RawDB(), testScope, "note", "n1"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("GetRow(n1) = %v after rollback, want ErrNoRows", err)
	}
}

// stubDetector defers a fixed entity ID
type stubDetector struct {
	deferID  string
	recorded []string
}

func (d *stubDetector) ShouldApplyChange(ctx context.Context, tx *sql.Tx, scope types.Scope, change types.Change) (bool, error) {
	return change.EntityID != d.deferID, nil
}

func (d *stubDetector) OnConflictDetected(ctx context.Context, tx *sql.Tx, scope types.Scope, change types.Change) error {
	d.recorded = append(d.recorded, change.EntityID)
	return nil
}

// TestApplyChanges_ConflictSkip tests that deferred upserts count as conflicts
func TestApplyChanges_ConflictSkip(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	detector := &stubDetector{deferID: "n1"}
	result, err := e.ApplyChanges(ctx, testScope, []types.Change{
		upsert("n1", `{"title":"remote"}`, now),
		upsert("n2", `{"title":"other"}`, now),
	}, NewRowHandler(), detector)
	if err != nil {
		t.Fatalf("ApplyChanges() failed: %v", err)
	}
	if result.Applied != 1 || result.Conflicts != 1 || result.Errors != 0 {
		t.Errorf("Result = %+v, want 1 applied, 1 conflict", result)
	}
	if len(detector.recorded) != 1 || detector.recorded[0] != "n1" {
		t.Errorf("recorded conflicts = %v, want [n1]", detector.recorded)
	}

	// The deferred change was not applied; the other was
	if _, _, err := GetRow(ctx, s.RawDB(), testScope, "note", "n1"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("GetRow(n1) = %v, want ErrNoRows", err)
	}
	if _, _, err := GetRow(ctx, s.RawDB(), testScope, "note", "n2"); err != nil {
		t.Errorf("GetRow(n2) failed: %v", err)
	}
}

// TestApplyChanges_DeleteBypassesDetector tests that deletes are never deferred
func TestApplyChanges_DeleteBypassesDetector(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	if _, err := e.ApplyChanges(ctx, testScope, []types.Change{
		upsert("n1", `{}`, now),
	}, NewRowHandler(), nil); err != nil {
		t.Fatalf("seed ApplyChanges() failed: %v", err)
	}

	detector := &stubDetector{deferID: "n1"}
	result, err := e.ApplyChanges(ctx, testScope, []types.Change{
		deletion("n1", now.Add(time.Second)),
	}, NewRowHandler(), detector)
	if err != nil {
		t.Fatalf("ApplyChanges() failed: %v", err)
	}
	if result.Applied != 1 || result.Conflicts != 0 {
		t.Errorf("Result = %+v, want the delete applied", result)
	}
	if _, _, err := GetRow(ctx, s.RawDB(), testScope, "note", "n1"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("GetRow(n1) = %v, want ErrNoRows", err)
	}
}

// TestApplyChanges_EmptyBatch tests the zero-change fast path
func TestApplyChanges_EmptyBatch(t *testing.T) {
	e, _ := testEngine(t)

	result, err := e.ApplyChanges(context.Background(), testScope, nil, NewRowHandler(), nil)
	if err != nil {
		t.Fatalf("ApplyChanges() failed: %v", err)
	}
	if result != (Result{}) {
		t.Errorf("Result = %+v, want zero", result)
	}
}
