package outbox

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/coastline-hq/driftsync/internal/types"
)

// fakePushAdapter returns scripted results and records every batch it sees
type fakePushAdapter struct {
	results func(ops []types.OutboxOp) []types.PushResult
	err     error
	batches [][]types.OutboxOp
}

func (f *fakePushAdapter) PushOps(ctx context.Context, scope types.Scope, ops []types.OutboxOp) ([]types.PushResult, error) {
	f.batches = append(f.batches, ops)
	if f.err != nil {
		return nil, f.err
	}
	if f.results != nil {
		return f.results(ops), nil
	}
	return nil, nil
}

// allWith builds one result per op with the given status
func allWith(status types.PushStatus, retryable bool) func([]types.OutboxOp) []types.PushResult {
	return func(ops []types.OutboxOp) []types.PushResult {
		results := make([]types.PushResult, 0, len(ops))
		for _, op := range ops {
			results = append(results, types.PushResult{
				OpID:      op.ID,
				Status:    status,
				Retryable: retryable,
				Message:   "scripted",
				Reason:    "scripted",
			})
		}
		return results
	}
}

func testProcessor(t *testing.T, q *Queue, adapter PushAdapter, config *ProcessorConfig) *Processor {
	t.Helper()
	if config == nil {
		config = DefaultProcessorConfig()
		config.Logger = testLogger()
	}
	p, err := NewProcessor(q, adapter, config)
	if err != nil {
		t.Fatalf("NewProcessor() failed: %v", err)
	}
	return p
}

// TestProcessBatch_Success tests the happy path: push, reconcile, terminal success
func TestProcessBatch_Success(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testScope, "note", "n1", types.OpUpsert, []byte(`{}`), "")
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	adapter := &fakePushAdapter{results: allWith(types.PushSucceeded, false)}
	p := testProcessor(t, q, adapter, nil)

	n, err := p.ProcessBatch(ctx, testScope)
	if err != nil {
		t.Fatalf("ProcessBatch() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("ProcessBatch() = %d, want 1", n)
	}

	op, _ := q.GetOp(ctx, id)
	if op.State != types.OpStateSucceeded {
		t.Errorf("State = %q, want succeeded", op.State)
	}

	// Nothing left: second pass is a no-op and pushes nothing
	n, err = p.ProcessBatch(ctx, testScope)
	if err != nil {
		t.Fatalf("second ProcessBatch() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("second ProcessBatch() = %d, want 0", n)
	}
	if len(adapter.batches) != 1 {
		t.Errorf("adapter saw %d batches, want 1", len(adapter.batches))
	}
}

// TestProcessBatch_FailThenSucceed tests retry with backoff and recovery
func TestProcessBatch_FailThenSucceed(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	now := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	id, err := q.Enqueue(ctx, testScope, "note", "n1", types.OpUpsert, []byte(`{}`), "")
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	adapter := &fakePushAdapter{results: allWith(types.PushFailed, true)}
	p := testProcessor(t, q, adapter, nil)
	p.now = func() time.Time { return now }

	if _, err := p.ProcessBatch(ctx, testScope); err != nil {
		t.Fatalf("ProcessBatch() failed: %v", err)
	}

	op, _ := q.GetOp(ctx, id)
	if op.State != types.OpStatePending {
		t.Fatalf("State = %q after retryable failure, want pending", op.State)
	}
	if op.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", op.AttemptCount)
	}

	// Inside the backoff window the op is not pushed again
	if _, err := p.ProcessBatch(ctx, testScope); err != nil {
		t.Fatalf("ProcessBatch() inside backoff failed: %v", err)
	}
	if len(adapter.batches) != 1 {
		t.Fatalf("adapter saw %d batches inside backoff window, want 1", len(adapter.batches))
	}

	// Past the backoff window the op is retried and succeeds
	now = now.Add(10 * time.Second)
	adapter.results = allWith(types.PushSucceeded, false)

	n, err := p.ProcessBatch(ctx, testScope)
	if err != nil {
		t.Fatalf("ProcessBatch() after backoff failed: %v", err)
	}
	if n != 1 {
		t.Errorf("ProcessBatch() = %d, want 1", n)
	}
	op, _ = q.GetOp(ctx, id)
	if op.State != types.OpStateSucceeded {
		t.Errorf("State = %q, want succeeded", op.State)
	}
}

// TestProcessBatch_MaxAttempts tests terminal failure once attempts are exhausted
func TestProcessBatch_MaxAttempts(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	now := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	config := DefaultProcessorConfig()
	config.Logger = testLogger()
	config.MaxAttempts = 3
	config.BaseDelay = time.Millisecond
	config.MaxDelay = time.Millisecond

	id, err := q.Enqueue(ctx, testScope, "note", "n1", types.OpUpsert, []byte(`{}`), "")
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	adapter := &fakePushAdapter{results: allWith(types.PushFailed, true)}
	p := testProcessor(t, q, adapter, config)
	p.now = func() time.Time { return now }

	// Push until the op fails terminally; advance past each backoff window
	for i := 0; i < config.MaxAttempts+1; i++ {
		if _, err := p.ProcessBatch(ctx, testScope); err != nil {
			t.Fatalf("ProcessBatch() pass %d failed: %v", i, err)
		}
		now = now.Add(time.Second)
	}

	op, _ := q.GetOp(ctx, id)
	if op.State != types.OpStateFailed {
		t.Fatalf("State = %q, want failed", op.State)
	}
	if op.LastError == "" {
		t.Error("LastError is empty on terminal failure")
	}

	// Terminal ops are never pushed again
	batches := len(adapter.batches)
	if _, err := p.ProcessBatch(ctx, testScope); err != nil {
		t.Fatalf("ProcessBatch() after terminal failed: %v", err)
	}
	if len(adapter.batches) != batches {
		t.Error("terminally failed op was pushed again")
	}
}

// TestProcessBatch_Blocked tests that blocked results are terminal with a reason
func TestProcessBatch_Blocked(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testScope, "note", "n1", types.OpUpsert, []byte(`{}`), "")
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	adapter := &fakePushAdapter{results: allWith(types.PushBlocked, false)}
	p := testProcessor(t, q, adapter, nil)

	n, err := p.ProcessBatch(ctx, testScope)
	if err != nil {
		t.Fatalf("ProcessBatch() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("ProcessBatch() = %d, want 0", n)
	}

	op, _ := q.GetOp(ctx, id)
	if op.State != types.OpStateBlocked {
		t.Errorf("State = %q, want blocked", op.State)
	}
	if op.LastError != "scripted" {
		t.Errorf("LastError = %q, want the blocked reason", op.LastError)
	}
}

// TestProcessBatch_NonRetryableFailure tests immediate terminal failure
func TestProcessBatch_NonRetryableFailure(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testScope, "note", "n1", types.OpUpsert, []byte(`{}`), "")
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	adapter := &fakePushAdapter{results: allWith(types.PushFailed, false)}
	p := testProcessor(t, q, adapter, nil)

	if _, err := p.ProcessBatch(ctx, testScope); err != nil {
		t.Fatalf("ProcessBatch() failed: %v", err)
	}

	op, _ := q.GetOp(ctx, id)
	if op.State != types.OpStateFailed {
		t.Errorf("State = %q, want failed", op.State)
	}
	if op.AttemptCount != 0 {
		t.Errorf("AttemptCount = %d, want 0 (no retry)", op.AttemptCount)
	}
}

// TestProcessBatch_AdapterError tests total transport failure: ops requeued
func TestProcessBatch_AdapterError(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testScope, "note", "n1", types.OpUpsert, []byte(`{}`), "")
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	adapter := &fakePushAdapter{err: fmt.Errorf("connection refused")}
	p := testProcessor(t, q, adapter, nil)

	_, err = p.ProcessBatch(ctx, testScope)
	if err == nil {
		t.Fatal("ProcessBatch() returned nil on adapter failure")
	}

	op, _ := q.GetOp(ctx, id)
	if op.State != types.OpStatePending {
		t.Errorf("State = %q after adapter failure, want pending", op.State)
	}
	if op.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", op.AttemptCount)
	}
}

// TestProcessBatch_MissingResult tests that unreported ops are retried
func TestProcessBatch_MissingResult(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testScope, "note", "n1", types.OpUpsert, []byte(`{}`), "")
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	// Adapter returns an empty result set
	adapter := &fakePushAdapter{results: func([]types.OutboxOp) []types.PushResult { return nil }}
	p := testProcessor(t, q, adapter, nil)

	n, err := p.ProcessBatch(ctx, testScope)
	if err != nil {
		t.Fatalf("ProcessBatch() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("ProcessBatch() = %d, want 0", n)
	}

	op, _ := q.GetOp(ctx, id)
	if op.State != types.OpStatePending {
		t.Errorf("State = %q, want pending", op.State)
	}
	if op.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", op.AttemptCount)
	}
}

// TestProcessBatch_BatchSizeLimit tests that at most BatchSize ops are pushed per pass
func TestProcessBatch_BatchSizeLimit(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	config := DefaultProcessorConfig()
	config.Logger = testLogger()
	config.BatchSize = 2

	for i := 0; i < 5; i++ {
		if _, err := q.Enqueue(ctx, testScope, "note", fmt.Sprintf("n%d", i), types.OpUpsert, nil, ""); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}

	adapter := &fakePushAdapter{results: allWith(types.PushSucceeded, false)}
	p := testProcessor(t, q, adapter, config)

	n, err := p.ProcessBatch(ctx, testScope)
	if err != nil {
		t.Fatalf("ProcessBatch() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("ProcessBatch() = %d, want 2", n)
	}
	if len(adapter.batches) != 1 || len(adapter.batches[0]) != 2 {
		t.Errorf("adapter batch sizes = %v, want one batch of 2", batchSizes(adapter.batches))
	}
}

func batchSizes(batches [][]types.OutboxOp) []int {
	sizes := make([]int, len(batches))
	for i, b := range batches {
		sizes[i] = len(b)
	}
	return sizes
}
