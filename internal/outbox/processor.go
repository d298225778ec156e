package outbox

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/coastline-hq/driftsync/internal/types"
)

// PushAdapter transmits claimed ops to the remote system.
//
// Implementations must handle duplicate delivery of the same idempotency
// key safely: the processor guarantees at-least-once delivery, not
// exactly-once. One result is expected per op, keyed by op ID; a missing
// result is treated as a transient fault and the op is retried.
type PushAdapter interface {
	PushOps(ctx context.Context, scope types.Scope, ops []types.OutboxOp) ([]types.PushResult, error)
}

// ProcessorConfig configures the outbox processor.
type ProcessorConfig struct {
	// BatchSize is the maximum number of ops claimed and pushed per pass.
	BatchSize int

	// FetchMultiplier controls the working-set size fetched before
	// backoff filtering: BatchSize * FetchMultiplier pending rows.
	FetchMultiplier int

	// MaxAttempts is the attempt count at which an op fails terminally.
	MaxAttempts int

	// BaseDelay and MaxDelay bound the exponential retry backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// StaleClaim is how old an in_flight lease must be before it is
	// reclaimed at the start of a pass.
	StaleClaim time.Duration

	// Logger for processor activity.
	Logger *log.Logger
}

// DefaultProcessorConfig returns sensible defaults.
func DefaultProcessorConfig() *ProcessorConfig {
	return &ProcessorConfig{
		BatchSize:       50,
		FetchMultiplier: 4,
		MaxAttempts:     8,
		BaseDelay:       1 * time.Second,
		MaxDelay:        5 * time.Minute,
		StaleClaim:      DefaultStaleClaim,
		Logger:          log.New(os.Stderr, "[outbox] ", log.LstdFlags),
	}
}

// Processor drains the outbox by pushing claimed ops through a push
// adapter and reconciling per-op results into queue state transitions.
type Processor struct {
	queue   *Queue
	adapter PushAdapter
	config  *ProcessorConfig
	rng     *rand.Rand
	now     func() time.Time

	// Reentrancy guard: only one ProcessBatch may run at a time.
	running int32
}

// NewProcessor creates a processor over the queue and push adapter.
func NewProcessor(queue *Queue, adapter PushAdapter, config *ProcessorConfig) (*Processor, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if adapter == nil {
		return nil, fmt.Errorf("adapter cannot be nil")
	}
	if config == nil {
		config = DefaultProcessorConfig()
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive")
	}
	if config.FetchMultiplier <= 0 {
		config.FetchMultiplier = 4
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[outbox] ", log.LstdFlags)
	}

	return &Processor{
		queue:   queue,
		adapter: adapter,
		config:  config,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}, nil
}

// ProcessBatch runs one push pass for the scope and returns the number of
// ops that newly succeeded. Zero means there is nothing left to do now:
// the outbox is empty, everything ready is terminal, or all retry
// candidates are still inside their backoff window.
//
// Concurrent calls return 0 immediately; only one pass runs per processor
// instance at a time. Per-op push failures are recorded on the op and do
// not produce an error here; only a totally failed adapter call aborts
// the pass with an error.
func (p *Processor) ProcessBatch(ctx context.Context, scope types.Scope) (int, error) {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return 0, nil
	}
	defer atomic.StoreInt32(&p.running, 0)

	// Crash recovery: free abandoned leases before looking at the queue.
	if _, err := p.queue.ReclaimStale(ctx, scope, p.now().Add(-p.config.StaleClaim)); err != nil {
		return 0, err
	}

	// Fetch a working set larger than the batch so backoff filtering
	// still yields a full batch when some candidates are waiting.
	working, err := p.queue.ListPending(ctx, scope, p.config.BatchSize*p.config.FetchMultiplier)
	if err != nil {
		return 0, err
	}
	if len(working) == 0 {
		return 0, nil
	}

	ready := make([]string, 0, p.config.BatchSize)
	now := p.now()
	for _, op := range working {
		// Exhausted ops fail terminally instead of waiting out another
		// backoff window.
		if op.AttemptCount >= p.config.MaxAttempts {
			msg := fmt.Sprintf("max attempts exceeded (%d)", op.AttemptCount)
			if err := p.queue.UpdateState(ctx, op.ID, types.OpStateFailed, msg); err != nil {
				p.config.Logger.Printf("Failed to terminally fail op %s: %v", op.ID, err)
			}
			continue
		}

		if !p.readyAt(op, now) {
			continue
		}

		ready = append(ready, op.ID)
		if len(ready) >= p.config.BatchSize {
			break
		}
	}
	if len(ready) == 0 {
		return 0, nil
	}

	claimed, err := p.queue.ClaimOps(ctx, ready)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	results, err := p.adapter.PushOps(ctx, scope, claimed)
	if err != nil {
		// The adapter call itself failed: no op-level outcomes exist.
		// Requeue the claimed ops with backoff so the transport fault is
		// retried rather than waiting out the stale-claim window.
		for _, op := range claimed {
			if rerr := p.queue.MarkForRetry(ctx, op.ID, fmt.Sprintf("push adapter: %v", err)); rerr != nil {
				p.config.Logger.Printf("Failed to requeue op %s after adapter error: %v", op.ID, rerr)
			}
		}
		return 0, fmt.Errorf("push adapter failed: %w", err)
	}

	byOp := make(map[string]types.PushResult, len(results))
	for _, r := range results {
		byOp[r.OpID] = r
	}

	succeeded := 0
	for _, op := range claimed {
		result, ok := byOp[op.ID]
		if !ok {
			// Never silently drop a claimed op.
			if err := p.queue.MarkForRetry(ctx, op.ID, "no result returned by push adapter"); err != nil {
				p.config.Logger.Printf("Failed to retry unreported op %s: %v", op.ID, err)
			}
			continue
		}

		if err := p.reconcile(ctx, op, result); err != nil {
			p.config.Logger.Printf("Failed to reconcile op %s: %v", op.ID, err)
			continue
		}
		if result.Status == types.PushSucceeded {
			succeeded++
		}
	}

	return succeeded, nil
}

// reconcile maps one push result onto a queue state transition.
func (p *Processor) reconcile(ctx context.Context, op types.OutboxOp, result types.PushResult) error {
	switch result.Status {
	case types.PushSucceeded:
		return p.queue.UpdateState(ctx, op.ID, types.OpStateSucceeded, "")

	case types.PushBlocked:
		// Requires external action (e.g. re-authentication); kept
		// distinct from failed so the UI can surface it differently.
		return p.queue.UpdateState(ctx, op.ID, types.OpStateBlocked, result.Reason)

	case types.PushFailed:
		msg := result.Message
		if result.Code != "" {
			msg = fmt.Sprintf("%s: %s", result.Code, result.Message)
		}
		if result.Retryable && op.AttemptCount+1 < p.config.MaxAttempts {
			return p.queue.MarkForRetry(ctx, op.ID, msg)
		}
		if result.Retryable {
			msg = fmt.Sprintf("max attempts exceeded: %s", msg)
		}
		return p.queue.UpdateState(ctx, op.ID, types.OpStateFailed, msg)

	default:
		return p.queue.MarkForRetry(ctx, op.ID, fmt.Sprintf("unknown push status %q", result.Status))
	}
}

// readyAt reports whether an op's backoff window has elapsed at now.
// An op that has never been attempted is always ready.
func (p *Processor) readyAt(op types.OutboxOp, now time.Time) bool {
	if op.AttemptCount == 0 {
		return true
	}
	delay := backoffDelay(op.AttemptCount, p.config.BaseDelay, p.config.MaxDelay, randJitter(p.rng))
	return !now.Before(op.UpdatedAt.Add(delay))
}
