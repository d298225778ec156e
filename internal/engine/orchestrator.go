// Package engine provides the sync orchestrator that coordinates the
// outbox processor and delta runner.
//
// The orchestrator:
// 1. Drains the outbox on a fixed poll interval while ops are pending
// 2. Runs debounced delta pulls when the remote signals a change
// 3. Sequences push-then-pull for foreground syncs
// 4. Pauses while the host app is backgrounded and resyncs on foreground
// 5. Broadcasts a status snapshot to subscribers on every change
//
// Exactly one scope is active at a time; activating a new scope replaces
// the previous one. One orchestrator instance per scope is assumed -
// claim leasing in the outbox is the only concurrency guard, and
// cross-process locking is explicitly out of scope.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/coastline-hq/driftsync/internal/apply"
	"github.com/coastline-hq/driftsync/internal/delta"
	"github.com/coastline-hq/driftsync/internal/outbox"
	"github.com/coastline-hq/driftsync/internal/store"
	"github.com/coastline-hq/driftsync/internal/types"
)

// SignalAdapter delivers lightweight "something changed remotely"
// notifications. At most one attachment exists per active scope. The
// signal carries no data; it only prompts a delta pull.
type SignalAdapter interface {
	Attach(ctx context.Context, scope types.Scope, onSignal func(), onErr func(error)) (unsubscribe func(), err error)
}

// OnlineChecker reports current network availability.
type OnlineChecker interface {
	Online() bool
}

// AlwaysOnline is the default checker for environments without network
// status integration.
type AlwaysOnline struct{}

// Online implements OnlineChecker.
func (AlwaysOnline) Online() bool { return true }

// Config configures the orchestrator.
type Config struct {
	// PollInterval is how often the steady-state outbox poll fires.
	PollInterval time.Duration

	// DebounceInterval collapses signal bursts into a single delta pull.
	DebounceInterval time.Duration

	// CleanupInterval is how often succeeded outbox ops are purged.
	CleanupInterval time.Duration

	// Retention is how long succeeded ops are kept before purging.
	Retention time.Duration

	// Collections are the remote collections pulled on each delta run.
	Collections []string

	// Clock drives all timers; defaults to the real clock.
	Clock Clock

	// Logger for orchestrator activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:     2 * time.Second,
		DebounceInterval: 1 * time.Second,
		CleanupInterval:  1 * time.Hour,
		Retention:        24 * time.Hour,
		Clock:            NewClock(),
		Logger:           log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// Orchestrator is the top-level sync coordinator.
type Orchestrator struct {
	store     *store.Store
	queue     *outbox.Queue
	processor *outbox.Processor
	runner    *delta.Runner
	signal    SignalAdapter
	online    OnlineChecker
	config    *Config
	clock     Clock
	logger    *log.Logger

	mu           sync.Mutex
	started      bool
	paused       bool
	syncing      bool
	scope        *types.Scope
	detachSignal func()
	debounce     Timer
	status       types.SyncStatus
	subs         map[int]chan types.SyncStatus
	nextSub      int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator.
//
// signal may be nil when no signal adapter is available; the poll timer
// and manual syncs still provide forward progress. online may be nil,
// defaulting to AlwaysOnline.
func New(s *store.Store, queue *outbox.Queue, processor *outbox.Processor, runner *delta.Runner, signal SignalAdapter, online OnlineChecker, config *Config) (*Orchestrator, error) {
	if s == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if processor == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 1 * time.Second
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 1 * time.Hour
	}
	if config.Retention <= 0 {
		config.Retention = 24 * time.Hour
	}
	if config.Clock == nil {
		config.Clock = NewClock()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if online == nil {
		online = AlwaysOnline{}
	}

	return &Orchestrator{
		store:     s,
		queue:     queue,
		processor: processor,
		runner:    runner,
		signal:    signal,
		online:    online,
		config:    config,
		clock:     config.Clock,
		logger:    config.Logger,
		subs:      make(map[int]chan types.SyncStatus),
	}, nil
}

// Start begins background operation: the outbox poll loop and the
// retention cleanup loop. If a scope is already active its signal
// listener is attached. Start does not block.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return fmt.Errorf("orchestrator already started")
	}
	o.started = true
	o.ctx, o.cancel = context.WithCancel(context.Background())

	o.updateStatusLocked(func(s *types.SyncStatus) {
		s.IsOnline = o.online.Online()
	})

	o.wg.Add(2)
	go o.pollLoop(o.ctx)
	go o.cleanupLoop(o.ctx)

	if o.scope != nil {
		o.attachSignalLocked()
	}

	o.logger.Printf("Orchestrator started")
	return nil
}

// Stop detaches listeners and stops timers synchronously, then waits for
// the loops to exit. An adapter call already in flight is not cancelled;
// it completes and its result is reconciled normally, which is safe
// because every remote operation is idempotent.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	o.cancel()
	o.stopDebounceLocked()
	o.detachSignalLocked()
	o.mu.Unlock()

	o.wg.Wait()
	o.logger.Printf("Orchestrator stopped")
}

// StartScopeSync activates a scope, replacing any previous one, and runs
// one initial delta pull.
func (o *Orchestrator) StartScopeSync(ctx context.Context, scope types.Scope) error {
	o.mu.Lock()
	o.stopDebounceLocked()
	o.detachSignalLocked()
	o.scope = &scope

	if count, err := o.queue.CountPending(ctx, scope); err == nil {
		o.updateStatusLocked(func(s *types.SyncStatus) {
			s.PendingOutboxOps = count
		})
	} else {
		o.logger.Printf("Failed to refresh pending count: %v", err)
	}

	if o.started {
		o.attachSignalLocked()
	}
	o.mu.Unlock()

	o.logger.Printf("Scope activated: %s", scope.Key())
	o.runDeltaPulls(ctx, scope)
	return nil
}

// StopScopeSync deactivates the current scope, detaching its signal
// listener and cancelling any pending debounced pull.
func (o *Orchestrator) StopScopeSync() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.stopDebounceLocked()
	o.detachSignalLocked()
	o.scope = nil
}

// TriggerForegroundSync runs a sequential push-then-pull: the outbox is
// drained while online, then every configured collection is pulled.
// Adapter errors are captured into the status snapshot, never returned;
// callers read Status().LastError for the outcome.
func (o *Orchestrator) TriggerForegroundSync(ctx context.Context) {
	o.mu.Lock()
	if o.scope == nil || o.syncing {
		o.mu.Unlock()
		return
	}
	scope := *o.scope
	o.syncing = true
	o.updateStatusLocked(func(s *types.SyncStatus) {
		s.IsSyncing = true
	})
	o.mu.Unlock()

	var syncErr error
	if o.online.Online() {
		syncErr = o.drainOutbox(ctx, scope)
	}
	if syncErr == nil {
		if _, err := o.runner.RunAll(ctx, scope, o.config.Collections); err != nil {
			syncErr = err
		}
	}
	if syncErr != nil {
		o.logger.Printf("Foreground sync error: %v", syncErr)
	}

	pending, countErr := o.queue.CountPending(ctx, scope)

	o.mu.Lock()
	o.syncing = false
	now := o.clock.Now()
	o.updateStatusLocked(func(s *types.SyncStatus) {
		s.IsSyncing = false
		s.IsOnline = o.online.Online()
		s.LastSyncAt = &now
		if syncErr != nil {
			s.LastError = syncErr.Error()
		} else {
			s.LastError = ""
		}
		if countErr == nil {
			s.PendingOutboxOps = pending
		}
	})
	o.mu.Unlock()
}

// EnterBackground pauses sync activity while the host app is
// backgrounded. The poll timer stays armed but inert.
func (o *Orchestrator) EnterBackground() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.paused = true
	o.stopDebounceLocked()
	o.detachSignalLocked()
	o.logger.Printf("Paused (app backgrounded)")
}

// EnterForeground resumes sync activity and runs one full foreground
// sync to catch up.
func (o *Orchestrator) EnterForeground(ctx context.Context) {
	o.mu.Lock()
	o.paused = false
	if o.started && o.scope != nil {
		o.attachSignalLocked()
	}
	o.mu.Unlock()

	o.logger.Printf("Resumed (app foregrounded)")
	o.TriggerForegroundSync(ctx)
}

// ForceSignal injects a synthetic remote-change signal. Debug hook for
// test and dev tooling; goes through the same debounce as real signals.
func (o *Orchestrator) ForceSignal() {
	o.onSignal()
}

// Status returns a snapshot of the current sync status.
func (o *Orchestrator) Status() types.SyncStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Subscribe registers for status updates. The returned channel receives a
// snapshot on every status change; the cancel function unregisters it.
// Slow subscribers miss intermediate snapshots rather than blocking the
// orchestrator.
func (o *Orchestrator) Subscribe() (<-chan types.SyncStatus, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextSub
	o.nextSub++
	ch := make(chan types.SyncStatus, 8)
	o.subs[id] = ch

	cancel := func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if sub, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// MutateUpsert writes an entity row and enqueues its outbox op in one
// transaction, so the local mutation is either fully durable or not
// visible at all. Returns the new op's ID.
func (o *Orchestrator) MutateUpsert(ctx context.Context, entityKey, entityID string, payload []byte, idempotencyKey string) (string, error) {
	return o.mutate(ctx, types.OpUpsert, entityKey, entityID, payload, idempotencyKey)
}

// MutateDelete removes an entity row and enqueues the delete op in one
// transaction. Returns the new op's ID.
func (o *Orchestrator) MutateDelete(ctx context.Context, entityKey, entityID string, idempotencyKey string) (string, error) {
	return o.mutate(ctx, types.OpDelete, entityKey, entityID, nil, idempotencyKey)
}

func (o *Orchestrator) mutate(ctx context.Context, opType types.OpType, entityKey, entityID string, payload []byte, idempotencyKey string) (string, error) {
	o.mu.Lock()
	if o.scope == nil {
		o.mu.Unlock()
		return "", fmt.Errorf("no active scope")
	}
	scope := *o.scope
	o.mu.Unlock()

	handler := apply.NewRowHandler()
	now := o.clock.Now()

	var opID string
	err := o.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		switch opType {
		case types.OpUpsert:
			err = handler.ApplyUpsert(ctx, tx, scope, entityKey, entityID, payload, now)
		case types.OpDelete:
			err = handler.ApplyDelete(ctx, tx, scope, entityKey, entityID, now)
		default:
			err = fmt.Errorf("unsupported mutation op %q", opType)
		}
		if err != nil {
			return err
		}
		opID, err = o.queue.EnqueueTx(ctx, tx, scope, entityKey, entityID, opType, payload, idempotencyKey)
		return err
	})
	if err != nil {
		return "", err
	}

	if count, err := o.queue.CountPending(ctx, scope); err == nil {
		o.mu.Lock()
		o.updateStatusLocked(func(s *types.SyncStatus) {
			s.PendingOutboxOps = count
		})
		o.mu.Unlock()
	}

	return opID, nil
}

// pollLoop is the steady-state push path: on every tick, if online, not
// paused, not already syncing, and ops are pending, one outbox drain pass
// runs. This is independent of any pull signal.
func (o *Orchestrator) pollLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := o.clock.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			o.pollTick(ctx)
		}
	}
}

func (o *Orchestrator) pollTick(ctx context.Context) {
	o.mu.Lock()
	if !o.started || o.paused || o.syncing || o.scope == nil {
		o.mu.Unlock()
		return
	}
	scope := *o.scope

	online := o.online.Online()
	o.updateStatusLocked(func(s *types.SyncStatus) {
		s.IsOnline = online
	})
	o.mu.Unlock()

	pending, err := o.queue.CountPending(ctx, scope)
	if err != nil {
		o.logger.Printf("Poll: failed to count pending ops: %v", err)
		return
	}

	o.mu.Lock()
	o.updateStatusLocked(func(s *types.SyncStatus) {
		s.PendingOutboxOps = pending
	})
	o.mu.Unlock()

	if !online || pending == 0 {
		return
	}

	// An in-flight push is allowed to finish even if Stop is called mid
	// tick; results reconcile normally because pushes are idempotent.
	if err := o.drainOutbox(context.WithoutCancel(ctx), scope); err != nil {
		o.mu.Lock()
		o.updateStatusLocked(func(s *types.SyncStatus) {
			s.LastError = err.Error()
		})
		o.mu.Unlock()
	}
}

// drainOutbox repeatedly processes batches until nothing is left to do.
func (o *Orchestrator) drainOutbox(ctx context.Context, scope types.Scope) error {
	for {
		n, err := o.processor.ProcessBatch(ctx, scope)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// runDeltaPulls pulls all configured collections and records the outcome
// in the status snapshot. Pull-only: the outbox is not drained here.
func (o *Orchestrator) runDeltaPulls(ctx context.Context, scope types.Scope) {
	if !o.online.Online() {
		return
	}

	_, err := o.runner.RunAll(ctx, scope, o.config.Collections)
	if err != nil {
		o.logger.Printf("Delta pull error: %v", err)
	}

	now := o.clock.Now()
	o.mu.Lock()
	o.updateStatusLocked(func(s *types.SyncStatus) {
		s.LastSyncAt = &now
		if err != nil {
			s.LastError = err.Error()
		} else {
			s.LastError = ""
		}
	})
	o.mu.Unlock()
}

// onSignal collapses signal bursts into a single delta pull via a
// cancellable delayed task. Signals never trigger a full outbox+delta
// sync: the remote signal concerns pull-side changes only.
func (o *Orchestrator) onSignal() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.scope == nil {
		return
	}

	o.stopDebounceLocked()
	o.debounce = o.clock.AfterFunc(o.config.DebounceInterval, func() {
		o.mu.Lock()
		o.debounce = nil
		if o.scope == nil || o.paused {
			o.mu.Unlock()
			return
		}
		scope := *o.scope
		o.mu.Unlock()

		o.runDeltaPulls(context.Background(), scope)
	})
}

// attachSignalLocked attaches the signal listener for the active scope.
// Caller must hold o.mu.
func (o *Orchestrator) attachSignalLocked() {
	if o.signal == nil || o.scope == nil || o.detachSignal != nil {
		return
	}

	scope := *o.scope
	unsubscribe, err := o.signal.Attach(o.ctx, scope,
		o.onSignal,
		func(err error) {
			o.logger.Printf("Signal adapter error: %v", err)
		})
	if err != nil {
		o.logger.Printf("Failed to attach signal listener for %s: %v", scope.Key(), err)
		return
	}
	o.detachSignal = unsubscribe
}

// detachSignalLocked detaches the signal listener. Caller must hold o.mu.
func (o *Orchestrator) detachSignalLocked() {
	if o.detachSignal != nil {
		o.detachSignal()
		o.detachSignal = nil
	}
}

// stopDebounceLocked cancels a pending debounced pull. Caller must hold o.mu.
func (o *Orchestrator) stopDebounceLocked() {
	if o.debounce != nil {
		o.debounce.Stop()
		o.debounce = nil
	}
}

// cleanupLoop periodically purges succeeded outbox ops older than the
// retention window.
func (o *Orchestrator) cleanupLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := o.clock.NewTicker(o.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			cutoff := o.clock.Now().Add(-o.config.Retention)
			if _, err := o.queue.PurgeSucceeded(ctx, cutoff); err != nil {
				o.logger.Printf("Cleanup error: %v", err)
			}
		}
	}
}

// updateStatusLocked mutates the status and broadcasts the new snapshot
// to all subscribers. Caller must hold o.mu.
func (o *Orchestrator) updateStatusLocked(mutate func(*types.SyncStatus)) {
	mutate(&o.status)
	for _, ch := range o.subs {
		select {
		case ch <- o.status:
		default:
		}
	}
}
