// Package types provides the shared data structures for the driftsync engine.
//
// These are the wire- and storage-neutral representations of scopes,
// outbox operations, remote changes, and sync status that flow between
// the store, queue, processor, delta runner, and orchestrator.
package types

import (
	"fmt"
	"time"
)

// GlobalScopeKey is the partition key used when no explicit scope is active.
const GlobalScopeKey = "global"

// Scope identifies the active synchronization context, e.g. a tenant or
// workspace. The zero value is the global scope.
//
// Exactly one scope is active per orchestrator at a time. The Key() form
// is used as the partition key in all infrastructure tables.
type Scope struct {
	Kind string
	ID   string
}

// NewScope creates a scope for a (kind, id) pair.
func NewScope(kind, id string) Scope {
	return Scope{Kind: kind, ID: id}
}

// IsGlobal reports whether this is the global sentinel scope.
func (s Scope) IsGlobal() bool {
	return s.Kind == "" && s.ID == ""
}

// Key returns the stable string form used as a partition key.
// The global scope serializes to "global"; others to "kind:id".
func (s Scope) Key() string {
	if s.IsGlobal() {
		return GlobalScopeKey
	}
	return s.Kind + ":" + s.ID
}

// String implements fmt.Stringer.
func (s Scope) String() string {
	return s.Key()
}

// OpType classifies a local mutation queued in the outbox.
type OpType string

const (
	OpUpsert OpType = "upsert"
	OpDelete OpType = "delete"
	OpCustom OpType = "custom"
)

// Valid reports whether the op type is one of the known values.
func (t OpType) Valid() bool {
	switch t {
	case OpUpsert, OpDelete, OpCustom:
		return true
	}
	return false
}

// OpState is the lifecycle state of an outbox operation.
//
// State machine: pending -> in_flight -> {succeeded | pending (retry) |
// failed | blocked}. succeeded, failed, and blocked are terminal.
type OpState string

const (
	OpStatePending   OpState = "pending"
	OpStateInFlight  OpState = "in_flight"
	OpStateSucceeded OpState = "succeeded"
	OpStateFailed    OpState = "failed"
	OpStateBlocked   OpState = "blocked"
)

// Terminal reports whether the state can never transition again.
func (s OpState) Terminal() bool {
	switch s {
	case OpStateSucceeded, OpStateFailed, OpStateBlocked:
		return true
	}
	return false
}

// OutboxOp is a durable local mutation awaiting transmission.
type OutboxOp struct {
	ID             string
	ScopeKey       string
	EntityKey      string
	EntityID       string
	OpType         OpType
	IdempotencyKey string
	Payload        []byte
	AttemptCount   int
	State          OpState
	LastError      string
	ClaimedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ChangeOp is the kind of remote change delivered by a pull adapter.
type ChangeOp string

const (
	ChangeUpsert ChangeOp = "upsert"
	ChangeDelete ChangeOp = "delete"
)

// Change is one remote mutation from a delta pull page.
type Change struct {
	Op        ChangeOp  `json:"op"`
	EntityKey string    `json:"entity_key"`
	EntityID  string    `json:"entity_id"`
	Data      []byte    `json:"data,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the change for required fields.
func (c Change) Validate() error {
	if c.Op != ChangeUpsert && c.Op != ChangeDelete {
		return fmt.Errorf("unknown change op %q", c.Op)
	}
	if c.EntityKey == "" {
		return fmt.Errorf("entity_key is required")
	}
	if c.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	return nil
}

// Page is one page of remote changes from a pull adapter.
type Page struct {
	Changes    []Change `json:"changes"`
	NextCursor string   `json:"next_cursor"`
	HasMore    bool     `json:"has_more"`
}

// PushStatus is the per-op outcome reported by a push adapter.
type PushStatus string

const (
	PushSucceeded PushStatus = "succeeded"
	PushFailed    PushStatus = "failed"
	PushBlocked   PushStatus = "blocked"
)

// PushResult is the outcome of pushing a single outbox op.
//
// A failed result carries a retryable flag plus an adapter-defined code
// and message. A blocked result carries a reason requiring external
// action (e.g. re-authentication) before the op can proceed.
type PushResult struct {
	OpID      string     `json:"op_id"`
	Status    PushStatus `json:"status"`
	Retryable bool       `json:"retryable,omitempty"`
	Code      string     `json:"code,omitempty"`
	Message   string     `json:"message,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Conflict is a detected collision between an un-synced local mutation
// and an incoming remote mutation for the same entity.
type Conflict struct {
	ID            string
	ScopeKey      string
	EntityKey     string
	EntityID      string
	LocalVersion  []byte
	RemoteVersion []byte
	CreatedAt     time.Time
	ResolvedAt    *time.Time
}

// Resolved reports whether the conflict has been resolved.
func (c Conflict) Resolved() bool {
	return c.ResolvedAt != nil
}

// SyncStatus is the derived, non-persisted status snapshot broadcast to
// subscribers on every change.
type SyncStatus struct {
	IsOnline         bool
	IsSyncing        bool
	PendingOutboxOps int
	LastSyncAt       *time.Time
	LastError        string
}
