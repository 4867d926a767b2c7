// Package request defines the Request entity, its lifecycle, and the Store
// port every durable backend implements, per spec.md §3.
package request

import (
	"context"
	"time"
)

// State is a Request lifecycle state.
type State string

// Lifecycle states, per spec §3.
const (
	StatePending    State = "pending"
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether s is a terminal lifecycle state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Hints carries the optional structured submission fields.
type Hints struct {
	TaskType       string
	Provider       string
	Model          string
	ModelWaterfall []string
	Priority       int
	CallbackURL    string
	Metadata       map[string]any
	RepoURL        string
	Executor       string
}

// Request is the primary entity of the pipeline (spec §3).
type Request struct {
	ID             string
	Tenant         string
	App            string
	InstanceID     string
	Query          string
	Hints          Hints
	State          State
	QueuePosition  *int
	RetryCount     int
	MaxRetries     int
	LastError      string
	CreatedAt      time.Time
	QueuedAt       *time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	WorkflowHandle string

	// Provider/Model are the resolved classification/routing outputs, set
	// once at submission time and stable thereafter.
	Provider string
	Model    string
}

// Store is the durable persistence port for Request rows.
//
// Implementations must make Create/Get/Update operations safe for
// concurrent use; the router is the sole mutator of State/QueuePosition/
// RetryCount via Update, but Get/List may be called concurrently from
// any component.
type Store interface {
	// Create inserts a new Request in StatePending. Create is idempotent on
	// a reused client-supplied id: if the existing row is non-terminal,
	// Create overwrites its Hints/Query (last-write-wins) without changing
	// State; if the existing row is terminal, Create returns ErrConflict.
	Create(ctx context.Context, r *Request) error

	// Get returns the Request by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Request, error)

	// Update persists the full Request row. Callers must have already
	// validated the transition; Update does not re-validate lifecycle
	// invariants.
	Update(ctx context.Context, r *Request) error

	// ListByState returns all requests currently in the given state, used
	// by the reaper sweep and by cold-start recovery.
	ListByState(ctx context.Context, state State) ([]*Request, error)

	// Ping verifies connectivity to the backing store.
	Ping(ctx context.Context) error
}
