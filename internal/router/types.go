// Package router implements the routing/queue engine: per-provider priority
// queues, rate limiting, concurrency caps, and retry, per spec.md §4.2. The
// Router is a single-process, single-writer dispatcher: a dedicated
// goroutine ("the dispatcher") owns the Request map and all provider queues,
// and every mutator sends a command over a bounded channel and awaits a
// reply, mirroring the teacher's runtime/agent/engine.go command-channel
// shape.
package router

import (
	"context"
	"time"

	"github.com/flowmesh/conductor/internal/request"
)

// ProcessingNotification is emitted onto the outbound dispatch channel each
// time the dispatcher transitions a request to processing (spec §4.2 step
// d). An external backend-adapter worker consumes these; this module only
// defines the channel shape.
type ProcessingNotification struct {
	RequestID   string
	Query       string
	Provider    string
	Model       string
	Metadata    map[string]any
	CallbackURL string
}

// WorkflowDispatcher hands a request off to an external long-running
// workflow engine (spec §3's optional workflow_handle), used for the code
// task type. Implementations must not block the dispatcher goroutine for
// longer than a single dispatch call.
type WorkflowDispatcher interface {
	Dispatch(ctx context.Context, req *request.Request) (handle string, err error)
}

// EnqueueResult is returned by Enqueue.
type EnqueueResult struct {
	QueuePosition   int
	EstimatedWaitMs int64
}

// StatusResult is returned by Status.
type StatusResult struct {
	State         request.State
	QueuePosition *int
}

// CancelOutcome reports the result of Cancel.
type CancelOutcome string

// Cancel outcomes (spec §4.2).
const (
	Cancelled    CancelOutcome = "cancelled"
	InvalidState CancelOutcome = "invalid_state"
)

// ProviderSnapshot summarizes one provider queue for observability (spec
// §4.2 state()).
type ProviderSnapshot struct {
	Key                string
	QueueLength        int
	InFlightCount      int
	RPMCap             int
	CurrentMinuteCount int
	ConcurrentCap      int
}

// StateSnapshot is returned by Router.State.
type StateSnapshot struct {
	Providers []ProviderSnapshot
	Counts    map[request.State]int
}
