// Package deliverable defines the Deliverable entity and its Store port
// per spec.md §3.
package deliverable

import (
	"context"
	"time"
)

// State is a Deliverable lifecycle state.
type State string

// Lifecycle states, per spec §3.
const (
	StatePendingReview State = "pending_review"
	StateApproved      State = "approved"
	StateRejected      State = "rejected"
	StateDelivered     State = "delivered"
	StateFailed        State = "failed"
)

// ContentKind enumerates the recognized deliverable content shapes.
type ContentKind string

// Recognized content kinds.
const (
	ContentText       ContentKind = "text"
	ContentImageURL   ContentKind = "image"
	ContentAudioURL   ContentKind = "audio"
	ContentVideoURL   ContentKind = "video"
	ContentStructured ContentKind = "structured"
)

// Quality is the output of the pure quality-assessment function.
type Quality struct {
	Score    float64
	Passed   bool
	Issues   []string
	SubScore map[string]float64
}

// Deliverable is the stored result of one backend attempt for a request.
type Deliverable struct {
	ID             string
	RequestID      string
	RawResponse    []byte
	ContentKind    ContentKind
	Content        string
	Quality        Quality
	State          State
	RejectReason   string
	FinalOutput    string
	CreatedAt      time.Time
	ReviewedAt     *time.Time
	DeliveredAt    *time.Time
}

// Store is the durable persistence port for Deliverable rows.
type Store interface {
	Create(ctx context.Context, d *Deliverable) error
	Get(ctx context.Context, id string) (*Deliverable, error)
	Update(ctx context.Context, d *Deliverable) error
	GetByRequestID(ctx context.Context, requestID string) (*Deliverable, error)
	Ping(ctx context.Context) error
}
