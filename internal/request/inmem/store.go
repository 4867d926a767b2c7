// Package inmem is an in-memory request.Store, used as the default store
// and by tests. It mirrors the clone-on-read, RWMutex shape of the
// teacher's runtime/agent/session/inmem/store.go.
package inmem

import (
	"context"
	"sync"

	"github.com/flowmesh/conductor/internal/apierrors"
	"github.com/flowmesh/conductor/internal/request"
)

// Store is an in-memory implementation of request.Store. Safe for
// concurrent use.
type Store struct {
	mu       sync.RWMutex
	requests map[string]*request.Request
}

// New returns an empty Store.
func New() *Store {
	return &Store{requests: make(map[string]*request.Request)}
}

// Create implements request.Store.
func (s *Store) Create(_ context.Context, r *request.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.requests[r.ID]
	if !ok {
		s.requests[r.ID] = clone(r)
		return nil
	}
	if existing.State.Terminal() {
		return apierrors.ErrConflict
	}
	// Idempotent resubmission: last-write-wins on Query/Hints, no state change.
	existing.Query = r.Query
	existing.Hints = r.Hints
	return nil
}

// Get implements request.Store.
func (s *Store) Get(_ context.Context, id string) (*request.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, apierrors.NotFound("request", id)
	}
	return clone(r), nil
}

// Update implements request.Store.
func (s *Store) Update(_ context.Context, r *request.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[r.ID]; !ok {
		return apierrors.NotFound("request", r.ID)
	}
	s.requests[r.ID] = clone(r)
	return nil
}

// ListByState implements request.Store.
func (s *Store) ListByState(_ context.Context, state request.State) ([]*request.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*request.Request
	for _, r := range s.requests {
		if r.State == state {
			out = append(out, clone(r))
		}
	}
	return out, nil
}

// Ping implements request.Store.
func (s *Store) Ping(context.Context) error { return nil }

func clone(in *request.Request) *request.Request {
	out := *in
	if in.QueuePosition != nil {
		v := *in.QueuePosition
		out.QueuePosition = &v
	}
	if in.QueuedAt != nil {
		v := *in.QueuedAt
		out.QueuedAt = &v
	}
	if in.StartedAt != nil {
		v := *in.StartedAt
		out.StartedAt = &v
	}
	if in.CompletedAt != nil {
		v := *in.CompletedAt
		out.CompletedAt = &v
	}
	if in.Hints.Metadata != nil {
		md := make(map[string]any, len(in.Hints.Metadata))
		for k, v := range in.Hints.Metadata {
			md[k] = v
		}
		out.Hints.Metadata = md
	}
	if in.Hints.ModelWaterfall != nil {
		out.Hints.ModelWaterfall = append([]string(nil), in.Hints.ModelWaterfall...)
	}
	return &out
}
