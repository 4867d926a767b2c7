// Package inmem is an in-memory deliverable.Store, the default store and
// the one used by tests.
package inmem

import (
	"context"
	"sync"

	"github.com/flowmesh/conductor/internal/apierrors"
	"github.com/flowmesh/conductor/internal/deliverable"
)

// Store is an in-memory implementation of deliverable.Store. Safe for
// concurrent use.
type Store struct {
	mu           sync.RWMutex
	deliverables map[string]*deliverable.Deliverable
	byRequest    map[string]string
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		deliverables: make(map[string]*deliverable.Deliverable),
		byRequest:    make(map[string]string),
	}
}

// Create implements deliverable.Store.
func (s *Store) Create(_ context.Context, d *deliverable.Deliverable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliverables[d.ID] = clone(d)
	s.byRequest[d.RequestID] = d.ID
	return nil
}

// Get implements deliverable.Store.
func (s *Store) Get(_ context.Context, id string) (*deliverable.Deliverable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliverables[id]
	if !ok {
		return nil, apierrors.NotFound("deliverable", id)
	}
	return clone(d), nil
}

// Update implements deliverable.Store.
func (s *Store) Update(_ context.Context, d *deliverable.Deliverable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deliverables[d.ID]; !ok {
		return apierrors.NotFound("deliverable", d.ID)
	}
	s.deliverables[d.ID] = clone(d)
	return nil
}

// GetByRequestID implements deliverable.Store.
func (s *Store) GetByRequestID(_ context.Context, requestID string) (*deliverable.Deliverable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byRequest[requestID]
	if !ok {
		return nil, apierrors.NotFound("deliverable for request", requestID)
	}
	return clone(s.deliverables[id]), nil
}

// Ping implements deliverable.Store.
func (s *Store) Ping(context.Context) error { return nil }

func clone(in *deliverable.Deliverable) *deliverable.Deliverable {
	out := *in
	out.RawResponse = append([]byte(nil), in.RawResponse...)
	out.Quality.Issues = append([]string(nil), in.Quality.Issues...)
	if in.Quality.SubScore != nil {
		sub := make(map[string]float64, len(in.Quality.SubScore))
		for k, v := range in.Quality.SubScore {
			sub[k] = v
		}
		out.Quality.SubScore = sub
	}
	if in.ReviewedAt != nil {
		v := *in.ReviewedAt
		out.ReviewedAt = &v
	}
	if in.DeliveredAt != nil {
		v := *in.DeliveredAt
		out.DeliveredAt = &v
	}
	return &out
}
