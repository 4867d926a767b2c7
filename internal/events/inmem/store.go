// Package inmem implements events.Store in memory, grounded on
// runtime/agent/runlog/inmem/inmem.go's append-only store shape.
package inmem

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/flowmesh/conductor/internal/apierrors"
	"github.com/flowmesh/conductor/internal/events"
)

// Store implements events.Store in memory. Safe for concurrent use.
type Store struct {
	mu            sync.Mutex
	eventLog      []*events.Event
	feedItems     []*events.ActivityFeedItem
	subscriptions map[string]*events.Subscription
	attempts      map[string]*events.DeliveryAttempt
	seq           int
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		subscriptions: make(map[string]*events.Subscription),
		attempts:      make(map[string]*events.DeliveryAttempt),
	}
}

func (s *Store) nextID(prefix string) string {
	s.seq++
	return prefix + "-" + strconv.Itoa(s.seq)
}

func now() time.Time { return time.Now() }

// RecordEvent implements events.Store. Both writes happen under the same
// lock, so no reader ever observes one without the other.
func (s *Store) RecordEvent(_ context.Context, e *events.Event, feedItem *events.ActivityFeedItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = s.nextID("evt")
	}
	e.CreatedAt = now()
	eventClone := *e
	s.eventLog = append(s.eventLog, &eventClone)

	if feedItem != nil {
		if feedItem.ID == "" {
			feedItem.ID = s.nextID("feed")
		}
		feedItem.EventID = e.ID
		feedItem.CreatedAt = now()
		itemClone := *feedItem
		s.feedItems = append(s.feedItems, &itemClone)
	}
	return nil
}

// Feed implements events.Store.
func (s *Store) Feed(_ context.Context, tenant string, q events.FeedQuery) ([]*events.ActivityFeedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*events.ActivityFeedItem
	for _, item := range s.feedItems {
		if item.Tenant != tenant {
			continue
		}
		if q.Bucket != "" && item.Bucket != q.Bucket {
			continue
		}
		if q.UserID != "" && item.UserID != q.UserID {
			continue
		}
		if q.UnreadOnly && item.Read {
			continue
		}
		matched = append(matched, item)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	return paginate(matched, q.Offset, q.Limit), nil
}

// MarkRead implements events.Store.
func (s *Store) MarkRead(_ context.Context, tenant string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for _, item := range s.feedItems {
		if item.Tenant != tenant {
			continue
		}
		if _, ok := want[item.ID]; ok {
			item.Read = true
		}
	}
	return nil
}

// EventsFor implements events.Store.
func (s *Store) EventsFor(_ context.Context, kind, id string, limit, offset int) ([]*events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*events.Event
	for _, e := range s.eventLog {
		if e.EventableKind == kind && e.EventableID == id {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	return paginate(matched, offset, limit), nil
}

// Counts implements events.Store.
func (s *Store) Counts(_ context.Context, tenant string, since *time.Time) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, e := range s.eventLog {
		if e.Tenant != tenant {
			continue
		}
		if since != nil && e.CreatedAt.Before(*since) {
			continue
		}
		counts[e.Action]++
	}
	return counts, nil
}

// CreateSubscription implements events.Store.
func (s *Store) CreateSubscription(_ context.Context, sub *events.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == "" {
		sub.ID = s.nextID("sub")
	}
	sub.CreatedAt = now()
	clone := *sub
	s.subscriptions[sub.ID] = &clone
	return nil
}

// GetSubscription implements events.Store.
func (s *Store) GetSubscription(_ context.Context, id string) (*events.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, apierrors.NotFound("subscription", id)
	}
	clone := *sub
	return &clone, nil
}

// ListActiveSubscriptions implements events.Store.
func (s *Store) ListActiveSubscriptions(_ context.Context, tenant string) ([]*events.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*events.Subscription
	for _, sub := range s.subscriptions {
		if sub.Tenant == tenant && sub.Active {
			clone := *sub
			out = append(out, &clone)
		}
	}
	return out, nil
}

// UpdateSubscription implements events.Store.
func (s *Store) UpdateSubscription(_ context.Context, sub *events.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscriptions[sub.ID]; !ok {
		return apierrors.NotFound("subscription", sub.ID)
	}
	clone := *sub
	s.subscriptions[sub.ID] = &clone
	return nil
}

// DeleteSubscription implements events.Store.
func (s *Store) DeleteSubscription(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscriptions[id]; !ok {
		return apierrors.NotFound("subscription", id)
	}
	delete(s.subscriptions, id)
	return nil
}

// CreateDeliveryAttempt implements events.Store.
func (s *Store) CreateDeliveryAttempt(_ context.Context, a *events.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = s.nextID("att")
	}
	a.CreatedAt = now()
	a.UpdatedAt = a.CreatedAt
	clone := *a
	s.attempts[a.ID] = &clone
	return nil
}

// UpdateDeliveryAttempt implements events.Store.
func (s *Store) UpdateDeliveryAttempt(_ context.Context, a *events.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attempts[a.ID]; !ok {
		return apierrors.NotFound("delivery attempt", a.ID)
	}
	a.UpdatedAt = now()
	clone := *a
	s.attempts[a.ID] = &clone
	return nil
}

// Ping implements events.Store.
func (s *Store) Ping(context.Context) error { return nil }

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}
