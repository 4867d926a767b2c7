package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/conductor/internal/telemetry"
)

// Dispatcher fans an event out to every matching active subscription. It
// must not block the caller beyond accepting the event (spec §4.4 step 3:
// "fan-out MUST NOT block the track return"); implementations return
// immediately and do their work asynchronously.
type Dispatcher interface {
	Dispatch(event *Event, subs []*Subscription)
}

// Tracker is the Event Tracker component (spec §4.4).
type Tracker struct {
	store      Store
	dispatcher Dispatcher
	logger     telemetry.Logger
}

// New constructs a Tracker.
func New(store Store, dispatcher Dispatcher, logger telemetry.Logger) *Tracker {
	return &Tracker{store: store, dispatcher: dispatcher, logger: logger}
}

// Track records a domain event and drives its feed projection and webhook
// fan-out, per spec §4.4's three-step algorithm.
func (t *Tracker) Track(ctx context.Context, e Event) error {
	e.ID = uuid.NewString()

	var item *ActivityFeedItem
	if tmpl, ok := feedTemplates[e.Action]; ok {
		title, description := tmpl.interpolate(e.Particulars)
		bucket := "global"
		if e.UserID != "" {
			bucket = "user"
		}
		item = &ActivityFeedItem{
			ID:          uuid.NewString(),
			Tenant:      e.Tenant,
			UserID:      e.UserID,
			EventID:     e.ID,
			Bucket:      bucket,
			Title:       title,
			Description: description,
			Icon:        tmpl.icon,
			DeepLink:    tmpl.deepLink(e.EventableKind, e.EventableID),
			Metadata:    e.Particulars,
		}
	}

	if err := t.store.RecordEvent(ctx, &e, item); err != nil {
		return fmt.Errorf("record event: %w", err)
	}

	if t.dispatcher != nil {
		subs, err := t.store.ListActiveSubscriptions(ctx, e.Tenant)
		if err != nil {
			t.logger.Error(ctx, "list subscriptions failed", "tenant", e.Tenant, "error", err)
		} else if len(subs) > 0 {
			t.dispatcher.Dispatch(&e, subs)
		}
	}

	return nil
}

// Feed returns activity feed items for tenant in descending creation order.
func (t *Tracker) Feed(ctx context.Context, tenant string, q FeedQuery) ([]*ActivityFeedItem, error) {
	return t.store.Feed(ctx, tenant, q)
}

// MarkRead sets the read flag on the given feed item ids; an empty list is
// a no-op (spec §4.4).
func (t *Tracker) MarkRead(ctx context.Context, tenant string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return t.store.MarkRead(ctx, tenant, ids)
}

// EventsFor returns the full event history of an entity, newest first.
func (t *Tracker) EventsFor(ctx context.Context, kind, id string, limit, offset int) ([]*Event, error) {
	return t.store.EventsFor(ctx, kind, id, limit, offset)
}

// Counts returns a mapping from action to occurrence count for tenant,
// optionally windowed by since.
func (t *Tracker) Counts(ctx context.Context, tenant string, since *time.Time) (map[string]int, error) {
	return t.store.Counts(ctx, tenant, since)
}
