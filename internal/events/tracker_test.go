package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/conductor/internal/events"
	"github.com/flowmesh/conductor/internal/events/inmem"
	"github.com/flowmesh/conductor/internal/telemetry"
)

type recordingDispatcher struct {
	calls [][]*events.Subscription
}

func (d *recordingDispatcher) Dispatch(_ *events.Event, subs []*events.Subscription) {
	d.calls = append(d.calls, subs)
}

func TestTrackWritesEventAndFeedItemForKnownAction(t *testing.T) {
	store := inmem.New()
	dispatcher := &recordingDispatcher{}
	tracker := events.New(store, dispatcher, telemetry.NewNoopLogger())
	ctx := context.Background()

	err := tracker.Track(ctx, events.Event{
		Tenant:        "acme",
		Action:        "request.completed",
		EventableKind: "request",
		EventableID:   "req-1",
		Particulars:   map[string]any{"request_id": "req-1", "provider": "text", "model": "default-text"},
	})
	require.NoError(t, err)

	feed, err := tracker.Feed(ctx, "acme", events.FeedQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, feed, 1)
	require.Contains(t, feed[0].Description, "req-1")
	require.Equal(t, "global", feed[0].Bucket)
	require.Equal(t, "/requests/req-1", feed[0].DeepLink)
}

func TestTrackProducesNoFeedItemForUnknownAction(t *testing.T) {
	store := inmem.New()
	tracker := events.New(store, nil, telemetry.NewNoopLogger())
	ctx := context.Background()

	require.NoError(t, tracker.Track(ctx, events.Event{Tenant: "acme", Action: "oauth.expired"}))

	feed, err := tracker.Feed(ctx, "acme", events.FeedQuery{Limit: 10})
	require.NoError(t, err)
	require.Empty(t, feed)
}

func TestTrackUsesUserBucketWhenUserIDSet(t *testing.T) {
	store := inmem.New()
	tracker := events.New(store, nil, telemetry.NewNoopLogger())
	ctx := context.Background()

	require.NoError(t, tracker.Track(ctx, events.Event{
		Tenant: "acme", UserID: "u1", Action: "request.failed",
		EventableKind: "request", EventableID: "req-2",
		Particulars: map[string]any{"request_id": "req-2", "error": "boom"},
	}))

	feed, err := tracker.Feed(ctx, "acme", events.FeedQuery{UserID: "u1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, feed, 1)
	require.Equal(t, "user", feed[0].Bucket)
}

func TestTrackDispatchesToActiveSubscriptions(t *testing.T) {
	store := inmem.New()
	dispatcher := &recordingDispatcher{}
	tracker := events.New(store, dispatcher, telemetry.NewNoopLogger())
	ctx := context.Background()

	require.NoError(t, store.CreateSubscription(ctx, &events.Subscription{
		ID: "sub-1", Tenant: "acme", URL: "https://example.com/hook",
		Actions: []string{"*"}, Active: true,
	}))

	require.NoError(t, tracker.Track(ctx, events.Event{Tenant: "acme", Action: "request.completed"}))

	require.Len(t, dispatcher.calls, 1)
	require.Len(t, dispatcher.calls[0], 1)
	require.Equal(t, "sub-1", dispatcher.calls[0][0].ID)
}

func TestMarkReadIsNoOpOnEmptyIDs(t *testing.T) {
	store := inmem.New()
	tracker := events.New(store, nil, telemetry.NewNoopLogger())
	require.NoError(t, tracker.MarkRead(context.Background(), "acme", nil))
}

func TestEventsForReturnsNewestFirst(t *testing.T) {
	store := inmem.New()
	tracker := events.New(store, nil, telemetry.NewNoopLogger())
	ctx := context.Background()

	require.NoError(t, tracker.Track(ctx, events.Event{Tenant: "acme", Action: "request.completed", EventableKind: "request", EventableID: "req-1"}))
	require.NoError(t, tracker.Track(ctx, events.Event{Tenant: "acme", Action: "request.failed", EventableKind: "request", EventableID: "req-1"}))

	got, err := tracker.EventsFor(ctx, "request", "req-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "request.failed", got[0].Action)
	require.Equal(t, "request.completed", got[1].Action)
}

func TestCountsWindowsAndGroupsByAction(t *testing.T) {
	store := inmem.New()
	tracker := events.New(store, nil, telemetry.NewNoopLogger())
	ctx := context.Background()

	require.NoError(t, tracker.Track(ctx, events.Event{Tenant: "acme", Action: "request.completed"}))
	require.NoError(t, tracker.Track(ctx, events.Event{Tenant: "acme", Action: "request.completed"}))
	require.NoError(t, tracker.Track(ctx, events.Event{Tenant: "acme", Action: "request.failed"}))

	counts, err := tracker.Counts(ctx, "acme", nil)
	require.NoError(t, err)
	require.Equal(t, 2, counts["request.completed"])
	require.Equal(t, 1, counts["request.failed"])

	future := time.Now().Add(time.Hour)
	windowed, err := tracker.Counts(ctx, "acme", &future)
	require.NoError(t, err)
	require.Empty(t, windowed)
}
