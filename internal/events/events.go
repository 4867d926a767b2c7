// Package events is the durable memory of the system: an append-only Event
// log, its Activity Feed projection, and subscription-driven webhook
// fan-out, per spec.md §4.4. Grounded on
// runtime/agent/runlog/runlog.go's append-only Store shape, generalized
// from per-run event pages to per-tenant feeds/counts/eventable history.
package events

import (
	"context"
	"time"
)

// Event is a single immutable record of something of interest happening to
// a domain entity (spec §3). Store implementations assign ID and
// CreatedAt; events are never updated or deleted by ordinary workflows.
type Event struct {
	ID            string
	Tenant        string
	UserID        string // empty means system-originated
	Action        string // dotted identifier, e.g. "request.completed"
	EventableKind string
	EventableID   string
	Particulars   map[string]any
	ClientIP      string
	UserAgent     string
	CreatedAt     time.Time
}

// ActivityFeedItem is a template-interpolated projection of an Event,
// produced only for actions with a registered feed template (spec §3).
type ActivityFeedItem struct {
	ID          string
	Tenant      string
	UserID      string // empty => global feed
	EventID     string
	Bucket      string // "global" or "user"
	Title       string
	Description string
	Icon        string
	DeepLink    string
	Metadata    map[string]any
	Read        bool
	CreatedAt   time.Time
}

// Subscription registers a webhook endpoint interested in a set of actions
// for a tenant (spec §3).
type Subscription struct {
	ID              string
	Tenant          string
	URL             string
	Secret          string
	Actions         []string // may include "*"
	FilterUserID    string
	FilterKind      string
	FilterID        string
	Active          bool
	FailureCount    int
	LastFailure     string
	CreatedAt       time.Time
}

// DeliveryAttemptState is the lifecycle of one webhook delivery attempt.
type DeliveryAttemptState string

// Delivery attempt states (spec §3).
const (
	AttemptPending  DeliveryAttemptState = "pending"
	AttemptDelivered DeliveryAttemptState = "delivered"
	AttemptFailed   DeliveryAttemptState = "failed"
	AttemptRetrying DeliveryAttemptState = "retrying"
)

// DeliveryAttempt records one webhook POST attempt against a subscription.
type DeliveryAttempt struct {
	ID               string
	SubscriptionID   string
	EventID          string
	State            DeliveryAttemptState
	AttemptCount     int
	LastResponseCode int
	LastResponseBody string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// FeedQuery filters the feed() query operation (spec §4.4).
type FeedQuery struct {
	Bucket     string
	UserID     string
	UnreadOnly bool
	Limit      int
	Offset     int
}

// Store is the durable append-only event log plus its feed/subscription
// projections.
type Store interface {
	// RecordEvent writes e and, when feedItem is non-nil, its feed
	// projection as a single atomic pair: per the transactional-pair
	// invariant, the event row is written iff the feed item is (when one
	// applies) — never just one of the two.
	RecordEvent(ctx context.Context, e *Event, feedItem *ActivityFeedItem) error
	Feed(ctx context.Context, tenant string, q FeedQuery) ([]*ActivityFeedItem, error)
	MarkRead(ctx context.Context, tenant string, ids []string) error
	EventsFor(ctx context.Context, kind, id string, limit, offset int) ([]*Event, error)
	Counts(ctx context.Context, tenant string, since *time.Time) (map[string]int, error)

	CreateSubscription(ctx context.Context, s *Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	ListActiveSubscriptions(ctx context.Context, tenant string) ([]*Subscription, error)
	UpdateSubscription(ctx context.Context, s *Subscription) error
	DeleteSubscription(ctx context.Context, id string) error

	CreateDeliveryAttempt(ctx context.Context, a *DeliveryAttempt) error
	UpdateDeliveryAttempt(ctx context.Context, a *DeliveryAttempt) error

	Ping(ctx context.Context) error
}
