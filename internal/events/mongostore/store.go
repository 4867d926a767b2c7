// Package mongostore implements events.Store against MongoDB. Unlike
// internal/request/mongostore it has no narrow collection interface; it
// calls *mongo.Collection directly.
package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/flowmesh/conductor/internal/apierrors"
	"github.com/flowmesh/conductor/internal/events"
)

const defaultTimeout = 5 * time.Second

// Options configures the Mongo-backed Store. Four collections back the
// four entity families the Event Tracker owns.
type Options struct {
	Client                  *mongo.Client
	Database                string
	EventsCollection        string
	FeedCollection          string
	SubscriptionsCollection string
	AttemptsCollection      string
	Timeout                 time.Duration
}

// Store implements events.Store against MongoDB.
type Store struct {
	client      *mongo.Client
	eventsColl  *mongo.Collection
	feedColl    *mongo.Collection
	subsColl    *mongo.Collection
	attemptColl *mongo.Collection
	timeout     time.Duration
}

// New constructs a Store backed by the provided MongoDB client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	db := opts.Client.Database(opts.Database)
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Store{
		client:      opts.Client,
		eventsColl:  db.Collection(orDefault(opts.EventsCollection, "events")),
		feedColl:    db.Collection(orDefault(opts.FeedCollection, "activity_feed_items")),
		subsColl:    db.Collection(orDefault(opts.SubscriptionsCollection, "event_subscriptions")),
		attemptColl: db.Collection(orDefault(opts.AttemptsCollection, "delivery_attempts")),
		timeout:     timeout,
	}, nil
}

func orDefault(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

type eventDocument struct {
	ID            string         `bson:"_id"`
	Tenant        string         `bson:"tenant"`
	UserID        string         `bson:"user_id,omitempty"`
	Action        string         `bson:"action"`
	EventableKind string         `bson:"eventable_kind"`
	EventableID   string         `bson:"eventable_id"`
	Particulars   map[string]any `bson:"particulars,omitempty"`
	ClientIP      string         `bson:"client_ip,omitempty"`
	UserAgent     string         `bson:"user_agent,omitempty"`
	CreatedAt     time.Time      `bson:"created_at"`
}

// RecordEvent implements events.Store. The event and its feed projection
// (when one applies) are written inside a single Mongo session transaction
// so a reader never observes the event row without its feed item, per the
// transactional-pair invariant.
func (s *Store) RecordEvent(ctx context.Context, e *events.Event, feedItem *events.ActivityFeedItem) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	e.CreatedAt = time.Now()
	if feedItem != nil {
		feedItem.EventID = e.ID
		feedItem.CreatedAt = e.CreatedAt
	}

	session, err := s.client.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessCtx context.Context) (any, error) {
		if _, err := s.eventsColl.InsertOne(sessCtx, eventToDoc(e)); err != nil {
			return nil, err
		}
		if feedItem != nil {
			doc := &feedDocument{
				ID: feedItem.ID, Tenant: feedItem.Tenant, UserID: feedItem.UserID, EventID: feedItem.EventID,
				Bucket: feedItem.Bucket, Title: feedItem.Title, Description: feedItem.Description,
				Icon: feedItem.Icon, DeepLink: feedItem.DeepLink, Metadata: feedItem.Metadata,
				Read: feedItem.Read, CreatedAt: feedItem.CreatedAt,
			}
			if _, err := s.feedColl.InsertOne(sessCtx, doc); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

func eventToDoc(e *events.Event) *eventDocument {
	return &eventDocument{
		ID: e.ID, Tenant: e.Tenant, UserID: e.UserID, Action: e.Action,
		EventableKind: e.EventableKind, EventableID: e.EventableID,
		Particulars: e.Particulars, ClientIP: e.ClientIP, UserAgent: e.UserAgent,
		CreatedAt: e.CreatedAt,
	}
}

func docToEvent(d *eventDocument) *events.Event {
	return &events.Event{
		ID: d.ID, Tenant: d.Tenant, UserID: d.UserID, Action: d.Action,
		EventableKind: d.EventableKind, EventableID: d.EventableID,
		Particulars: d.Particulars, ClientIP: d.ClientIP, UserAgent: d.UserAgent,
		CreatedAt: d.CreatedAt,
	}
}

type feedDocument struct {
	ID          string         `bson:"_id"`
	Tenant      string         `bson:"tenant"`
	UserID      string         `bson:"user_id,omitempty"`
	EventID     string         `bson:"event_id"`
	Bucket      string         `bson:"bucket"`
	Title       string         `bson:"title"`
	Description string         `bson:"description"`
	Icon        string         `bson:"icon"`
	DeepLink    string         `bson:"deep_link"`
	Metadata    map[string]any `bson:"metadata,omitempty"`
	Read        bool           `bson:"read"`
	CreatedAt   time.Time      `bson:"created_at"`
}

// Feed implements events.Store.
func (s *Store) Feed(ctx context.Context, tenant string, q events.FeedQuery) ([]*events.ActivityFeedItem, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"tenant": tenant}
	if q.Bucket != "" {
		filter["bucket"] = q.Bucket
	}
	if q.UserID != "" {
		filter["user_id"] = q.UserID
	}
	if q.UnreadOnly {
		filter["read"] = false
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if q.Offset > 0 {
		opts.SetSkip(int64(q.Offset))
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cur, err := s.feedColl.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var items []*events.ActivityFeedItem
	for cur.Next(ctx) {
		var doc feedDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		items = append(items, &events.ActivityFeedItem{
			ID: doc.ID, Tenant: doc.Tenant, UserID: doc.UserID, EventID: doc.EventID,
			Bucket: doc.Bucket, Title: doc.Title, Description: doc.Description,
			Icon: doc.Icon, DeepLink: doc.DeepLink, Metadata: doc.Metadata,
			Read: doc.Read, CreatedAt: doc.CreatedAt,
		})
	}
	return items, cur.Err()
}

// MarkRead implements events.Store.
func (s *Store) MarkRead(ctx context.Context, tenant string, ids []string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.feedColl.UpdateMany(ctx,
		bson.M{"tenant": tenant, "_id": bson.M{"$in": ids}},
		bson.M{"$set": bson.M{"read": true}},
	)
	return err
}

// EventsFor implements events.Store.
func (s *Store) EventsFor(ctx context.Context, kind, id string, limit, offset int) ([]*events.Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if offset > 0 {
		opts.SetSkip(int64(offset))
	}
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := s.eventsColl.Find(ctx, bson.M{"eventable_kind": kind, "eventable_id": id}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*events.Event
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, docToEvent(&doc))
	}
	return out, cur.Err()
}

// Counts implements events.Store.
func (s *Store) Counts(ctx context.Context, tenant string, since *time.Time) (map[string]int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	match := bson.M{"tenant": tenant}
	if since != nil {
		match["created_at"] = bson.M{"$gte": *since}
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.D{{Key: "_id", Value: "$action"}, {Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}}}}},
	}
	cur, err := s.eventsColl.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	counts := make(map[string]int)
	for cur.Next(ctx) {
		var row struct {
			ID    string `bson:"_id"`
			Count int    `bson:"count"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		counts[row.ID] = row.Count
	}
	return counts, cur.Err()
}

type subscriptionDocument struct {
	ID           string    `bson:"_id"`
	Tenant       string    `bson:"tenant"`
	URL          string    `bson:"url"`
	Secret       string    `bson:"secret,omitempty"`
	Actions      []string  `bson:"actions"`
	FilterUserID string    `bson:"filter_user_id,omitempty"`
	FilterKind   string    `bson:"filter_kind,omitempty"`
	FilterID     string    `bson:"filter_id,omitempty"`
	Active       bool      `bson:"active"`
	FailureCount int       `bson:"failure_count"`
	LastFailure  string    `bson:"last_failure,omitempty"`
	CreatedAt    time.Time `bson:"created_at"`
}

func subToDoc(s *events.Subscription) *subscriptionDocument {
	return &subscriptionDocument{
		ID: s.ID, Tenant: s.Tenant, URL: s.URL, Secret: s.Secret, Actions: s.Actions,
		FilterUserID: s.FilterUserID, FilterKind: s.FilterKind, FilterID: s.FilterID,
		Active: s.Active, FailureCount: s.FailureCount, LastFailure: s.LastFailure,
		CreatedAt: s.CreatedAt,
	}
}

func docToSub(d *subscriptionDocument) *events.Subscription {
	return &events.Subscription{
		ID: d.ID, Tenant: d.Tenant, URL: d.URL, Secret: d.Secret, Actions: d.Actions,
		FilterUserID: d.FilterUserID, FilterKind: d.FilterKind, FilterID: d.FilterID,
		Active: d.Active, FailureCount: d.FailureCount, LastFailure: d.LastFailure,
		CreatedAt: d.CreatedAt,
	}
}

// CreateSubscription implements events.Store.
func (s *Store) CreateSubscription(ctx context.Context, sub *events.Subscription) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	sub.CreatedAt = time.Now()
	_, err := s.subsColl.InsertOne(ctx, subToDoc(sub))
	return err
}

// GetSubscription implements events.Store.
func (s *Store) GetSubscription(ctx context.Context, id string) (*events.Subscription, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc subscriptionDocument
	if err := s.subsColl.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apierrors.NotFound("subscription", id)
		}
		return nil, err
	}
	return docToSub(&doc), nil
}

// ListActiveSubscriptions implements events.Store.
func (s *Store) ListActiveSubscriptions(ctx context.Context, tenant string) ([]*events.Subscription, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.subsColl.Find(ctx, bson.M{"tenant": tenant, "active": true})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*events.Subscription
	for cur.Next(ctx) {
		var doc subscriptionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, docToSub(&doc))
	}
	return out, cur.Err()
}

// UpdateSubscription implements events.Store.
func (s *Store) UpdateSubscription(ctx context.Context, sub *events.Subscription) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.subsColl.ReplaceOne(ctx, bson.M{"_id": sub.ID}, subToDoc(sub), options.Replace().SetUpsert(true))
	return err
}

// DeleteSubscription implements events.Store.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.subsColl.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

type attemptDocument struct {
	ID               string    `bson:"_id"`
	SubscriptionID   string    `bson:"subscription_id"`
	EventID          string    `bson:"event_id"`
	State            string    `bson:"state"`
	AttemptCount     int       `bson:"attempt_count"`
	LastResponseCode int       `bson:"last_response_code"`
	LastResponseBody string    `bson:"last_response_body,omitempty"`
	CreatedAt        time.Time `bson:"created_at"`
	UpdatedAt        time.Time `bson:"updated_at"`
}

func attemptToDoc(a *events.DeliveryAttempt) *attemptDocument {
	return &attemptDocument{
		ID: a.ID, SubscriptionID: a.SubscriptionID, EventID: a.EventID, State: string(a.State),
		AttemptCount: a.AttemptCount, LastResponseCode: a.LastResponseCode,
		LastResponseBody: a.LastResponseBody, CreatedAt: a.CreatedAt, UpdatedAt: a.UpdatedAt,
	}
}

// CreateDeliveryAttempt implements events.Store.
func (s *Store) CreateDeliveryAttempt(ctx context.Context, a *events.DeliveryAttempt) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	now := time.Now()
	a.CreatedAt, a.UpdatedAt = now, now
	_, err := s.attemptColl.InsertOne(ctx, attemptToDoc(a))
	return err
}

// UpdateDeliveryAttempt implements events.Store.
func (s *Store) UpdateDeliveryAttempt(ctx context.Context, a *events.DeliveryAttempt) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	a.UpdatedAt = time.Now()
	_, err := s.attemptColl.ReplaceOne(ctx, bson.M{"_id": a.ID}, attemptToDoc(a), options.Replace().SetUpsert(true))
	return err
}

// Ping implements events.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.eventsColl.Database().Client().Ping(ctx, readpref.Primary())
}
