// Package mongostore implements deliverable.Store against MongoDB. Unlike
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
	"github.com/flowmesh/conductor/internal/deliverable"
)

const (
	defaultCollection = "deliverables"
	defaultTimeout     = 5 * time.Second
)

// Options configures the Mongo-backed Store.
type Options struct {
	Client     *mongo.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store implements deliverable.Store against a MongoDB collection.
type Store struct {
	coll    *mongo.Collection
	timeout time.Duration
}

type deliverableDocument struct {
	ID           string             `bson:"_id"`
	RequestID    string             `bson:"request_id"`
	RawResponse  []byte             `bson:"raw_response,omitempty"`
	ContentKind  string             `bson:"content_kind"`
	Content      string             `bson:"content"`
	Score        float64            `bson:"quality_score"`
	Passed       bool               `bson:"quality_passed"`
	Issues       []string           `bson:"quality_issues,omitempty"`
	SubScore     map[string]float64 `bson:"quality_subscore,omitempty"`
	State        string             `bson:"state"`
	RejectReason string             `bson:"reject_reason,omitempty"`
	FinalOutput  string             `bson:"final_output,omitempty"`
	CreatedAt    time.Time          `bson:"created_at"`
	ReviewedAt   *time.Time         `bson:"reviewed_at,omitempty"`
	DeliveredAt  *time.Time         `bson:"delivered_at,omitempty"`
}

// New constructs a Store backed by the provided MongoDB client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Store{coll: opts.Client.Database(opts.Database).Collection(name), timeout: timeout}, nil
}

// Create implements deliverable.Store.
func (s *Store) Create(ctx context.Context, d *deliverable.Deliverable) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.InsertOne(ctx, toDocument(d))
	return err
}

// Get implements deliverable.Store.
func (s *Store) Get(ctx context.Context, id string) (*deliverable.Deliverable, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc deliverableDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apierrors.NotFound("deliverable", id)
		}
		return nil, err
	}
	return fromDocument(&doc), nil
}

// Update implements deliverable.Store.
func (s *Store) Update(ctx context.Context, d *deliverable.Deliverable) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": d.ID}, toDocument(d), options.Replace().SetUpsert(true))
	return err
}

// GetByRequestID implements deliverable.Store.
func (s *Store) GetByRequestID(ctx context.Context, requestID string) (*deliverable.Deliverable, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc deliverableDocument
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if err := s.coll.FindOne(ctx, bson.M{"request_id": requestID}, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apierrors.NotFound("deliverable for request", requestID)
		}
		return nil, err
	}
	return fromDocument(&doc), nil
}

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, readpref.Primary())
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func toDocument(d *deliverable.Deliverable) *deliverableDocument {
	return &deliverableDocument{
		ID: d.ID, RequestID: d.RequestID, RawResponse: d.RawResponse,
		ContentKind: string(d.ContentKind), Content: d.Content,
		Score: d.Quality.Score, Passed: d.Quality.Passed, Issues: d.Quality.Issues,
		SubScore: d.Quality.SubScore, State: string(d.State), RejectReason: d.RejectReason,
		FinalOutput: d.FinalOutput, CreatedAt: d.CreatedAt, ReviewedAt: d.ReviewedAt, DeliveredAt: d.DeliveredAt,
	}
}

func fromDocument(d *deliverableDocument) *deliverable.Deliverable {
	return &deliverable.Deliverable{
		ID: d.ID, RequestID: d.RequestID, RawResponse: d.RawResponse,
		ContentKind: deliverable.ContentKind(d.ContentKind), Content: d.Content,
		Quality: deliverable.Quality{Score: d.Score, Passed: d.Passed, Issues: d.Issues, SubScore: d.SubScore},
		State: deliverable.State(d.State), RejectReason: d.RejectReason, FinalOutput: d.FinalOutput,
		CreatedAt: d.CreatedAt, ReviewedAt: d.ReviewedAt, DeliveredAt: d.DeliveredAt,
	}
}
