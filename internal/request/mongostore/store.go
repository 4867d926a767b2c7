// Package mongostore implements request.Store against MongoDB, following
// the narrow-collection-interface shape of the teacher's
// features/runlog/mongo/clients/mongo/client.go.
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
	"github.com/flowmesh/conductor/internal/request"
)

const (
	defaultCollection = "requests"
	defaultTimeout     = 5 * time.Second
)

// Options configures the Mongo-backed Store.
type Options struct {
	Client     *mongo.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store implements request.Store against a single MongoDB collection keyed
// by request id.
type Store struct {
	coll    collection
	timeout time.Duration
}

// collection is the subset of *mongo.Collection this store exercises, kept
// narrow so a fake can stand in for tests without a live server.
type collection interface {
	InsertOne(ctx context.Context, document any) error
	FindOne(ctx context.Context, id string) (*requestDocument, error)
	ReplaceOne(ctx context.Context, id string, document any) error
	Find(ctx context.Context, state string) ([]*requestDocument, error)
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
	mcoll := opts.Client.Database(opts.Database).Collection(name)
	return &Store{coll: mongoCollection{coll: mcoll}, timeout: timeout}, nil
}

type requestDocument struct {
	ID             string         `bson:"_id"`
	Tenant         string         `bson:"tenant"`
	App            string         `bson:"app"`
	InstanceID     string         `bson:"instance_id,omitempty"`
	Query          string         `bson:"query"`
	TaskType       string         `bson:"task_type,omitempty"`
	Provider       string         `bson:"provider,omitempty"`
	Model          string         `bson:"model,omitempty"`
	ModelWaterfall []string       `bson:"model_waterfall,omitempty"`
	Priority       int            `bson:"priority"`
	CallbackURL    string         `bson:"callback_url,omitempty"`
	Metadata       map[string]any `bson:"metadata,omitempty"`
	RepoURL        string         `bson:"repo_url,omitempty"`
	Executor       string         `bson:"executor,omitempty"`
	State          string         `bson:"state"`
	QueuePosition  *int           `bson:"queue_position,omitempty"`
	RetryCount     int            `bson:"retry_count"`
	MaxRetries     int            `bson:"max_retries"`
	LastError      string         `bson:"last_error,omitempty"`
	CreatedAt      time.Time      `bson:"created_at"`
	QueuedAt       *time.Time     `bson:"queued_at,omitempty"`
	StartedAt      *time.Time     `bson:"started_at,omitempty"`
	CompletedAt    *time.Time     `bson:"completed_at,omitempty"`
	WorkflowHandle string         `bson:"workflow_handle,omitempty"`
}

// Create implements request.Store.
func (s *Store) Create(ctx context.Context, r *request.Request) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	existing, err := s.coll.FindOne(ctx, r.ID)
	if err == nil && existing != nil {
		if request.State(existing.State).Terminal() {
			return apierrors.ErrConflict
		}
		existing.Query = r.Query
		existing.TaskType = r.Hints.TaskType
		existing.ModelWaterfall = r.Hints.ModelWaterfall
		existing.Priority = r.Hints.Priority
		existing.CallbackURL = r.Hints.CallbackURL
		existing.Metadata = r.Hints.Metadata
		existing.RepoURL = r.Hints.RepoURL
		existing.Executor = r.Hints.Executor
		return s.coll.ReplaceOne(ctx, r.ID, existing)
	}
	return s.coll.InsertOne(ctx, toDocument(r))
}

// Get implements request.Store.
func (s *Store) Get(ctx context.Context, id string) (*request.Request, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc, err := s.coll.FindOne(ctx, id)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apierrors.NotFound("request", id)
		}
		return nil, err
	}
	return fromDocument(doc), nil
}

// Update implements request.Store.
func (s *Store) Update(ctx context.Context, r *request.Request) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.coll.ReplaceOne(ctx, r.ID, toDocument(r))
}

// ListByState implements request.Store.
func (s *Store) ListByState(ctx context.Context, state request.State) ([]*request.Request, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	docs, err := s.coll.Find(ctx, string(state))
	if err != nil {
		return nil, err
	}
	out := make([]*request.Request, 0, len(docs))
	for _, d := range docs {
		out = append(out, fromDocument(d))
	}
	return out, nil
}

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.coll.(mongoCollection).ping(ctx)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func toDocument(r *request.Request) *requestDocument {
	return &requestDocument{
		ID: r.ID, Tenant: r.Tenant, App: r.App, InstanceID: r.InstanceID,
		Query: r.Query, TaskType: r.Hints.TaskType, Provider: r.Provider, Model: r.Model,
		ModelWaterfall: r.Hints.ModelWaterfall, Priority: r.Hints.Priority,
		CallbackURL: r.Hints.CallbackURL, Metadata: r.Hints.Metadata,
		RepoURL: r.Hints.RepoURL, Executor: r.Hints.Executor,
		State: string(r.State), QueuePosition: r.QueuePosition,
		RetryCount: r.RetryCount, MaxRetries: r.MaxRetries, LastError: r.LastError,
		CreatedAt: r.CreatedAt, QueuedAt: r.QueuedAt, StartedAt: r.StartedAt,
		CompletedAt: r.CompletedAt, WorkflowHandle: r.WorkflowHandle,
	}
}

func fromDocument(d *requestDocument) *request.Request {
	return &request.Request{
		ID: d.ID, Tenant: d.Tenant, App: d.App, InstanceID: d.InstanceID, Query: d.Query,
		Hints: request.Hints{
			TaskType: d.TaskType, ModelWaterfall: d.ModelWaterfall, Priority: d.Priority,
			CallbackURL: d.CallbackURL, Metadata: d.Metadata, RepoURL: d.RepoURL, Executor: d.Executor,
		},
		Provider: d.Provider, Model: d.Model,
		State: request.State(d.State), QueuePosition: d.QueuePosition,
		RetryCount: d.RetryCount, MaxRetries: d.MaxRetries, LastError: d.LastError,
		CreatedAt: d.CreatedAt, QueuedAt: d.QueuedAt, StartedAt: d.StartedAt,
		CompletedAt: d.CompletedAt, WorkflowHandle: d.WorkflowHandle,
	}
}

type mongoCollection struct {
	coll *mongo.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any) error {
	_, err := c.coll.InsertOne(ctx, document)
	return err
}

func (c mongoCollection) FindOne(ctx context.Context, id string) (*requestDocument, error) {
	var doc requestDocument
	if err := c.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (c mongoCollection) ReplaceOne(ctx context.Context, id string, document any) error {
	_, err := c.coll.ReplaceOne(ctx, bson.M{"_id": id}, document, options.Replace().SetUpsert(true))
	return err
}

func (c mongoCollection) Find(ctx context.Context, state string) ([]*requestDocument, error) {
	cur, err := c.coll.Find(ctx, bson.M{"state": state})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var docs []*requestDocument
	for cur.Next(ctx) {
		var doc requestDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, &doc)
	}
	return docs, cur.Err()
}

func (c mongoCollection) ping(ctx context.Context) error {
	return c.coll.Database().Client().Ping(ctx, readpref.Primary())
}
