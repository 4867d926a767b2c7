// Package intake implements the submission front door described in spec.md
// §4.1: classify a query, persist a Request, and admit it to the router's
// queue.
package intake

import (
	"context"
	"time"

	"github.com/flowmesh/conductor/internal/apierrors"
	"github.com/flowmesh/conductor/internal/classify"
	"github.com/flowmesh/conductor/internal/config"
	"github.com/flowmesh/conductor/internal/events"
	"github.com/flowmesh/conductor/internal/request"
	"github.com/flowmesh/conductor/internal/router"
	"github.com/flowmesh/conductor/internal/schema"
	"github.com/flowmesh/conductor/internal/telemetry"
)

// Enqueuer is the subset of the Router this component needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req *request.Request) (router.EnqueueResult, error)
}

// SubmitInput carries one submission's raw inputs.
type SubmitInput struct {
	ID         string
	Tenant     string
	App        string
	InstanceID string
	Query      string
	Hints      classify.Hints
	Priority   int
	CallbackURL string
	Metadata    map[string]any
	MaxRetries  int
	ModelWaterfall []string
}

// SubmitResult is returned by Submit.
type SubmitResult struct {
	Request       *request.Request
	QueuePosition int
	EstimateWaitMs int64
}

// Service is the Intake component.
type Service struct {
	cfg       config.Config
	requests  request.Store
	router    Enqueuer
	validator *schema.Validator
	tracker   *events.Tracker
	logger    telemetry.Logger
}

// New constructs a Service. validator may be nil when no tenant schemas are
// configured; tracker may be nil, in which case submissions go untracked.
func New(cfg config.Config, requests request.Store, router Enqueuer, validator *schema.Validator, tracker *events.Tracker, logger telemetry.Logger) *Service {
	return &Service{cfg: cfg, requests: requests, router: router, validator: validator, tracker: tracker, logger: logger}
}

// track emits a best-effort state-transition event; tracking failures are
// logged and never block submission (spec §4.4 step 3).
func (s *Service) track(ctx context.Context, action string, req *request.Request, particulars map[string]any) {
	if s.tracker == nil {
		return
	}
	e := events.Event{
		Tenant:        req.Tenant,
		Action:        action,
		EventableKind: "request",
		EventableID:   req.ID,
		Particulars:   particulars,
	}
	if err := s.tracker.Track(ctx, e); err != nil {
		s.logger.Error(ctx, "event track failed", "action", action, "err", err)
	}
}

// Submit classifies in.Query/in.Hints, persists the Request (idempotently on
// a reused id per request.Store.Create), and admits it to the router.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	if in.Query == "" {
		return SubmitResult{}, apierrors.New(apierrors.CodeMissingQuery, "query is required")
	}
	if in.ID == "" {
		return SubmitResult{}, apierrors.New(apierrors.CodeMissingField, "id is required")
	}

	if s.validator != nil && len(in.Metadata) > 0 {
		if err := s.validator.Validate(in.Tenant, in.Metadata); err != nil {
			return SubmitResult{}, apierrors.Newf(apierrors.CodeInvalidRequest, "metadata failed schema validation: %v", err)
		}
	}

	result := classify.Classify(in.Query, in.Hints, s.cfg)

	maxRetries := in.MaxRetries
	if maxRetries == 0 {
		maxRetries = s.cfg.MaxRetries
	}

	req := &request.Request{
		ID:         in.ID,
		Tenant:     in.Tenant,
		App:        in.App,
		InstanceID: in.InstanceID,
		Query:      in.Query,
		State:      request.StatePending,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now(),
		Provider:   result.Provider,
		Model:      result.Model,
		Hints: request.Hints{
			TaskType:       string(result.TaskType),
			Provider:       result.Provider,
			Model:          result.Model,
			ModelWaterfall: in.ModelWaterfall,
			Priority:       in.Priority,
			CallbackURL:    in.CallbackURL,
			Metadata:       in.Metadata,
			RepoURL:        in.Hints.RepoURL,
			Executor:       in.Hints.Executor,
		},
	}

	if err := s.requests.Create(ctx, req); err != nil {
		return SubmitResult{}, err
	}
	s.track(ctx, "request.created", req, map[string]any{"request_id": req.ID})

	enqueued, err := s.requests.Get(ctx, req.ID)
	if err != nil {
		return SubmitResult{}, err
	}

	er, err := s.router.Enqueue(ctx, enqueued)
	if err != nil {
		return SubmitResult{}, err
	}
	s.track(ctx, "request.queued", req, map[string]any{"request_id": req.ID, "provider": req.Provider, "model": req.Model})

	final, err := s.requests.Get(ctx, req.ID)
	if err != nil {
		return SubmitResult{}, err
	}

	return SubmitResult{Request: final, QueuePosition: er.QueuePosition, EstimateWaitMs: er.EstimatedWaitMs}, nil
}

// Status returns the current Request by id.
func (s *Service) Status(ctx context.Context, id string) (*request.Request, error) {
	return s.requests.Get(ctx, id)
}
