// Package delivery implements the quality gate: turning a backend adapter's
// raw result into a reviewed Deliverable, and resolving a provider webhook
// body back to the Request it answers, per spec.md §4.3.
package delivery

import (
	"context"
	"net/http"
	"time"

	"github.com/flowmesh/conductor/internal/apierrors"
	"github.com/flowmesh/conductor/internal/config"
	"github.com/flowmesh/conductor/internal/delivery/providers"
	"github.com/flowmesh/conductor/internal/deliverable"
	"github.com/flowmesh/conductor/internal/events"
	"github.com/flowmesh/conductor/internal/request"
	"github.com/flowmesh/conductor/internal/router"
	"github.com/flowmesh/conductor/internal/telemetry"
	"github.com/google/uuid"
)

// Completer is the subset of the Router this service needs, so it can be
// notified when a backend result has resolved a request's final outcome.
// retryable tells the router whether its own retry-count policy still
// applies; false forces a terminal failure regardless of RetryCount (spec
// §4.5: quality auto-reject and manual reject are not retryable locally).
// retryAfter, when positive, delays the provider queue's next dispatch
// window (spec §4.5's Retry-After hint).
type Completer interface {
	Complete(ctx context.Context, id string, success bool, errMsg string, retryable bool, retryAfter time.Duration) error
}

// Service is the Delivery/quality-gate component (spec §4.3).
type Service struct {
	requests     request.Store
	deliverables deliverable.Store
	router       Completer
	tracker      *events.Tracker
	cfg          config.QualityConfig
	httpClient   *http.Client
	logger       telemetry.Logger
	metrics      telemetry.Metrics
}

// New constructs a Service.
func New(requests request.Store, deliverables deliverable.Store, rt Completer, tracker *events.Tracker, cfg config.QualityConfig, logger telemetry.Logger, metrics telemetry.Metrics) *Service {
	return &Service{
		requests:     requests,
		deliverables: deliverables,
		router:       rt,
		tracker:      tracker,
		cfg:          cfg,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		logger:       logger,
		metrics:      metrics,
	}
}

// Outcome names the quality-gate's decision for a successfully delivered
// backend result.
type Outcome string

// Recognized outcomes (spec §4.3 step 2).
const (
	OutcomeAutoApproved Outcome = "auto_approved"
	OutcomeAutoRejected Outcome = "auto_rejected"
	OutcomePendingReview Outcome = "pending_review"
)

// DeliverResult is the return value of Deliver.
type DeliverResult struct {
	Deliverable *deliverable.Deliverable
	Outcome     Outcome
}

// Deliver records one backend attempt's result for requestID. On success it
// runs the quality gate and, depending on the configured thresholds, either
// auto-approves (-> request completed, deliverable delivered), auto-rejects
// (-> request failed terminally, deliverable rejected; the router does not
// retry it), or leaves the deliverable pending_review. On failure it records
// a failed deliverable and forwards the failure to the router
// unconditionally, leaving the retry decision to the router's retry policy.
func (s *Service) Deliver(ctx context.Context, requestID string, success bool, kind deliverable.ContentKind, content string, rawResponse []byte, adapterErr string, retryAfter time.Duration) (DeliverResult, error) {
	req, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return DeliverResult{}, err
	}

	now := time.Now()
	d := &deliverable.Deliverable{
		ID:          uuid.NewString(),
		RequestID:   requestID,
		RawResponse: rawResponse,
		ContentKind: kind,
		Content:     content,
		CreatedAt:   now,
	}

	if !success {
		d.State = deliverable.StateFailed
		d.RejectReason = adapterErr
		if err := s.deliverables.Create(ctx, d); err != nil {
			return DeliverResult{}, err
		}
		s.track(ctx, "deliverable.created", req, map[string]any{"request_id": requestID, "deliverable_id": d.ID})
		if err := s.router.Complete(ctx, requestID, false, adapterErr, true, retryAfter); err != nil {
			s.logger.Error(ctx, "router complete failed", "request_id", requestID, "err", err)
		}
		s.track(ctx, "request.failed", req, map[string]any{"request_id": requestID, "error": adapterErr})
		return DeliverResult{Deliverable: d, Outcome: OutcomeAutoRejected}, nil
	}

	quality := assessQuality(kind, content, rawResponse, "")
	d.Quality = quality

	outcome := s.classify(quality.Score, quality.Issues)
	switch outcome {
	case OutcomeAutoApproved:
		d.Quality.Passed = true
		d.State = deliverable.StateDelivered
		d.FinalOutput = content
		reviewedAt := now
		d.ReviewedAt = &reviewedAt
		d.DeliveredAt = &reviewedAt
	case OutcomeAutoRejected:
		d.Quality.Passed = false
		d.State = deliverable.StateRejected
		d.RejectReason = "quality score below reject threshold"
		reviewedAt := now
		d.ReviewedAt = &reviewedAt
	default:
		d.State = deliverable.StatePendingReview
	}

	if err := s.deliverables.Create(ctx, d); err != nil {
		return DeliverResult{}, err
	}
	s.track(ctx, "deliverable.created", req, map[string]any{"request_id": requestID, "deliverable_id": d.ID})

	switch outcome {
	case OutcomeAutoApproved:
		if err := s.router.Complete(ctx, requestID, true, "", true, 0); err != nil {
			s.logger.Error(ctx, "router complete failed", "request_id", requestID, "err", err)
		}
		s.notifyCallback(ctx, req, d)
		s.track(ctx, "request.completed", req, map[string]any{"request_id": requestID, "deliverable_id": d.ID})
		s.track(ctx, "deliverable.delivered", req, map[string]any{"request_id": requestID, "deliverable_id": d.ID})
	case OutcomeAutoRejected:
		// Quality auto-reject is not retryable locally (spec §4.5): it
		// transitions the request straight to failed, regardless of the
		// router's own retry count.
		if err := s.router.Complete(ctx, requestID, false, d.RejectReason, false, 0); err != nil {
			s.logger.Error(ctx, "router complete failed", "request_id", requestID, "err", err)
		}
		s.track(ctx, "deliverable.rejected", req, map[string]any{"request_id": requestID, "deliverable_id": d.ID, "reason": d.RejectReason})
	default:
		s.track(ctx, "deliverable.pending_review", req, map[string]any{"request_id": requestID, "deliverable_id": d.ID, "score": quality.Score})
	}

	return DeliverResult{Deliverable: d, Outcome: outcome}, nil
}

// classify applies the configured approve/reject thresholds to a quality
// score, per spec §4.3 step 2: auto-approve requires both a high enough
// score and no flagged issues.
func (s *Service) classify(score float64, issues []string) Outcome {
	if score >= s.cfg.ApproveThreshold && len(issues) == 0 {
		return OutcomeAutoApproved
	}
	if score <= s.cfg.RejectThreshold {
		return OutcomeAutoRejected
	}
	return OutcomePendingReview
}

// Webhook normalizes a provider's webhook body and forwards it to Deliver.
// providerName selects the normalizer (spec §9 Design Notes); an unrecovered
// request id is reported as a MissingRequestId-class error rather than a 404,
// since the payload itself is malformed, not merely unmatched.
func (s *Service) Webhook(ctx context.Context, providerName string, body []byte) (DeliverResult, error) {
	norm, err := providers.Normalize(providerName, body)
	if err != nil {
		return DeliverResult{}, err
	}
	if norm.RequestID == "" {
		return DeliverResult{}, apierrors.ErrMissingRequestID
	}
	return s.Deliver(ctx, norm.RequestID, norm.Success, norm.ContentKind, norm.Content, body, norm.Error, norm.RetryAfter)
}

// Get returns the Deliverable by id.
func (s *Service) Get(ctx context.Context, id string) (*deliverable.Deliverable, error) {
	return s.deliverables.Get(ctx, id)
}

// Approve moves a pending_review deliverable to delivered and the backing
// request to completed, atomically from the caller's perspective: the
// deliverable row is updated first, then the router is notified; a router
// failure is logged but does not roll back the deliverable, since the
// router's own state machine treats redundant Complete calls as no-ops.
func (s *Service) Approve(ctx context.Context, id string) (*deliverable.Deliverable, error) {
	d, err := s.deliverables.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.State != deliverable.StatePendingReview {
		return nil, apierrors.InvalidState(string(d.State), string(deliverable.StateDelivered))
	}

	now := time.Now()
	d.State = deliverable.StateDelivered
	d.Quality.Passed = true
	d.FinalOutput = d.Content
	d.ReviewedAt = &now
	d.DeliveredAt = &now
	if err := s.deliverables.Update(ctx, d); err != nil {
		return nil, err
	}

	if err := s.router.Complete(ctx, d.RequestID, true, "", true, 0); err != nil {
		s.logger.Error(ctx, "router complete failed", "request_id", d.RequestID, "err", err)
	}

	req, _ := s.requests.Get(ctx, d.RequestID)
	s.notifyCallback(ctx, req, d)
	s.track(ctx, "deliverable.approved", req, map[string]any{"request_id": d.RequestID, "deliverable_id": d.ID})
	s.track(ctx, "deliverable.delivered", req, map[string]any{"request_id": d.RequestID, "deliverable_id": d.ID})
	return d, nil
}

// Reject moves a pending_review deliverable to rejected and the backing
// request to failed.
func (s *Service) Reject(ctx context.Context, id, reason string) (*deliverable.Deliverable, error) {
	d, err := s.deliverables.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.State != deliverable.StatePendingReview {
		return nil, apierrors.InvalidState(string(d.State), string(deliverable.StateRejected))
	}

	now := time.Now()
	d.State = deliverable.StateRejected
	d.Quality.Passed = false
	d.RejectReason = reason
	d.ReviewedAt = &now
	if err := s.deliverables.Update(ctx, d); err != nil {
		return nil, err
	}

	// A manual reject is not retryable locally (spec §4.5): it transitions
	// the request straight to failed.
	if err := s.router.Complete(ctx, d.RequestID, false, reason, false, 0); err != nil {
		s.logger.Error(ctx, "router complete failed", "request_id", d.RequestID, "err", err)
	}

	req, _ := s.requests.Get(ctx, d.RequestID)
	s.track(ctx, "deliverable.rejected", req, map[string]any{"request_id": d.RequestID, "deliverable_id": d.ID, "reason": reason})
	return d, nil
}

// notifyCallback best-effort POSTs the final content to the client's
// registered callback URL. A failed callback must never regress request
// state (spec §4.3): errors are logged and swallowed.
func (s *Service) notifyCallback(ctx context.Context, req *request.Request, d *deliverable.Deliverable) {
	if req == nil || req.Hints.CallbackURL == "" {
		return
	}
	payload := callbackPayload{RequestID: req.ID, DeliverableID: d.ID, Content: d.FinalOutput, ContentKind: string(d.ContentKind)}
	body, err := marshalCallback(payload)
	if err != nil {
		s.logger.Error(ctx, "callback marshal failed", "request_id", req.ID, "err", err)
		return
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Hints.CallbackURL, body)
	if err != nil {
		s.logger.Error(ctx, "callback request build failed", "request_id", req.ID, "err", err)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		s.logger.Warn(ctx, "callback delivery failed", "request_id", req.ID, "err", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.logger.Warn(ctx, "callback delivery non-2xx", "request_id", req.ID, "status", resp.StatusCode)
	}
}

func (s *Service) track(ctx context.Context, action string, req *request.Request, particulars map[string]any) {
	if s.tracker == nil {
		return
	}
	e := events.Event{
		Action:        action,
		EventableKind: "request",
		Particulars:   particulars,
	}
	if req != nil {
		e.Tenant = req.Tenant
		e.EventableID = req.ID
	}
	if err := s.tracker.Track(ctx, e); err != nil {
		s.logger.Error(ctx, "event track failed", "action", action, "err", err)
	}
}
