package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowmesh/conductor/internal/apierrors"
	"github.com/flowmesh/conductor/internal/config"
	"github.com/flowmesh/conductor/internal/events"
	"github.com/flowmesh/conductor/internal/request"
	"github.com/flowmesh/conductor/internal/telemetry"
)

// commandKind distinguishes the operations the dispatcher goroutine accepts.
type commandKind int

const (
	cmdEnqueue commandKind = iota
	cmdStatus
	cmdCancel
	cmdComplete
	cmdState
	cmdTick
	cmdRequeue
	cmdReap
)

type command struct {
	kind commandKind
	ctx  context.Context

	// cmdEnqueue
	req *request.Request

	// cmdStatus, cmdCancel
	id string

	// cmdComplete
	completeID         string
	completeSuccess    bool
	completeErr        string
	completeRetryable  bool
	completeRetryAfter time.Duration

	// cmdRequeue (cold-start recovery)
	requeue []*request.Request

	reply chan commandReply
}

type commandReply struct {
	enqueueResult EnqueueResult
	statusResult  StatusResult
	cancelOutcome CancelOutcome
	stateSnapshot StateSnapshot
	err           error
}

// Router is the single-writer dispatcher described in spec §4.2. All state
// mutation happens on the commands goroutine started by Run; every exported
// method sends a command and blocks for the reply.
type Router struct {
	cfg       config.Config
	store     request.Store
	dispatch  chan ProcessingNotification
	workflows map[string]WorkflowDispatcher // task type -> dispatcher, e.g. "code"
	tracker   *events.Tracker

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	commands chan command

	mu      sync.Mutex
	started bool
}

// New constructs a Router. Call Run to start its dispatcher goroutine before
// issuing any commands. tracker may be nil, in which case dispatch
// transitions go untracked.
func New(cfg config.Config, store request.Store, workflows map[string]WorkflowDispatcher, tracker *events.Tracker, logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) *Router {
	if workflows == nil {
		workflows = map[string]WorkflowDispatcher{}
	}
	return &Router{
		cfg:       cfg,
		store:     store,
		dispatch:  make(chan ProcessingNotification, 256),
		workflows: workflows,
		tracker:   tracker,
		logger:    logger,
		metrics:   metrics,
		tracer:    tracer,
		commands:  make(chan command, 256),
	}
}

// Dispatch returns the channel ProcessingNotifications are emitted on. An
// external adapter worker consumes it; the router never calls backend
// adapters directly.
func (r *Router) Dispatch() <-chan ProcessingNotification { return r.dispatch }

// Run starts the dispatcher goroutine and the periodic tick that drives
// rate-limit window resets and requeue reprocessing (spec §4.2). It blocks
// until ctx is cancelled, at which point it closes the dispatch channel.
func (r *Router) Run(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	d := &dispatcher{
		cfg:       r.cfg,
		store:     r.store,
		dispatch:  r.dispatch,
		workflows: r.workflows,
		tracker:   r.tracker,
		logger:    r.logger,
		metrics:   r.metrics,
		tracer:    r.tracer,
		providers: make(map[string]*providerQueue),
		requests:  make(map[string]*request.Request),
		priority:  make(map[string]int),
	}

	ticker := time.NewTicker(r.cfg.DispatchTick)
	defer ticker.Stop()
	defer close(r.dispatch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.dispatchAll(ctx, time.Now())
		case c := <-r.commands:
			d.handle(ctx, c)
		}
	}
}

func (r *Router) do(ctx context.Context, c command) (commandReply, error) {
	c.reply = make(chan commandReply, 1)
	c.ctx = ctx
	select {
	case r.commands <- c:
	case <-ctx.Done():
		return commandReply{}, ctx.Err()
	}
	select {
	case rep := <-c.reply:
		return rep, rep.err
	case <-ctx.Done():
		return commandReply{}, ctx.Err()
	}
}

// Enqueue admits a classified, persisted request into its provider queue.
// The caller (Intake) must have already created the Request row in
// StatePending.
func (r *Router) Enqueue(ctx context.Context, req *request.Request) (EnqueueResult, error) {
	rep, err := r.do(ctx, command{kind: cmdEnqueue, req: req})
	return rep.enqueueResult, err
}

// Status returns the current lifecycle state and queue position for id.
func (r *Router) Status(ctx context.Context, id string) (StatusResult, error) {
	rep, err := r.do(ctx, command{kind: cmdStatus, id: id})
	return rep.statusResult, err
}

// Cancel removes a queued or pending request, or marks a processing request
// for best-effort cancellation, per spec §4.2.
func (r *Router) Cancel(ctx context.Context, id string) (CancelOutcome, error) {
	rep, err := r.do(ctx, command{kind: cmdCancel, id: id})
	return rep.cancelOutcome, err
}

// Complete reports the outcome of a backend adapter attempt for id,
// transitioning it to completed, or to failed/requeued per the retry policy.
// retryable=false forces a terminal failure regardless of RetryCount (spec
// §4.5: some failure classes, like a quality auto-reject, are never
// retryable locally). retryAfter, when positive, delays the request's
// provider queue past a rate-limit hint before the next dispatch.
func (r *Router) Complete(ctx context.Context, id string, success bool, errMsg string, retryable bool, retryAfter time.Duration) error {
	_, err := r.do(ctx, command{
		kind:               cmdComplete,
		completeID:         id,
		completeSuccess:    success,
		completeErr:        errMsg,
		completeRetryable:  retryable,
		completeRetryAfter: retryAfter,
	})
	return err
}

// State returns an observability snapshot of every provider queue.
func (r *Router) State(ctx context.Context) (StateSnapshot, error) {
	rep, err := r.do(ctx, command{kind: cmdState})
	return rep.stateSnapshot, err
}

// ReapStuck sweeps every processing request whose adapter has not reported
// back within AdapterTimeout and fails it (spec §4.5's gateway timeout
// class), freeing its provider's concurrency slot so the queue keeps moving.
func (r *Router) ReapStuck(ctx context.Context) error {
	_, err := r.do(ctx, command{kind: cmdReap})
	return err
}

// Restore feeds previously-persisted requests back into the dispatcher on
// cold start (spec §8 "restart durability"): queued requests are re-inserted
// into their provider queue by priority, processing requests with no adapter callback are
// requeued at the head of their provider queue preserving retry_count.
func (r *Router) Restore(ctx context.Context, reqs []*request.Request) error {
	_, err := r.do(ctx, command{kind: cmdRequeue, requeue: reqs})
	return err
}

// dispatcher owns all router state and runs exclusively on the Run
// goroutine; nothing outside this file touches its fields.
type dispatcher struct {
	cfg       config.Config
	store     request.Store
	dispatch  chan<- ProcessingNotification
	workflows map[string]WorkflowDispatcher
	tracker   *events.Tracker

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	providers map[string]*providerQueue
	requests  map[string]*request.Request
	priority  map[string]int
}

// track emits a best-effort state-transition event; tracking failures are
// logged and never block dispatch (spec §4.4 step 3).
func (d *dispatcher) track(ctx context.Context, action string, req *request.Request, particulars map[string]any) {
	if d.tracker == nil {
		return
	}
	e := events.Event{
		Tenant:        req.Tenant,
		Action:        action,
		EventableKind: "request",
		EventableID:   req.ID,
		Particulars:   particulars,
	}
	if err := d.tracker.Track(ctx, e); err != nil {
		d.logger.Error(ctx, "event track failed", "action", action, "err", err)
	}
}

func providerKey(provider, model string) string {
	if model == "" {
		return provider
	}
	return provider + "/" + model
}

func (d *dispatcher) queueFor(provider, model string, now time.Time) *providerQueue {
	key := providerKey(provider, model)
	pq, ok := d.providers[key]
	if !ok {
		pq = newProviderQueue(key, d.cfg.QuotaFor(provider, model), now)
		d.providers[key] = pq
	}
	return pq
}

func (d *dispatcher) handle(ctx context.Context, c command) {
	var rep commandReply
	switch c.kind {
	case cmdEnqueue:
		rep.enqueueResult, rep.err = d.enqueue(ctx, c.req)
	case cmdStatus:
		rep.statusResult, rep.err = d.status(c.id)
	case cmdCancel:
		rep.cancelOutcome, rep.err = d.cancel(ctx, c.id)
	case cmdComplete:
		rep.err = d.complete(ctx, c.completeID, c.completeSuccess, c.completeErr, c.completeRetryable, c.completeRetryAfter)
	case cmdState:
		rep.stateSnapshot = d.state()
	case cmdRequeue:
		rep.err = d.restore(c.requeue)
	case cmdTick:
		d.dispatchAll(ctx, time.Now())
	case cmdReap:
		rep.err = d.reap(ctx)
	}
	if c.reply != nil {
		c.reply <- rep
	}
}

func (d *dispatcher) enqueue(ctx context.Context, req *request.Request) (EnqueueResult, error) {
	now := time.Now()
	d.requests[req.ID] = req
	d.priority[req.ID] = req.Hints.Priority

	pq := d.queueFor(req.Provider, req.Model, now)
	pq.insert(req.ID, req.Hints.Priority, func(other string) int { return d.priority[other] })

	req.State = request.StateQueued
	pos := pq.position(req.ID)
	req.QueuePosition = &pos
	queuedAt := now
	req.QueuedAt = &queuedAt
	if err := d.store.Update(ctx, req); err != nil {
		return EnqueueResult{}, err
	}

	d.dispatchAll(ctx, now)

	return EnqueueResult{QueuePosition: pos, EstimatedWaitMs: estimateWaitMs(pq, pos)}, nil
}

func estimateWaitMs(pq *providerQueue, pos int) int64 {
	if pq.bucket.rpmCap <= 0 {
		return 0
	}
	msPerSlot := int64(60000 / pq.bucket.rpmCap)
	return msPerSlot * int64(pos)
}

func (d *dispatcher) status(id string) (StatusResult, error) {
	req, ok := d.requests[id]
	if !ok {
		return StatusResult{}, apierrors.NotFound("request", id)
	}
	var pos *int
	if req.State == request.StateQueued {
		if pq, ok := d.providers[providerKey(req.Provider, req.Model)]; ok {
			if p := pq.position(id); p > 0 {
				pos = &p
			}
		}
	}
	return StatusResult{State: req.State, QueuePosition: pos}, nil
}

func (d *dispatcher) cancel(ctx context.Context, id string) (CancelOutcome, error) {
	req, ok := d.requests[id]
	if !ok {
		return "", apierrors.NotFound("request", id)
	}
	switch req.State {
	case request.StatePending, request.StateQueued:
		if pq, ok := d.providers[providerKey(req.Provider, req.Model)]; ok {
			pq.remove(id)
		}
		req.State = request.StateCancelled
		req.QueuePosition = nil
		now := time.Now()
		req.CompletedAt = &now
		if err := d.store.Update(ctx, req); err != nil {
			return "", err
		}
		d.reflowQueue(ctx, req.Provider, req.Model, time.Now())
		return Cancelled, nil
	case request.StateProcessing:
		// Best-effort: mark cancelled now; an in-flight adapter call may
		// still complete and its Complete() call will be a no-op against a
		// terminal request.
		req.State = request.StateCancelled
		now := time.Now()
		req.CompletedAt = &now
		if err := d.store.Update(ctx, req); err != nil {
			return "", err
		}
		if pq, ok := d.providers[providerKey(req.Provider, req.Model)]; ok {
			delete(pq.inFlight, id)
			pq.bucket.releaseSlot()
		}
		return Cancelled, nil
	default:
		return InvalidState, nil
	}
}

func (d *dispatcher) complete(ctx context.Context, id string, success bool, errMsg string, retryable bool, retryAfter time.Duration) error {
	req, ok := d.requests[id]
	if !ok {
		return apierrors.NotFound("request", id)
	}
	if req.State.Terminal() {
		// A cancellation raced the adapter; nothing to do.
		return nil
	}

	pq, ok := d.providers[providerKey(req.Provider, req.Model)]
	if ok {
		delete(pq.inFlight, id)
		pq.bucket.releaseSlot()
		if retryAfter > 0 {
			pq.bucket.delayUntil = time.Now().Add(retryAfter)
		}
	}

	now := time.Now()
	if success {
		req.State = request.StateCompleted
		req.CompletedAt = &now
		if err := d.store.Update(ctx, req); err != nil {
			return err
		}
		return nil
	}

	req.LastError = errMsg
	if retryable && req.RetryCount < req.MaxRetries {
		req.RetryCount++
		req.State = request.StateQueued
		if ok {
			pq.insertFront(id)
			pos := pq.position(id)
			req.QueuePosition = &pos
		}
		if err := d.store.Update(ctx, req); err != nil {
			return err
		}
		return nil
	}

	req.State = request.StateFailed
	req.CompletedAt = &now
	req.QueuePosition = nil
	if err := d.store.Update(ctx, req); err != nil {
		return err
	}
	d.reflowQueue(ctx, req.Provider, req.Model, now)
	return nil
}

// reflowQueue recomputes QueuePosition for every waiting request on a
// provider queue after a removal, so Status reflects the true position.
func (d *dispatcher) reflowQueue(ctx context.Context, provider, model string, now time.Time) {
	pq, ok := d.providers[providerKey(provider, model)]
	if !ok {
		return
	}
	for i, id := range pq.ids {
		req, ok := d.requests[id]
		if !ok {
			continue
		}
		pos := i + 1
		req.QueuePosition = &pos
	}
	d.dispatchAll(ctx, now)
}

func (d *dispatcher) state() StateSnapshot {
	counts := make(map[request.State]int)
	for _, req := range d.requests {
		counts[req.State]++
	}
	snap := StateSnapshot{Counts: counts}
	for key, pq := range d.providers {
		snap.Providers = append(snap.Providers, ProviderSnapshot{
			Key:                key,
			QueueLength:        len(pq.ids),
			InFlightCount:      len(pq.inFlight),
			RPMCap:             pq.bucket.rpmCap,
			CurrentMinuteCount: pq.bucket.currentMinuteCount,
			ConcurrentCap:      pq.bucket.concurrentCap,
		})
	}
	return snap
}

// restore re-admits persisted requests on cold start (spec §8). Queued
// requests are re-inserted by priority; processing requests with no adapter
// callback are requeued at the head of their provider queue, preserving
// retry_count, since the in-flight adapter call was lost with the process.
func (d *dispatcher) restore(reqs []*request.Request) error {
	now := time.Now()
	for _, req := range reqs {
		d.requests[req.ID] = req
		d.priority[req.ID] = req.Hints.Priority

		switch req.State {
		case request.StateQueued:
			pq := d.queueFor(req.Provider, req.Model, now)
			pq.insert(req.ID, req.Hints.Priority, func(other string) int { return d.priority[other] })
		case request.StateProcessing:
			req.State = request.StateQueued
			pq := d.queueFor(req.Provider, req.Model, now)
			pq.insertFront(req.ID)
		}
	}
	return nil
}

// reap implements the periodic sweep named in spec §4.5/§8: a processing
// request whose StartedAt is older than AdapterTimeout is treated as a
// gateway timeout: its concurrency slot is released and it moves straight to
// failed with LastError "adapter timeout", without re-entering the queue.
func (d *dispatcher) reap(ctx context.Context) error {
	if d.cfg.AdapterTimeout <= 0 {
		return nil
	}
	deadline := time.Now().Add(-d.cfg.AdapterTimeout)
	for id, req := range d.requests {
		if req.State != request.StateProcessing || req.StartedAt == nil || req.StartedAt.After(deadline) {
			continue
		}
		if pq, ok := d.providers[providerKey(req.Provider, req.Model)]; ok {
			delete(pq.inFlight, id)
			pq.bucket.releaseSlot()
		}
		now := time.Now()
		req.State = request.StateFailed
		req.LastError = "adapter timeout"
		req.CompletedAt = &now
		req.QueuePosition = nil
		if err := d.store.Update(ctx, req); err != nil {
			d.logger.Error(ctx, "persist reap transition failed", "request_id", id, "error", err)
		}
		d.logger.Warn(ctx, "reaped stuck processing request", "request_id", id)
	}
	return nil
}

// dispatchAll runs the spec §4.2 dispatch algorithm over every provider
// queue: reset rate windows that have elapsed, then pop and transition as
// many waiting requests as current capacity allows.
func (d *dispatcher) dispatchAll(ctx context.Context, now time.Time) {
	for _, pq := range d.providers {
		pq.bucket.resetIfWindowElapsed(now)
		for len(pq.ids) > 0 && pq.bucket.hasCapacity(now) {
			id := pq.ids[0]
			req, ok := d.requests[id]
			if !ok || req.State != request.StateQueued {
				// Stale entry (e.g. already cancelled); drop and continue.
				pq.ids = pq.ids[1:]
				continue
			}
			pq.ids = pq.ids[1:]
			pq.inFlight[id] = struct{}{}
			pq.bucket.recordDispatch()

			req.State = request.StateProcessing
			req.QueuePosition = nil
			started := now
			req.StartedAt = &started

			if wd, ok := d.workflows[req.Hints.TaskType]; ok {
				handle, err := wd.Dispatch(ctx, req)
				if err != nil {
					d.logger.Error(ctx, "workflow dispatch failed", "request_id", id, "error", err)
					d.completeLocked(ctx, req, pq, false, fmt.Sprintf("workflow dispatch: %v", err))
					continue
				}
				req.WorkflowHandle = handle
			}

			if err := d.store.Update(ctx, req); err != nil {
				d.logger.Error(ctx, "persist processing transition failed", "request_id", id, "error", err)
			}
			d.track(ctx, "request.processing", req, map[string]any{"request_id": id, "provider": req.Provider, "model": req.Model})

			d.metrics.IncCounter("router.dispatched", 1, "provider", req.Provider)
			select {
			case d.dispatch <- ProcessingNotification{
				RequestID:   req.ID,
				Query:       req.Query,
				Provider:    req.Provider,
				Model:       req.Model,
				Metadata:    req.Hints.Metadata,
				CallbackURL: req.Hints.CallbackURL,
			}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// completeLocked applies a synchronous failure (e.g. workflow dispatch
// rejection) without going back through the command channel, since it is
// already running on the dispatcher goroutine.
func (d *dispatcher) completeLocked(ctx context.Context, req *request.Request, pq *providerQueue, success bool, errMsg string) {
	delete(pq.inFlight, req.ID)
	pq.bucket.releaseSlot()

	now := time.Now()
	if req.RetryCount < req.MaxRetries {
		req.RetryCount++
		req.State = request.StateQueued
		req.LastError = errMsg
		pq.insertFront(req.ID)
		pos := pq.position(req.ID)
		req.QueuePosition = &pos
	} else {
		req.State = request.StateFailed
		req.LastError = errMsg
		req.CompletedAt = &now
	}
	if err := d.store.Update(ctx, req); err != nil {
		d.logger.Error(ctx, "persist failure transition failed", "request_id", req.ID, "error", err)
	}
}
