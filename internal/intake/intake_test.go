package intake_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/conductor/internal/classify"
	"github.com/flowmesh/conductor/internal/config"
	"github.com/flowmesh/conductor/internal/events"
	eventsinmem "github.com/flowmesh/conductor/internal/events/inmem"
	"github.com/flowmesh/conductor/internal/intake"
	"github.com/flowmesh/conductor/internal/request"
	requestinmem "github.com/flowmesh/conductor/internal/request/inmem"
	"github.com/flowmesh/conductor/internal/router"
	"github.com/flowmesh/conductor/internal/schema"
	"github.com/flowmesh/conductor/internal/telemetry"
)

type stubRouter struct {
	result router.EnqueueResult
	err    error
	calls  []*request.Request
}

func (s *stubRouter) Enqueue(_ context.Context, req *request.Request) (router.EnqueueResult, error) {
	s.calls = append(s.calls, req)
	return s.result, s.err
}

func TestSubmitClassifiesAndEnqueues(t *testing.T) {
	reqStore := requestinmem.New()
	rt := &stubRouter{result: router.EnqueueResult{QueuePosition: 1, EstimatedWaitMs: 500}}
	svc := intake.New(config.Default(), reqStore, rt, nil, nil, telemetry.NewNoopLogger())

	result, err := svc.Submit(context.Background(), intake.SubmitInput{
		ID:     "req-1",
		Tenant: "acme",
		Query:  "please draw a picture of a fox",
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.QueuePosition)
	require.Equal(t, int64(500), result.EstimateWaitMs)
	require.Equal(t, "image", result.Request.Hints.TaskType)
	require.Len(t, rt.calls, 1)
}

func TestSubmitRejectsEmptyQuery(t *testing.T) {
	reqStore := requestinmem.New()
	rt := &stubRouter{}
	svc := intake.New(config.Default(), reqStore, rt, nil, nil, telemetry.NewNoopLogger())

	_, err := svc.Submit(context.Background(), intake.SubmitInput{ID: "req-2", Tenant: "acme"})
	require.Error(t, err)
}

func TestSubmitHonorsExplicitTaskType(t *testing.T) {
	reqStore := requestinmem.New()
	rt := &stubRouter{result: router.EnqueueResult{QueuePosition: 0, EstimatedWaitMs: 0}}
	svc := intake.New(config.Default(), reqStore, rt, nil, nil, telemetry.NewNoopLogger())

	result, err := svc.Submit(context.Background(), intake.SubmitInput{
		ID:     "req-3",
		Tenant: "acme",
		Query:  "draw something",
		Hints:  classify.Hints{TaskType: "video"},
	})
	require.NoError(t, err)
	require.Equal(t, "video", result.Request.Hints.TaskType)
}

func TestSubmitRejectsMetadataFailingSchema(t *testing.T) {
	reqStore := requestinmem.New()
	rt := &stubRouter{}
	validator := schema.NewValidator()
	require.NoError(t, validator.Register("acme", []byte(`{"type":"object","required":["style"]}`)))
	svc := intake.New(config.Default(), reqStore, rt, validator, nil, telemetry.NewNoopLogger())

	_, err := svc.Submit(context.Background(), intake.SubmitInput{
		ID:       "req-4",
		Tenant:   "acme",
		Query:    "draw a cat",
		Metadata: map[string]any{"size": "large"},
	})
	require.Error(t, err)
}

func TestSubmitTracksCreatedAndQueuedEvents(t *testing.T) {
	reqStore := requestinmem.New()
	rt := &stubRouter{result: router.EnqueueResult{QueuePosition: 1}}
	tracker := events.New(eventsinmem.New(), nil, telemetry.NewNoopLogger())
	svc := intake.New(config.Default(), reqStore, rt, nil, tracker, telemetry.NewNoopLogger())

	_, err := svc.Submit(context.Background(), intake.SubmitInput{ID: "req-6", Tenant: "acme", Query: "write a poem"})
	require.NoError(t, err)

	counts, err := tracker.Counts(context.Background(), "acme", nil)
	require.NoError(t, err)
	require.Equal(t, 1, counts["request.created"])
	require.Equal(t, 1, counts["request.queued"])
}

func TestStatusReturnsPersistedRequest(t *testing.T) {
	reqStore := requestinmem.New()
	rt := &stubRouter{result: router.EnqueueResult{QueuePosition: 1}}
	svc := intake.New(config.Default(), reqStore, rt, nil, nil, telemetry.NewNoopLogger())

	_, err := svc.Submit(context.Background(), intake.SubmitInput{ID: "req-5", Tenant: "acme", Query: "write an email"})
	require.NoError(t, err)

	got, err := svc.Status(context.Background(), "req-5")
	require.NoError(t, err)
	require.Equal(t, "req-5", got.ID)
}
