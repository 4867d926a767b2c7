package delivery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/conductor/internal/config"
	"github.com/flowmesh/conductor/internal/deliverable"
	deliverableinmem "github.com/flowmesh/conductor/internal/deliverable/inmem"
	"github.com/flowmesh/conductor/internal/events"
	eventsinmem "github.com/flowmesh/conductor/internal/events/inmem"
	"github.com/flowmesh/conductor/internal/request"
	requestinmem "github.com/flowmesh/conductor/internal/request/inmem"
	"github.com/flowmesh/conductor/internal/telemetry"
)

type recordingCompleter struct {
	calls []completeCall
	err   error
}

type completeCall struct {
	id         string
	success    bool
	errMsg     string
	retryable  bool
	retryAfter time.Duration
}

func (c *recordingCompleter) Complete(_ context.Context, id string, success bool, errMsg string, retryable bool, retryAfter time.Duration) error {
	c.calls = append(c.calls, completeCall{id, success, errMsg, retryable, retryAfter})
	return c.err
}

func testQuality() config.QualityConfig {
	return config.QualityConfig{ApproveThreshold: 0.75, RejectThreshold: 0.25}
}

func newTestService(t *testing.T, rt Completer) (*Service, request.Store, deliverable.Store) {
	t.Helper()
	reqStore := requestinmem.New()
	delStore := deliverableinmem.New()
	tracker := events.New(eventsinmem.New(), nil, telemetry.NewNoopLogger())
	svc := New(reqStore, delStore, rt, tracker, testQuality(), telemetry.NewNoopLogger(), telemetry.NewNoopMetrics())
	return svc, reqStore, delStore
}

func seedRequest(t *testing.T, store request.Store, id string) *request.Request {
	t.Helper()
	r := &request.Request{ID: id, Tenant: "acme", Query: "draw a cat", State: request.StateProcessing}
	require.NoError(t, store.Create(context.Background(), r))
	return r
}

func TestDeliverAutoApprovesHighQualityText(t *testing.T) {
	completer := &recordingCompleter{}
	svc, reqStore, _ := newTestService(t, completer)
	seedRequest(t, reqStore, "req-1")

	longContent := "This is a long, well formed response with plenty of substantive detail to pass the length tier checks."
	result, err := svc.Deliver(context.Background(), "req-1", true, deliverable.ContentText, longContent, []byte(`{"ok":true}`), "", 0)
	require.NoError(t, err)
	require.Equal(t, OutcomeAutoApproved, result.Outcome)
	require.Equal(t, deliverable.StateDelivered, result.Deliverable.State)
	require.Len(t, completer.calls, 1)
	require.True(t, completer.calls[0].success)
}

func TestDeliverAutoRejectsNoisyContent(t *testing.T) {
	completer := &recordingCompleter{}
	svc, reqStore, _ := newTestService(t, completer)
	seedRequest(t, reqStore, "req-2")

	// A short refusal where an image URL was expected scores
	// 0.4*0.2 + 0.3*0 + 0.2*0.5 + 0.1*0.5 = 0.23, below the 0.25 reject
	// threshold.
	result, err := svc.Deliver(context.Background(), "req-2", true, deliverable.ContentImageURL, "I cannot", nil, "", 0)
	require.NoError(t, err)
	require.Equal(t, OutcomeAutoRejected, result.Outcome)
	require.Equal(t, deliverable.StateRejected, result.Deliverable.State)
	require.Len(t, completer.calls, 1)
	require.False(t, completer.calls[0].success)
	require.False(t, completer.calls[0].retryable)
}

func TestDeliverHighScoreWithIssuesIsNotAutoApproved(t *testing.T) {
	completer := &recordingCompleter{}
	svc, reqStore, _ := newTestService(t, completer)
	seedRequest(t, reqStore, "req-2b")

	longContent := "This is a long, well formed response with plenty of substantive detail to pass the length tier checks."
	result, err := svc.Deliver(context.Background(), "req-2b", true, deliverable.ContentText, longContent, nil, "", 0)
	require.NoError(t, err)
	require.NotEqual(t, OutcomeAutoApproved, result.Outcome)
}

func TestDeliverFailurePropagatesToRouterUnconditionally(t *testing.T) {
	completer := &recordingCompleter{}
	svc, reqStore, _ := newTestService(t, completer)
	seedRequest(t, reqStore, "req-3")

	result, err := svc.Deliver(context.Background(), "req-3", false, "", "", nil, "adapter timeout", 0)
	require.NoError(t, err)
	require.Equal(t, deliverable.StateFailed, result.Deliverable.State)
	require.Len(t, completer.calls, 1)
	require.Equal(t, "adapter timeout", completer.calls[0].errMsg)
	require.True(t, completer.calls[0].retryable)
}

func TestDeliverUnknownRequestIsNotFound(t *testing.T) {
	svc, _, _ := newTestService(t, &recordingCompleter{})
	_, err := svc.Deliver(context.Background(), "missing", true, deliverable.ContentText, "x", nil, "", 0)
	require.Error(t, err)
}

func TestWebhookMissingRequestIDIsRejected(t *testing.T) {
	svc, _, _ := newTestService(t, &recordingCompleter{})
	_, err := svc.Webhook(context.Background(), "unknown-provider", []byte(`{"foo":"bar"}`))
	require.Error(t, err)
}

func TestWebhookGenericNormalizerResolvesByRequestID(t *testing.T) {
	completer := &recordingCompleter{}
	svc, reqStore, _ := newTestService(t, completer)
	seedRequest(t, reqStore, "req-4")

	body := []byte(`{"request_id":"req-4","content":"A detailed, well structured response body for testing."}`)
	result, err := svc.Webhook(context.Background(), "unrecognized", body)
	require.NoError(t, err)
	require.Equal(t, "req-4", result.Deliverable.RequestID)
}

func TestApproveRequiresPendingReview(t *testing.T) {
	completer := &recordingCompleter{}
	svc, reqStore, _ := newTestService(t, completer)
	seedRequest(t, reqStore, "req-5")

	result, err := svc.Deliver(context.Background(), "req-5", true, deliverable.ContentText, "ok", nil, "", 0)
	require.NoError(t, err)
	require.Equal(t, OutcomePendingReview, result.Outcome)

	approved, err := svc.Approve(context.Background(), result.Deliverable.ID)
	require.NoError(t, err)
	require.Equal(t, deliverable.StateDelivered, approved.State)

	_, err = svc.Approve(context.Background(), result.Deliverable.ID)
	require.Error(t, err)
}

func TestRejectRecordsReasonAndFailsRequest(t *testing.T) {
	completer := &recordingCompleter{}
	svc, reqStore, _ := newTestService(t, completer)
	seedRequest(t, reqStore, "req-6")

	result, err := svc.Deliver(context.Background(), "req-6", true, deliverable.ContentText, "ok", nil, "", 0)
	require.NoError(t, err)
	require.Equal(t, OutcomePendingReview, result.Outcome)

	rejected, err := svc.Reject(context.Background(), result.Deliverable.ID, "does not match request")
	require.NoError(t, err)
	require.Equal(t, deliverable.StateRejected, rejected.State)
	require.Equal(t, "does not match request", rejected.RejectReason)

	last := completer.calls[len(completer.calls)-1]
	require.False(t, last.success)
	require.False(t, last.retryable)
}

func TestDeliverFiresCallbackOnApproval(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	completer := &recordingCompleter{}
	svc, reqStore, _ := newTestService(t, completer)
	r := seedRequest(t, reqStore, "req-7")
	r.Hints.CallbackURL = srv.URL
	require.NoError(t, reqStore.Update(context.Background(), r))

	longContent := "This is a long, well formed response with plenty of substantive detail to pass the length tier checks."
	_, err := svc.Deliver(context.Background(), "req-7", true, deliverable.ContentText, longContent, []byte(`{"ok":true}`), "", 0)
	require.NoError(t, err)
	require.True(t, called)
}
