package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/conductor/internal/config"
	"github.com/flowmesh/conductor/internal/delivery"
	deliverableinmem "github.com/flowmesh/conductor/internal/deliverable/inmem"
	"github.com/flowmesh/conductor/internal/events"
	eventsinmem "github.com/flowmesh/conductor/internal/events/inmem"
	"github.com/flowmesh/conductor/internal/httpapi"
	"github.com/flowmesh/conductor/internal/intake"
	"github.com/flowmesh/conductor/internal/router"
	requestinmem "github.com/flowmesh/conductor/internal/request/inmem"
	"github.com/flowmesh/conductor/internal/telemetry"
)

func newTestServer(t *testing.T) (http.Handler, func()) {
	t.Helper()
	cfg := config.Default()

	reqStore := requestinmem.New()
	delStore := deliverableinmem.New()
	eventStore := eventsinmem.New()

	tracker := events.New(eventStore, nil, telemetry.NewNoopLogger())
	rt := router.New(cfg, reqStore, nil, tracker, telemetry.NewNoopLogger(), telemetry.NewNoopMetrics(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go rt.Run(ctx)
	go func() {
		for range rt.Dispatch() {
		}
	}()

	in := intake.New(cfg, reqStore, rt, nil, tracker, telemetry.NewNoopLogger())
	del := delivery.New(reqStore, delStore, rt, tracker, cfg.Quality, telemetry.NewNoopLogger(), telemetry.NewNoopMetrics())

	pingers := map[string]httpapi.Pinger{"request_store": reqStore, "deliverable_store": delStore, "event_store": eventStore}
	srv := httpapi.New(in, rt, del, tracker, eventStore, telemetry.NewNoopLogger(), pingers)
	return srv.Handler(), cancel
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthReturnsOK(t *testing.T) {
	h, cancel := newTestServer(t)
	defer cancel()

	rec := doJSON(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestIntakeStatusDeliverHappyPath(t *testing.T) {
	h, cancel := newTestServer(t)
	defer cancel()

	rec := doJSON(t, h, http.MethodPost, "/intake", map[string]any{
		"query": "Write a haiku about autumn", "app_id": "acme",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var intakeResp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &intakeResp))
	requestID, _ := intakeResp["request_id"].(string)
	require.NotEmpty(t, requestID)
	require.Equal(t, "queued", intakeResp["state"])

	time.Sleep(50 * time.Millisecond)

	statusRec := doJSON(t, h, http.MethodGet, "/status?request_id="+requestID, nil)
	require.Equal(t, http.StatusOK, statusRec.Code)

	deliverRec := doJSON(t, h, http.MethodPost, "/deliver", map[string]any{
		"request_id": requestID, "success": true, "content_type": "text",
		"content": "Leaves drift to the ground, quiet whispers of the wind, autumn settles in.",
	})
	require.Equal(t, http.StatusOK, deliverRec.Code)

	var deliverResp map[string]any
	require.NoError(t, json.Unmarshal(deliverRec.Body.Bytes(), &deliverResp))
	require.NotEmpty(t, deliverResp["deliverable_id"])
}

func TestIntakeMissingQueryIsRejected(t *testing.T) {
	h, cancel := newTestServer(t)
	defer cancel()

	rec := doJSON(t, h, http.MethodPost, "/intake", map[string]any{"app_id": "acme"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "MISSING_QUERY", body["error_code"])
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestStatusUnknownRequestIsNotFound(t *testing.T) {
	h, cancel := newTestServer(t)
	defer cancel()

	rec := doJSON(t, h, http.MethodGet, "/status?request_id=missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelQueuedRequest(t *testing.T) {
	h, cancel := newTestServer(t)
	defer cancel()

	// Fill the text provider's concurrency cap so the next submission stays
	// queued instead of being dispatched straight to processing.
	for i := 0; i < config.Default().ProviderQuotas["text"].ConcurrentCap; i++ {
		doJSON(t, h, http.MethodPost, "/intake", map[string]any{
			"query": "Write a poem", "app_id": "acme", "task_type": "text",
		})
	}

	intakeRec := doJSON(t, h, http.MethodPost, "/intake", map[string]any{
		"query": "Write a novel", "app_id": "acme", "task_type": "text",
	})
	var intakeResp map[string]any
	require.NoError(t, json.Unmarshal(intakeRec.Body.Bytes(), &intakeResp))
	requestID := intakeResp["request_id"].(string)

	cancelRec := doJSON(t, h, http.MethodPost, "/cancel", map[string]any{"request_id": requestID})
	require.Equal(t, http.StatusOK, cancelRec.Code)
}

func TestSubscriptionCRUD(t *testing.T) {
	h, cancel := newTestServer(t)
	defer cancel()

	createRec := doJSON(t, h, http.MethodPost, "/subscriptions", map[string]any{
		"tenant": "acme", "url": "https://example.test/hook", "actions": []string{"*"},
	})
	require.Equal(t, http.StatusCreated, createRec.Code)

	var sub map[string]any
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &sub))
	id := sub["ID"].(string)

	getRec := doJSON(t, h, http.MethodGet, "/subscriptions?id="+id, nil)
	require.Equal(t, http.StatusOK, getRec.Code)

	deleteRec := doJSON(t, h, http.MethodDelete, "/subscriptions?id="+id, nil)
	require.Equal(t, http.StatusOK, deleteRec.Code)
}
