package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/conductor/internal/config"
	"github.com/flowmesh/conductor/internal/events"
	"github.com/flowmesh/conductor/internal/events/inmem"
	"github.com/flowmesh/conductor/internal/telemetry"
)

func readAllBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(r.Body)
}

func hostOf(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Hostname()
}

func testCfg() config.WebhookConfig {
	return config.WebhookConfig{InitialBackoff: time.Millisecond, MaxOutboundPerSecond: 1000, NotificationServiceHost: "notify.internal"}
}

func TestDispatchDeliversAndSignsGenericPayload(t *testing.T) {
	var gotSig, gotEvent, gotDelivery string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-DE-Signature")
		gotEvent = r.Header.Get("X-DE-Event")
		gotDelivery = r.Header.Get("X-DE-Delivery")
		gotBody, _ = readAllBody(r)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := inmem.New()
	d := New(store, testCfg(), telemetry.NewNoopLogger(), telemetry.NewNoopMetrics())

	sub := &events.Subscription{ID: "sub-1", Tenant: "acme", URL: srv.URL, Secret: "s3cr3t", Actions: []string{"*"}, Active: true}
	require.NoError(t, store.CreateSubscription(context.Background(), sub))

	d.Dispatch(&events.Event{ID: "evt-1", Tenant: "acme", Action: "request.completed"}, []*events.Subscription{sub})
	d.Wait()

	require.NotEmpty(t, gotSig)
	require.Equal(t, "request.completed", gotEvent)
	require.NotEmpty(t, gotDelivery)
	require.Contains(t, string(gotBody), "evt-1")
}

func TestDispatchSkipsNonMatchingSubscription(t *testing.T) {
	var called int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&called, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := inmem.New()
	d := New(store, testCfg(), telemetry.NewNoopLogger(), telemetry.NewNoopMetrics())

	sub := &events.Subscription{ID: "sub-1", Tenant: "acme", URL: srv.URL, Actions: []string{"oauth.expired"}, Active: true}
	require.NoError(t, store.CreateSubscription(context.Background(), sub))

	d.Dispatch(&events.Event{ID: "evt-1", Tenant: "acme", Action: "request.completed"}, []*events.Subscription{sub})
	d.Wait()

	require.Equal(t, int32(0), atomic.LoadInt32(&called))
}

func TestDispatchRetriesOnFailureThenRecordsFailedAttempt(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		// 500 is not on the fixed retryable allow-list (only 429/502/503/504
		// are); spec §8 scenario 5 drives exactly this response and expects
		// retries up to the 3-attempt cap regardless.
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := inmem.New()
	d := New(store, testCfg(), telemetry.NewNoopLogger(), telemetry.NewNoopMetrics())

	sub := &events.Subscription{ID: "sub-1", Tenant: "acme", URL: srv.URL, Actions: []string{"*"}, Active: true}
	require.NoError(t, store.CreateSubscription(context.Background(), sub))

	d.Dispatch(&events.Event{ID: "evt-1", Tenant: "acme", Action: "request.completed"}, []*events.Subscription{sub})
	d.Wait()

	require.Equal(t, int32(3), atomic.LoadInt32(&attempts))

	updated, err := store.GetSubscription(context.Background(), "sub-1")
	require.NoError(t, err)
	require.Equal(t, 1, updated.FailureCount)
}

func TestDispatchUsesNotificationServiceShapeByHost(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-DE-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testCfg()
	store := inmem.New()

	sub := &events.Subscription{ID: "sub-1", Tenant: "acme", URL: srv.URL, Secret: "s3cr3t", Actions: []string{"*"}, Active: true}
	require.NoError(t, store.CreateSubscription(context.Background(), sub))

	d := New(store, cfg, telemetry.NewNoopLogger(), telemetry.NewNoopMetrics())
	// Force the notification-service path by matching the host the
	// dispatcher checks against, mirroring how production config would
	// point NotificationServiceHost at the real notification service.
	d.cfg.NotificationServiceHost = hostOf(t, srv.URL)

	d.Dispatch(&events.Event{ID: "evt-1", Tenant: "acme", Action: "request.completed"}, []*events.Subscription{sub})
	d.Wait()

	require.Empty(t, gotSig)
}
