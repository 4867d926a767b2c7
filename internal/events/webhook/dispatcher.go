// Package webhook implements events.Dispatcher: at-least-once, HMAC-signed
// webhook fan-out for the Event Tracker, per spec.md §4.4. Grounded on
// runtime/a2a/retry/retry.go for the attempt loop (generalized here through
// internal/retry, whose only caller is this package) and on net/http.Client
// for the transport, the
// teacher's only outbound HTTP shape (no dedicated webhook client appears
// anywhere in the example pack).
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowmesh/conductor/internal/config"
	"github.com/flowmesh/conductor/internal/events"
	"github.com/flowmesh/conductor/internal/retry"
	"github.com/flowmesh/conductor/internal/telemetry"
)

// genericPayload is the default wire shape for subscribers that are not the
// notification service (spec §4.4 step 3).
type genericPayload struct {
	EventID       string         `json:"event_id"`
	Action        string         `json:"action"`
	EventableType string         `json:"eventable_type"`
	EventableID   string         `json:"eventable_id"`
	Particulars   map[string]any `json:"particulars"`
	Timestamp     time.Time      `json:"timestamp"`
}

// notificationServicePayload is the templated shape recognized by the
// special notification-service URL host (spec §4.4 step 3).
type notificationServicePayload struct {
	Topic    string         `json:"topic"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Priority string         `json:"priority"`
	Tags     []string       `json:"tags,omitempty"`
	Actions  []actionButton `json:"actions,omitempty"`
}

type actionButton struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Dispatcher implements events.Dispatcher.
type Dispatcher struct {
	store   events.Store
	http    *http.Client
	limiter *rate.Limiter
	cfg     config.WebhookConfig
	logger  telemetry.Logger
	metrics telemetry.Metrics

	wg sync.WaitGroup
}

// New constructs a Dispatcher. MaxOutboundPerSecond throttles total
// outbound webhook concurrency process-wide, using x/time/rate since no
// calendar-window semantics are required here (unlike the router's
// per-provider rpm bucket).
func New(store events.Store, cfg config.WebhookConfig, logger telemetry.Logger, metrics telemetry.Metrics) *Dispatcher {
	limit := rate.Limit(cfg.MaxOutboundPerSecond)
	if cfg.MaxOutboundPerSecond <= 0 {
		limit = rate.Inf
	}
	return &Dispatcher{
		store:   store,
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(limit, 1),
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// Dispatch implements events.Dispatcher: it launches one goroutine per
// matching subscription and returns immediately, never blocking the
// caller's track() return (spec §4.4 step 3).
func (d *Dispatcher) Dispatch(event *events.Event, subs []*events.Subscription) {
	for _, sub := range subs {
		if !matches(event, sub) {
			continue
		}
		d.wg.Add(1)
		go func(sub *events.Subscription) {
			defer d.wg.Done()
			d.deliverOne(context.Background(), event, sub)
		}(sub)
	}
}

// Wait blocks until every in-flight fan-out goroutine has finished; used by
// tests and graceful shutdown.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// matches applies spec §4.4 step 1's action/user/kind/id filters.
func matches(event *events.Event, sub *events.Subscription) bool {
	if !actionMatches(event.Action, sub.Actions) {
		return false
	}
	if sub.FilterUserID != "" && sub.FilterUserID != event.UserID {
		return false
	}
	if sub.FilterKind != "" && sub.FilterKind != event.EventableKind {
		return false
	}
	if sub.FilterID != "" && sub.FilterID != event.EventableID {
		return false
	}
	return true
}

func actionMatches(action string, subscribed []string) bool {
	for _, a := range subscribed {
		if a == "*" || a == action {
			return true
		}
	}
	return false
}

func (d *Dispatcher) deliverOne(ctx context.Context, event *events.Event, sub *events.Subscription) {
	if err := d.limiter.Wait(ctx); err != nil {
		return
	}

	attempt := &events.DeliveryAttempt{
		SubscriptionID: sub.ID,
		EventID:        event.ID,
		State:          events.AttemptPending,
	}
	if err := d.store.CreateDeliveryAttempt(ctx, attempt); err != nil {
		d.logger.Error(ctx, "create delivery attempt failed", "subscription_id", sub.ID, "error", err)
		return
	}

	body, isNotificationService := d.buildPayload(event, sub)

	cfg := retry.WebhookConfig(d.cfg.InitialBackoff)
	err := retry.Do(ctx, cfg, func(ctx context.Context, n int) error {
		attempt.AttemptCount = n
		return d.post(ctx, event, sub, body, isNotificationService, attempt)
	})

	if err == nil {
		attempt.State = events.AttemptDelivered
		_ = d.store.UpdateDeliveryAttempt(ctx, attempt)
		d.metrics.IncCounter("webhook.delivered", 1, "subscription_id", sub.ID)
		return
	}

	attempt.State = events.AttemptFailed
	_ = d.store.UpdateDeliveryAttempt(ctx, attempt)

	sub.FailureCount++
	sub.LastFailure = err.Error()
	if uerr := d.store.UpdateSubscription(ctx, sub); uerr != nil {
		d.logger.Error(ctx, "record subscription failure failed", "subscription_id", sub.ID, "error", uerr)
	}
	d.metrics.IncCounter("webhook.failed", 1, "subscription_id", sub.ID)
}

// buildPayload serializes the event per spec §4.4 step 3, recognizing the
// notification service by URL host.
func (d *Dispatcher) buildPayload(event *events.Event, sub *events.Subscription) ([]byte, bool) {
	if isNotificationServiceHost(sub.URL, d.cfg.NotificationServiceHost) {
		payload := notificationServicePayload{
			Topic:    event.EventableKind,
			Title:    event.Action,
			Message:  fmt.Sprintf("%v", event.Particulars),
			Priority: "normal",
		}
		body, _ := json.Marshal(payload)
		return body, true
	}
	payload := genericPayload{
		EventID:       event.ID,
		Action:        event.Action,
		EventableType: event.EventableKind,
		EventableID:   event.EventableID,
		Particulars:   event.Particulars,
		Timestamp:     event.CreatedAt,
	}
	body, _ := json.Marshal(payload)
	return body, false
}

func isNotificationServiceHost(target, notificationHost string) bool {
	if notificationHost == "" {
		return false
	}
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return u.Hostname() == notificationHost
}

func (d *Dispatcher) post(ctx context.Context, event *events.Event, sub *events.Subscription, body []byte, isNotificationService bool, attempt *events.DeliveryAttempt) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-DE-Event", event.Action)
	req.Header.Set("X-DE-Delivery", attempt.ID)
	if sub.Secret != "" && !isNotificationService {
		req.Header.Set("X-DE-Signature", signPayload(sub.Secret, body))
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	attempt.LastResponseCode = resp.StatusCode
	attempt.LastResponseBody = string(respBody)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &retry.HTTPStatusError{
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("webhook %s returned %d", sub.URL, resp.StatusCode),
		RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
	}
}

func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func retryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := time.ParseDuration(header + "s"); err == nil {
		return secs
	}
	return 0
}
