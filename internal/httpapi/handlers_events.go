package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/flowmesh/conductor/internal/apierrors"
	"github.com/flowmesh/conductor/internal/events"
)

type recordEventBody struct {
	Tenant        string         `json:"tenant"`
	UserID        string         `json:"user_id"`
	Action        string         `json:"action"`
	EventableKind string         `json:"eventable_type"`
	EventableID   string         `json:"eventable_id"`
	Particulars   map[string]any `json:"particulars"`
}

func (s *Server) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestIDFrom(ctx)

	var body recordEventBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, requestID, apierrors.New(apierrors.CodeInvalidJSON, "malformed request body"))
		return
	}
	if body.Action == "" {
		writeError(w, requestID, apierrors.New(apierrors.CodeMissingField, "action is required"))
		return
	}

	e := events.Event{
		Tenant:        body.Tenant,
		UserID:        body.UserID,
		Action:        body.Action,
		EventableKind: body.EventableKind,
		EventableID:   body.EventableID,
		Particulars:   body.Particulars,
		ClientIP:      r.RemoteAddr,
		UserAgent:     r.UserAgent(),
	}
	if err := s.tracker.Track(ctx, e); err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, requestID, http.StatusAccepted, map[string]any{"recorded": true})
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestIDFrom(ctx)

	q := r.URL.Query()
	tenant := q.Get("tenant")
	if tenant == "" {
		writeError(w, requestID, apierrors.New(apierrors.CodeMissingParam, "tenant is required"))
		return
	}

	limit := atoiOr(q.Get("limit"), 50)
	offset := atoiOr(q.Get("offset"), 0)

	items, err := s.tracker.Feed(ctx, tenant, events.FeedQuery{
		Bucket:     q.Get("bucket"),
		UserID:     q.Get("user"),
		UnreadOnly: q.Get("unread_only") == "true",
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, requestID, http.StatusOK, map[string]any{"items": items})
}

type feedReadBody struct {
	Tenant string   `json:"tenant"`
	IDs    []string `json:"ids"`
}

func (s *Server) handleFeedRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestIDFrom(ctx)

	var body feedReadBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, requestID, apierrors.New(apierrors.CodeInvalidJSON, "malformed request body"))
		return
	}

	if err := s.tracker.MarkRead(ctx, body.Tenant, body.IDs); err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, requestID, http.StatusOK, map[string]any{"marked": len(body.IDs)})
}

func atoiOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}
