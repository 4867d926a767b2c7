package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/flowmesh/conductor/internal/apierrors"
	"github.com/flowmesh/conductor/internal/deliverable"
)

type deliverRequestBody struct {
	RequestID    string                  `json:"request_id"`
	Success      bool                    `json:"success"`
	ContentType  deliverable.ContentKind `json:"content_type"`
	Content      string                  `json:"content"`
	RawResponse  json.RawMessage         `json:"raw_response"`
	Error        string                  `json:"error"`
	RetryAfterMs int64                   `json:"retry_after_ms"`
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestIDFrom(ctx)

	var body deliverRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, requestID, apierrors.New(apierrors.CodeInvalidJSON, "malformed request body"))
		return
	}
	if body.RequestID == "" {
		writeError(w, requestID, apierrors.New(apierrors.CodeMissingField, "request_id is required"))
		return
	}

	retryAfter := time.Duration(body.RetryAfterMs) * time.Millisecond
	result, err := s.delivery.Deliver(ctx, body.RequestID, body.Success, body.ContentType, body.Content, []byte(body.RawResponse), body.Error, retryAfter)
	if err != nil {
		writeError(w, requestID, err)
		return
	}

	resp := map[string]any{
		"deliverable_id": result.Deliverable.ID,
		"state":          result.Deliverable.State,
	}
	if body.Success {
		resp["quality_score"] = result.Deliverable.Quality.Score
	}
	writeJSON(w, requestID, http.StatusOK, resp)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestIDFrom(ctx)

	provider := r.URL.Query().Get("provider")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, requestID, apierrors.New(apierrors.CodeInvalidJSON, "could not read request body"))
		return
	}

	result, err := s.delivery.Webhook(ctx, provider, body)
	if err != nil {
		writeError(w, requestID, err)
		return
	}

	writeJSON(w, requestID, http.StatusOK, map[string]any{
		"deliverable_id": result.Deliverable.ID,
		"state":          result.Deliverable.State,
	})
}

func (s *Server) handleGetDeliverable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestIDFrom(ctx)

	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, requestID, apierrors.New(apierrors.CodeMissingParam, "id is required"))
		return
	}

	d, err := s.delivery.Get(ctx, id)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, requestID, http.StatusOK, d)
}

type reviewRequestBody struct {
	DeliverableID string `json:"deliverable_id"`
	Reason        string `json:"reason"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestIDFrom(ctx)

	var body reviewRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, requestID, apierrors.New(apierrors.CodeInvalidJSON, "malformed request body"))
		return
	}
	if body.DeliverableID == "" {
		writeError(w, requestID, apierrors.New(apierrors.CodeMissingField, "deliverable_id is required"))
		return
	}

	d, err := s.delivery.Approve(ctx, body.DeliverableID)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, requestID, http.StatusOK, d)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestIDFrom(ctx)

	var body reviewRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, requestID, apierrors.New(apierrors.CodeInvalidJSON, "malformed request body"))
		return
	}
	if body.DeliverableID == "" {
		writeError(w, requestID, apierrors.New(apierrors.CodeMissingField, "deliverable_id is required"))
		return
	}

	d, err := s.delivery.Reject(ctx, body.DeliverableID, body.Reason)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, requestID, http.StatusOK, d)
}
