package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/flowmesh/conductor/internal/apierrors"
	"github.com/flowmesh/conductor/internal/events"
	"github.com/google/uuid"
)

type subscriptionBody struct {
	ID           string   `json:"id"`
	Tenant       string   `json:"tenant"`
	URL          string   `json:"url"`
	Secret       string   `json:"secret"`
	Actions      []string `json:"actions"`
	FilterUserID string   `json:"filter_user_id"`
	FilterKind   string   `json:"filter_eventable_type"`
	FilterID     string   `json:"filter_eventable_id"`
	Active       bool     `json:"active"`
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestIDFrom(ctx)

	var body subscriptionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, requestID, apierrors.New(apierrors.CodeInvalidJSON, "malformed request body"))
		return
	}
	if body.Tenant == "" || body.URL == "" {
		writeError(w, requestID, apierrors.New(apierrors.CodeMissingField, "tenant and url are required"))
		return
	}

	sub := &events.Subscription{
		ID:           uuid.NewString(),
		Tenant:       body.Tenant,
		URL:          body.URL,
		Secret:       body.Secret,
		Actions:      body.Actions,
		FilterUserID: body.FilterUserID,
		FilterKind:   body.FilterKind,
		FilterID:     body.FilterID,
		Active:       true,
	}
	if err := s.events.CreateSubscription(ctx, sub); err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, requestID, http.StatusCreated, sub)
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestIDFrom(ctx)

	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, requestID, apierrors.New(apierrors.CodeMissingParam, "id is required"))
		return
	}
	sub, err := s.events.GetSubscription(ctx, id)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, requestID, http.StatusOK, sub)
}

func (s *Server) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestIDFrom(ctx)

	var body subscriptionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, requestID, apierrors.New(apierrors.CodeInvalidJSON, "malformed request body"))
		return
	}
	if body.ID == "" {
		writeError(w, requestID, apierrors.New(apierrors.CodeMissingField, "id is required"))
		return
	}

	existing, err := s.events.GetSubscription(ctx, body.ID)
	if err != nil {
		writeError(w, requestID, err)
		return
	}

	existing.URL = body.URL
	existing.Secret = body.Secret
	existing.Actions = body.Actions
	existing.FilterUserID = body.FilterUserID
	existing.FilterKind = body.FilterKind
	existing.FilterID = body.FilterID
	existing.Active = body.Active

	if err := s.events.UpdateSubscription(ctx, existing); err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, requestID, http.StatusOK, existing)
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestIDFrom(ctx)

	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, requestID, apierrors.New(apierrors.CodeMissingParam, "id is required"))
		return
	}
	if err := s.events.DeleteSubscription(ctx, id); err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, requestID, http.StatusOK, map[string]any{"deleted": true})
}
