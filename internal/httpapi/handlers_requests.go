package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/flowmesh/conductor/internal/apierrors"
	"github.com/flowmesh/conductor/internal/classify"
	"github.com/flowmesh/conductor/internal/intake"
	"github.com/google/uuid"
)

type intakeRequestBody struct {
	Query          string         `json:"query"`
	AppID          string         `json:"app_id"`
	InstanceID     string         `json:"instance_id"`
	TaskType       string         `json:"task_type"`
	Provider       string         `json:"provider"`
	Model          string         `json:"model"`
	Priority       int            `json:"priority"`
	CallbackURL    string         `json:"callback_url"`
	Metadata       map[string]any `json:"metadata"`
	RepoURL        string         `json:"repo_url"`
	Executor       string         `json:"executor"`
	ModelWaterfall []string       `json:"model_waterfall"`
	PrimaryModel   string         `json:"primary_model"`
	TimeoutMs      int            `json:"timeout_ms"`
}

func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestIDFrom(ctx)

	var body intakeRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, requestID, apierrors.New(apierrors.CodeInvalidJSON, "malformed request body"))
		return
	}
	if body.Query == "" {
		writeError(w, requestID, apierrors.New(apierrors.CodeMissingQuery, "query is required"))
		return
	}

	id := uuid.NewString()
	result, err := s.intake.Submit(ctx, intake.SubmitInput{
		ID:         id,
		Tenant:     body.AppID,
		App:        body.AppID,
		InstanceID: body.InstanceID,
		Query:      body.Query,
		Hints: classify.Hints{
			TaskType:          body.TaskType,
			PreferredProvider: body.Provider,
			PreferredModel:    body.Model,
			RepoURL:           body.RepoURL,
			Executor:          body.Executor,
		},
		Priority:       body.Priority,
		CallbackURL:    body.CallbackURL,
		Metadata:       body.Metadata,
		ModelWaterfall: body.ModelWaterfall,
	})
	if err != nil {
		writeError(w, requestID, err)
		return
	}

	if result.Request.WorkflowHandle != "" {
		writeJSON(w, requestID, http.StatusAccepted, map[string]any{
			"request_id":      result.Request.ID,
			"state":           "processing",
			"workflow_handle": result.Request.WorkflowHandle,
		})
		return
	}

	writeJSON(w, requestID, http.StatusAccepted, map[string]any{
		"request_id":        result.Request.ID,
		"state":             "queued",
		"queue_position":    result.QueuePosition,
		"estimated_wait_ms": result.EstimateWaitMs,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestIDFrom(ctx)

	id := r.URL.Query().Get("request_id")
	if id == "" {
		writeError(w, requestID, apierrors.New(apierrors.CodeMissingParam, "request_id is required"))
		return
	}

	req, err := s.intake.Status(ctx, id)
	if err != nil {
		writeError(w, requestID, err)
		return
	}

	routerStatus, err := s.router.Status(ctx, id)
	var queuePosition *int
	if err == nil {
		queuePosition = routerStatus.QueuePosition
	}

	writeJSON(w, requestID, http.StatusOK, map[string]any{
		"request_id":     req.ID,
		"state":          req.State,
		"queue_position": queuePosition,
		"retry_count":    req.RetryCount,
		"error_message":  req.LastError,
		"provider":       req.Provider,
		"model":          req.Model,
		"created_at":     req.CreatedAt,
		"completed_at":   req.CompletedAt,
	})
}

type cancelRequestBody struct {
	RequestID string `json:"request_id"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestIDFrom(ctx)

	var body cancelRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, requestID, apierrors.New(apierrors.CodeInvalidJSON, "malformed request body"))
		return
	}
	if body.RequestID == "" {
		writeError(w, requestID, apierrors.New(apierrors.CodeMissingField, "request_id is required"))
		return
	}

	outcome, err := s.router.Cancel(ctx, body.RequestID)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	if outcome != "cancelled" {
		writeError(w, requestID, apierrors.New(apierrors.CodeInvalidStatus, "request is not cancellable from its current state"))
		return
	}

	writeJSON(w, requestID, http.StatusOK, map[string]any{"state": "cancelled"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestIDFrom(ctx)

	checks := make(map[string]string, len(s.pingers))
	healthy := true
	for name, p := range s.pingers {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	writeJSON(w, requestID, status, map[string]any{"status": overall, "checks": checks})
}
