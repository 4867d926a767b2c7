package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flowmesh/conductor/internal/apierrors"
)

// errorEnvelope is the fixed JSON error shape every error response carries
// (spec §6): a human message, a stable machine code, the correlated request
// id, and optional structured details.
type errorEnvelope struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	RequestID string `json:"request_id"`
	Details   any    `json:"details,omitempty"`
}

// statusForCode maps a taxonomy code to its HTTP status, per spec §7's three
// error classes (input/4xx, local-resource/500, everything else mapped to
// its most specific status).
func statusForCode(code apierrors.Code) int {
	switch code {
	case apierrors.CodeNotFound, apierrors.CodeRouteNotFound:
		return http.StatusNotFound
	case apierrors.CodeInvalidJSON, apierrors.CodeMissingQuery, apierrors.CodeMissingField,
		apierrors.CodeMissingParam, apierrors.CodeInvalidRequest, apierrors.CodeInvalidStatus,
		apierrors.CodeMissingRequestID:
		return http.StatusBadRequest
	case apierrors.CodeConflict:
		return http.StatusConflict
	case apierrors.CodeRateLimitExceeded, apierrors.CodeProviderRateLimit:
		return http.StatusTooManyRequests
	case apierrors.CodeGatewayTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as the fixed error envelope, setting X-Request-ID
// on the response regardless of error shape.
func writeError(w http.ResponseWriter, requestID string, err error) {
	var apiErr *apierrors.Error
	if !errors.As(err, &apiErr) {
		apiErr = apierrors.New(apierrors.CodeInternal, err.Error())
	}
	if apiErr.RequestID == "" {
		apiErr = apiErr.WithRequestID(requestID)
	}

	w.Header().Set("X-Request-ID", apiErr.RequestID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForCode(apiErr.Code))
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error:     apiErr.Message,
		ErrorCode: string(apiErr.Code),
		RequestID: apiErr.RequestID,
		Details:   apiErr.Details,
	})
}

func writeJSON(w http.ResponseWriter, requestID string, status int, body any) {
	w.Header().Set("X-Request-ID", requestID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
