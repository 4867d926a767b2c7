// Package providers normalizes third-party webhook payload shapes into a
// common NormalizedResponse, per spec.md's Design Notes: "one adapter per
// recognized provider implementing a common capability normalize(raw) ->
// NormalizedResponse; unknown providers fall through a generic normalizer
// that probes common field names in declared order."
package providers

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowmesh/conductor/internal/apierrors"
	"github.com/flowmesh/conductor/internal/deliverable"
)

// NormalizedResponse is the common shape every provider adapter reduces a
// raw webhook body to.
type NormalizedResponse struct {
	RequestID   string
	Success     bool
	ContentKind deliverable.ContentKind
	Content     string
	Error       string
	// RetryAfter carries a provider's rate-limit hint (spec §4.5), when the
	// raw payload names one. Zero means no hint was present.
	RetryAfter time.Duration
}

// Normalizer converts a provider's raw webhook body into NormalizedResponse.
type Normalizer func(raw []byte) (NormalizedResponse, error)

// registry maps a provider name to its adapter. Extending it is how a new
// provider's webhook shape earns first-class handling; anything absent
// falls through to Generic.
var registry = map[string]Normalizer{
	"openai-compatible": openAICompatible,
	"replicate":         replicate,
}

// Normalize dispatches to the registered adapter for providerName, or the
// generic field-probing fallback when none is registered.
func Normalize(providerName string, raw []byte) (NormalizedResponse, error) {
	if fn, ok := registry[providerName]; ok {
		return fn(raw)
	}
	return Generic(raw)
}

// genericFieldOrder is the declared probing order for the generic fallback
// normalizer's request-id and content field names.
var (
	requestIDFields = []string{"request_id", "requestId", "id", "correlation_id"}
	contentFields   = []string{"content", "output", "result", "text", "url", "image_url"}
	errorFields     = []string{"error", "error_message", "message"}
)

// Generic probes a declared list of common field names in order, for
// providers with no dedicated adapter.
func Generic(raw []byte) (NormalizedResponse, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return NormalizedResponse{}, apierrors.ErrMissingRequestID.WithCause(err)
	}

	requestID := firstStringField(doc, requestIDFields)
	if requestID == "" {
		return NormalizedResponse{}, apierrors.ErrMissingRequestID
	}

	errMsg := firstStringField(doc, errorFields)
	content := firstStringField(doc, contentFields)

	return NormalizedResponse{
		RequestID:   requestID,
		Success:     errMsg == "",
		ContentKind: deliverable.ContentText,
		Content:     content,
		Error:       errMsg,
		RetryAfter:  retryAfterField(doc),
	}, nil
}

// retryAfterFields is the declared probing order for a provider's retry
// hint, expressed in whole seconds (spec §4.5's Retry-After semantics).
var retryAfterFields = []string{"retry_after", "retry_after_seconds", "retryAfter"}

func retryAfterField(doc map[string]any) time.Duration {
	for _, name := range retryAfterFields {
		v, ok := doc[name]
		if !ok {
			continue
		}
		if n, ok := v.(float64); ok && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return 0
}

func firstStringField(doc map[string]any, names []string) string {
	for _, name := range names {
		if v, ok := doc[name]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

type openAICompatiblePayload struct {
	RequestID string `json:"request_id"`
	Choices   []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func openAICompatible(raw []byte) (NormalizedResponse, error) {
	var payload openAICompatiblePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return NormalizedResponse{}, fmt.Errorf("openai-compatible: %w", err)
	}
	if payload.RequestID == "" {
		return NormalizedResponse{}, apierrors.ErrMissingRequestID
	}
	if payload.Error != nil {
		return NormalizedResponse{RequestID: payload.RequestID, Success: false, Error: payload.Error.Message}, nil
	}
	content := ""
	if len(payload.Choices) > 0 {
		content = payload.Choices[0].Message.Content
	}
	return NormalizedResponse{RequestID: payload.RequestID, Success: true, ContentKind: deliverable.ContentText, Content: content}, nil
}

type replicatePayload struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output any    `json:"output"`
	Error  string `json:"error"`
}

func replicate(raw []byte) (NormalizedResponse, error) {
	var payload replicatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return NormalizedResponse{}, fmt.Errorf("replicate: %w", err)
	}
	if payload.ID == "" {
		return NormalizedResponse{}, apierrors.ErrMissingRequestID
	}
	if payload.Status == "failed" || payload.Error != "" {
		return NormalizedResponse{RequestID: payload.ID, Success: false, Error: payload.Error}, nil
	}
	content := ""
	kind := deliverable.ContentText
	switch v := payload.Output.(type) {
	case string:
		content = v
		kind = deliverable.ContentImageURL
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				content = s
				kind = deliverable.ContentImageURL
			}
		}
	}
	return NormalizedResponse{RequestID: payload.ID, Success: payload.Status == "succeeded", ContentKind: kind, Content: content}, nil
}
