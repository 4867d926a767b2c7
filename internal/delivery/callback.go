package delivery

import (
	"bytes"
	"encoding/json"
	"io"
)

// callbackPayload is the body posted to a client's registered callback URL
// once a request resolves to a final deliverable.
type callbackPayload struct {
	RequestID     string `json:"request_id"`
	DeliverableID string `json:"deliverable_id"`
	Content       string `json:"content"`
	ContentKind   string `json:"content_kind"`
}

func marshalCallback(p callbackPayload) (io.Reader, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(body), nil
}
