// Package apierror defines the JSON error envelope used by every plain HTTP
// response the relay writes. WebSocket rejections use close codes instead.
package apierror

import (
	"encoding/json"
	"net/http"
)

// Body is the error payload inside the envelope.
type Body struct {
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Envelope wraps every HTTP error response.
type Envelope struct {
	Error Body `json:"error"`
}

// Write emits one JSON error response. The request id is included when the
// caller knows it so clients can quote it back in support reports.
func Write(w http.ResponseWriter, requestID string, status int, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: Body{Message: message, RequestID: requestID}})
}
