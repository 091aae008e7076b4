package security

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the body of every error answer. Retryable tells the
// platform that redelivering the same request may succeed.
type ErrorResponse struct {
	Error         string `json:"error"`
	Retryable     bool   `json:"retryable,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func WriteJSONError(w http.ResponseWriter, r *http.Request, status int, code string) {
	writeError(w, r, status, ErrorResponse{Error: code})
}

// WriteRetryableError answers 500 and marks the failure as temporary.
func WriteRetryableError(w http.ResponseWriter, r *http.Request, code string) {
	writeError(w, r, http.StatusInternalServerError, ErrorResponse{Error: code, Retryable: true})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, body ErrorResponse) {
	body.CorrelationID = CorrelationIDFromContext(r.Context())
	if body.CorrelationID != "" {
		w.Header().Set(CorrelationIDHeader, body.CorrelationID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
