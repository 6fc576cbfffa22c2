// Package httpx provides HTTP response helpers shared by the API handlers.
package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/nicktill/tinystats/pkg/log"
)

// RespondJSON writes a JSON response with the given status code and data.
func RespondJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Get(r.Context()).Warn().Err(err).Str("path", r.URL.Path).Msg("failed to encode JSON response")
	}
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// RespondError writes an error response with the given status code and error message.
func RespondError(w http.ResponseWriter, r *http.Request, status int, err error) {
	RespondJSON(w, r, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: err.Error(),
	})
}

// RespondErrorString writes an error response with the given status code and error message string.
func RespondErrorString(w http.ResponseWriter, r *http.Request, status int, message string) {
	RespondJSON(w, r, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}
