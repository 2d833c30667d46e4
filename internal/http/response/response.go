// Package response renders the JSON envelope every HTTP surface of the
// service shares: {success, data|error, meta{request_id, timestamp}}.
package response

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

type envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
	Meta    meta      `json:"meta"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type meta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// JSON writes a success envelope.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	write(w, envelope{Success: true, Data: data, Meta: buildMeta(r)}, status)
}

// Error writes a failure envelope with a machine-readable code.
func Error(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	write(w, envelope{
		Error: &apiError{Code: code, Message: message, Details: details},
		Meta:  buildMeta(r),
	}, status)
}

// RetryAfter stamps the standard backoff header. Callers still choose the
// status code; 202 responses carry it too when only the durable leg was
// rejected.
func RetryAfter(w http.ResponseWriter, seconds int) {
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
}

func write(w http.ResponseWriter, env envelope, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func buildMeta(r *http.Request) meta {
	id := chimiddleware.GetReqID(r.Context())
	if id == "" {
		id = r.Header.Get("X-Request-Id")
	}
	if id == "" {
		id = "req-unknown"
	}
	return meta{RequestID: id, Timestamp: time.Now().UTC()}
}
