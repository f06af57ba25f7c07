package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	regerr "github.com/lagret/lagret/internal/errors"
)

// RequestIDHeader carries the request ID set by the server middleware.
const RequestIDHeader = "X-Request-Id"

// errorDetail is one entry of a cargo error response.
type errorDetail struct {
	Detail string `json:"detail"`
}

// ErrorResponse is the error body cargo understands:
//
//	{"errors":[{"detail":"..."}]}
type ErrorResponse struct {
	Errors []errorDetail `json:"errors"`
}

// NewErrorResponse builds an error body with a single message.
func NewErrorResponse(detail string) ErrorResponse {
	return ErrorResponse{Errors: []errorDetail{{Detail: detail}}}
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Encoding JSON response", "error", err)
	}
}

// WriteAPIError renders apiErr in cargo's error format.
func WriteAPIError(w http.ResponseWriter, apiErr *regerr.APIError) {
	writeJSON(w, apiErr.HTTPStatus, NewErrorResponse(apiErr.Detail))
}

// WriteError maps err to an API error and renders it. Server-side failures
// are logged with the request ID; expected outcomes such as not found are
// not.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := regerr.ToAPI(err)
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		slog.Error("Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", w.Header().Get(RequestIDHeader),
			"code", apiErr.Code,
			"error", err,
		)
	}
	WriteAPIError(w, apiErr)
}
