package server

import (
	"encoding/json"
	"net/http"

	"github.com/teranos/patchspool/errors"
)

// Error codes carried in ErrorResponse.Code
const (
	CodeNotFound         = "not_found"
	CodeInvalidRequest   = "invalid_request"
	CodeConflict         = "conflict"
	CodeTimeout          = "timeout"
	CodeUnavailable      = "unavailable"
	CodeMethodNotAllowed = "method_not_allowed"
	CodeInternal         = "internal"
)

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Hint  string `json:"hint,omitempty"`
}

// classify maps pipeline errors onto an HTTP status and error code
func classify(err error) (int, string) {
	switch {
	case errors.IsNotFoundError(err):
		return http.StatusNotFound, CodeNotFound
	case errors.IsInvalidRequestError(err):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, errors.ErrConflict):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, errors.ErrTimeout):
		return http.StatusGatewayTimeout, CodeTimeout
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// writeErr writes err with the status its kind maps to. Hints attached with
// errors.WithHint are passed on to the client.
func writeErr(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code, Hint: errors.FlattenHints(err)})
}

// writeUnavailable reports a component the daemon did not wire
func writeUnavailable(w http.ResponseWriter, component string) {
	writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: component + " not running", Code: CodeUnavailable})
}

// writeJSON writes v as the JSON body. An encoding failure after the header
// is sent can only mean the client went away.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// allowGet rejects everything but GET and HEAD; the server is read-only
func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	w.Header().Set("Allow", "GET, HEAD")
	writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{
		Error: r.Method + " is not supported", Code: CodeMethodNotAllowed,
	})
	return false
}
