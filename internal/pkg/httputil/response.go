package httputil

import (
	"encoding/json"
	"log"
	"net/http"
)

// ErrorResponse is the standard error envelope for all API errors.
// Error carries a machine-readable reason string (e.g. "template_missing").
type ErrorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// JSON writes a JSON response with the given status code. The data is
// serialized and Content-Type is set automatically.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[httputil] JSON encode error: %v", err)
	}
}

// OK writes a 200 response with the given data.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// Error writes a JSON error response with a machine-readable reason.
func Error(w http.ResponseWriter, status int, reason string) {
	JSON(w, status, ErrorResponse{OK: false, Error: reason})
}

// BadRequest writes a 400 error.
func BadRequest(w http.ResponseWriter, reason string) {
	Error(w, http.StatusBadRequest, reason)
}

// Unauthorized writes a 401 error.
func Unauthorized(w http.ResponseWriter) {
	Error(w, http.StatusUnauthorized, "unauthorized")
}

// InternalError writes a 500 error. Logs the real error but returns a
// generic reason to the client (never leak internals).
func InternalError(w http.ResponseWriter, err error) {
	log.Printf("[httputil] internal error: %v", err)
	Error(w, http.StatusInternalServerError, "internal_error")
}

// BadGateway writes a 502 error, used when the backing store is unreachable.
func BadGateway(w http.ResponseWriter, reason string) {
	Error(w, http.StatusBadGateway, reason)
}

// Decode reads JSON from the request body into dst.
// Returns false and writes a 400 response if parsing fails.
// An empty body is not an error; dst keeps its zero values.
func Decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		BadRequest(w, "invalid_json")
		return false
	}
	return true
}
