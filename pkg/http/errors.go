package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// ErrorResponse represents a standard API error response
type ErrorResponse struct {
	Error             string `json:"error"`                        // Machine-readable error code
	Message           string `json:"message"`                      // Human-readable message
	Details           string `json:"details,omitempty"`            // Optional additional context
	RetryAfter        int    `json:"retry_after,omitempty"`        // Seconds until a retry may succeed
	RemainingAttempts int    `json:"remaining_attempts,omitempty"` // Attempts left before lockout
}

// WriteJSON writes v as a JSON body with the given status code
func WriteJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a JSON error response with the given status code
func WriteError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	WriteErrorResponse(w, statusCode, ErrorResponse{Error: errorCode, Message: message})
}

// WriteErrorWithDetails writes a JSON error response with additional details
func WriteErrorWithDetails(w http.ResponseWriter, statusCode int, errorCode, message, details string) {
	WriteErrorResponse(w, statusCode, ErrorResponse{Error: errorCode, Message: message, Details: details})
}

// WriteErrorResponse writes resp, adding a Retry-After header when set.
func WriteErrorResponse(w http.ResponseWriter, statusCode int, resp ErrorResponse) {
	if resp.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfter))
	}
	WriteJSON(w, statusCode, resp)
}

// Common error writers for consistency
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "bad_request", message)
}

func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, "unauthorized", message)
}

func WriteForbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, "forbidden", message)
}

func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, "not_found", message)
}

// WriteTooManyRequests writes a 429 with Retry-After rounded up to seconds.
func WriteTooManyRequests(w http.ResponseWriter, message string, retryAfter time.Duration) {
	WriteErrorResponse(w, http.StatusTooManyRequests, ErrorResponse{
		Error:      "rate_limit_exceeded",
		Message:    message,
		RetryAfter: CeilSeconds(retryAfter),
	})
}

func WriteInternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, "internal_error", message)
}

func WriteServiceUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusServiceUnavailable, "service_unavailable", message)
}

// CeilSeconds converts d to whole seconds, rounding up.
func CeilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
