package httpapi

import (
	"encoding/json"
	"net/http"

	"detectd/internal/pipeline"
	"detectd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusForKind maps a typed error kind to its HTTP status.
func statusForKind(kind types.ErrorKind) int {
	switch kind {
	case types.ErrKindInvalidInput:
		return http.StatusBadRequest
	case types.ErrKindTooBusy, types.ErrKindDropped:
		return http.StatusTooManyRequests
	case types.ErrKindExecutionTimeout:
		return http.StatusGatewayTimeout
	case types.ErrKindThermalThrottled, types.ErrKindAccelUnavailable, types.ErrKindInsufficientMem:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeServiceError classifies err and writes the matching JSON payload.
func writeServiceError(w http.ResponseWriter, err error) {
	if he, ok := err.(HTTPError); ok {
		writeJSONError(w, he.StatusCode(), he.Error(), "")
		return
	}
	kind := pipeline.Classify(err)
	status := statusForKind(kind)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure(string(kind))
	}
	writeJSONError(w, status, err.Error(), kind)
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string, kind types.ErrorKind) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Kind: kind, Code: status})
}
