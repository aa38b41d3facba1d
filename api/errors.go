package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rom8726/gateflow"
)

type ErrorResponse struct {
	Message string `json:"message"`
}

func WriteErrorResponse(writer http.ResponseWriter, err error, statusCode int) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(statusCode)

	resp := ErrorResponse{Message: err.Error()}
	_ = json.NewEncoder(writer).Encode(resp)
}

// StatusForError maps engine errors to HTTP status codes.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, gateflow.ErrEntityNotFound), errors.Is(err, gateflow.ErrNoMatchingWait):
		return http.StatusNotFound
	case errors.Is(err, gateflow.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, gateflow.ErrExecutionTerminated):
		return http.StatusGone
	case errors.Is(err, gateflow.ErrDefinitionInvalid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, gateflow.ErrEngineStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(writer http.ResponseWriter, statusCode int, v any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(statusCode)
	_ = json.NewEncoder(writer).Encode(v)
}
