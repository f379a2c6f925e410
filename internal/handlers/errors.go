package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/models"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/search"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/service"
)

// BaseError is the error body of every failed request
type BaseError struct {
	Code        string    `json:"code"`
	Description *string   `json:"description,omitempty"`
	Id          uuid.UUID `json:"id"`
}

// handleServiceError converts service errors to HTTP responses
func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		sendErrorResponse(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, models.ErrDuplicate):
		sendErrorResponse(w, http.StatusConflict, "ALREADY_EXISTS", err.Error())
	case errors.Is(err, search.ErrReindexRunning):
		sendErrorResponse(w, http.StatusConflict, "REINDEX_RUNNING", err.Error())
	case errors.Is(err, service.ErrIDPresent),
		errors.Is(err, service.ErrIDMismatch),
		errors.Is(err, service.ErrInvalidRecord),
		errors.Is(err, search.ErrInvalidCriteria):
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
	default:
		sendErrorResponse(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An internal error occurred")
	}
}

// sendErrorResponse sends an error response in the expected format
func sendErrorResponse(w http.ResponseWriter, statusCode int, code, details string) {
	errorResp := BaseError{
		Code:        code,
		Description: &details,
		Id:          uuid.New(),
	}

	writeJSON(w, statusCode, errorResp)
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}
