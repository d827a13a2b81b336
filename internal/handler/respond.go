// Package handler provides HTTP request handlers for the broker's ingress,
// admin, and federation surfaces.
package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	brokererrors "github.com/jimpames/RENTAHAL-FOUNDATION/internal/errors"
)

// ErrorResponse is the standard error response envelope.
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps a broker error to its HTTP status and envelope.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	code := brokererrors.CodeOf(err)
	status := brokererrors.HTTPStatus(code)
	requestID := r.Header.Get("X-Request-ID")

	if status >= http.StatusInternalServerError {
		logger.Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	}

	writeJSON(w, status, ErrorResponse{
		Status:    "error",
		ErrorCode: string(code),
		Message:   err.Error(),
		RequestID: requestID,
	})
}

// writeNotFound reports an unknown admin resource.
func writeNotFound(w http.ResponseWriter, r *http.Request, message string) {
	writeJSON(w, http.StatusNotFound, ErrorResponse{
		Status:    "error",
		ErrorCode: "NOT_FOUND",
		Message:   message,
		RequestID: r.Header.Get("X-Request-ID"),
	})
}

// writeValidationError reports a malformed request body or parameter.
func writeValidationError(w http.ResponseWriter, r *http.Request, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Status:    "error",
		ErrorCode: "INVALID_REQUEST",
		Message:   message,
		RequestID: r.Header.Get("X-Request-ID"),
	})
}
