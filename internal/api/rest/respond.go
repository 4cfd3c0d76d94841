package rest

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/marketsage/governance/internal/domain/errors"
)

type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// writeError maps domain errors onto HTTP statuses. Unknown errors get a
// generic 500 so internals never leak to callers.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := apperrors.GetStatusCode(err)

	resp := errorResponse{
		Error:   http.StatusText(status),
		Message: err.Error(),
	}
	if appErr, ok := err.(*apperrors.AppError); ok {
		resp.Code = appErr.Code
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
		resp.Message = "internal error"
	}

	writeJSON(w, status, resp)
}

func writeValidationError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Error:   http.StatusText(http.StatusBadRequest),
		Code:    "INVALID_REQUEST",
		Message: err.Error(),
	})
}
