package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	domainErrors "github.com/davidleathers/threatguard/internal/domain/errors"
	"github.com/davidleathers/threatguard/internal/infrastructure/store"
)

// ErrorBody is the error envelope of every failed request
type ErrorBody struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
}

// ErrorResponse wraps ErrorBody under "error"
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ResolveError maps err to a status and error body
func ResolveError(err error) (int, ErrorBody) {
	var appErr *domainErrors.AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode, ErrorBody{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Details:   appErr.Details,
			Retryable: appErr.Retryable,
		}
	}

	if store.IsUnavailable(err) {
		return http.StatusServiceUnavailable, ErrorBody{
			Code:      "STORE_UNAVAILABLE",
			Message:   "signal store unavailable",
			Retryable: true,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, ErrorBody{
			Code:      "REQUEST_TIMEOUT",
			Message:   "request timed out",
			Retryable: true,
		}
	}

	return http.StatusInternalServerError, ErrorBody{
		Code:    "INTERNAL_ERROR",
		Message: "An internal error occurred",
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}

// writeAppError writes err with the status of its AppError
func writeAppError(w http.ResponseWriter, err error) {
	status, body := ResolveError(err)
	writeJSON(w, status, ErrorResponse{Error: body})
}
