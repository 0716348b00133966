// Package httpserver contains the gateway's HTTP handlers and middleware.
//
// Handlers stay thin: decode, call a usecase service, encode. Error mapping
// from the domain sentinel taxonomy to HTTP lives in writeError so every
// endpoint reports failures with the same envelope.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rabbitreels/rabbitreels/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrUnauthorized):
		code = http.StatusUnauthorized
		codeStr = "UNAUTHORIZED"
	case errors.Is(err, domain.ErrInsufficientCredits):
		code = http.StatusPaymentRequired
		codeStr = "INSUFFICIENT_CREDITS"
	case errors.Is(err, domain.ErrForbidden):
		code = http.StatusForbidden
		codeStr = "FORBIDDEN"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrEnqueueFailed):
		code = http.StatusInternalServerError
		codeStr = "ENQUEUE_FAILED"
	case errors.Is(err, domain.ErrDependencyUnavailable):
		code = http.StatusServiceUnavailable
		codeStr = "DEPENDENCY_UNAVAILABLE"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}

// writeErrorCode reports an error with an explicit code, for endpoints whose
// contract names a more specific code than the sentinel mapping (BAD_THEME).
func writeErrorCode(w http.ResponseWriter, status int, codeStr, message string, details interface{}) {
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: codeStr, Message: message, Details: details}})
}
