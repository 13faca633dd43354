// Package httpserver contains HTTP handlers and middleware.
//
// It exposes the submission, result, token and cache-management endpoints
// and keeps a clear separation between HTTP concerns and the usecases.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/codrlabs/codr/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error, details any) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrScreeningRejected):
		code = http.StatusBadRequest
		codeStr = "SCREENING_REJECTED"
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrAuthMissing):
		code = http.StatusUnauthorized
		codeStr = "AUTH_MISSING"
	case errors.Is(err, domain.ErrAuthInvalid):
		code = http.StatusForbidden
		codeStr = "AUTH_INVALID"
	case errors.Is(err, domain.ErrRateLimited):
		code = http.StatusTooManyRequests
		codeStr = "RATE_LIMITED"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrBrokerUnavailable):
		code = http.StatusInternalServerError
		codeStr = "BROKER_UNAVAILABLE"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
