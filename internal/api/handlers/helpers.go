// Package handlers holds the HTTP handlers behind the chi router.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/noesis-ai/noesis/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeDomainError renders a typed kernel error as a structured payload
// with an HTTP status matching its kind.
func writeDomainError(w http.ResponseWriter, err *domain.Error) {
	writeJSON(w, domainErrorStatus(err.Kind), map[string]any{
		"error": err.Message,
		"kind":  string(err.Kind),
	})
}

func domainErrorStatus(kind domain.ErrorKind) int {
	switch kind {
	case domain.ErrParse, domain.ErrUnknownOperator, domain.ErrArity,
		domain.ErrUnknownVariable, domain.ErrArgument, domain.ErrEmptyQuery:
		return http.StatusBadRequest
	case domain.ErrUnknownTool, domain.ErrUnknownAgent:
		return http.StatusNotFound
	case domain.ErrBackpressureRejected:
		return http.StatusTooManyRequests
	case domain.ErrConflict:
		return http.StatusConflict
	case domain.ErrStorageUnavailable, domain.ErrEmbeddingUnavailable:
		return http.StatusServiceUnavailable
	case domain.ErrCognitionTimeout, domain.ErrAwaitTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError maps any error: domain errors get their typed
// payload, everything else is a 500.
func writeServiceError(w http.ResponseWriter, err error) {
	var domErr *domain.Error
	if errors.As(err, &domErr) {
		writeDomainError(w, domErr)
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
