package httpapi

import (
	"encoding/json"
	"net/http"

	"modelcached/internal/errdefs"
	"modelcached/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// statusFromError maps orchestrator error kinds to HTTP status codes.
func statusFromError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsConditionViolation(err):
		return http.StatusPreconditionFailed
	case errdefs.IsCancelled(err):
		// Nginx-style "client closed request".
		return 499
	case errdefs.IsValidation(err), errdefs.IsBackend(err), errdefs.IsURLExpired(err):
		return http.StatusBadGateway
	case errdefs.IsNetwork(err):
		return http.StatusGatewayTimeout
	case errdefs.IsStorage(err):
		return http.StatusInternalServerError
	default:
		if he, ok := err.(HTTPError); ok {
			return he.StatusCode()
		}
		return http.StatusInternalServerError
	}
}
