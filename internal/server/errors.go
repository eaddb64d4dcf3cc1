package server

import (
	"encoding/json"
	"net/http"

	"github.com/normanking/relay/pkg/types"
)

// statusFor maps the closed error taxonomy to HTTP status codes. This is the
// only place classes turn into statuses.
func statusFor(class types.ErrorClass) int {
	switch class {
	case types.ErrInvalidRequest, types.ErrBlockedByPolicy:
		return http.StatusBadRequest
	case types.ErrAuth:
		return http.StatusUnauthorized
	case types.ErrModelNotAllowed:
		return http.StatusForbidden
	case types.ErrUnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case types.ErrEmptyPrompt:
		return http.StatusUnprocessableEntity
	case types.ErrRateLimited, types.ErrQuotaExceeded:
		return http.StatusTooManyRequests
	case types.ErrTimeout:
		return http.StatusGatewayTimeout
	case types.ErrVendorUnavailable, types.ErrAllVendorsUnavailable:
		return http.StatusServiceUnavailable
	default:
		// provider errors, network, cancelled-by-surprise, unknown
		return http.StatusInternalServerError
	}
}

// streamCategory maps an error class to the inline stream token category.
func streamCategory(class types.ErrorClass) string {
	switch class {
	case types.ErrAuth:
		return "auth_error"
	case types.ErrRateLimited, types.ErrQuotaExceeded:
		return "rate_limited"
	case types.ErrBlockedByPolicy:
		return "blocked_by_policy"
	case types.ErrTimeout:
		return "timeout"
	case types.ErrInvalidRequest, types.ErrEmptyPrompt, types.ErrProvider4xx,
		types.ErrModelNotAllowed, types.ErrUnsupportedMediaType, types.ErrCancelled:
		return "client_error"
	default:
		return "downstream_error"
	}
}

// errorBody is the non-streaming error shape.
type errorBody struct {
	Detail any `json:"detail"`
}

func writeError(w http.ResponseWriter, err error) {
	class := types.ClassOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(class))
	json.NewEncoder(w).Encode(errorBody{Detail: map[string]string{
		"error_class": string(class),
		"message":     err.Error(),
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
