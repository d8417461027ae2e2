package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/flowforge/orchestrator/apperrors"
)

// errorResponse is the uniform non-2xx body shape from spec §6:
// {error_kind, message, details?}.
type errorResponse struct {
	ErrorKind string         `json:"error_kind"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

func statusForKind(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindConflict:
		return http.StatusConflict
	case apperrors.KindLocked:
		return http.StatusConflict
	case apperrors.KindTimeout:
		return http.StatusGatewayTimeout
	case apperrors.KindUpstreamUnavailable:
		return http.StatusBadGateway
	case apperrors.KindPermissionDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperrors.KindOf(err)
	if kind == "" {
		kind = apperrors.KindInternal
	}
	var details map[string]any
	var ae *apperrors.Error
	if e, ok := err.(*apperrors.Error); ok {
		ae = e
		details = ae.Details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForKind(kind))
	_ = json.NewEncoder(w).Encode(errorResponse{
		ErrorKind: string(kind),
		Message:   err.Error(),
		Details:   details,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
