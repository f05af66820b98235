package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/gray-logic-relay/internal/auth"
	"github.com/nerrad567/gray-logic-relay/internal/gateway"
	"github.com/nerrad567/gray-logic-relay/internal/pairing"
	"github.com/nerrad567/gray-logic-relay/internal/relay"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

// Common error codes.
const (
	ErrCodeBadRequest         = "bad_request"
	ErrCodeNotFound           = "not_found"
	ErrCodeUnauthorized       = "unauthorised"
	ErrCodeForbidden          = "forbidden"
	ErrCodeConflict           = "conflict"
	ErrCodeInternal           = "internal_error"
	ErrCodeValidation         = "validation_error"
	ErrCodeGatewayUnavailable = "gateway_unavailable"
	ErrCodeGatewayStale       = "gateway_stale"
	ErrCodePairingInvalid     = "pairing_invalid"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// classify maps a service error to its HTTP status, code and client message.
// ok is false for errors the client should only see as an internal error.
func classify(err error) (status int, code, message string, ok bool) {
	switch {
	case errors.Is(err, auth.ErrAuthenticationFailed):
		return http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required", true
	case errors.Is(err, auth.ErrAuthorizationDenied):
		return http.StatusForbidden, ErrCodeForbidden, "not permitted for this home", true
	case errors.Is(err, relay.ErrGatewayStale):
		return http.StatusConflict, ErrCodeGatewayStale, relay.ErrGatewayStale.Error(), true
	case errors.Is(err, relay.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable, ErrCodeGatewayUnavailable, relay.ErrGatewayUnavailable.Error(), true
	case errors.Is(err, relay.ErrInvalidCommand):
		return http.StatusBadRequest, ErrCodeValidation, err.Error(), true
	case errors.Is(err, pairing.ErrInvalidExpiry):
		return http.StatusBadRequest, ErrCodeValidation, err.Error(), true
	case errors.Is(err, gateway.ErrInvalidGatewayID), errors.Is(err, gateway.ErrInvalidHomeID):
		return http.StatusBadRequest, ErrCodeValidation, err.Error(), true
	case errors.Is(err, auth.ErrInvalidRole), errors.Is(err, auth.ErrOwnerImmutable):
		return http.StatusBadRequest, ErrCodeValidation, err.Error(), true
	case errors.Is(err, gateway.ErrGatewayNotFound):
		return http.StatusNotFound, ErrCodeNotFound, "gateway not found", true
	case errors.Is(err, auth.ErrPermissionNotFound):
		return http.StatusNotFound, ErrCodeNotFound, "permission not found", true
	case errors.Is(err, gateway.ErrHomeAlreadyPaired), errors.Is(err, gateway.ErrGatewayExists):
		return http.StatusConflict, ErrCodeConflict, err.Error(), true
	}
	return http.StatusInternalServerError, ErrCodeInternal, "internal server error", false
}

// writeServiceError converts an error from the relay's services into the
// matching structured response. Unrecognised errors are logged and reported
// as 500 without detail.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if reason, ok := pairing.Reason(err); ok {
		writeJSON(w, http.StatusBadRequest, Error{
			Status:  http.StatusBadRequest,
			Code:    ErrCodePairingInvalid,
			Message: reason.Message(),
			Reason:  string(reason),
		})
		return
	}

	status, code, message, ok := classify(err)
	if !ok {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", r.Context().Value(ctxKeyRequestID),
			"error", err,
		)
	}
	writeError(w, status, code, message)
}
