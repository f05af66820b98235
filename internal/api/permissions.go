package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-relay/internal/audit"
	"github.com/nerrad567/gray-logic-relay/internal/auth"
)

// grantRequest is the body of PUT /homes/{home_id}/permissions.
type grantRequest struct {
	PrincipalID string    `json:"principal_id"`
	Role        auth.Role `json:"role"`
}

// handleListPermissions lists everyone with a role in the home.
func (s *Server) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	homeID := chi.URLParam(r, "home_id")
	if _, err := s.gate.Authorize(r.Context(), principal(r), homeID, auth.CapManage); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	perms, err := s.perms.ListForHome(r.Context(), homeID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

// handleGrantPermission shares the home with another principal, or changes
// the role they already have. The owner's role cannot be changed here.
func (s *Server) handleGrantPermission(w http.ResponseWriter, r *http.Request) {
	homeID := chi.URLParam(r, "home_id")
	caller := principal(r)
	if _, err := s.gate.Authorize(r.Context(), caller, homeID, auth.CapManage); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.PrincipalID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "principal_id is required")
		return
	}

	perm, err := s.perms.Share(r.Context(), homeID, req.PrincipalID, req.Role, caller)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.auditor.Record(audit.Entry{
		Action:      audit.ActionPermissionGranted,
		HomeID:      homeID,
		PrincipalID: caller,
		Source:      audit.SourceAPI,
		Details:     map[string]any{"principal_id": req.PrincipalID, "role": string(req.Role)},
	})
	writeJSON(w, http.StatusOK, perm)
}

// handleRevokePermission removes a non-owner principal from the home.
func (s *Server) handleRevokePermission(w http.ResponseWriter, r *http.Request) {
	homeID := chi.URLParam(r, "home_id")
	target := chi.URLParam(r, "principal_id")
	caller := principal(r)
	if _, err := s.gate.Authorize(r.Context(), caller, homeID, auth.CapManage); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	if err := s.perms.Unshare(r.Context(), homeID, target); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.auditor.Record(audit.Entry{
		Action:      audit.ActionPermissionRevoked,
		HomeID:      homeID,
		PrincipalID: caller,
		Source:      audit.SourceAPI,
		Details:     map[string]any{"principal_id": target},
	})
	w.WriteHeader(http.StatusNoContent)
}
