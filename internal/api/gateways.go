package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-relay/internal/audit"
	"github.com/nerrad567/gray-logic-relay/internal/auth"
	"github.com/nerrad567/gray-logic-relay/internal/relay"
)

// provisionRequest is the body of POST /gateways/provision.
type provisionRequest struct {
	HomeID string `json:"home_id"`
	Name   string `json:"name"`
}

// gatewayView is a gateway as listed to one principal.
type gatewayView struct {
	*relay.StatusReport
	Role auth.Role `json:"role"`
}

// handleListGateways lists the gateways of every home the caller has a
// role in, with their live status.
func (s *Server) handleListGateways(w http.ResponseWriter, r *http.Request) {
	perms, err := s.perms.ListForPrincipal(r.Context(), principal(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	roles := make(map[string]auth.Role, len(perms))
	homeIDs := make([]string, 0, len(perms))
	for _, p := range perms {
		roles[p.HomeID] = p.Role
		homeIDs = append(homeIDs, p.HomeID)
	}

	identities, err := s.gateways.ListForHomes(r.Context(), homeIDs)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	views := make([]gatewayView, 0, len(identities))
	for i := range identities {
		views = append(views, gatewayView{
			StatusReport: s.commands.Report(&identities[i]),
			Role:         roles[identities[i].HomeID],
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"gateways": views})
}

// handleProvisionGateway creates a gateway identity without a pairing code.
// The caller becomes the home's owner.
func (s *Server) handleProvisionGateway(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	ownerID := principal(r)
	enrollment, err := s.gateways.Provision(r.Context(), ownerID, req.HomeID, req.Name)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.auditor.Record(audit.Entry{
		Action:      audit.ActionGatewayProvisioned,
		HomeID:      enrollment.HomeID,
		GatewayID:   enrollment.GatewayID,
		PrincipalID: ownerID,
		Source:      audit.SourceAPI,
		Details:     map[string]any{"name": req.Name},
	})

	writeJSON(w, http.StatusCreated, enrollmentResponse{
		GatewayID: enrollment.GatewayID,
		HomeID:    enrollment.HomeID,
		Secret:    enrollment.Secret,
		Message:   "Gateway provisioned successfully. Store the secret securely - it will not be shown again.",
	})
}

// handleRevokeGateway disables a gateway and drops its live session.
func (s *Server) handleRevokeGateway(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	gw, err := s.gateways.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if _, err := s.gate.Authorize(ctx, principal(r), gw.HomeID, auth.CapManage); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	if err := s.gateways.Revoke(ctx, gw.ID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	evicted := s.sessions.Evict(ctx, gw.ID)

	s.auditor.Record(audit.Entry{
		Action:      audit.ActionGatewayRevoked,
		HomeID:      gw.HomeID,
		GatewayID:   gw.ID,
		PrincipalID: principal(r),
		Source:      audit.SourceAPI,
		Details:     map[string]any{"session_evicted": evicted},
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"gateway_id": gw.ID,
		"status":     "revoked",
		"message":    "Gateway revoked successfully",
	})
}

// handleGatewayStatus reports the home's gateway liveness.
func (s *Server) handleGatewayStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.commands.GatewayStatus(r.Context(), principal(r), chi.URLParam(r, "home_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
