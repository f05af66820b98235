package api

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-relay/internal/pairing"
)

// requestPairingRequest is the body of POST /gateways/request-pairing.
type requestPairingRequest struct {
	HomeName      string `json:"home_name"`
	ExpiryMinutes int    `json:"expiry_minutes"`
}

type requestPairingResponse struct {
	Code             string    `json:"code"`
	ExpiresAt        time.Time `json:"expires_at"`
	ExpiresInMinutes int       `json:"expires_in_minutes"`
	Message          string    `json:"message"`
}

// completePairingRequest is the body a gateway posts to finish pairing.
type completePairingRequest struct {
	PairingCode string `json:"pairing_code"`
	GatewayUUID string `json:"gateway_uuid"`
	HomeID      string `json:"home_id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
}

// enrollmentResponse carries a new gateway's secret. It is the only time
// the secret leaves the relay.
type enrollmentResponse struct {
	GatewayID string `json:"gateway_id"`
	HomeID    string `json:"home_id"`
	Secret    string `json:"secret"`
	Message   string `json:"message"`
}

// decodeJSON decodes the request body into v. An empty body leaves v as is.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// handleRequestPairing issues a pairing code for the caller.
func (s *Server) handleRequestPairing(w http.ResponseWriter, r *http.Request) {
	var req requestPairingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.ExpiryMinutes < 0 {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "expiry_minutes must be positive")
		return
	}

	code, err := s.pairing.Create(r.Context(), principal(r), req.HomeName, time.Duration(req.ExpiryMinutes)*time.Minute)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	minutes := int(math.Round(code.ExpiresAt.Sub(code.CreatedAt).Minutes()))
	writeJSON(w, http.StatusCreated, requestPairingResponse{
		Code:             code.Code,
		ExpiresAt:        code.ExpiresAt,
		ExpiresInMinutes: minutes,
		Message:          "Enter this code on your gateway to pair it with your account",
	})
}

// handleVerifyPairing reports whether a code could be redeemed now.
// Public; rate limited with complete-pairing.
func (s *Server) handleVerifyPairing(w http.ResponseWriter, r *http.Request) {
	result, err := s.pairing.Verify(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleCompletePairing redeems a code for a gateway and returns its secret.
// Public; the code is the credential.
func (s *Server) handleCompletePairing(w http.ResponseWriter, r *http.Request) {
	var req completePairingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.PairingCode == "" || req.GatewayUUID == "" || req.HomeID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "pairing_code, gateway_uuid and home_id are required")
		return
	}

	enrollment, err := s.pairing.Redeem(r.Context(), pairing.RedeemRequest{
		Code:      req.PairingCode,
		GatewayID: req.GatewayUUID,
		HomeID:    req.HomeID,
		Name:      req.Name,
		Version:   req.Version,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, enrollmentResponse{
		GatewayID: enrollment.GatewayID,
		HomeID:    enrollment.HomeID,
		Secret:    enrollment.Secret,
		Message:   "Gateway paired successfully. Store the secret securely - it will not be shown again.",
	})
}
