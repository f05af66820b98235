package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-relay/internal/auth"
	"github.com/nerrad567/gray-logic-relay/internal/gateway"
	"github.com/nerrad567/gray-logic-relay/internal/homecache"
	"github.com/nerrad567/gray-logic-relay/internal/relay"
)

// syncingMessage is returned with an empty result while the first snapshot
// of a home is on its way.
const syncingMessage = "Initial sync in progress, please retry in a few seconds"

// homeView is one of the caller's homes.
type homeView struct {
	HomeID       string              `json:"home_id"`
	Role         auth.Role           `json:"role"`
	Name         string              `json:"name,omitempty"`
	LastSyncedAt *time.Time          `json:"last_synced_at,omitempty"`
	Gateway      *relay.StatusReport `json:"gateway,omitempty"`
}

// controlRequest is the body of POST /homes/{home_id}/entities/{entity_id}/control.
type controlRequest struct {
	Command string `json:"command"`
	Value   any    `json:"value,omitempty"`
}

// commandResponse acknowledges that a command was handed to the gateway.
// The gateway's own ack arrives later on the event stream.
type commandResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	*relay.Dispatch
}

// handleListHomes lists the caller's homes with role, gateway status and
// cached name.
func (s *Server) handleListHomes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	perms, err := s.perms.ListForPrincipal(ctx, principal(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	views := make([]homeView, 0, len(perms))
	for _, p := range perms {
		view := homeView{HomeID: p.HomeID, Role: p.Role}

		gw, err := s.gateways.GetByHome(ctx, p.HomeID)
		switch {
		case err == nil:
			view.Gateway = s.commands.Report(gw)
		case !errors.Is(err, gateway.ErrGatewayNotFound):
			s.writeServiceError(w, r, err)
			return
		}

		home, err := s.cache.LastSynced(ctx, p.HomeID)
		switch {
		case err == nil:
			view.Name = home.Name
			view.LastSyncedAt = &home.LastSyncedAt
		case !errors.Is(err, homecache.ErrNotSynced):
			s.writeServiceError(w, r, err)
			return
		}

		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"homes": views})
}

// serveCached writes one cached collection under key. A home that has
// never synced answers 202 with an empty list while the sync runs.
func (s *Server) serveCached(w http.ResponseWriter, r *http.Request, key string, read func(ctx context.Context, principalID, homeID string) (any, error)) {
	v, err := read(r.Context(), principal(r), chi.URLParam(r, "home_id"))
	if errors.Is(err, homecache.ErrNotSynced) {
		writeJSON(w, http.StatusAccepted, map[string]any{
			key:       []any{},
			"syncing": true,
			"message": syncingMessage,
		})
		return
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{key: v, "syncing": false})
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	s.serveCached(w, r, "entities", func(ctx context.Context, p, h string) (any, error) {
		return s.cache.Entities(ctx, p, h)
	})
}

func (s *Server) handleListScenes(w http.ResponseWriter, r *http.Request) {
	s.serveCached(w, r, "scenes", func(ctx context.Context, p, h string) (any, error) {
		return s.cache.Scenes(ctx, p, h)
	})
}

func (s *Server) handleListAutomations(w http.ResponseWriter, r *http.Request) {
	s.serveCached(w, r, "automations", func(ctx context.Context, p, h string) (any, error) {
		return s.cache.Automations(ctx, p, h)
	})
}

func (s *Server) handleListLocations(w http.ResponseWriter, r *http.Request) {
	s.serveCached(w, r, "locations", func(ctx context.Context, p, h string) (any, error) {
		return s.cache.Locations(ctx, p, h)
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	s.serveCached(w, r, "devices", func(ctx context.Context, p, h string) (any, error) {
		return s.cache.Devices(ctx, p, h)
	})
}

// handleHomeData returns every cached collection of the home at once.
func (s *Server) handleHomeData(w http.ResponseWriter, r *http.Request) {
	data, err := s.cache.HomeData(r.Context(), principal(r), chi.URLParam(r, "home_id"))
	if errors.Is(err, homecache.ErrNotSynced) {
		writeJSON(w, http.StatusAccepted, map[string]any{"syncing": true, "message": syncingMessage})
		return
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// handleSyncHome asks the home's gateway for a fresh snapshot. requested is
// false when the gateway is offline or a request is already in flight.
func (s *Server) handleSyncHome(w http.ResponseWriter, r *http.Request) {
	requested, err := s.cache.Sync(r.Context(), principal(r), chi.URLParam(r, "home_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"requested": requested})
}

// handleRefreshDevices asks the home's gateway to resend its entity list.
func (s *Server) handleRefreshDevices(w http.ResponseWriter, r *http.Request) {
	d, err := s.commands.RefreshDevices(r.Context(), principal(r), chi.URLParam(r, "home_id"))
	s.writeDispatch(w, r, d, err, "Device list requested from gateway")
}

func (s *Server) handleControlEntity(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	d, err := s.commands.ControlEntity(r.Context(), principal(r),
		chi.URLParam(r, "home_id"), chi.URLParam(r, "entity_id"), req.Command, req.Value)
	s.writeDispatch(w, r, d, err, "Command sent to gateway")
}

func (s *Server) handleRunScene(w http.ResponseWriter, r *http.Request) {
	d, err := s.commands.RunScene(r.Context(), principal(r),
		chi.URLParam(r, "home_id"), chi.URLParam(r, "scene_id"))
	s.writeDispatch(w, r, d, err, "Scene command sent to gateway")
}

// handleSendCommand relays the request body, a JSON object, as the
// payload of a generic command.
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "unreadable body")
		return
	}
	d, err := s.commands.SendCommand(r.Context(), principal(r), chi.URLParam(r, "home_id"), json.RawMessage(body))
	s.writeDispatch(w, r, d, err, "Command sent to gateway")
}

func (s *Server) writeDispatch(w http.ResponseWriter, r *http.Request, d *relay.Dispatch, err error, message string) {
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{Status: "sent", Message: message, Dispatch: d})
}
