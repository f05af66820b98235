package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-relay/internal/audit"
	"github.com/nerrad567/gray-logic-relay/internal/auth"
	"github.com/nerrad567/gray-logic-relay/internal/gateway"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-relay/internal/session"
	"github.com/nerrad567/gray-logic-relay/internal/wire"
)

// Command kinds, used for metrics and audit.
const (
	KindControl = "control_entity"
	KindScene   = "run_scene"
	KindCommand = "command"
	KindDevices = "get_devices"
)

// Logger defines the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Authorizer is the access gate.
type Authorizer interface {
	Authorize(ctx context.Context, principalID, homeID string, capability auth.Capability) (auth.Role, error)
}

// Sessions is the part of the session registry the relay uses.
type Sessions interface {
	Status(gatewayID string) session.State
	Info(gatewayID string) (session.Info, bool)
	Send(ctx context.Context, gatewayID string, payload []byte) error
}

// Gateways resolves a home to its gateway.
type Gateways interface {
	GetByHome(ctx context.Context, homeID string) (*gateway.Identity, error)
}

// Auditor records relayed commands.
type Auditor interface {
	Record(e audit.Entry)
}

// Dispatch identifies a command handed to a gateway session.
type Dispatch struct {
	RequestID string `json:"request_id"`
	GatewayID string `json:"gateway_id"`
	HomeID    string `json:"home_id"`
}

// DispatchOption adjusts a single send.
type DispatchOption func(*dispatchOptions)

type dispatchOptions struct {
	onAck  func(AckEvent)
	source string
}

// OnAck registers fn for the command's ack before the command is sent, so
// a fast gateway cannot answer before anyone is listening.
func OnAck(fn func(AckEvent)) DispatchOption {
	return func(o *dispatchOptions) { o.onAck = fn }
}

// FromSource labels the audit entry with the surface that issued the command.
func FromSource(source string) DispatchOption {
	return func(o *dispatchOptions) { o.source = source }
}

// StatusReport describes a home's gateway as seen by the relay.
type StatusReport struct {
	GatewayID        string     `json:"gateway_id"`
	HomeID           string     `json:"home_id"`
	Name             string     `json:"name,omitempty"`
	Version          string     `json:"version,omitempty"`
	Status           string     `json:"status"`
	ConnectedAt      *time.Time `json:"connected_at,omitempty"`
	LastHeartbeatAt  *time.Time `json:"last_heartbeat_at,omitempty"`
	LastSeenAt       *time.Time `json:"last_seen_at,omitempty"`
	MessagesSent     uint64     `json:"messages_sent"`
	MessagesReceived uint64     `json:"messages_received"`
}

// Relay sends commands to gateways on behalf of authorised principals.
type Relay struct {
	gate     Authorizer
	sessions Sessions
	gateways Gateways
	acks     *AckRouter
	auditor  Auditor
	metrics  *metrics.Relay
	logger   Logger
}

// New creates a Relay.
func New(gate Authorizer, sessions Sessions, gateways Gateways, acks *AckRouter) *Relay {
	return &Relay{
		gate:     gate,
		sessions: sessions,
		gateways: gateways,
		acks:     acks,
		metrics:  metrics.NewUnregistered(),
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the relay.
func (r *Relay) SetLogger(logger Logger) {
	r.logger = logger
}

// SetMetrics records command outcomes on m.
func (r *Relay) SetMetrics(m *metrics.Relay) {
	r.metrics = m
}

// SetAuditor records each relayed command with a.
func (r *Relay) SetAuditor(a Auditor) {
	r.auditor = a
}

// ControlEntity sends a control command for one entity.
func (r *Relay) ControlEntity(ctx context.Context, principalID, homeID, entityID, command string, value any, opts ...DispatchOption) (*Dispatch, error) {
	return r.send(ctx, KindControl, principalID, homeID, func() (any, error) {
		if entityID == "" || command == "" {
			return nil, fmt.Errorf("%w: entity_id and command are required", ErrInvalidCommand)
		}
		return wire.ControlPayload{EntityID: entityID, Command: command, Value: value}, nil
	}, opts)
}

// RunScene asks the gateway to run a scene.
func (r *Relay) RunScene(ctx context.Context, principalID, homeID, sceneID string, opts ...DispatchOption) (*Dispatch, error) {
	return r.send(ctx, KindScene, principalID, homeID, func() (any, error) {
		if sceneID == "" {
			return nil, fmt.Errorf("%w: scene_id is required", ErrInvalidCommand)
		}
		return wire.ScenePayload{SceneID: sceneID, Command: wire.SceneCommand}, nil
	}, opts)
}

// SendCommand relays an arbitrary command payload, which must be a JSON object.
func (r *Relay) SendCommand(ctx context.Context, principalID, homeID string, payload json.RawMessage, opts ...DispatchOption) (*Dispatch, error) {
	return r.send(ctx, KindCommand, principalID, homeID, func() (any, error) {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
			return nil, fmt.Errorf("%w: payload must be a JSON object", ErrInvalidCommand)
		}
		return payload, nil
	}, opts)
}

func (r *Relay) send(ctx context.Context, kind, principalID, homeID string, build func() (any, error), opts []DispatchOption) (*Dispatch, error) {
	var o dispatchOptions
	for _, opt := range opts {
		opt(&o)
	}

	d, err := r.dispatch(ctx, kind, principalID, homeID, build, o)
	r.metrics.CommandsTotal.WithLabelValues(kind, commandResult(err)).Inc()
	if err != nil {
		return nil, err
	}

	r.logger.Info("command relayed",
		"kind", kind,
		"home_id", d.HomeID,
		"gateway_id", d.GatewayID,
		"request_id", d.RequestID,
		"principal_id", principalID,
	)
	if r.auditor != nil {
		source := o.source
		if source == "" {
			source = audit.SourceAPI
		}
		r.auditor.Record(audit.Entry{
			Action:      audit.ActionCommandRelayed,
			HomeID:      d.HomeID,
			GatewayID:   d.GatewayID,
			PrincipalID: principalID,
			Source:      source,
			Details:     map[string]any{"kind": kind, "request_id": d.RequestID},
		})
	}
	return d, nil
}

func (r *Relay) dispatch(ctx context.Context, kind, principalID, homeID string, build func() (any, error), o dispatchOptions) (*Dispatch, error) {
	if _, err := r.gate.Authorize(ctx, principalID, homeID, auth.CapControl); err != nil {
		return nil, err
	}

	gw, err := r.liveGateway(ctx, homeID)
	if err != nil {
		return nil, err
	}

	payload, err := build()
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	frame, err := wire.EncodeCommand(requestID, payload)
	if err != nil {
		return nil, err
	}

	if o.onAck != nil {
		r.acks.Watch(requestID, homeID, o.onAck)
	}
	if err := r.sessions.Send(ctx, gw.ID, frame); err != nil {
		if o.onAck != nil {
			r.acks.Cancel(requestID)
		}
		return nil, fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
	}

	return &Dispatch{RequestID: requestID, GatewayID: gw.ID, HomeID: homeID}, nil
}

// liveGateway returns the home's gateway if it has a fresh session.
func (r *Relay) liveGateway(ctx context.Context, homeID string) (*gateway.Identity, error) {
	gw, err := r.gateways.GetByHome(ctx, homeID)
	if errors.Is(err, gateway.ErrGatewayNotFound) {
		return nil, fmt.Errorf("%w: home has no gateway", ErrGatewayUnavailable)
	}
	if err != nil {
		return nil, err
	}
	if gw.Revoked() {
		return nil, fmt.Errorf("%w: gateway revoked", ErrGatewayUnavailable)
	}

	switch r.sessions.Status(gw.ID) {
	case session.StateOffline:
		return nil, ErrGatewayUnavailable
	case session.StateStale:
		return nil, ErrGatewayStale
	}
	return gw, nil
}

// RefreshDevices asks the home's gateway for its entity list. The gateway
// answers with devices_response, which replaces the cached entities. Only
// read access is needed since nothing in the home changes.
func (r *Relay) RefreshDevices(ctx context.Context, principalID, homeID string) (*Dispatch, error) {
	d, err := r.requestDevices(ctx, principalID, homeID)
	r.metrics.CommandsTotal.WithLabelValues(KindDevices, commandResult(err)).Inc()
	if err != nil {
		return nil, err
	}

	r.logger.Debug("device list requested",
		"home_id", d.HomeID,
		"gateway_id", d.GatewayID,
		"request_id", d.RequestID,
	)
	return d, nil
}

func (r *Relay) requestDevices(ctx context.Context, principalID, homeID string) (*Dispatch, error) {
	if _, err := r.gate.Authorize(ctx, principalID, homeID, auth.CapRead); err != nil {
		return nil, err
	}

	gw, err := r.liveGateway(ctx, homeID)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	frame, err := wire.EncodeGetDevices(requestID)
	if err != nil {
		return nil, err
	}
	if err := r.sessions.Send(ctx, gw.ID, frame); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
	}
	return &Dispatch{RequestID: requestID, GatewayID: gw.ID, HomeID: homeID}, nil
}

// GatewayStatus reports the state of the home's gateway.
func (r *Relay) GatewayStatus(ctx context.Context, principalID, homeID string) (*StatusReport, error) {
	if _, err := r.gate.Authorize(ctx, principalID, homeID, auth.CapRead); err != nil {
		return nil, err
	}

	gw, err := r.gateways.GetByHome(ctx, homeID)
	if err != nil {
		return nil, err
	}
	return r.Report(gw), nil
}

// Report builds a status report for gw from the live registry.
func (r *Relay) Report(gw *gateway.Identity) *StatusReport {
	report := &StatusReport{
		GatewayID:  gw.ID,
		HomeID:     gw.HomeID,
		Name:       gw.Name,
		Version:    gw.Version,
		LastSeenAt: gw.LastSeenAt,
	}
	if gw.Revoked() {
		report.Status = string(gateway.StatusRevoked)
		return report
	}

	info, ok := r.sessions.Info(gw.ID)
	report.Status = string(info.State)
	if ok {
		connected, heartbeat := info.ConnectedAt, info.LastHeartbeatAt
		report.ConnectedAt = &connected
		report.LastHeartbeatAt = &heartbeat
		report.MessagesSent = info.SentCount
		report.MessagesReceived = info.RecvCount
	}
	return report
}

func commandResult(err error) string {
	switch {
	case err == nil:
		return "sent"
	case errors.Is(err, auth.ErrAuthorizationDenied), errors.Is(err, auth.ErrAuthenticationFailed):
		return "denied"
	case errors.Is(err, ErrGatewayStale):
		return "stale"
	case errors.Is(err, ErrGatewayUnavailable):
		return "unavailable"
	case errors.Is(err, ErrInvalidCommand):
		return "invalid"
	default:
		return "error"
	}
}
