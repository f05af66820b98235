package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/nerrad567/gray-logic-relay/internal/homecache"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-relay/internal/session"
	"github.com/nerrad567/gray-logic-relay/internal/wire"
)

// Cache is where gateway snapshots and state pushes land.
type Cache interface {
	ApplySnapshot(ctx context.Context, homeID, gatewayID string, snap homecache.Snapshot) error
	ApplyEntities(ctx context.Context, homeID string, entities []homecache.Entity) error
	ApplyPartialState(ctx context.Context, homeID, edgeID string, state json.RawMessage) (bool, error)
}

// SessionIO is the part of the registry the dispatcher needs.
type SessionIO interface {
	Heartbeat(sessionID string, at time.Time)
	SendTo(ctx context.Context, s *session.Session, payload []byte) error
}

// SeenRecorder persists gateway last-seen times.
type SeenRecorder interface {
	RecordSeen(ctx context.Context, gatewayID string, at time.Time) error
}

// Dispatcher handles messages arriving on gateway sessions.
type Dispatcher struct {
	sessions SessionIO
	cache    Cache
	acks     *AckRouter
	seen     SeenRecorder
	notify   Notifier
	metrics  *metrics.Relay
	logger   Logger
	now      func() time.Time
}

// NewDispatcher creates a Dispatcher. notify may be nil.
func NewDispatcher(sessions SessionIO, cache Cache, acks *AckRouter, seen SeenRecorder, notify Notifier) *Dispatcher {
	if notify == nil {
		notify = Notifiers(nil)
	}
	return &Dispatcher{
		sessions: sessions,
		cache:    cache,
		acks:     acks,
		seen:     seen,
		notify:   notify,
		metrics:  metrics.NewUnregistered(),
		logger:   noopLogger{},
		now:      time.Now,
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// SetMetrics records inbound message counts on m.
func (d *Dispatcher) SetMetrics(m *metrics.Relay) {
	d.metrics = m
}

// SetClock overrides the time source.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Handle processes one frame received on sess. A malformed frame is
// logged and returned as an error; the caller keeps the connection open.
func (d *Dispatcher) Handle(ctx context.Context, sess *session.Session, raw []byte) error {
	sess.MarkReceived()

	msg, err := wire.Decode(raw)
	if err != nil {
		d.metrics.GatewayMessagesTotal.WithLabelValues("malformed").Inc()
		d.logger.Warn("dropping malformed gateway message",
			"gateway_id", sess.GatewayID,
			"session_id", sess.ID,
			"error", err,
		)
		return err
	}

	label := msg.MessageType()
	if _, ok := msg.(*wire.Unknown); ok {
		label = "unknown"
	}
	d.metrics.GatewayMessagesTotal.WithLabelValues(label).Inc()

	switch m := msg.(type) {
	case *wire.Ping:
		return d.handlePing(ctx, sess, m)
	case *wire.Ack:
		d.handleAck(sess, m)
		return nil
	case *wire.StateUpdate:
		return d.handleStateUpdate(ctx, sess, m)
	case *wire.DevicesResponse:
		return d.cache.ApplyEntities(ctx, sess.HomeID, homecache.EntitiesFromWire(m.Devices))
	case *wire.HomeData:
		return d.cache.ApplySnapshot(ctx, sess.HomeID, sess.GatewayID, homecache.SnapshotFromWire(m))
	case *wire.Unknown:
		d.logger.Warn("ignoring unknown gateway message type",
			"gateway_id", sess.GatewayID,
			"type", m.Type,
		)
	}
	return nil
}

func (d *Dispatcher) handlePing(ctx context.Context, sess *session.Session, m *wire.Ping) error {
	now := d.now().UTC()
	d.sessions.Heartbeat(sess.ID, now)

	if err := d.seen.RecordSeen(ctx, sess.GatewayID, now); err != nil {
		d.logger.Warn("recording gateway last seen failed", "gateway_id", sess.GatewayID, "error", err)
	}

	pong, err := wire.EncodePong(m.Timestamp)
	if err != nil {
		return err
	}
	return d.sessions.SendTo(ctx, sess, pong)
}

func (d *Dispatcher) handleAck(sess *session.Session, m *wire.Ack) {
	e := AckEvent{
		RequestID: m.RequestID,
		HomeID:    sess.HomeID,
		GatewayID: sess.GatewayID,
		Success:   m.Succeeded(),
		Error:     m.Error,
		Result:    m.Result,
		At:        d.now().UTC(),
	}

	matched := d.acks.Deliver(e)
	d.metrics.AcksTotal.WithLabelValues(strconv.FormatBool(matched)).Inc()
	if !matched {
		d.logger.Debug("ack with no waiting client",
			"gateway_id", sess.GatewayID,
			"request_id", m.RequestID,
		)
	}
	d.notify.CommandAcked(e)
}

func (d *Dispatcher) handleStateUpdate(ctx context.Context, sess *session.Session, m *wire.StateUpdate) error {
	entityID := string(m.EntityID)
	if _, err := d.cache.ApplyPartialState(ctx, sess.HomeID, entityID, m.State); err != nil {
		return err
	}
	d.notify.StateChanged(StateEvent{
		HomeID:    sess.HomeID,
		GatewayID: sess.GatewayID,
		EntityID:  entityID,
		State:     m.State,
		At:        d.now().UTC(),
	})
	return nil
}

// PresenceFunc adapts n for session.WithPresence.
func PresenceFunc(n Notifier, now func() time.Time) session.PresenceFunc {
	return func(gatewayID, homeID string, online bool) {
		n.GatewayPresence(PresenceEvent{
			GatewayID: gatewayID,
			HomeID:    homeID,
			Online:    online,
			At:        now().UTC(),
		})
	}
}

// IsMalformed reports whether err came from an undecodable gateway frame.
func IsMalformed(err error) bool {
	return errors.Is(err, wire.ErrMalformedMessage)
}
