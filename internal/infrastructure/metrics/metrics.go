// Package metrics defines the relay's Prometheus collectors.
//
// Collectors live on a Relay value rather than in package globals so tests
// can register them on a private registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "graylogic_relay"

// Relay groups every collector the relay exports.
type Relay struct {
	HTTPRequestsTotal          *prometheus.CounterVec
	HTTPRequestDurationSeconds *prometheus.HistogramVec

	SessionsActive       prometheus.Gauge
	SessionEventsTotal   *prometheus.CounterVec
	GatewayMessagesTotal *prometheus.CounterVec
	CommandsTotal        *prometheus.CounterVec
	AcksTotal            *prometheus.CounterVec
	PairingTotal         *prometheus.CounterVec
	SnapshotsTotal       *prometheus.CounterVec
	ClientsActive        prometheus.Gauge
}

// New creates the collectors and registers them on reg.
// It panics if registration fails, like prometheus.MustRegister.
func New(reg prometheus.Registerer) *Relay {
	m := &Relay{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_sessions_active",
			Help:      "Number of live gateway sessions.",
		}),
		SessionEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_session_events_total",
				Help:      "Gateway session lifecycle events (registered, superseded, unregistered, evicted).",
			},
			[]string{"event"},
		),
		GatewayMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_messages_total",
				Help:      "Inbound gateway messages by type.",
			},
			[]string{"type"},
		),
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Relayed commands by kind and outcome.",
			},
			[]string{"kind", "result"},
		),
		AcksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "acks_total",
				Help:      "Command acks received from gateways, by whether a client was waiting.",
			},
			[]string{"matched"},
		),
		PairingTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pairing_total",
				Help:      "Pairing operations by stage and outcome.",
			},
			[]string{"stage", "result"},
		),
		SnapshotsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_snapshots_total",
				Help:      "Cache writes from gateway snapshots and state pushes.",
			},
			[]string{"kind", "result"},
		),
		ClientsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "client_connections_active",
			Help:      "Number of connected client event streams.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDurationSeconds,
		m.SessionsActive,
		m.SessionEventsTotal,
		m.GatewayMessagesTotal,
		m.CommandsTotal,
		m.AcksTotal,
		m.PairingTotal,
		m.SnapshotsTotal,
		m.ClientsActive,
	)
	return m
}

// NewUnregistered returns collectors that are not attached to any registry.
func NewUnregistered() *Relay {
	return New(prometheus.NewRegistry())
}

// Result maps an error to the "ok"/"error" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
