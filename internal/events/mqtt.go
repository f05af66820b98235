package events

import (
	"context"
	"encoding/json"

	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-relay/internal/relay"
)

const mqttQueueSize = 512

// Logger defines the logging interface used by this package.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Publisher is the part of the MQTT client used for events.
type Publisher interface {
	PublishEvent(topic string, payload []byte) error
	PublishRetained(topic string, payload []byte) error
}

type message struct {
	topic    string
	payload  []byte
	retained bool
}

// MQTT publishes relay events to the broker.
type MQTT struct {
	pub    Publisher
	queue  chan message
	logger Logger
}

// NewMQTT creates an MQTT sink. Call Run to start publishing.
func NewMQTT(pub Publisher) *MQTT {
	return &MQTT{
		pub:    pub,
		queue:  make(chan message, mqttQueueSize),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the sink.
func (m *MQTT) SetLogger(logger Logger) {
	m.logger = logger
}

// StateChanged publishes to graylogic/relay/home/{home}/state/{entity}.
func (m *MQTT) StateChanged(e relay.StateEvent) {
	m.enqueue(mqtt.Topics{}.HomeState(e.HomeID, e.EntityID), e, false)
}

// CommandAcked publishes to graylogic/relay/home/{home}/ack/{request}.
func (m *MQTT) CommandAcked(e relay.AckEvent) {
	m.enqueue(mqtt.Topics{}.HomeAck(e.HomeID, e.RequestID), e, false)
}

// GatewayPresence publishes a retained presence message.
func (m *MQTT) GatewayPresence(e relay.PresenceEvent) {
	m.enqueue(mqtt.Topics{}.GatewayPresence(e.GatewayID), e, true)
}

func (m *MQTT) enqueue(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn("encoding mqtt event failed", "topic", topic, "error", err)
		return
	}
	select {
	case m.queue <- message{topic: topic, payload: payload, retained: retained}:
	default:
		m.logger.Warn("mqtt event queue full, dropping event", "topic", topic)
	}
}

// Run publishes queued events until ctx is cancelled, then publishes what
// is already queued and returns.
func (m *MQTT) Run(ctx context.Context) error {
	for {
		select {
		case msg := <-m.queue:
			m.publish(msg)
		case <-ctx.Done():
			for {
				select {
				case msg := <-m.queue:
					m.publish(msg)
				default:
					return nil
				}
			}
		}
	}
}

func (m *MQTT) publish(msg message) {
	var err error
	if msg.retained {
		err = m.pub.PublishRetained(msg.topic, msg.payload)
	} else {
		err = m.pub.PublishEvent(msg.topic, msg.payload)
	}
	if err != nil {
		m.logger.Warn("publishing mqtt event failed", "topic", msg.topic, "error", err)
	}
}
