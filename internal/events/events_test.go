package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/nerrad567/gray-logic-relay/internal/relay"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type published struct {
	Topic    string
	Retained bool
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) PublishEvent(topic string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{Topic: topic})
	return f.err
}

func (f *fakePublisher) PublishRetained(topic string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{Topic: topic, Retained: true})
	return f.err
}

func TestMQTT_PublishesOnRun(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewMQTT(pub)

	var _ relay.Notifier = sink

	sink.GatewayPresence(relay.PresenceEvent{GatewayID: "gw-1", HomeID: "home-1", Online: true})
	sink.StateChanged(relay.StateEvent{HomeID: "home-1", EntityID: "42", State: json.RawMessage(`{"on":true}`)})
	sink.CommandAcked(relay.AckEvent{HomeID: "home-1", RequestID: "req-1", Success: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []published{
		{Topic: "graylogic/relay/gateway/gw-1/presence", Retained: true},
		{Topic: "graylogic/relay/home/home-1/state/42"},
		{Topic: "graylogic/relay/home/home-1/ack/req-1"},
	}
	if diff := cmp.Diff(want, pub.msgs); diff != "" {
		t.Errorf("published mismatch (-want +got):\n%s", diff)
	}
}

func TestMQTT_FullQueueDrops(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker away")}
	sink := NewMQTT(pub)

	for i := 0; i < mqttQueueSize+10; i++ {
		sink.StateChanged(relay.StateEvent{HomeID: "home-1", EntityID: "e"})
	}
	if len(sink.queue) != mqttQueueSize {
		t.Fatalf("queue length = %d, want %d", len(sink.queue), mqttQueueSize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = sink.Run(ctx)
	if len(pub.msgs) != mqttQueueSize {
		t.Errorf("publish attempts = %d, want %d", len(pub.msgs), mqttQueueSize)
	}
}

type pointCall struct {
	Kind     string
	EntityID string
	Online   bool
}

type fakeWriter struct {
	calls []pointCall
}

func (f *fakeWriter) WriteEntityMetric(_, _, entityID string, _ json.RawMessage, _ time.Time) {
	f.calls = append(f.calls, pointCall{Kind: "entity", EntityID: entityID})
}

func (f *fakeWriter) WriteGatewayPresence(_, _ string, online bool, _ time.Time) {
	f.calls = append(f.calls, pointCall{Kind: "presence", Online: online})
}

func TestTelemetry(t *testing.T) {
	w := &fakeWriter{}
	sink := NewTelemetry(w)

	notify := relay.Notifiers{sink}
	notify.StateChanged(relay.StateEvent{EntityID: "7", State: json.RawMessage(`{"power":3}`)})
	notify.CommandAcked(relay.AckEvent{RequestID: "r"})
	notify.GatewayPresence(relay.PresenceEvent{Online: false})

	want := []pointCall{
		{Kind: "entity", EntityID: "7"},
		{Kind: "presence", Online: false},
	}
	if diff := cmp.Diff(want, w.calls); diff != "" {
		t.Errorf("writes mismatch (-want +got):\n%s", diff)
	}
}
