// Package mqtt publishes relay events to an MQTT broker.
//
// The relay does not consume anything from the broker. When enabled it
// mirrors gateway presence, entity state pushes and command acks onto a
// topic tree under graylogic/relay so home-side tooling and dashboards can
// follow the relay without holding a WebSocket open.
//
// # Topics
//
//	graylogic/relay/gateway/{gateway_id}/presence   retained online/offline
//	graylogic/relay/home/{home_id}/state/{entity_id}
//	graylogic/relay/home/{home_id}/ack/{request_id}
//	graylogic/relay/system/status                    retained, also the LWT
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topic := mqtt.Topics{}.GatewayPresence(gatewayID)
//	err = client.PublishRetained(topic, payload)
//
// Connections reconnect with exponential backoff. Publishing while the
// broker is away fails fast with ErrNotConnected; events are not buffered.
package mqtt
