package mqtt

import "fmt"

// TopicPrefix is the root of every topic the relay publishes.
const TopicPrefix = "graylogic/relay"

// Topics builds relay topic names.
//
//	topic := mqtt.Topics{}.HomeState(homeID, "42")
//	// graylogic/relay/home/<home_id>/state/42
type Topics struct{}

// GatewayPresence carries a retained online/offline payload per gateway.
func (Topics) GatewayPresence(gatewayID string) string {
	return fmt.Sprintf("%s/gateway/%s/presence", TopicPrefix, gatewayID)
}

// HomeState carries state pushes for one entity.
func (Topics) HomeState(homeID, entityID string) string {
	return fmt.Sprintf("%s/home/%s/state/%s", TopicPrefix, homeID, entityID)
}

// HomeAck carries the ack for one relayed command.
func (Topics) HomeAck(homeID, requestID string) string {
	return fmt.Sprintf("%s/home/%s/ack/%s", TopicPrefix, homeID, requestID)
}

// SystemStatus is the relay's own retained status, also used as the LWT.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// AllHomeEvents matches every state and ack topic of one home.
func (Topics) AllHomeEvents(homeID string) string {
	return fmt.Sprintf("%s/home/%s/#", TopicPrefix, homeID)
}

// AllPresence matches every gateway presence topic.
func (Topics) AllPresence() string {
	return TopicPrefix + "/gateway/+/presence"
}
