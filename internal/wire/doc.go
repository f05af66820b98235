// Package wire defines the JSON messages exchanged with gateways.
//
// Every message is an object with a "type" field. Decode turns an inbound
// frame into one of a closed set of Go types implementing Inbound; a type
// the relay does not know decodes to Unknown so callers can log and drop it.
// Frames that are not valid JSON, lack a type, or carry fields of the wrong
// shape fail with ErrMalformedMessage.
//
// Gateway to relay:
//
//	ping              {timestamp}
//	ack               {request_id, success, error, result}
//	state_update      {entity_id, state}          (also "state")
//	devices_response  {request_id, devices}
//	home_data         {request_id, home, entities, scenes, automations, locations} (also "sync")
//
// Relay to gateway:
//
//	pong              {timestamp}
//	get_devices       {request_id}
//	get_home_data     {request_id}
//	command           {request_id, payload}
package wire
