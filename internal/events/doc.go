// Package events forwards relay notifications to the optional MQTT and
// InfluxDB sinks.
//
// Both sinks implement relay.Notifier and are combined with the client
// WebSocket hub in a relay.Notifiers fan-out. Notifier methods are called on
// the gateway read path, so neither sink may block: MQTT publishes go
// through a bounded queue drained by Run, and InfluxDB writes use the
// client's own batching.
package events
