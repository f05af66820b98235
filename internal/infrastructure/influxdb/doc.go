// Package influxdb writes relay telemetry to InfluxDB v2.
//
// Two measurements are written when influxdb.enabled is set:
//
//	entity_metrics    tags home_id, gateway_id, entity_id; one field per
//	                  numeric or boolean key of a state push
//	gateway_presence  tags gateway_id, home_id; field online = 1 or 0
//
// Writes go through the client library's batched, non-blocking WriteAPI,
// so callers on the gateway read path never wait on the network.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.SetOnError(func(err error) { log.Warn("influx write failed", "error", err) })
package influxdb
