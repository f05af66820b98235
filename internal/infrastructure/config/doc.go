// Package config loads and validates the relay configuration.
//
// Configuration comes from a YAML file layered over built-in defaults, with
// GRAYLOGIC_* environment variables applied last. Validation collects every
// problem it finds and reports them together.
//
// Secrets (JWT signing key, MQTT password, InfluxDB token) should be supplied
// through the environment rather than the file.
//
// Usage:
//
//	cfg, err := config.Load("configs/relay.yaml")
//	if err != nil {
//	    return err
//	}
//	fmt.Println(cfg.Relay.StaleThreshold)
package config
