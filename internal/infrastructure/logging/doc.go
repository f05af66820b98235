// Package logging provides structured logging for the relay.
//
// It wraps log/slog with JSON or text output, level filtering, and default
// service/version fields on every record.
//
// Configured from the logging section of the relay config:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Gateway secrets and access tokens are never logged. Pairing codes are
// logged only through Mask.
package logging
