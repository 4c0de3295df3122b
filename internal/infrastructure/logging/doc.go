// Package logging provides structured logging for the knxmgmt daemon.
//
// It wraps log/slog with JSON or text output, level filtering and the
// default fields service and version. Components get a child logger:
//
//	logger := logging.New(cfg.Logging, version)
//	tunnelLog := logger.Component("tunnel")
//	tunnelLog.Info("tunnel connected", "address", "1.1.250")
//
// Configuration:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Never log secrets such as the JWT secret or MQTT password.
package logging
