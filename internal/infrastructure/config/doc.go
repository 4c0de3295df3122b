// Package config handles loading and validating the knxmgmt configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with KNXMGMT_* environment variables
//   - Validation of required fields, reported all at once
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (passwords, tokens) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//   - The JWT secret guards every bus-programming endpoint
//
// Usage:
//
//	cfg, err := config.Load("configs/knxmgmt.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Bus.Connection)
package config
