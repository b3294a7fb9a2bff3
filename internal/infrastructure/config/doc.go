// Package config handles loading and validating OKM Core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with OKM_* environment variables
//   - Validation of required fields, collecting every problem at once
//   - The built-in device list used when a section is omitted
//
// Security Considerations:
//   - Sensitive values (MQTT password, InfluxDB token, JWT secret) should be
//     set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, d := range cfg.Devices {
//	    fmt.Println(d.ID, d.Label, d.Transport)
//	}
package config
