// Package config handles loading and validating FeeServer configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Loading an optional dotenv file
//   - Overriding with environment variables, including the classic FEE_* names
//   - Validation of required fields
//
// Security Considerations:
//   - Sensitive values (passwords, tokens) should be set via environment variables
//   - The JWT secret guards command injection over HTTP and must be set when the API is on
//
// Usage:
//
//	cfg, err := config.Load("configs/feeserver.yaml")
//	if err != nil {
//	    return err
//	}
//	fmt.Println(cfg.Server.Name)
package config
