// Package config handles loading and validating the device client
// configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (AZUREIOT_*)
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - The device key and connection string should be set via
//     AZUREIOT_DEVICE_KEY and AZUREIOT_CONNECTION_STRING
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Device.DeviceID)
package config
