// Package config loads the service configuration.
//
// Values are resolved in three layers, later layers winning:
//
//	1. Default()
//	2. A YAML file (LICENSED_CONFIG, config.yaml or configs/config.yaml)
//	3. Environment variables prefixed with LICENSED_
//
// Environment variable names follow the struct nesting:
//
//	LICENSED_SERVER_PORT=9090
//	LICENSED_STORE_DRIVER=sqlite
//	LICENSED_STORE_DB_PATH=/var/lib/licensed/licenses.db
//	LICENSED_SECURITY_ADMIN_TOKEN=...
//	LICENSED_LICENSE_LEVELS=basic,pro
//
// Load validates the result and fails on out-of-range values.
package config
