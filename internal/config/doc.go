// Package config handles configuration loading for matrix-bridge-api.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion, then validated. Durations use Go's time.ParseDuration
// syntax.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	matrix:
//	  password: "${MATRIX_PASSWORD}"
//
// # Configuration Sections
//
// Matrix account:
//
//	matrix:
//	  homeserver: "https://matrix.example.org"
//	  user_id: "@bridge:example.org"
//	  password: "${MATRIX_PASSWORD}"
//	  device_id: "BRIDGE_API_CLIENT"
//
// Database (crypto session store). Either a single postgres URL:
//
//	database:
//	  url: "${DATABASE_URL}"
//	  pool_size: 20
//
// or discrete fields / sqlite:
//
//	database:
//	  dialect: "sqlite"
//	  path: "/var/lib/matrix-bridge/crypto.db"
//
// Bridge timing:
//
//	bridge:
//	  sync_timeout: "30s"
//	  retry_sweep_interval: "30s"
//	  attempt_cap: 3
//
// API and webhook:
//
//	api:
//	  addr: ":8080"
//	webhook:
//	  url: "https://example.org/hooks/messages"
package config
