// Package config handles configuration loading for parley-gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Files ending in .toml are decoded as TOML; every other extension
// is treated as YAML. Unset fields keep the values from Default.
//
// # Configuration File
//
// Default location (first match wins):
//
//  1. Path from PARLEY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/parley/config.yaml
//  3. ~/.config/parley/config.yaml
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${PARLEY_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	database:
//	  driver: sqlite            # sqlite | postgres
//	  path: "~/.local/share/parley/parley.db"
//	  dsn: ""
//
//	bus:
//	  driver: memory            # memory | redis
//	  redis_url: "redis://localhost:6379/0"
//	  buffer_size: 64
//
//	lifecycle:
//	  last_message_match: exact # exact | clock_sum
//	  reset_empty_last_message_at: false
//	  mutation_policy: member   # member | sender
//	  idempotency_ttl: "5m"
//
//	realtime:
//	  write_timeout: "10s"
//	  ping_interval: "30s"
//	  dedupe_ttl: "5m"
//
// See Template for the full starter file.
//
// # Validation
//
// Load validates:
//
//   - JWT secret minimum length (32 bytes)
//   - database and bus driver names, with their required locations
//   - duration format validity
//   - lifecycle policy names
package config
