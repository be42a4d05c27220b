// Package config handles configuration loading for riftd.
//
// Configuration is loaded from a YAML file with environment variable
// expansion and validation.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${RIFT_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	server:
//	  write_timeout: "10s"
//	  ping_interval: "30s"
//
// # Sections
//
//   - server: listen address and connection timing
//   - tailscale: optional tsnet serving
//   - database: SQLite file path
//   - auth: JWT secret and dev mode
//   - provider: text-generation backend (anthropic or openai), key, model
//   - agent: agent identity, system prompt, history limit
//   - tools: path to the TOML tool allow-list
//   - logging: level and format
package config
