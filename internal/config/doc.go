// Package config loads, normalizes, and validates the TOML configuration
// used by the ferry CLI and engine.
package config
