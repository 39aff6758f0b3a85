// Package config loads server settings from the environment and optional
// delivery policy overrides from a YAML file referenced by TRIPCAST_CONFIG.
package config
