// Package config loads and validates Kiln's TOML configuration and
// derives the per-mode state layout (production vs development) from it.
package config
