// Package config loads per-project migration settings.
//
// Ownership boundary:
// - TOML config files with one table per project section.
// - Defaults for keys a section omits and validation of required keys.
// - Conversion into the transport, sync, and remote adapter configs.
package config
