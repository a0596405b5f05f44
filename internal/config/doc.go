// Package config loads and validates tutor-mesh configuration from YAML,
// with ${VAR} environment expansion and duration-string parsing.
package config
