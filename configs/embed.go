// Package configs embeds the templates written by "ha-remote init".
package configs

import (
	_ "embed"
)

// ConfigYAML is the config.yaml template with one example instance.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// EnvExample lists the environment overrides.
//
//go:embed .env.example
var EnvExample []byte
