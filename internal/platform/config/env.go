// Package config loads process configuration from the environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix namespaces every storyloom environment variable. Struct tags name
// the variable without it: `env:"MAX_REDIRECTS"` reads STORYLOOM_MAX_REDIRECTS.
const EnvPrefix = "STORYLOOM_"

// ParseEnv loads configuration from prefixed environment variables.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
