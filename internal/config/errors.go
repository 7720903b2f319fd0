package config

import "fmt"

// ConfigError reports a persisted configuration that could not be read or
// validated. Callers that receive one still hold a usable default config.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v (using defaults)", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
