package plc

import (
	"errors"
	"fmt"
)

// ConfigError marks a wiring mistake the application made during setup:
// duplicate labels, unknown labels, invalid pins, a missing program.
// Configuration errors are fatal and never retried.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return e.Reason
}

func configErrorf(format string, args ...interface{}) error {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err wraps a configuration mistake.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
