package session

import (
	"github.com/pkg/errors"
)

var (
	// ErrInvalidState is returned when an operation does not fit the session state
	ErrInvalidState = errors.New("session: invalid state")
	// ErrNoRegistry is returned when a session is created without encoders to choose from
	ErrNoRegistry = errors.New("session: no encoder registry")
)

// ConfigurationError reports that a session could not be prepared or started.
// Err is one of the codec or transform sentinels, wrapped with context.
type ConfigurationError struct {
	Op  string
	Err error
}

func (e *ConfigurationError) Error() string {
	return "session: " + e.Op + ": " + e.Err.Error()
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func configError(op string, err error) error {
	return &ConfigurationError{Op: op, Err: err}
}

// IsConfigurationError reports whether err carries a ConfigurationError
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
