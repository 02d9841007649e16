package annealing

import (
	"errors"
	"fmt"
)

// ErrConfiguration matches every *ConfigurationError via errors.Is.
var ErrConfiguration = errors.New("invalid tracking configuration")

// ConfigurationError reports parameters or inputs that make a run
// impossible. It is always returned before any sampling happens.
type ConfigurationError struct {
	// Reason is a short human readable description, e.g. "not enough iterations"
	Reason string

	// Err is the underlying cause, if any
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrConfiguration) succeed for any ConfigurationError.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

func configError(reason string, err error) error {
	return &ConfigurationError{Reason: reason, Err: err}
}
