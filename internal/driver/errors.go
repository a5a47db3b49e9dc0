package driver

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownDriver = errors.New("unknown driver")
	ErrUnknownDevice = errors.New("unknown device")
	ErrBadPayload    = errors.New("bad payload")
)

// ConfigError is a configuration problem detected at startup. It is fatal.
type ConfigError struct {
	Driver string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Driver == "" {
		return "config: " + e.Err.Error()
	}
	return fmt.Sprintf("config: driver %q: %v", e.Driver, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErrorf(name, format string, args ...any) error {
	return &ConfigError{Driver: name, Err: fmt.Errorf(format, args...)}
}

// Transient marks err as worth retrying (a dropped link, a busy device).
//
// Example:
//
//	return nil, driver.Transient(fmt.Errorf("read %s: %w", mac, err))
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err is wrapped with Transient.
func IsTransient(err error) bool {
	var e transientError
	return errors.As(err, &e)
}

type transientError struct{ err error }

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }
