package command

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidTimeout = errors.New("command timeout must be positive")

	// ErrExecutionTimeout matches (errors.Is) every *TimeoutError. It is the
	// executor's budget running out, not a timeout reported by a device.
	ErrExecutionTimeout = errors.New("command execution timed out")
)

// TimeoutError is returned when a command exceeds its budget. Batches counts
// the partial output delivered before the deadline.
type TimeoutError struct {
	Driver  string
	Op      string
	Timeout time.Duration
	Batches int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s.%s: timed out after %s (%d partial batches)", e.Driver, e.Op, e.Timeout, e.Batches)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrExecutionTimeout }

// Partial reports whether any output survived the timeout.
func (e *TimeoutError) Partial() bool { return e.Batches > 0 }

// ExecutionError wraps a failure returned by the driver. Output produced
// before the failure is discarded.
type ExecutionError struct {
	Driver string
	Op     string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s.%s: %v", e.Driver, e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// PanicError is a driver panic caught by the executor. It is not a
// classified failure; the consume loop treats it as fatal.
type PanicError struct {
	Driver string
	Op     string
	Value  any
	Stack  string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s.%s: panic: %v", e.Driver, e.Op, e.Value)
}
