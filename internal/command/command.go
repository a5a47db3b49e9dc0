// Package command wraps one unit of driver work with a bounded time budget.
//
// A producer may hand its output over in several batches. When the budget
// runs out, batches delivered so far are returned together with a
// *TimeoutError so slow devices cannot erase the readings of fast ones.
//
// Go cannot preempt a goroutine. A producer that ignores its context keeps
// running after the deadline; its later output is dropped and the goroutine
// exits whenever the driver call returns.
package command

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zewelor/bt-mqtt-gateway/internal/bus"
)

// Common operation names.
const (
	OpStatusUpdate = "status_update"
	OpCommand      = "on_command"
)

// Emit hands a batch to the executor. It returns false once the deadline has
// passed; the producer should stop.
type Emit func(batch []bus.Message) bool

// Producer is the driver work. It must return when ctx is done.
type Producer func(ctx context.Context, emit Emit) error

// Plain adapts a single-shot call. Its output is one batch.
func Plain(fn func(ctx context.Context) ([]bus.Message, error)) Producer {
	return func(ctx context.Context, emit Emit) error {
		msgs, err := fn(ctx)
		if err != nil {
			return err
		}
		emit(msgs)
		return nil
	}
}

// Incremental adapts a driver that yields per-device batches.
func Incremental(fn func(ctx context.Context) iter.Seq2[[]bus.Message, error]) Producer {
	return func(ctx context.Context, emit Emit) error {
		for batch, err := range fn(ctx) {
			if err != nil {
				return err
			}
			if !emit(batch) {
				return ctx.Err()
			}
		}
		return nil
	}
}

// Command is consumed once by the executor.
type Command struct {
	ID      string
	Driver  string
	Op      string
	Topic   string // inbound topic for on_command, empty otherwise
	Timeout time.Duration
	Created time.Time

	producer Producer
}

func New(driver, op string, timeout time.Duration, p Producer) (*Command, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%s.%s: %w (got %s)", driver, op, ErrInvalidTimeout, timeout)
	}
	if p == nil {
		return nil, fmt.Errorf("%s.%s: nil producer", driver, op)
	}
	return &Command{
		ID:       uuid.NewString(),
		Driver:   driver,
		Op:       op,
		Timeout:  timeout,
		Created:  time.Now(),
		producer: p,
	}, nil
}

func (c *Command) String() string {
	if c.Topic != "" {
		return c.Driver + "." + c.Op + "(" + c.Topic + ")"
	}
	return c.Driver + "." + c.Op
}

// Execute runs the producer under the command budget.
//
// Outcomes:
//   - success: all batches, nil
//   - budget exceeded: batches delivered so far (nil if none), *TimeoutError
//   - driver error: nil, *ExecutionError
//   - driver panic: nil, *PanicError
//
// Cancelling ctx aborts the wait and returns ctx.Err().
func (c *Command) Execute(ctx context.Context) ([]bus.Message, error) {
	runCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	batches := make(chan []bus.Message)
	done := make(chan error, 1)
	var dropped atomic.Bool
	emit := func(b []bus.Message) bool {
		if runCtx.Err() != nil {
			dropped.Store(true)
			return false
		}
		select {
		case batches <- b:
			return true
		case <-runCtx.Done():
			dropped.Store(true)
			return false
		}
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &PanicError{Driver: c.Driver, Op: c.Op, Value: r, Stack: string(debug.Stack())}
			}
		}()
		done <- c.producer(runCtx, emit)
	}()

	var (
		out []bus.Message
		n   int
	)
	for {
		select {
		case b := <-batches:
			if runCtx.Err() != nil {
				// Arrived at the deadline; it does not count as delivered.
				dropped.Store(true)
				continue
			}
			out = append(out, b...)
			n++
		case err := <-done:
			if err == nil {
				if dropped.Load() && ctx.Err() == nil {
					return c.timedOut(out, n)
				}
				return out, nil
			}
			var pe *PanicError
			if errors.As(err, &pe) {
				return nil, pe
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if runCtx.Err() != nil {
				return c.timedOut(out, n)
			}
			return nil, &ExecutionError{Driver: c.Driver, Op: c.Op, Err: err}
		case <-runCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return c.timedOut(out, n)
		}
	}
}

func (c *Command) timedOut(out []bus.Message, n int) ([]bus.Message, error) {
	te := &TimeoutError{Driver: c.Driver, Op: c.Op, Timeout: c.Timeout, Batches: n}
	if n == 0 {
		return nil, te
	}
	return out, te
}
