// Package retry re-runs a failing operation with a short randomized backoff.
//
// Only errors the policy classifies as retryable are retried; anything else
// is returned on the first attempt. After the last attempt the final error is
// returned unchanged.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	logx "github.com/zewelor/bt-mqtt-gateway/pkg/logx"
)

const (
	DefaultMinBackoff = 1 * time.Second
	DefaultMaxBackoff = 3 * time.Second
)

// Policy configures Wrap and Do.
type Policy struct {
	// MaxRetries is the number of extra attempts after the first one.
	MaxRetries int
	// Retryable classifies errors. Nil means nothing is retried.
	Retryable func(error) bool

	MinBackoff time.Duration
	MaxBackoff time.Duration

	Log logx.Logger

	// Sleep waits between attempts. Tests replace it; the default honours ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Wrap returns op guarded by p.
func Wrap[T any](p Policy, op func(ctx context.Context) (T, error)) func(ctx context.Context) (T, error) {
	p = p.withDefaults()
	return func(ctx context.Context) (T, error) {
		var (
			v   T
			err error
		)
		for attempt := 0; ; attempt++ {
			v, err = op(ctx)
			if err == nil {
				return v, nil
			}
			if attempt >= p.MaxRetries || p.Retryable == nil || !p.Retryable(err) {
				return v, err
			}
			wait := p.backoff()
			p.Log.Debug("retrying after failure",
				logx.Int("attempt", attempt+1),
				logx.Int("max_retries", p.MaxRetries),
				logx.Duration("backoff", wait),
				logx.Err(err),
			)
			if serr := p.Sleep(ctx, wait); serr != nil {
				return v, err
			}
		}
	}
}

// Do is Wrap for operations without a result.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Wrap(p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})(ctx)
	return err
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.MinBackoff <= 0 {
		p.MinBackoff = DefaultMinBackoff
	}
	if p.MaxBackoff < p.MinBackoff {
		p.MaxBackoff = max(DefaultMaxBackoff, p.MinBackoff)
	}
	if p.Sleep == nil {
		p.Sleep = sleepCtx
	}
	return p
}

// backoff picks a uniformly random wait in [MinBackoff, MaxBackoff].
func (p Policy) backoff() time.Duration {
	span := int64(p.MaxBackoff - p.MinBackoff)
	if span <= 0 {
		return p.MinBackoff
	}
	return p.MinBackoff + time.Duration(rand.Int63n(span+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// On retries errors matching any target via errors.Is.
func On(targets ...error) func(error) bool {
	return func(err error) bool {
		for _, t := range targets {
			if errors.Is(err, t) {
				return true
			}
		}
		return false
	}
}

// OnType retries errors that unwrap to type E.
func OnType[E error]() func(error) bool {
	return func(err error) bool {
		var target E
		return errors.As(err, &target)
	}
}

// Any combines classifiers.
func Any(fns ...func(error) bool) func(error) bool {
	return func(err error) bool {
		for _, fn := range fns {
			if fn != nil && fn(err) {
				return true
			}
		}
		return false
	}
}
