package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("link lost")

type linkError struct{ code int }

func (e *linkError) Error() string { return "link error" }

func recordSleep(waits *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
}

func TestWrapRetriesUpToMax(t *testing.T) {
	t.Parallel()
	for _, n := range []int{0, 1, 3} {
		var waits []time.Duration
		calls := 0
		op := Wrap(Policy{MaxRetries: n, Retryable: On(errFlaky), Sleep: recordSleep(&waits)},
			func(context.Context) (int, error) {
				calls++
				return 0, errFlaky
			})
		_, err := op(context.Background())
		require.ErrorIs(t, err, errFlaky)
		assert.Equal(t, n+1, calls)
		require.Len(t, waits, n)
		for _, w := range waits {
			assert.GreaterOrEqual(t, w, DefaultMinBackoff)
			assert.LessOrEqual(t, w, DefaultMaxBackoff)
		}
	}
}

func TestWrapStopsOnSuccess(t *testing.T) {
	t.Parallel()
	var waits []time.Duration
	calls := 0
	op := Wrap(Policy{MaxRetries: 5, Retryable: On(errFlaky), Sleep: recordSleep(&waits)},
		func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errFlaky
			}
			return "ok", nil
		})
	v, err := op(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
	assert.Len(t, waits, 2)
}

func TestWrapDoesNotRetryOtherErrors(t *testing.T) {
	t.Parallel()
	other := errors.New("bad payload")
	calls := 0
	err := Do(context.Background(), Policy{MaxRetries: 3, Retryable: On(errFlaky)}, func(context.Context) error {
		calls++
		return other
	})
	require.ErrorIs(t, err, other)
	assert.Equal(t, 1, calls)
}

func TestOnTypeMatchesWrapped(t *testing.T) {
	t.Parallel()
	calls := 0
	var waits []time.Duration
	err := Do(context.Background(), Policy{MaxRetries: 2, Retryable: OnType[*linkError](), Sleep: recordSleep(&waits)},
		func(context.Context) error {
			calls++
			return errors.Join(errors.New("update"), &linkError{code: 1})
		})
	var le *linkError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, 3, calls)
}

func TestWrapAbortsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Do(ctx, Policy{MaxRetries: 3, Retryable: On(errFlaky), MinBackoff: time.Hour, MaxBackoff: time.Hour},
		func(context.Context) error {
			calls++
			return errFlaky
		})
	require.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 1, calls)
}

func TestBackoffBounds(t *testing.T) {
	t.Parallel()
	p := Policy{MinBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}.withDefaults()
	for i := 0; i < 100; i++ {
		d := p.backoff()
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.LessOrEqual(t, d, 20*time.Millisecond)
	}
	assert.True(t, Any(nil, On(errFlaky))(errFlaky))
}
