package command

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zewelor/bt-mqtt-gateway/internal/bus"
)

func msg(topic string) bus.Message { return bus.New(topic, "v") }

func TestNewRejectsNonPositiveTimeout(t *testing.T) {
	t.Parallel()
	noop := Plain(func(context.Context) ([]bus.Message, error) { return nil, nil })
	for _, d := range []time.Duration{0, -time.Second} {
		_, err := New("switch", OpStatusUpdate, d, noop)
		require.ErrorIs(t, err, ErrInvalidTimeout)
	}
	c, err := New("switch", OpStatusUpdate, time.Second, noop)
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "switch.status_update", c.String())
}

func TestExecutePlainSuccess(t *testing.T) {
	t.Parallel()
	c, err := New("switch", OpStatusUpdate, time.Second, Plain(func(context.Context) ([]bus.Message, error) {
		return []bus.Message{msg("a"), msg("b")}, nil
	}))
	require.NoError(t, err)

	out, err := c.Execute(context.Background())
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestExecuteIncrementalConcatenatesBatches(t *testing.T) {
	t.Parallel()
	c, err := New("thermo", OpStatusUpdate, time.Second, Incremental(func(context.Context) iter.Seq2[[]bus.Message, error] {
		return func(yield func([]bus.Message, error) bool) {
			for _, d := range []string{"d1", "d2", "d3"} {
				if !yield([]bus.Message{msg(d)}, nil) {
					return
				}
			}
		}
	}))
	require.NoError(t, err)

	out, err := c.Execute(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "d3", out[2].Topic)
}

// Three devices, the third hangs: the first two readings survive the timeout.
func TestExecuteTimeoutKeepsPartialOutput(t *testing.T) {
	t.Parallel()
	c, err := New("thermo", OpStatusUpdate, 100*time.Millisecond, Incremental(func(ctx context.Context) iter.Seq2[[]bus.Message, error] {
		return func(yield func([]bus.Message, error) bool) {
			if !yield([]bus.Message{msg("d1/temperature")}, nil) {
				return
			}
			if !yield([]bus.Message{msg("d2/temperature")}, nil) {
				return
			}
			<-ctx.Done()
			yield(nil, ctx.Err())
		}
	}))
	require.NoError(t, err)

	start := time.Now()
	out, err := c.Execute(context.Background())
	require.ErrorIs(t, err, ErrExecutionTimeout)
	assert.Less(t, time.Since(start), time.Second)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Partial())
	assert.Equal(t, 2, te.Batches)
	require.Len(t, out, 2)
	assert.Equal(t, "d1/temperature", out[0].Topic)
	assert.Equal(t, "d2/temperature", out[1].Topic)
}

func TestExecuteTimeoutWithoutOutput(t *testing.T) {
	t.Parallel()
	c, err := New("slow", OpStatusUpdate, 50*time.Millisecond, Plain(func(ctx context.Context) ([]bus.Message, error) {
		<-ctx.Done()
		return []bus.Message{msg("late")}, nil
	}))
	require.NoError(t, err)

	out, err := c.Execute(context.Background())
	require.ErrorIs(t, err, ErrExecutionTimeout)
	assert.Nil(t, out)
}

func TestExecuteAbandonsUninterruptibleProducer(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)
	c, err := New("stuck", OpStatusUpdate, 50*time.Millisecond, Plain(func(context.Context) ([]bus.Message, error) {
		<-release
		return []bus.Message{msg("late")}, nil
	}))
	require.NoError(t, err)

	start := time.Now()
	out, err := c.Execute(context.Background())
	require.ErrorIs(t, err, ErrExecutionTimeout)
	assert.Nil(t, out)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestExecuteDriverErrorDiscardsOutput(t *testing.T) {
	t.Parallel()
	boom := errors.New("device unreachable")
	c, err := New("thermo", OpStatusUpdate, time.Second, Incremental(func(context.Context) iter.Seq2[[]bus.Message, error] {
		return func(yield func([]bus.Message, error) bool) {
			if !yield([]bus.Message{msg("d1")}, nil) {
				return
			}
			yield(nil, boom)
		}
	}))
	require.NoError(t, err)

	out, err := c.Execute(context.Background())
	assert.Nil(t, out)
	var ee *ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrExecutionTimeout)
}

func TestExecutePanicIsUnclassified(t *testing.T) {
	t.Parallel()
	c, err := New("buggy", OpCommand, time.Second, Plain(func(context.Context) ([]bus.Message, error) {
		panic("nil map")
	}))
	require.NoError(t, err)

	out, err := c.Execute(context.Background())
	assert.Nil(t, out)
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "nil map", pe.Value)
	assert.NotEmpty(t, pe.Stack)
}

func TestExecuteParentCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	c, err := New("slow", OpStatusUpdate, time.Minute, Plain(func(ctx context.Context) ([]bus.Message, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	require.NoError(t, err)

	time.AfterFunc(20*time.Millisecond, cancel)
	_, err = c.Execute(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
