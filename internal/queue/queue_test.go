package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zewelor/bt-mqtt-gateway/internal/bus"
	"github.com/zewelor/bt-mqtt-gateway/internal/command"
)

func newCmd(t *testing.T, name string) *command.Command {
	t.Helper()
	c, err := command.New(name, command.OpStatusUpdate, time.Second,
		command.Plain(func(context.Context) ([]bus.Message, error) { return nil, nil }))
	require.NoError(t, err)
	return c
}

func TestFIFOOrder(t *testing.T) {
	t.Parallel()
	q := New()
	for i := 0; i < 5; i++ {
		q.Put(newCmd(t, fmt.Sprintf("d%d", i)))
	}
	assert.Equal(t, 5, q.Len())
	for i := 0; i < 5; i++ {
		c, ok := q.Get(10 * time.Millisecond)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("d%d", i), c.Driver)
	}
	assert.Zero(t, q.Len())
}

func TestGetTimesOutWhenEmpty(t *testing.T) {
	t.Parallel()
	q := New()
	start := time.Now()
	c, ok := q.Get(30 * time.Millisecond)
	assert.False(t, ok)
	assert.Nil(t, c)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	_, ok = q.Get(0)
	assert.False(t, ok)
}

func TestGetWakesOnPut(t *testing.T) {
	t.Parallel()
	q := New()
	time.AfterFunc(20*time.Millisecond, func() { q.Put(newCmd(t, "late")) })
	c, ok := q.Get(time.Second)
	require.True(t, ok)
	assert.Equal(t, "late", c.Driver)
}

// Per-producer order holds with concurrent producers.
func TestConcurrentProducersKeepOrder(t *testing.T) {
	t.Parallel()
	q := New()
	const producers, each = 4, 50
	cmds := make([][]*command.Command, producers)
	for p := range cmds {
		for i := 0; i < each; i++ {
			cmds[p] = append(cmds[p], newCmd(t, fmt.Sprintf("p%d", p)))
		}
	}
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for _, c := range cmds[p] {
				q.Put(c)
			}
		}(p)
	}
	wg.Wait()

	next := make([]int, producers)
	for i := 0; i < producers*each; i++ {
		c, ok := q.Get(time.Second)
		require.True(t, ok)
		var p int
		_, err := fmt.Sscanf(c.Driver, "p%d", &p)
		require.NoError(t, err)
		require.Same(t, cmds[p][next[p]], c)
		next[p]++
	}
}
