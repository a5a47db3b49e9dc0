package gpio

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zewelor/bt-mqtt-gateway/internal/bus"
	"github.com/zewelor/bt-mqtt-gateway/internal/driver"
)

type recorder struct {
	mu   sync.Mutex
	msgs []bus.Message
}

func (r *recorder) Publish(_ context.Context, msgs ...bus.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msgs...)
	return nil
}

func (r *recorder) snapshot() []bus.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.Message(nil), r.msgs...)
}

func (r *recorder) has(topic, payload string) bool {
	for _, m := range r.snapshot() {
		if m.Topic == topic && m.Payload == payload {
			return true
		}
	}
	return false
}

func writePin(t *testing.T, path, v string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(v+"\n"), 0o644))
}

func newGPIO(t *testing.T, args map[string]any) *GPIO {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	d, err := New(driver.Deps{Name: "porch", Kind: Kind}, raw)
	require.NoError(t, err)
	return d.(*GPIO)
}

func TestNewValidatesArgs(t *testing.T) {
	t.Parallel()
	deps := driver.Deps{Name: "porch"}
	_, err := New(deps, json.RawMessage(`{}`))
	require.Error(t, err)
	_, err = New(deps, json.RawMessage(`{"pins":{"a":"/x"},"poll_interval":"soon"}`))
	require.Error(t, err)
	_, err = New(deps, json.RawMessage(`{"pins":{"a":"/x","b":"/x/"}}`))
	require.Error(t, err)
	_, err = New(deps, json.RawMessage(`{"pins":{"a/b":"/x"}}`))
	require.Error(t, err)

	d, err := New(deps, json.RawMessage(`{"pins":{"a":"/x"}}`))
	require.NoError(t, err)
	mode, ok := driver.ModeOf(d)
	require.True(t, ok)
	assert.Equal(t, driver.ModeDaemon, mode)
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	high, err := parseLevel([]byte("1\n"))
	require.NoError(t, err)
	assert.True(t, high)
	high, err = parseLevel([]byte(" 0"))
	require.NoError(t, err)
	assert.False(t, high)
	_, err = parseLevel([]byte("2"))
	require.ErrorIs(t, err, driver.ErrBadPayload)
}

func TestRunPublishesInitialStateAndChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	door := filepath.Join(dir, "door")
	bell := filepath.Join(dir, "bell")
	writePin(t, door, "0")
	writePin(t, bell, "1")

	g := newGPIO(t, map[string]any{
		"pins":       map[string]string{"door": door, "bell": bell},
		"active_low": true,
	})
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx, rec) }()

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, rec.has("porch/door/state", StateOn), "active low: 0 is on")
	assert.True(t, rec.has("porch/bell/state", StateOff))
	for _, m := range rec.snapshot() {
		assert.True(t, m.Retain)
	}

	writePin(t, door, "1")
	require.Eventually(t, func() bool { return rec.has("porch/door/state", StateOff) }, 2*time.Second, 10*time.Millisecond)

	// Unchanged writes are not republished.
	before := len(rec.snapshot())
	writePin(t, bell, "1")
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.snapshot(), before)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunPollsWhenFileAppears(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	pin := filepath.Join(dir, "late")

	g := newGPIO(t, map[string]any{
		"pins":          map[string]string{"late": pin},
		"poll_interval": "20ms",
		"retain":        false,
	})
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = g.Run(ctx, rec) }()

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, rec.snapshot())

	writePin(t, pin, "1")
	require.Eventually(t, func() bool { return rec.has("porch/late/state", StateOn) }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, rec.snapshot()[0].Retain)
}

func TestDiscoveryConfig(t *testing.T) {
	t.Parallel()
	g := newGPIO(t, map[string]any{"pins": map[string]string{"door": "/x"}})
	msgs, err := g.DiscoveryConfig("gw/lwt")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "binary_sensor/porch/gpio_door/config", msgs[0].Topic)
}
