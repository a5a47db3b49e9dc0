package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zewelor/bt-mqtt-gateway/internal/bus"
	"github.com/zewelor/bt-mqtt-gateway/internal/command"
	"github.com/zewelor/bt-mqtt-gateway/internal/config"
	"github.com/zewelor/bt-mqtt-gateway/internal/driver"
	"github.com/zewelor/bt-mqtt-gateway/internal/storage"
	logx "github.com/zewelor/bt-mqtt-gateway/pkg/logx"
)

// fakeClient records publications and routes deliveries to subscribers.
type fakeClient struct {
	prefix string
	router bus.Router

	mu        sync.Mutex
	published []bus.Message
	filters   []string
}

func (c *fakeClient) Prefix() string { return c.prefix }

func (c *fakeClient) Publish(_ context.Context, msgs ...bus.Message) error {
	c.mu.Lock()
	c.published = append(c.published, msgs...)
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Subscribe(_ context.Context, filter string, h bus.Handler) error {
	c.mu.Lock()
	c.filters = append(c.filters, filter)
	c.mu.Unlock()
	c.router.Add(filter, h)
	return nil
}

func (c *fakeClient) deliver(topic, payload string) bool {
	return c.router.Dispatch(topic, []byte(payload))
}

func (c *fakeClient) messages() []bus.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.Message(nil), c.published...)
}

type namedDriver struct{ name string }

func (d namedDriver) Name() string { return d.name }

type pollDriver struct {
	namedDriver
	calls atomic.Int32
	fn    func(n int32) ([]bus.Message, error)
}

func (d *pollDriver) StatusUpdate(context.Context) ([]bus.Message, error) {
	n := d.calls.Add(1)
	if d.fn != nil {
		return d.fn(n)
	}
	return []bus.Message{bus.New(d.name+"/temp", "21")}, nil
}

type switchDriver struct {
	pollDriver
	mu       sync.Mutex
	commands []string
}

func (d *switchDriver) OnCommand(_ context.Context, topic string, payload []byte) ([]bus.Message, error) {
	d.mu.Lock()
	d.commands = append(d.commands, topic+"="+string(payload))
	d.mu.Unlock()
	return []bus.Message{bus.New(topic[:len(topic)-len("/set")], string(payload))}, nil
}

func (d *switchDriver) DiscoveryConfig(availability string) ([]bus.Message, error) {
	return []bus.Message{bus.DiscoveryMessage(bus.ComponentSwitch, "lamp", map[string]string{"availability_topic": availability})}, nil
}

type daemonDriver struct{ namedDriver }

func (d daemonDriver) Run(ctx context.Context, pub bus.Publisher) error {
	if err := pub.Publish(ctx, bus.New(d.name+"/state", "open")); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

type incrementalDriver struct {
	namedDriver
	delays []time.Duration
}

func (d incrementalDriver) StatusUpdates(ctx context.Context) iter.Seq2[[]bus.Message, error] {
	return func(yield func([]bus.Message, error) bool) {
		for i, delay := range d.delays {
			select {
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			case <-time.After(delay):
			}
			if !yield([]bus.Message{bus.New(d.name+"/batch", i+1)}, nil) {
				return
			}
		}
	}
}

// lockedBuffer is written by the logger from several goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	d      *Dispatcher
	client *fakeClient
	reg    *driver.Registry
	logs   *lockedBuffer
}

func newHarness(t *testing.T, mutate func(o *Options)) *harness {
	t.Helper()
	h := &harness{client: &fakeClient{prefix: "gw"}, reg: driver.NewRegistry(), logs: &lockedBuffer{}}
	o := Options{
		Client:            h.client,
		Registry:          h.reg,
		Log:               logx.NewWriter(h.logs, "debug"),
		AvailabilityTopic: "gw/lwt_topic",
		PollTimeout:       10 * time.Millisecond,
		RetryMinBackoff:   time.Millisecond,
		RetryMaxBackoff:   2 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&o)
	}
	h.d = New(o)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.d.Close(ctx)
	})
	return h
}

// provide registers kind returning drv.
func (h *harness) provide(kind string, drv driver.Driver) {
	h.reg.Register(kind, func(driver.Deps, json.RawMessage) (driver.Driver, error) { return drv, nil })
}

func settings(name string, interval time.Duration) config.DriverSettings {
	return config.DriverSettings{
		Name:           name,
		Kind:           name,
		TopicPrefix:    name,
		UpdateInterval: interval,
		CommandTimeout: time.Second,
	}
}

// drain executes everything queued.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for {
		cmd, ok := h.d.queue.Get(0)
		if !ok {
			return
		}
		require.NoError(t, h.d.execute(cmd))
	}
}

func TestRegisterSchedulesAndEnqueuesInitialUpdate(t *testing.T) {
	h := newHarness(t, nil)
	drv := &pollDriver{namedDriver: namedDriver{"kitchen"}}
	h.provide("kitchen", drv)

	require.NoError(t, h.d.Register(settings("kitchen", 30*time.Second)))

	jobs := h.d.sched.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "kitchen:status_update", jobs[0].ID)
	assert.Equal(t, 30*time.Second, jobs[0].Interval)
	assert.Equal(t, 1, h.d.QueueLen(), "first update must not wait for the interval")

	h.drain(t)
	msgs := h.client.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "gw/kitchen/temp", msgs[0].FullTopic(h.client.Prefix()))
	assert.Equal(t, int32(1), drv.calls.Load())
}

func TestIntervalRouteReschedules(t *testing.T) {
	h := newHarness(t, nil)
	h.provide("kitchen", &pollDriver{namedDriver: namedDriver{"kitchen"}})
	require.NoError(t, h.d.Register(settings("kitchen", 30*time.Second)))
	require.NoError(t, h.d.Start(context.Background()))

	interval := func() time.Duration {
		j, ok := h.d.sched.Job("kitchen:status_update")
		require.True(t, ok)
		return j.Interval
	}

	require.True(t, h.client.deliver("gw/kitchen/update_interval", "15"))
	assert.Equal(t, 15*time.Second, interval())

	require.True(t, h.client.deliver("gw/kitchen/update_interval", "notanumber"))
	assert.Equal(t, 15*time.Second, interval())
	assert.Contains(t, h.logs.String(), "invalid update interval payload")

	require.True(t, h.client.deliver("gw/kitchen/update_interval/set", " 45 "))
	assert.Equal(t, 45*time.Second, interval())

	h.client.deliver("gw/kitchen/update_interval", "-3")
	assert.Equal(t, 45*time.Second, interval())
}

func TestRegisterRejectsDriverWithoutUpdatesOrRun(t *testing.T) {
	h := newHarness(t, nil)
	h.provide("inert", namedDriver{"inert"})

	err := h.d.Register(settings("inert", time.Minute))
	var ce *driver.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "inert", ce.Driver)
	assert.Empty(t, h.d.sched.Jobs())
	assert.Zero(t, h.d.QueueLen())
}

func TestRegisterRejectsDuplicatesAndUnknownKinds(t *testing.T) {
	h := newHarness(t, nil)
	h.provide("kitchen", &pollDriver{namedDriver: namedDriver{"kitchen"}})
	require.NoError(t, h.d.Register(settings("kitchen", 0)))

	var ce *driver.ConfigError
	require.ErrorAs(t, h.d.Register(settings("kitchen", 0)), &ce)

	s := settings("cellar", 0)
	s.Kind = "nope"
	err := h.d.Register(s)
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, driver.ErrUnknownDriver)
}

func TestRegisterRejectsSubscriptionWithoutCommander(t *testing.T) {
	h := newHarness(t, nil)
	h.provide("kitchen", &pollDriver{namedDriver: namedDriver{"kitchen"}})
	s := settings("kitchen", 0)
	s.TopicSubscription = "kitchen/+/set"

	var ce *driver.ConfigError
	require.ErrorAs(t, h.d.Register(s), &ce)
}

func TestZeroIntervalIsNotPolled(t *testing.T) {
	h := newHarness(t, nil)
	h.provide("kitchen", &pollDriver{namedDriver: namedDriver{"kitchen"}})
	require.NoError(t, h.d.Register(settings("kitchen", 0)))
	assert.Empty(t, h.d.sched.Jobs())
	assert.Zero(t, h.d.QueueLen())

	require.NoError(t, h.d.SetInterval("kitchen", 10*time.Second))
	require.Len(t, h.d.sched.Jobs(), 1)

	assert.True(t, h.d.StopPolling("kitchen"))
	assert.Empty(t, h.d.sched.Jobs())
}

func TestCommandRouteEnqueuesOnCommand(t *testing.T) {
	h := newHarness(t, nil)
	drv := &switchDriver{pollDriver: pollDriver{namedDriver: namedDriver{"kitchen"}}}
	h.provide("kitchen", drv)
	s := settings("kitchen", 0)
	s.TopicSubscription = "kitchen/+/set"
	require.NoError(t, h.d.Register(s))
	require.NoError(t, h.d.Start(context.Background()))

	assert.Contains(t, h.client.filters, "gw/kitchen/+/set")
	require.True(t, h.client.deliver("gw/kitchen/lamp/set", "ON"))
	require.Equal(t, 1, h.d.QueueLen())

	h.drain(t)
	assert.Equal(t, []string{"kitchen/lamp/set=ON"}, drv.commands)
	msgs := h.client.messages()
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	assert.Equal(t, "gw/kitchen/lamp", last.FullTopic("gw"))
}

func TestStartPublishesDiscoveryFirst(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Discovery = Discovery{Enabled: true, Retain: true}
	})
	h.provide("kitchen", &switchDriver{pollDriver: pollDriver{namedDriver: namedDriver{"kitchen"}}})
	require.NoError(t, h.d.Register(settings("kitchen", time.Minute)))
	require.NoError(t, h.d.Start(context.Background()))

	msgs := h.client.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "homeassistant/switch/lamp/config", msgs[0].FullTopic("gw"))
	assert.True(t, msgs[0].Retain)
	b, err := msgs[0].Bytes()
	require.NoError(t, err)
	assert.JSONEq(t, `{"availability_topic":"gw/lwt_topic"}`, string(b))
}

func TestUpdateRetriesTransientFailures(t *testing.T) {
	store := storage.NewMemory(10)
	h := newHarness(t, func(o *Options) { o.History = store })
	drv := &pollDriver{namedDriver: namedDriver{"kitchen"}}
	drv.fn = func(n int32) ([]bus.Message, error) {
		if n < 3 {
			return nil, driver.Transient(errors.New("link lost"))
		}
		return []bus.Message{bus.New("kitchen/temp", 20)}, nil
	}
	h.provide("kitchen", drv)
	s := settings("kitchen", time.Minute)
	s.UpdateRetries = 2
	require.NoError(t, h.d.Register(s))

	h.drain(t)
	assert.Equal(t, int32(3), drv.calls.Load())
	require.Len(t, h.client.messages(), 1)

	hist, err := store.Recent(context.Background(), storage.Query{})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, storage.OutcomeOK, hist[0].Outcome)
	assert.Equal(t, 3, hist[0].Attempts)
}

func TestExecutionErrorIsLoggedNotFatal(t *testing.T) {
	store := storage.NewMemory(10)
	h := newHarness(t, func(o *Options) { o.History = store })
	drv := &pollDriver{namedDriver: namedDriver{"kitchen"}}
	drv.fn = func(int32) ([]bus.Message, error) { return nil, errors.New("sensor unplugged") }
	h.provide("kitchen", drv)
	require.NoError(t, h.d.Register(settings("kitchen", time.Minute)))

	h.drain(t)
	assert.Empty(t, h.client.messages())
	assert.Equal(t, int32(1), drv.calls.Load(), "non-transient errors are not retried")
	assert.Contains(t, h.logs.String(), "command failed")

	hist, err := store.Recent(context.Background(), storage.Query{Driver: "kitchen"})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, storage.OutcomeError, hist[0].Outcome)
	assert.Contains(t, hist[0].Error, "sensor unplugged")
}

func TestTimeoutPublishesPartialOutput(t *testing.T) {
	h := newHarness(t, nil)
	h.provide("speed", incrementalDriver{
		namedDriver: namedDriver{"speed"},
		delays:      []time.Duration{10 * time.Millisecond, 500 * time.Millisecond},
	})
	s := settings("speed", time.Minute)
	s.CommandTimeout = 150 * time.Millisecond
	require.NoError(t, h.d.Register(s))

	h.drain(t)
	msgs := h.client.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "speed/batch", msgs[0].Topic)
	assert.Contains(t, h.logs.String(), "command timed out")
}

func TestRunReturnsOnPanic(t *testing.T) {
	h := newHarness(t, nil)
	drv := &pollDriver{namedDriver: namedDriver{"kitchen"}}
	drv.fn = func(int32) ([]bus.Message, error) { panic("driver bug") }
	h.provide("kitchen", drv)
	require.NoError(t, h.d.Register(settings("kitchen", time.Minute)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := h.d.Run(ctx)
	var pe *command.PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "driver bug", pe.Value)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.d.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestDaemonPublishesThroughClient(t *testing.T) {
	h := newHarness(t, nil)
	h.provide("door", daemonDriver{namedDriver{"door"}})
	require.NoError(t, h.d.Register(settings("door", time.Minute)))
	assert.Empty(t, h.d.sched.Jobs(), "daemons are never scheduled")
	assert.Zero(t, h.d.QueueLen())

	require.NoError(t, h.d.Start(context.Background()))
	require.Eventually(t, func() bool { return len(h.client.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "gw/door/state", h.client.messages()[0].FullTopic("gw"))

	infos := h.d.Drivers()
	require.Len(t, infos, 1)
	assert.Equal(t, driver.ModeDaemon, infos[0].Mode)
	assert.ErrorIs(t, h.d.Refresh("door"), ErrNotPolled)
}

func TestUpdateAllRefreshesPolledDrivers(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.UpdateAll = &UpdateAll{Topic: "homeassistant/status", Payload: "online"}
	})
	h.provide("a", &pollDriver{namedDriver: namedDriver{"a"}})
	h.provide("b", &pollDriver{namedDriver: namedDriver{"b"}})
	require.NoError(t, h.d.Register(settings("a", time.Minute)))
	require.NoError(t, h.d.Register(settings("b", 0)))
	require.NoError(t, h.d.Start(context.Background()))
	h.drain(t)

	h.client.deliver("homeassistant/status", "offline")
	assert.Zero(t, h.d.QueueLen())
	h.client.deliver("homeassistant/status", "online")
	assert.Equal(t, 2, h.d.QueueLen())
}

func TestRefreshUnknownDriver(t *testing.T) {
	h := newHarness(t, nil)
	assert.ErrorIs(t, h.d.Refresh("ghost"), driver.ErrUnknownDriver)
	assert.ErrorIs(t, h.d.SetInterval("ghost", time.Second), driver.ErrUnknownDriver)
}

func TestIntervalTopicIsNotADeviceCommand(t *testing.T) {
	h := newHarness(t, nil)
	drv := &switchDriver{pollDriver: pollDriver{namedDriver: namedDriver{"livingroom"}}}
	h.provide("livingroom", drv)
	s := settings("livingroom", 0)
	s.TopicSubscription = "livingroom/+/set"
	require.NoError(t, h.d.Register(s))
	require.NoError(t, h.d.Start(context.Background()))

	require.True(t, h.client.deliver("gw/livingroom/update_interval/set", "15"))
	require.True(t, h.client.deliver("gw/livingroom/lamp/set", "ON"))
	h.drain(t)

	assert.Equal(t, []string{"livingroom/lamp/set=ON"}, drv.commands)
	drivers := h.d.Drivers()
	require.Len(t, drivers, 1)
	assert.Equal(t, 15*time.Second, drivers[0].Interval)
	assert.NotContains(t, h.logs.String(), "command failed")
}

// slowCloser holds a resource its update uses until Close.
type slowCloser struct {
	namedDriver
	started chan struct{}

	running            atomic.Bool
	closed             atomic.Bool
	closedWhileRunning atomic.Bool
}

func (d *slowCloser) StatusUpdate(context.Context) ([]bus.Message, error) {
	d.running.Store(true)
	close(d.started)
	time.Sleep(300 * time.Millisecond)
	d.running.Store(false)
	return []bus.Message{bus.New(d.name+"/state", "ok")}, nil
}

func (d *slowCloser) Close() error {
	if d.running.Load() {
		d.closedWhileRunning.Store(true)
	}
	d.closed.Store(true)
	return nil
}

func TestStopKeepsDriversOpenForInFlightCommand(t *testing.T) {
	h := newHarness(t, nil)
	drv := &slowCloser{namedDriver: namedDriver{"blinds"}, started: make(chan struct{})}
	h.provide("blinds", drv)
	require.NoError(t, h.d.Register(settings("blinds", time.Minute)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.d.Run(ctx) }()
	select {
	case <-drv.started:
	case <-time.After(2 * time.Second):
		t.Fatal("update never started")
	}

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, h.d.Stop(stopCtx))
	assert.False(t, drv.closed.Load(), "Stop must leave drivers open")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	require.NoError(t, h.d.Close(stopCtx))
	assert.True(t, drv.closed.Load())
	assert.False(t, drv.closedWhileRunning.Load())

	msgs := h.client.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "gw/blinds/state", msgs[0].FullTopic("gw"))
}
