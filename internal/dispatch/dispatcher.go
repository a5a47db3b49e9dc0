package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zewelor/bt-mqtt-gateway/internal/bus"
	"github.com/zewelor/bt-mqtt-gateway/internal/command"
	"github.com/zewelor/bt-mqtt-gateway/internal/config"
	"github.com/zewelor/bt-mqtt-gateway/internal/driver"
	"github.com/zewelor/bt-mqtt-gateway/internal/queue"
	"github.com/zewelor/bt-mqtt-gateway/internal/runtime/supervisor"
	"github.com/zewelor/bt-mqtt-gateway/internal/scheduler"
	"github.com/zewelor/bt-mqtt-gateway/internal/storage"
	logx "github.com/zewelor/bt-mqtt-gateway/pkg/logx"
)

const (
	defaultPollTimeout    = time.Second
	defaultPublishTimeout = 10 * time.Second
)

var (
	ErrStarted   = errors.New("dispatcher already started")
	ErrNotPolled = errors.New("driver is not polled")
)

// Discovery controls the Home Assistant discovery publication at Start.
type Discovery struct {
	Enabled bool
	Prefix  string
	Retain  bool
}

// UpdateAll refreshes every polled driver when Payload arrives on Topic.
// An empty Payload matches anything.
type UpdateAll struct {
	Topic   string
	Payload string
}

type Options struct {
	Client     bus.Client
	Registry   *driver.Registry
	Scheduler  *scheduler.Service
	Queue      *queue.Queue
	Supervisor *supervisor.Supervisor
	History    storage.Store
	Reporter   *logx.Reporter
	Log        logx.Logger

	Discovery Discovery
	// AvailabilityTopic is the full wire topic handed to Configurers.
	AvailabilityTopic string
	UpdateAll         *UpdateAll

	PollTimeout    time.Duration
	PublishTimeout time.Duration
	// Retry backoff bounds; zero uses the retry package defaults.
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
}

// Route binds an inbound topic filter (full wire form) to a handler.
type Route struct {
	Pattern string
	Handle  bus.Handler
}

type entry struct {
	settings config.DriverSettings
	drv      driver.Driver
	mode     driver.Mode
	jobID    string
	interval time.Duration // guarded by Dispatcher.mu
}

func (e *entry) name() string { return e.settings.Name }

type Dispatcher struct {
	client   bus.Client
	registry *driver.Registry
	sched    *scheduler.Service
	queue    *queue.Queue
	sup      *supervisor.Supervisor
	history  storage.Store
	report   *logx.Reporter
	log      logx.Logger

	discovery      Discovery
	availability   string
	updateAll      *UpdateAll
	pollTimeout    time.Duration
	publishTimeout time.Duration
	retryMin       time.Duration
	retryMax       time.Duration

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
	routes  []Route

	// attempts counts producer calls per command id for the history.
	attempts sync.Map // string -> *atomic.Int32

	started atomic.Bool
}

func New(o Options) *Dispatcher {
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	d := &Dispatcher{
		client:         o.Client,
		registry:       o.Registry,
		sched:          o.Scheduler,
		queue:          o.Queue,
		sup:            o.Supervisor,
		history:        o.History,
		report:         o.Reporter,
		log:            o.Log,
		discovery:      o.Discovery,
		availability:   o.AvailabilityTopic,
		updateAll:      o.UpdateAll,
		pollTimeout:    o.PollTimeout,
		publishTimeout: o.PublishTimeout,
		retryMin:       o.RetryMinBackoff,
		retryMax:       o.RetryMaxBackoff,
		entries:        map[string]*entry{},
	}
	if d.registry == nil {
		d.registry = driver.NewRegistry()
	}
	if d.sched == nil {
		d.sched = scheduler.New(d.log.With(logx.String("comp", "scheduler")))
	}
	if d.queue == nil {
		d.queue = queue.New()
	}
	if d.report == nil {
		d.report = logx.NewReporter(d.log, false)
	}
	if d.pollTimeout <= 0 {
		d.pollTimeout = defaultPollTimeout
	}
	if d.publishTimeout <= 0 {
		d.publishTimeout = defaultPublishTimeout
	}
	if d.discovery.Prefix == "" {
		d.discovery.Prefix = config.DefaultDiscoveryPrefix
	}
	return d
}

func (d *Dispatcher) QueueLen() int { return d.queue.Len() }

// Goroutines reports the daemon driver loops. Empty before Start.
func (d *Dispatcher) Goroutines() []supervisor.Stats {
	if d.sup == nil {
		return nil
	}
	return d.sup.Snapshot().Goroutines
}

// Routes returns the inbound routes registered so far.
func (d *Dispatcher) Routes() []Route {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Route(nil), d.routes...)
}

// Register builds the driver instance described by s and wires its
// schedule and routes. Polled drivers get their first update enqueued
// right away. Every rejection is a *driver.ConfigError.
func (d *Dispatcher) Register(s config.DriverSettings) error {
	if d.started.Load() {
		return &driver.ConfigError{Driver: s.Name, Err: ErrStarted}
	}
	d.mu.RLock()
	_, dup := d.entries[s.Name]
	d.mu.RUnlock()
	if dup {
		return &driver.ConfigError{Driver: s.Name, Err: errors.New("duplicate driver name")}
	}

	log := d.log.With(logx.Driver(s.Name))
	drv, err := d.registry.New(s.Kind, driver.Deps{
		Name:           s.Name,
		Kind:           s.Kind,
		TopicPrefix:    s.TopicPrefix,
		GlobalPrefix:   d.client.Prefix(),
		CommandTimeout: s.CommandTimeout,
		UpdateRetries:  s.UpdateRetries,
		Log:            log,

		RetryMinBackoff: d.retryMin,
		RetryMaxBackoff: d.retryMax,
	}, s.Args)
	if err != nil {
		return err
	}

	reject := func(err error) error {
		closeDriver(drv, log)
		return &driver.ConfigError{Driver: s.Name, Err: err}
	}
	mode, ok := driver.ModeOf(drv)
	if !ok {
		return reject(errors.New("driver provides neither status updates nor a run loop"))
	}
	_, commander := drv.(driver.Commander)
	if s.TopicSubscription != "" && !commander {
		return reject(errors.New("topic_subscription set but the driver takes no commands"))
	}

	e := &entry{settings: s, drv: drv, mode: mode}
	var routes []Route
	if commander && s.TopicSubscription != "" {
		routes = append(routes, Route{
			Pattern: bus.Join(d.client.Prefix(), s.TopicSubscription),
			Handle:  d.commandHandler(e),
		})
	} else if commander {
		log.Debug("driver takes commands but has no topic_subscription")
	}
	if mode == driver.ModePolled {
		e.jobID = s.Name + ":" + command.OpStatusUpdate
		base := bus.Join(d.client.Prefix(), s.TopicPrefix, "update_interval")
		h := d.intervalHandler(e)
		routes = append(routes, Route{Pattern: base, Handle: h}, Route{Pattern: base + "/set", Handle: h})
	}

	if mode == driver.ModePolled && s.UpdateInterval > 0 {
		if err := d.sched.ScheduleInterval(e.jobID, s.UpdateInterval, d.tick(e)); err != nil {
			return reject(err)
		}
		e.interval = s.UpdateInterval
	}

	d.mu.Lock()
	d.entries[s.Name] = e
	d.order = append(d.order, s.Name)
	d.routes = append(d.routes, routes...)
	d.mu.Unlock()

	if e.interval > 0 {
		if err := d.enqueueUpdate(e); err != nil {
			return &driver.ConfigError{Driver: s.Name, Err: err}
		}
	}
	log.Info("driver registered",
		logx.String("kind", s.Kind),
		logx.String("mode", string(mode)),
		logx.Duration("interval", e.interval),
		logx.Bool("commands", commander && s.TopicSubscription != ""),
	)
	return nil
}

// tick is the scheduler action for e. It only enqueues.
func (d *Dispatcher) tick(e *entry) scheduler.Action {
	return func() error { return d.enqueueUpdate(e) }
}

// Start publishes discovery, subscribes every route, arms the schedules
// and launches daemon drivers.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	if d.discovery.Enabled {
		d.publishDiscovery(ctx)
	}

	routes := d.Routes()
	if ua := d.updateAll; ua != nil && ua.Topic != "" {
		routes = append(routes, Route{Pattern: ua.Topic, Handle: d.updateAllHandler(ua)})
	}
	for _, r := range routes {
		if err := d.client.Subscribe(ctx, r.Pattern, r.Handle); err != nil {
			return fmt.Errorf("subscribe %s: %w", r.Pattern, err)
		}
		d.log.Debug("route subscribed", logx.String("pattern", r.Pattern))
	}

	if !d.sched.Running() {
		d.sched.Start(ctx)
	}

	if d.sup == nil {
		d.sup = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(d.log))
	}
	for _, e := range d.snapshot() {
		if e.mode != driver.ModeDaemon {
			continue
		}
		r := e.drv.(driver.Runner)
		pub := &daemonPublisher{d: d, name: e.name()}
		d.sup.GoRestart("driver:"+e.name(), func(ctx context.Context) error {
			return r.Run(ctx, pub)
		})
	}
	return nil
}

func (d *Dispatcher) publishDiscovery(ctx context.Context) {
	var all []bus.Message
	for _, e := range d.snapshot() {
		c, ok := e.drv.(driver.Configurer)
		if !ok {
			continue
		}
		msgs, err := c.DiscoveryConfig(d.availability)
		if err != nil {
			d.log.Warn("discovery config failed", logx.Driver(e.name()), logx.Err(err))
			continue
		}
		for _, m := range msgs {
			m.Topic = bus.Join(d.discovery.Prefix, m.Topic)
			m.UseGlobalPrefix = false
			m.Retain = d.discovery.Retain
			all = append(all, m)
		}
	}
	if len(all) == 0 {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	defer cancel()
	if err := d.client.Publish(pctx, all...); err != nil {
		d.log.Warn("discovery publish failed", logx.Err(err))
		return
	}
	d.log.Info("discovery published", logx.Int("messages", len(all)), logx.String("prefix", d.discovery.Prefix))
}

func (d *Dispatcher) snapshot() []*entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*entry, 0, len(d.order))
	for _, n := range d.order {
		out = append(out, d.entries[n])
	}
	return out
}

func (d *Dispatcher) lookup(name string) (*entry, error) {
	d.mu.RLock()
	e, ok := d.entries[name]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", driver.ErrUnknownDriver, name)
	}
	return e, nil
}

// SetInterval changes the polling interval of a driver, scheduling it if
// it was not polled periodically before.
func (d *Dispatcher) SetInterval(name string, every time.Duration) error {
	e, err := d.lookup(name)
	if err != nil {
		return err
	}
	if e.mode != driver.ModePolled {
		return fmt.Errorf("%s: %w", name, ErrNotPolled)
	}
	if every <= 0 {
		d.log.Warn("rejected update interval", logx.Driver(name), logx.Duration("interval", every))
		return fmt.Errorf("%s: %w (got %s)", name, scheduler.ErrInvalidInterval, every)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sched.Job(e.jobID); ok {
		err = d.sched.Reschedule(e.jobID, every)
	} else {
		err = d.sched.ScheduleInterval(e.jobID, every, d.tick(e))
	}
	if err != nil {
		return err
	}
	e.interval = every
	return nil
}

// StopPolling cancels the periodic updates of a driver.
func (d *Dispatcher) StopPolling(name string) bool {
	e, err := d.lookup(name)
	if err != nil || e.jobID == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	e.interval = 0
	return d.sched.Cancel(e.jobID)
}

// Refresh enqueues an immediate update of a polled driver.
func (d *Dispatcher) Refresh(name string) error {
	e, err := d.lookup(name)
	if err != nil {
		return err
	}
	if e.mode != driver.ModePolled {
		return fmt.Errorf("%s: %w", name, ErrNotPolled)
	}
	return d.enqueueUpdate(e)
}

// RefreshAll enqueues an update of every polled driver and returns how
// many were queued.
func (d *Dispatcher) RefreshAll() int {
	n := 0
	for _, e := range d.snapshot() {
		if e.mode != driver.ModePolled {
			continue
		}
		if err := d.enqueueUpdate(e); err != nil {
			d.log.Warn("refresh failed", logx.Driver(e.name()), logx.Err(err))
			continue
		}
		n++
	}
	return n
}

// DriverInfo describes a registered driver.
type DriverInfo struct {
	Name        string        `json:"name"`
	Kind        string        `json:"kind"`
	Mode        driver.Mode   `json:"mode"`
	TopicPrefix string        `json:"topic_prefix"`
	Interval    time.Duration `json:"interval"`
	Commands    string        `json:"commands,omitempty"`
	Discovery   bool          `json:"discovery"`
	NextUpdate  *time.Time    `json:"next_update,omitempty"`
}

func (d *Dispatcher) Drivers() []DriverInfo {
	entries := d.snapshot()
	out := make([]DriverInfo, 0, len(entries))
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, e := range entries {
		_, conf := e.drv.(driver.Configurer)
		info := DriverInfo{
			Name:        e.name(),
			Kind:        e.settings.Kind,
			Mode:        e.mode,
			TopicPrefix: e.settings.TopicPrefix,
			Interval:    e.interval,
			Discovery:   conf,
		}
		if _, ok := e.drv.(driver.Commander); ok && e.settings.TopicSubscription != "" {
			info.Commands = bus.Join(d.client.Prefix(), e.settings.TopicSubscription)
		}
		if j, ok := d.sched.Job(e.jobID); ok && !j.Next.IsZero() {
			next := j.Next
			info.NextUpdate = &next
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop ends the schedules and daemon drivers so nothing new is queued. The
// consumer and the drivers it may still be using are left alone.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.sched.Stop(ctx)
	if d.sup != nil {
		return d.sup.Stop(ctx)
	}
	return nil
}

// Close stops the dispatcher and closes drivers that hold resources. Call it
// only after Run has returned; drivers are not safe to close under a
// running command.
func (d *Dispatcher) Close(ctx context.Context) error {
	var errs []error
	if err := d.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, e := range d.snapshot() {
		if c, ok := e.drv.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", e.name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

func closeDriver(drv driver.Driver, log logx.Logger) {
	if c, ok := drv.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Debug("driver close failed", logx.Err(err))
		}
	}
}

// daemonPublisher is what Runner drivers publish through.
type daemonPublisher struct {
	d    *Dispatcher
	name string
}

func (p *daemonPublisher) Publish(ctx context.Context, msgs ...bus.Message) error {
	err := p.d.client.Publish(ctx, msgs...)
	if err != nil {
		p.d.report.Failure("daemon publish failed", err, true, logx.Driver(p.name))
	}
	return err
}
