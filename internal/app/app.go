// Package app builds the gateway from its config file and owns the start
// and stop ordering of every component.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zewelor/bt-mqtt-gateway/internal/config"
	"github.com/zewelor/bt-mqtt-gateway/internal/dispatch"
	"github.com/zewelor/bt-mqtt-gateway/internal/driver"
	"github.com/zewelor/bt-mqtt-gateway/internal/drivers"
	"github.com/zewelor/bt-mqtt-gateway/internal/httpapi"
	"github.com/zewelor/bt-mqtt-gateway/internal/mqtt"
	"github.com/zewelor/bt-mqtt-gateway/internal/queue"
	"github.com/zewelor/bt-mqtt-gateway/internal/runtime/supervisor"
	"github.com/zewelor/bt-mqtt-gateway/internal/scheduler"
	"github.com/zewelor/bt-mqtt-gateway/internal/storage"
	logx "github.com/zewelor/bt-mqtt-gateway/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor
	// built is the config the components were constructed from.
	built *config.Config

	log    logx.Logger
	logs   *logx.Service
	report *logx.Reporter

	// levelOverride wins over logging.level, also across reloads.
	levelOverride string

	registry *driver.Registry
	conn     mqtt.Conn
	store    storage.Store
	sched    *scheduler.Service
	disp     *dispatch.Dispatcher
	http     *httpapi.Server
}

type Option func(*App)

// WithRegistry replaces the built-in driver registry.
func WithRegistry(reg *driver.Registry) Option { return func(a *App) { a.registry = reg } }

// WithLogLevel overrides logging.level from the file (used by -debug/-quiet).
func WithLogLevel(level string) Option { return func(a *App) { a.levelOverride = level } }

// New loads cfgPath and builds every component. Drivers are instantiated
// and registered here so configuration errors surface before Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a := &App{cfgPath: cfgPath, cfgm: cfgm, built: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.registry == nil {
		a.registry = drivers.Registry()
	}

	logSvc, log := logx.New(a.loggingConfig(cfg))
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))
	a.report = logx.NewReporter(log.With(logx.String("comp", "dispatch")), cfg.Logging.SuppressUpdateFailures)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	fail := func(err error) (*App, error) {
		a.closeEarly()
		return nil, err
	}

	// Storage (optional)
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return fail(err)
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return fail(err)
		}
		a.store = st
		a.log.Info("storage enabled", logx.Driver(sc.Driver))
	}

	conn, err := mqtt.Open(cfg.MQTT, log.With(logx.String("comp", "mqtt")))
	if err != nil {
		return fail(err)
	}
	a.conn = conn

	a.sched = scheduler.New(log.With(logx.String("comp", "scheduler")))
	a.disp = dispatch.New(a.dispatchOptions(cfg, log))

	for _, name := range cfg.Manager.DriverNames() {
		s, _ := cfg.Manager.Driver(name)
		if err := a.disp.Register(s); err != nil {
			return fail(err)
		}
	}

	if cfg.HTTP.Enabled {
		o := httpapi.Options{
			Gateway:    a.disp,
			Jobs:       a.sched,
			Connected:  a.conn.Connected,
			Goroutines: a.goroutines,
			Log:        log.With(logx.String("comp", "http")),
		}
		if a.store != nil {
			o.History = a.store
		}
		a.http = httpapi.New(httpapi.Config{
			Addr:  cfg.HTTP.EffectiveAddr(),
			Token: cfg.HTTP.Token,
			Pprof: cfg.HTTP.Pprof,
		}, o)
	}
	return a, nil
}

func (a *App) dispatchOptions(cfg *config.Config, log logx.Logger) dispatch.Options {
	o := dispatch.Options{
		Client:    a.conn,
		Registry:  a.registry,
		Scheduler: a.sched,
		Queue:     queue.New(),
		Reporter:  a.report,
		Log:       log.With(logx.String("comp", "dispatch")),
		Discovery: dispatch.Discovery{
			Enabled: cfg.Manager.Discovery.Enabled,
			Prefix:  cfg.Manager.Discovery.EffectivePrefix(),
			Retain:  cfg.Manager.Discovery.EffectiveRetain(),
		},
		AvailabilityTopic: cfg.MQTT.FullAvailabilityTopic(),
		History:           a.store,
	}
	if ua := cfg.Manager.UpdateAll; ua != nil {
		o.UpdateAll = &dispatch.UpdateAll{Topic: strings.TrimSpace(ua.Topic), Payload: ua.Payload}
	}
	return o
}

// closeEarly releases what New opened before it failed.
func (a *App) closeEarly() {
	if a.disp != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = a.disp.Close(ctx)
		cancel()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func (a *App) loggingConfig(cfg *config.Config) logx.Config {
	lc := mapLoggingConfig(cfg)
	if a.levelOverride != "" {
		lc.Level = a.levelOverride
	}
	return lc
}

func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(a.validate)

	if err := a.conn.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.disp.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("dispatch.consumer", a.disp.Run)

	if a.http != nil {
		a.sup.Go("http", a.http.Start)
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub, a.built)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("gateway started",
		logx.Int("drivers", len(a.disp.Drivers())),
		logx.Bool("http", a.http != nil),
		logx.Bool("history", a.store != nil),
	)
	return nil
}

// goroutines lists the app's supervised loops and the daemon drivers.
func (a *App) goroutines() []supervisor.Stats {
	var out []supervisor.Stats
	if a.sup != nil {
		out = append(out, a.sup.Snapshot().Goroutines...)
	}
	return append(out, a.disp.Goroutines()...)
}

// validate rejects reloads naming driver kinds this binary does not have.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	var errs []error
	for _, name := range cfg.Manager.DriverNames() {
		s, _ := cfg.Manager.Driver(name)
		if !a.registry.Has(s.Kind) {
			errs = append(errs, fmt.Errorf("manager.drivers.%s: %w: %q", name, driver.ErrUnknownDriver, s.Kind))
		}
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Schedules and daemon drivers first so nothing new is queued.
	a.step(ctx, "dispatcher", 3*time.Second, a.disp.Stop)
	// The consumer finishes its in-flight command before returning.
	a.step(ctx, "supervisor", 5*time.Second, a.sup.Wait)
	// Drivers are closed only once nothing runs on them.
	a.step(ctx, "drivers", 2*time.Second, a.disp.Close)
	a.step(ctx, "mqtt", 2*time.Second, a.conn.Close)
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			fields := []logx.Field{logx.String("name", name), logx.Duration("took", time.Since(start))}
			if err != nil {
				fields = append(fields, logx.Err(err))
			}
			a.log.Info("stop step finished after deadline", fields...)
		}()
	}
}
