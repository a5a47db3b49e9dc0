// Package httpapi serves a small status and control API next to the bus:
// health, scheduled jobs, registered drivers, manual refresh, interval
// changes and the execution history.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zewelor/bt-mqtt-gateway/internal/dispatch"
	"github.com/zewelor/bt-mqtt-gateway/internal/runtime/supervisor"
	"github.com/zewelor/bt-mqtt-gateway/internal/scheduler"
	"github.com/zewelor/bt-mqtt-gateway/internal/storage"
	logx "github.com/zewelor/bt-mqtt-gateway/pkg/logx"
)

// Gateway is the part of the dispatcher the API drives.
type Gateway interface {
	QueueLen() int
	Drivers() []dispatch.DriverInfo
	Refresh(name string) error
	SetInterval(name string, every time.Duration) error
	StopPolling(name string) bool
}

// JobLister lists scheduled jobs.
type JobLister interface {
	Jobs() []scheduler.JobInfo
}

// History reads the execution history.
type History interface {
	Recent(ctx context.Context, q storage.Query) ([]storage.Execution, error)
}

type Config struct {
	Addr  string
	Token string
	Pprof bool
}

type Options struct {
	Gateway Gateway
	Jobs    JobLister
	// History is optional; /v1/history answers 404 without it.
	History History
	// Connected reports the bus connection state for /healthz. Optional.
	Connected func() bool
	// Goroutines reports supervised loops for /healthz. Optional.
	Goroutines func() []supervisor.Stats
	Log        logx.Logger
}

type Server struct {
	cfg        Config
	gw         Gateway
	jobs       JobLister
	history    History
	connected  func() bool
	goroutines func() []supervisor.Stats
	log        logx.Logger
	startedAt  time.Time
}

func New(cfg Config, o Options) *Server {
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	return &Server{
		cfg:        cfg,
		gw:         o.Gateway,
		jobs:       o.Jobs,
		history:    o.History,
		connected:  o.Connected,
		goroutines: o.Goroutines,
		log:        o.Log,
		startedAt:  time.Now(),
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	if s.pprofAllowed() {
		r.With(s.withAuth).Mount("/debug", middleware.Profiler())
	}
	r.Route("/v1", func(r chi.Router) {
		r.Use(s.withAuth)
		r.Get("/jobs", s.handleJobs)
		r.Get("/drivers", s.handleDrivers)
		r.Post("/drivers/{name}/refresh", s.handleRefresh)
		r.Put("/drivers/{name}/interval", s.handleSetInterval)
		r.Delete("/drivers/{name}/interval", s.handleStopPolling)
		r.Get("/history", s.handleHistory)
	})
	return r
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		s.log.Info("http api stopped")
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("http serve: %w", err)
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
