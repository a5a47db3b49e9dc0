package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/zewelor/bt-mqtt-gateway/internal/app"
	logx "github.com/zewelor/bt-mqtt-gateway/pkg/logx"
)

func main() {
	var (
		cfgPath string
		debug   bool
		quiet   bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml/json")
	flag.BoolVar(&debug, "debug", false, "log at debug level")
	flag.BoolVar(&quiet, "quiet", false, "log warnings and errors only")
	flag.Parse()

	level, err := levelFlag(debug, quiet)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	// ctx aborts a Start still waiting for the broker; sigCh tells SIGINT
	// from SIGTERM for the stop reason.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	gw, err := app.New(cfgPath, app.WithLogLevel(level))
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	log := gw.Logger()

	if err := gw.Start(ctx); err != nil {
		log.Error("start failed", logx.Err(err))
		stop(gw, stopReason(sigCh, app.StopFatalError))
		os.Exit(1)
	}
	notify(log, daemon.SdNotifyReady)
	go watchdog(ctx, log)

	var reason app.StopReason
	select {
	case sig := <-sigCh:
		reason = signalReason(sig)
	case <-gw.Done():
		reason = stopReason(sigCh, app.StopFatalError)
	}
	notify(log, daemon.SdNotifyStopping)
	cancel()

	fatal := gw.Err()
	stop(gw, reason)
	if fatal != nil && !errors.Is(fatal, context.Canceled) {
		fmt.Fprintln(os.Stderr, "fatal:", fatal)
		os.Exit(1)
	}
}

func levelFlag(debug, quiet bool) (string, error) {
	switch {
	case debug && quiet:
		return "", errors.New("-debug and -quiet are mutually exclusive")
	case debug:
		return "debug", nil
	case quiet:
		return "warn", nil
	default:
		return "", nil
	}
}

func signalReason(sig os.Signal) app.StopReason {
	if sig == os.Interrupt {
		return app.StopSIGINT
	}
	return app.StopSIGTERM
}

// stopReason prefers a pending signal over def.
func stopReason(sigCh <-chan os.Signal, def app.StopReason) app.StopReason {
	select {
	case sig := <-sigCh:
		return signalReason(sig)
	default:
		return def
	}
}

func stop(gw *app.App, reason app.StopReason) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = gw.Stop(ctx, reason)
}

func notify(log logx.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
}

// watchdog pings systemd at half the configured WatchdogSec.
func watchdog(ctx context.Context, log logx.Logger) {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			notify(log, daemon.SdNotifyWatchdog)
		}
	}
}
