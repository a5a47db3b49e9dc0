package app

import (
	"context"
	"errors"
	"strings"

	"github.com/zewelor/bt-mqtt-gateway/internal/config"
	"github.com/zewelor/bt-mqtt-gateway/internal/dispatch"
	logx "github.com/zewelor/bt-mqtt-gateway/pkg/logx"
)

// reloadLoop applies configs published on sub. lastApplied is what the
// running components reflect; a reload committed before the loop got to
// run is caught up first.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config, lastApplied *config.Config) {
	if cur := a.cfgm.Get(); cur != nil && cur != lastApplied {
		a.apply(lastApplied, cur)
		lastApplied = cur
	}
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == lastApplied {
				continue
			}
			a.apply(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// apply pushes the live-reloadable parts of newCfg: logging, failure
// suppression and polling intervals. Everything else is reported as
// needing a restart.
func (a *App) apply(oldCfg, newCfg *config.Config) {
	change := config.SummarizeConfigChange(oldCfg, newCfg)
	if change.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Fields...)
	a.log.Debug("config change summary", fields...)

	a.logs.Apply(a.loggingConfig(newCfg))
	a.report.SetSuppress(newCfg.Logging.SuppressUpdateFailures)

	for _, name := range change.Intervals {
		s, ok := newCfg.Manager.Driver(name)
		if !ok {
			continue
		}
		if s.UpdateInterval <= 0 {
			if a.disp.StopPolling(name) {
				a.log.Info("polling disabled via config", logx.Driver(name))
			}
			continue
		}
		err := a.disp.SetInterval(name, s.UpdateInterval)
		switch {
		case errors.Is(err, dispatch.ErrNotPolled):
			a.log.Debug("interval ignored for daemon driver", logx.Driver(name))
		case err != nil:
			a.log.Warn("interval update failed; keeping previous", logx.Driver(name), logx.Err(err))
		default:
			a.log.Info("update interval changed via config",
				logx.Driver(name),
				logx.Duration("interval", s.UpdateInterval),
			)
		}
	}

	if len(change.Restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(change.Restart, ",")),
			logx.Strings("added", change.Added),
			logx.Strings("removed", change.Removed),
		)
	}
	a.log.Info("config reloaded", fields...)
}
