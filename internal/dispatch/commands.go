package dispatch

import (
	"context"
	"iter"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/zewelor/bt-mqtt-gateway/internal/bus"
	"github.com/zewelor/bt-mqtt-gateway/internal/command"
	"github.com/zewelor/bt-mqtt-gateway/internal/driver"
	"github.com/zewelor/bt-mqtt-gateway/internal/retry"
	logx "github.com/zewelor/bt-mqtt-gateway/pkg/logx"
)

// retryPolicy builds the policy for one driver operation.
func (d *Dispatcher) retryPolicy(e *entry, retries int) retry.Policy {
	classify := driver.IsTransient
	if rc, ok := e.drv.(driver.RetryClassifier); ok {
		classify = rc.Retryable
	}
	return retry.Policy{
		MaxRetries: retries,
		Retryable:  classify,
		MinBackoff: d.retryMin,
		MaxBackoff: d.retryMax,
		Log:        d.log.With(logx.Driver(e.name())),
	}
}

// counted wraps fn so every call is counted in n.
func counted[T any](n *atomic.Int32, fn func(ctx context.Context) (T, error)) func(ctx context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		n.Add(1)
		return fn(ctx)
	}
}

// updateCommand builds a status_update command for e. Plain updaters are
// retried as a whole inside the command budget. Incremental updaters retry
// per device themselves, since a retry here would resend delivered batches.
func (d *Dispatcher) updateCommand(e *entry) (*command.Command, error) {
	attempts := new(atomic.Int32)
	var p command.Producer
	switch u := e.drv.(type) {
	case driver.Updater:
		p = command.Plain(retry.Wrap(d.retryPolicy(e, e.settings.UpdateRetries), counted(attempts, u.StatusUpdate)))
	case driver.IncrementalUpdater:
		p = command.Incremental(func(ctx context.Context) iter.Seq2[[]bus.Message, error] {
			attempts.Add(1)
			return u.StatusUpdates(ctx)
		})
	default:
		return nil, ErrNotPolled
	}
	cmd, err := command.New(e.name(), command.OpStatusUpdate, e.settings.CommandTimeout, p)
	if err != nil {
		return nil, err
	}
	d.attempts.Store(cmd.ID, attempts)
	return cmd, nil
}

func (d *Dispatcher) enqueueUpdate(e *entry) error {
	cmd, err := d.updateCommand(e)
	if err != nil {
		return err
	}
	d.queue.Put(cmd)
	return nil
}

// commandHandler turns inbound messages into on_command commands.
func (d *Dispatcher) commandHandler(e *entry) bus.Handler {
	c := e.drv.(driver.Commander)
	var intervalTopics []string
	if e.mode == driver.ModePolled {
		base := bus.Join(e.settings.TopicPrefix, "update_interval")
		intervalTopics = []string{base, base + "/set"}
	}
	return func(topic string, payload []byte) {
		rel := bus.TrimPrefix(d.client.Prefix(), topic)
		// A broad subscription like <prefix>/+/set also matches the interval
		// route; that message is not a device command.
		if slices.Contains(intervalTopics, rel) {
			return
		}
		body := append([]byte(nil), payload...)
		attempts := new(atomic.Int32)
		op := retry.Wrap(d.retryPolicy(e, e.settings.CommandRetries), counted(attempts, func(ctx context.Context) ([]bus.Message, error) {
			return c.OnCommand(ctx, rel, body)
		}))
		cmd, err := command.New(e.name(), command.OpCommand, e.settings.CommandTimeout, command.Plain(op))
		if err != nil {
			d.log.Error("cannot build command", logx.Driver(e.name()), logx.Err(err))
			return
		}
		cmd.Topic = rel
		d.attempts.Store(cmd.ID, attempts)
		d.queue.Put(cmd)
		d.log.Debug("command queued",
			logx.Driver(e.name()),
			logx.Topic(rel),
			logx.Int("queue_len", d.queue.Len()),
		)
	}
}

// intervalHandler reschedules e from an inbound integer payload.
func (d *Dispatcher) intervalHandler(e *entry) bus.Handler {
	return func(topic string, payload []byte) {
		raw := strings.TrimSpace(string(payload))
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			d.log.Warn("invalid update interval payload; interval unchanged",
				logx.Driver(e.name()),
				logx.Topic(topic),
				logx.String("payload", raw),
			)
			return
		}
		if err := d.SetInterval(e.name(), time.Duration(secs)*time.Second); err != nil {
			d.log.Warn("update interval change failed", logx.Driver(e.name()), logx.Err(err))
		}
	}
}

func (d *Dispatcher) updateAllHandler(ua *UpdateAll) bus.Handler {
	return func(topic string, payload []byte) {
		if ua.Payload != "" && strings.TrimSpace(string(payload)) != ua.Payload {
			return
		}
		n := d.RefreshAll()
		d.log.Info("update of all drivers requested", logx.Topic(topic), logx.Int("queued", n))
	}
}
