package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/zewelor/bt-mqtt-gateway/internal/bus"
	"github.com/zewelor/bt-mqtt-gateway/internal/command"
	"github.com/zewelor/bt-mqtt-gateway/internal/storage"
	logx "github.com/zewelor/bt-mqtt-gateway/pkg/logx"
)

// Run is the single consumer. It returns nil once ctx is done and the
// in-flight command has finished, or the first unclassified failure.
//
// Commands execute on a context detached from ctx so shutdown never cuts
// one short; each is bounded by its own budget.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("consumer started")
	defer d.log.Info("consumer stopped")
	for ctx.Err() == nil {
		cmd, ok := d.queue.Get(d.pollTimeout)
		if !ok {
			continue
		}
		if err := d.execute(cmd); err != nil {
			return err
		}
	}
	return nil
}

// execute runs one command and publishes its output. Only unclassified
// failures are returned.
func (d *Dispatcher) execute(cmd *command.Command) error {
	log := d.log.With(
		logx.Driver(cmd.Driver),
		logx.String("op", cmd.Op),
		logx.String("cmd", cmd.ID),
	)
	start := time.Now()
	msgs, err := cmd.Execute(context.Background())
	took := time.Since(start)

	if len(msgs) > 0 {
		d.publish(log, msgs)
	}
	// Routine status polling failures may be suppressed; failed commands
	// are always reported.
	suppressible := cmd.Op == command.OpStatusUpdate

	outcome := storage.OutcomeOK
	var fatal error
	var te *command.TimeoutError
	var ee *command.ExecutionError
	switch {
	case err == nil:
		log.Debug("command done", logx.Duration("took", took), logx.Int("messages", len(msgs)))
	case errors.As(err, &te):
		outcome = storage.OutcomeTimeout
		d.report.Failure("command timed out", err, suppressible,
			logx.Driver(cmd.Driver),
			logx.Bool("partial", te.Partial()),
			logx.Int("messages", len(msgs)),
		)
	case errors.As(err, &ee):
		outcome = storage.OutcomeError
		d.report.Failure("command failed", err, suppressible,
			logx.Driver(cmd.Driver),
			logx.Topic(cmd.Topic),
		)
	default:
		outcome = storage.OutcomeError
		var pe *command.PanicError
		if errors.As(err, &pe) {
			outcome = storage.OutcomePanic
			log.Error("driver panicked", logx.Any("panic", pe.Value), logx.Stack(pe.Stack))
		}
		log.Error("unrecoverable command failure", logx.Err(err))
		fatal = err
	}

	d.record(cmd, start, took, len(msgs), outcome, err)
	return fatal
}

func (d *Dispatcher) publish(log logx.Logger, msgs []bus.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), d.publishTimeout)
	defer cancel()
	if err := d.client.Publish(ctx, msgs...); err != nil {
		d.report.Failure("publish failed", err, false, logx.Int("messages", len(msgs)))
		return
	}
	log.Trace("published", logx.Int("messages", len(msgs)))
}

func (d *Dispatcher) record(cmd *command.Command, start time.Time, took time.Duration, n int, outcome storage.Outcome, err error) {
	attempts := 1
	if v, ok := d.attempts.LoadAndDelete(cmd.ID); ok {
		attempts = max(1, int(v.(*atomic.Int32).Load()))
	}
	if d.history == nil {
		return
	}
	e := storage.Execution{
		ID:       cmd.ID,
		Driver:   cmd.Driver,
		Op:       cmd.Op,
		Topic:    cmd.Topic,
		Started:  start,
		Took:     took,
		Attempts: attempts,
		Messages: n,
		Outcome:  outcome,
	}
	if err != nil {
		e.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if herr := d.history.Append(ctx, e); herr != nil {
		d.log.Debug("history append failed", logx.Err(herr))
	}
}
