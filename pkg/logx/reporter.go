package logx

import (
	"sync/atomic"
)

// Reporter logs device and command failures.
//
// Failures marked suppressible (flaky radio links, devices out of range) are
// demoted to debug while suppression is on. Everything else is a warning.
// Suppression is explicit state handed in at construction and can be flipped
// on config reload.
type Reporter struct {
	log      Logger
	suppress atomic.Bool
}

func NewReporter(log Logger, suppress bool) *Reporter {
	r := &Reporter{log: log}
	r.suppress.Store(suppress)
	return r
}

func (r *Reporter) SetSuppress(v bool) { r.suppress.Store(v) }

func (r *Reporter) Suppressed() bool { return r.suppress.Load() }

// Failure reports err. With debug enabled the record carries the error chain;
// otherwise it is a single warning line.
func (r *Reporter) Failure(msg string, err error, suppressible bool, fields ...Field) {
	if r == nil {
		return
	}
	fields = append(fields, Err(err))
	if suppressible && r.suppress.Load() {
		r.log.Debug(msg, append(fields, Bool("suppressed", true))...)
		return
	}
	if r.log.Enabled(LevelDebug) {
		r.log.Warn(msg, append(fields, Any("err_chain", errorChain(err)))...)
		return
	}
	r.log.Warn(msg, fields...)
}

// Logger returns the underlying logger.
func (r *Reporter) Logger() Logger { return r.log }

func errorChain(err error) []string {
	var out []string
	for err != nil {
		out = append(out, err.Error())
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return out
}
