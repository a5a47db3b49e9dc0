package logx

import (
	"context"
	"log/slog"

	"github.com/rs/zerolog"
)

// Slog returns a *slog.Logger that writes through l. Libraries that only
// accept slog (the embedded broker) log into the same sinks this way.
func Slog(l Logger) *slog.Logger {
	return slog.New(&slogHandler{log: l})
}

type slogHandler struct {
	log   Logger
	group string
}

func slogLevel(l slog.Level) zerolog.Level {
	switch {
	case l >= slog.LevelError:
		return zerolog.ErrorLevel
	case l >= slog.LevelWarn:
		return zerolog.WarnLevel
	case l >= slog.LevelInfo:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}

func (h *slogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.log.Enabled(slogLevel(level))
}

func (h *slogHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make([]Field, 0, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, h.field(a))
		return true
	})
	h.log.log(slogLevel(r.Level), r.Message, fields...)
	return nil
}

func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	fields := make([]Field, 0, len(attrs))
	for _, a := range attrs {
		fields = append(fields, h.field(a))
	}
	return &slogHandler{log: h.log.With(fields...), group: h.group}
}

func (h *slogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	g := name
	if h.group != "" {
		g = h.group + "." + name
	}
	return &slogHandler{log: h.log, group: g}
}

func (h *slogHandler) field(a slog.Attr) Field {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return String(key, v.String())
	case slog.KindInt64:
		return Int64(key, v.Int64())
	case slog.KindBool:
		return Bool(key, v.Bool())
	case slog.KindDuration:
		return Duration(key, v.Duration())
	case slog.KindFloat64:
		return Float64(key, v.Float64())
	default:
		if err, ok := v.Any().(error); ok {
			return String(key, err.Error())
		}
		return Any(key, v.Any())
	}
}
