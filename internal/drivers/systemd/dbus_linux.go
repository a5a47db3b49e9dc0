//go:build linux

package systemd

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"
)

type busManager struct {
	conn *dbus.Conn
}

func dialSystemBus(ctx context.Context) (manager, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, err
	}
	return &busManager{conn: conn}, nil
}

func stringProp(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

func (m *busManager) State(ctx context.Context, unit string) (UnitState, error) {
	props, err := m.conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchUnit") {
			return UnitState{Active: "unknown", Sub: "not-found", Load: "not-found"}, nil
		}
		return UnitState{}, fmt.Errorf("get %s properties: %w", unit, err)
	}
	return UnitState{
		Active: stringProp(props, "ActiveState"),
		Sub:    stringProp(props, "SubState"),
		Load:   stringProp(props, "LoadState"),
	}, nil
}

type jobFunc func(ctx context.Context, name, mode string, ch chan<- string) (int, error)

// run queues a job and waits for systemd to report its result.
func (m *busManager) run(ctx context.Context, action string, fn jobFunc, unit string) error {
	ch := make(chan string, 1)
	if _, err := fn(ctx, unit, "replace", ch); err != nil {
		return fmt.Errorf("%s %s: %w", action, unit, err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res != "done" {
			return fmt.Errorf("%s %s: job %s", action, unit, res)
		}
		return nil
	}
}

func (m *busManager) Start(ctx context.Context, unit string) error {
	return m.run(ctx, "start", m.conn.StartUnitContext, unit)
}

func (m *busManager) Stop(ctx context.Context, unit string) error {
	return m.run(ctx, "stop", m.conn.StopUnitContext, unit)
}

func (m *busManager) Restart(ctx context.Context, unit string) error {
	return m.run(ctx, "restart", m.conn.RestartUnitContext, unit)
}

func (m *busManager) Close() { m.conn.Close() }
