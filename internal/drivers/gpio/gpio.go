// Package gpio reports digital inputs exposed as sysfs-style value files.
// It is a daemon driver: it pushes a state message whenever an input changes
// instead of waiting to be polled.
package gpio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zewelor/bt-mqtt-gateway/internal/bus"
	"github.com/zewelor/bt-mqtt-gateway/internal/driver"
	logx "github.com/zewelor/bt-mqtt-gateway/pkg/logx"
)

const Kind = "gpio"

const (
	StateOn  = "ON"
	StateOff = "OFF"
)

// Args configures the instance.
//
//	args:
//	  pins: { door: /sys/class/gpio/gpio17/value }
//	  active_low: true
//	  poll_interval: 2s
type Args struct {
	Pins      map[string]string `json:"pins"`
	ActiveLow bool              `json:"active_low,omitempty"`
	// PollInterval rereads every pin periodically for files that do not
	// raise change events (real sysfs attributes). Empty disables polling.
	PollInterval string `json:"poll_interval,omitempty"`
	Retain       *bool  `json:"retain,omitempty"`
}

type GPIO struct {
	driver.Base
	pins      map[string]string // name -> path
	byPath    map[string]string // cleaned path -> name
	activeLow bool
	poll      time.Duration
	retain    bool
}

func Register(reg *driver.Registry) {
	reg.Register(Kind, New)
}

func New(deps driver.Deps, raw json.RawMessage) (driver.Driver, error) {
	args, err := driver.DecodeArgs[Args](raw)
	if err != nil {
		return nil, err
	}
	if len(args.Pins) == 0 {
		return nil, errors.New("gpio: no pins configured")
	}
	g := &GPIO{
		Base:      driver.NewBase(deps),
		pins:      make(map[string]string, len(args.Pins)),
		byPath:    make(map[string]string, len(args.Pins)),
		activeLow: args.ActiveLow,
		retain:    args.Retain == nil || *args.Retain,
	}
	if s := strings.TrimSpace(args.PollInterval); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("gpio: poll_interval %q: want a positive duration", s)
		}
		g.poll = d
	}
	for name, path := range args.Pins {
		if name == "" || strings.ContainsAny(name, "/+#") {
			return nil, fmt.Errorf("gpio: invalid pin name %q", name)
		}
		clean := filepath.Clean(path)
		if other, dup := g.byPath[clean]; dup {
			return nil, fmt.Errorf("gpio: pins %q and %q share %s", other, name, clean)
		}
		g.pins[name] = clean
		g.byPath[clean] = name
	}
	return g, nil
}

func (g *GPIO) names() []string {
	out := make([]string, 0, len(g.pins))
	for n := range g.pins {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// read returns the logical state of pin name.
func (g *GPIO) read(name string) (string, error) {
	b, err := os.ReadFile(g.pins[name])
	if err != nil {
		return "", err
	}
	high, err := parseLevel(b)
	if err != nil {
		return "", fmt.Errorf("%s: %w", g.pins[name], err)
	}
	if high != g.activeLow {
		return StateOn, nil
	}
	return StateOff, nil
}

func parseLevel(b []byte) (bool, error) {
	switch strings.TrimSpace(string(b)) {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, fmt.Errorf("%w: value %q", driver.ErrBadPayload, strings.TrimSpace(string(b)))
	}
}

func (g *GPIO) message(name, state string) bus.Message {
	m := bus.New(g.Topic(name, "state"), state)
	m.Retain = g.retain
	return m
}

// Run publishes every pin once, then each change until ctx is done.
func (g *GPIO) Run(ctx context.Context, pub bus.Publisher) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("gpio watcher: %w", err)
	}
	defer w.Close()
	for _, name := range g.names() {
		if err := w.Add(g.pins[name]); err != nil {
			g.Log().Warn("gpio pin not watchable", logx.String("pin", name), logx.Err(err))
		}
	}

	last := make(map[string]string, len(g.pins))
	refresh := func(names ...string) {
		var out []bus.Message
		for _, name := range names {
			state, err := g.read(name)
			if err != nil {
				g.Log().Warn("gpio read failed", logx.String("pin", name), logx.Err(err))
				continue
			}
			if last[name] == state {
				continue
			}
			last[name] = state
			out = append(out, g.message(name, state))
		}
		if len(out) == 0 {
			return
		}
		if err := pub.Publish(ctx, out...); err != nil && ctx.Err() == nil {
			g.Log().Warn("gpio publish failed", logx.Int("messages", len(out)), logx.Err(err))
		}
	}
	refresh(g.names()...)

	var tick <-chan time.Time
	if g.poll > 0 {
		t := time.NewTicker(g.poll)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("gpio watcher closed")
			}
			name, known := g.byPath[filepath.Clean(ev.Name)]
			if !known {
				continue
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				// The file is gone; the poll ticker (if any) picks it up again.
				_ = w.Remove(ev.Name)
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				refresh(name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("gpio watcher closed")
			}
			g.Log().Warn("gpio watch error", logx.Err(err))
		case <-tick:
			for _, name := range g.names() {
				if _, err := os.Stat(g.pins[name]); err == nil {
					_ = w.Add(g.pins[name])
				}
			}
			refresh(g.names()...)
		}
	}
}

type binarySensorConfig struct {
	UniqueID          string                 `json:"unique_id"`
	Name              string                 `json:"name"`
	StateTopic        string                 `json:"state_topic"`
	AvailabilityTopic string                 `json:"availability_topic,omitempty"`
	PayloadOn         string                 `json:"payload_on"`
	PayloadOff        string                 `json:"payload_off"`
	Device            driver.DiscoveryDevice `json:"device"`
}

func (g *GPIO) DiscoveryConfig(availabilityTopic string) ([]bus.Message, error) {
	node := g.Name()
	out := make([]bus.Message, 0, len(g.pins))
	for _, name := range g.names() {
		out = append(out, bus.DiscoveryMessage(bus.ComponentBinarySensor, g.DiscoveryTopic(node, name), binarySensorConfig{
			UniqueID:          g.DiscoveryID(node, name),
			Name:              g.DiscoveryName(name),
			StateTopic:        g.PrefixedTopic(name, "state"),
			AvailabilityTopic: availabilityTopic,
			PayloadOn:         StateOn,
			PayloadOff:        StateOff,
			Device:            g.Device(driver.DiscoveryNamespace+"-"+node, node),
		}))
	}
	return out, nil
}
