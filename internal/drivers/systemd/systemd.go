// Package systemd exposes systemd units as switches: the unit state is
// reported on every update and ON/OFF/RESTART commands start, stop or
// restart the unit over D-Bus.
package systemd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zewelor/bt-mqtt-gateway/internal/bus"
	"github.com/zewelor/bt-mqtt-gateway/internal/driver"
	logx "github.com/zewelor/bt-mqtt-gateway/pkg/logx"
)

const Kind = "systemd"

const (
	StateOn  = "ON"
	StateOff = "OFF"
	Restart  = "RESTART"
)

// Args configures the instance.
//
//	args:
//	  units: [mosquitto, zigbee2mqtt.service]
type Args struct {
	Units  []string `json:"units"`
	Retain bool     `json:"retain,omitempty"`
	// ReadOnly drops the command capability; units are only reported.
	ReadOnly bool `json:"read_only,omitempty"`
}

// UnitState is what systemd reports for a unit.
type UnitState struct {
	Active string `json:"active_state"`
	Sub    string `json:"sub_state"`
	Load   string `json:"load_state"`
}

func (s UnitState) Switch() string {
	if s.Active == "active" || s.Active == "reloading" {
		return StateOn
	}
	return StateOff
}

// manager is the slice of systemd the driver needs.
type manager interface {
	State(ctx context.Context, unit string) (UnitState, error)
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	Restart(ctx context.Context, unit string) error
	Close()
}

type Systemd struct {
	driver.Base
	units  map[string]string // device name -> unit name
	retain bool

	mu   sync.Mutex
	mgr  manager
	dial func(ctx context.Context) (manager, error)
}

// ReadOnlySystemd is a Systemd without the Commander capability.
type ReadOnlySystemd struct{ inner *Systemd }

func Register(reg *driver.Registry) {
	reg.Register(Kind, New)
}

func New(deps driver.Deps, raw json.RawMessage) (driver.Driver, error) {
	args, err := driver.DecodeArgs[Args](raw)
	if err != nil {
		return nil, err
	}
	if len(args.Units) == 0 {
		return nil, errors.New("systemd: no units configured")
	}
	s := &Systemd{
		Base:   driver.NewBase(deps),
		units:  make(map[string]string, len(args.Units)),
		retain: args.Retain,
		dial:   dialSystemBus,
	}
	for _, u := range args.Units {
		u = strings.TrimSpace(u)
		if u == "" || strings.ContainsAny(u, "/+#") {
			return nil, fmt.Errorf("systemd: invalid unit %q", u)
		}
		name, unit := unitNames(u)
		if _, dup := s.units[name]; dup {
			return nil, fmt.Errorf("systemd: unit %q listed twice", u)
		}
		s.units[name] = unit
	}
	if args.ReadOnly {
		return &ReadOnlySystemd{inner: s}, nil
	}
	return s, nil
}

// unitNames returns the topic name and the full unit name for u.
// Units without a type suffix are services.
func unitNames(u string) (name, unit string) {
	if strings.HasSuffix(u, ".service") {
		return strings.TrimSuffix(u, ".service"), u
	}
	if strings.Contains(u, ".") {
		return u, u
	}
	return u, u + ".service"
}

func (s *Systemd) names() []string {
	out := make([]string, 0, len(s.units))
	for n := range s.units {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// conn returns the D-Bus connection, dialing it on first use.
func (s *Systemd) conn(ctx context.Context) (manager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mgr != nil {
		return s.mgr, nil
	}
	m, err := s.dial(ctx)
	if err != nil {
		return nil, driver.Transient(fmt.Errorf("connect to systemd: %w", err))
	}
	s.mgr = m
	return m, nil
}

// reset drops a connection that failed so the next call redials.
func (s *Systemd) reset(m manager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mgr == m {
		s.mgr.Close()
		s.mgr = nil
	}
}

func (s *Systemd) messages(name string, st UnitState) []bus.Message {
	sw := bus.New(s.Topic(name), st.Switch())
	sw.Retain = s.retain
	detail := bus.New(s.Topic(name, "state"), st)
	detail.Retain = s.retain
	return []bus.Message{sw, detail}
}

func (s *Systemd) read(ctx context.Context, name string) ([]bus.Message, error) {
	m, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	st, err := m.State(ctx, s.units[name])
	if err != nil {
		s.reset(m)
		return nil, driver.Transient(err)
	}
	return s.messages(name, st), nil
}

func (s *Systemd) StatusUpdate(ctx context.Context) ([]bus.Message, error) {
	var out []bus.Message
	for _, name := range s.names() {
		msgs, err := s.read(ctx, name)
		if err != nil {
			return out, fmt.Errorf("unit %s: %w", s.units[name], err)
		}
		out = append(out, msgs...)
	}
	return out, nil
}

// OnCommand handles <topic_prefix>/<unit>/set with ON, OFF or RESTART.
func (s *Systemd) OnCommand(ctx context.Context, topic string, payload []byte) ([]bus.Message, error) {
	rel := bus.TrimPrefix(s.TopicPrefix(), topic)
	name, attr, ok := strings.Cut(rel, "/")
	if !ok || attr != "set" {
		return nil, fmt.Errorf("%w: %q", driver.ErrUnknownDevice, topic)
	}
	unit, ok := s.units[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", driver.ErrUnknownDevice, name)
	}

	m, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	value := strings.ToUpper(strings.TrimSpace(string(payload)))
	switch value {
	case StateOn:
		err = m.Start(ctx, unit)
	case StateOff:
		err = m.Stop(ctx, unit)
	case Restart:
		err = m.Restart(ctx, unit)
	default:
		return nil, fmt.Errorf("%w: %q for %s", driver.ErrBadPayload, payload, unit)
	}
	if err != nil {
		return nil, err
	}
	s.Log().Info("systemd unit changed", logx.String("unit", unit), logx.String("action", value))
	return s.read(ctx, name)
}

type switchConfig struct {
	UniqueID          string                 `json:"unique_id"`
	Name              string                 `json:"name"`
	StateTopic        string                 `json:"state_topic"`
	CommandTopic      string                 `json:"command_topic,omitempty"`
	AvailabilityTopic string                 `json:"availability_topic,omitempty"`
	PayloadOn         string                 `json:"payload_on"`
	PayloadOff        string                 `json:"payload_off"`
	Icon              string                 `json:"icon,omitempty"`
	Device            driver.DiscoveryDevice `json:"device"`
}

func (s *Systemd) discovery(availabilityTopic, component string, commands bool) []bus.Message {
	node := s.Name()
	dev := s.Device(driver.DiscoveryNamespace+"-"+node, node)
	dev.Manufacturer = "systemd"
	out := make([]bus.Message, 0, len(s.units))
	for _, name := range s.names() {
		c := switchConfig{
			UniqueID:          s.DiscoveryID(node, name),
			Name:              s.DiscoveryName(name),
			StateTopic:        s.PrefixedTopic(name),
			AvailabilityTopic: availabilityTopic,
			PayloadOn:         StateOn,
			PayloadOff:        StateOff,
			Icon:              "mdi:cog",
			Device:            dev,
		}
		if commands {
			c.CommandTopic = s.PrefixedTopic(name, "set")
		}
		out = append(out, bus.DiscoveryMessage(component, s.DiscoveryTopic(node, name), c))
	}
	return out
}

func (s *Systemd) DiscoveryConfig(availabilityTopic string) ([]bus.Message, error) {
	return s.discovery(availabilityTopic, bus.ComponentSwitch, true), nil
}

func (s *Systemd) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mgr != nil {
		s.mgr.Close()
		s.mgr = nil
	}
	return nil
}

func (r *ReadOnlySystemd) Name() string { return r.inner.Name() }

func (r *ReadOnlySystemd) StatusUpdate(ctx context.Context) ([]bus.Message, error) {
	return r.inner.StatusUpdate(ctx)
}

func (r *ReadOnlySystemd) DiscoveryConfig(availabilityTopic string) ([]bus.Message, error) {
	return r.inner.discovery(availabilityTopic, bus.ComponentBinarySensor, false), nil
}

func (r *ReadOnlySystemd) Close() error { return r.inner.Close() }
