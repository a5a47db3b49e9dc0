// Package switchdev is a virtual on/off switch driver. Device state lives in
// memory; it is the reference implementation of a polled driver that also
// takes commands and announces itself for discovery.
package switchdev

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zewelor/bt-mqtt-gateway/internal/bus"
	"github.com/zewelor/bt-mqtt-gateway/internal/driver"
	logx "github.com/zewelor/bt-mqtt-gateway/pkg/logx"
)

const Kind = "switch"

const (
	StateOn  = "ON"
	StateOff = "OFF"
	// Press flips the state for a moment and reports the previous one.
	Press = "PRESS"
)

// Args configures the instance.
//
//	args:
//	  devices: { lamp: "AA:BB:CC:DD:EE:FF" }
//	  initial: "OFF"
type Args struct {
	Devices map[string]string `json:"devices"`
	Initial string            `json:"initial,omitempty"`
	Retain  bool              `json:"retain,omitempty"`
}

type device struct {
	mac   string
	state string
}

type Switch struct {
	driver.Base
	retain bool

	mu      sync.Mutex
	devices map[string]*device
}

func Register(reg *driver.Registry) {
	reg.Register(Kind, New)
}

// New is the registry factory.
func New(deps driver.Deps, raw json.RawMessage) (driver.Driver, error) {
	args, err := driver.DecodeArgs[Args](raw)
	if err != nil {
		return nil, err
	}
	if len(args.Devices) == 0 {
		return nil, fmt.Errorf("switch: no devices configured")
	}
	initial := strings.ToUpper(strings.TrimSpace(args.Initial))
	switch initial {
	case "":
		initial = StateOff
	case StateOn, StateOff:
	default:
		return nil, fmt.Errorf("switch: initial state %q: want ON or OFF", args.Initial)
	}

	s := &Switch{
		Base:    driver.NewBase(deps),
		retain:  args.Retain,
		devices: make(map[string]*device, len(args.Devices)),
	}
	for name, mac := range args.Devices {
		if strings.ContainsAny(name, "/+#") {
			return nil, fmt.Errorf("switch: device name %q contains a topic separator or wildcard", name)
		}
		s.devices[name] = &device{mac: mac, state: initial}
		s.Log().Info("switch device added", logx.String("device", name), logx.String("mac", mac))
	}
	return s, nil
}

func (s *Switch) names() []string {
	out := make([]string, 0, len(s.devices))
	for n := range s.devices {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (s *Switch) stateMessage(name, state string) bus.Message {
	m := bus.New(s.Topic(name), state)
	m.Retain = s.retain
	return m
}

func (s *Switch) StatusUpdate(ctx context.Context) ([]bus.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bus.Message, 0, len(s.devices))
	for _, name := range s.names() {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		out = append(out, s.stateMessage(name, s.devices[name].state))
	}
	return out, nil
}

// OnCommand handles <topic_prefix>/<device>/set.
func (s *Switch) OnCommand(_ context.Context, topic string, payload []byte) ([]bus.Message, error) {
	rel := bus.TrimPrefix(s.TopicPrefix(), topic)
	name, attr, ok := strings.Cut(rel, "/")
	if !ok || attr != "set" {
		return nil, fmt.Errorf("%w: %q", driver.ErrUnknownDevice, topic)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", driver.ErrUnknownDevice, name)
	}

	value := strings.ToUpper(strings.TrimSpace(string(payload)))
	switch value {
	case StateOn, StateOff:
		dev.state = value
	case Press:
	default:
		return nil, fmt.Errorf("%w: %q for %s", driver.ErrBadPayload, payload, name)
	}
	s.Log().Debug("switch set",
		logx.String("device", name),
		logx.String("mac", dev.mac),
		logx.String("value", value),
	)
	return []bus.Message{s.stateMessage(name, dev.state)}, nil
}

type switchConfig struct {
	UniqueID          string                 `json:"unique_id"`
	Name              string                 `json:"name"`
	StateTopic        string                 `json:"state_topic"`
	CommandTopic      string                 `json:"command_topic"`
	AvailabilityTopic string                 `json:"availability_topic,omitempty"`
	PayloadOn         string                 `json:"payload_on"`
	PayloadOff        string                 `json:"payload_off"`
	Device            driver.DiscoveryDevice `json:"device"`
}

func (s *Switch) DiscoveryConfig(availabilityTopic string) ([]bus.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bus.Message, 0, len(s.devices))
	for _, name := range s.names() {
		mac := s.devices[name].mac
		out = append(out, bus.DiscoveryMessage(bus.ComponentSwitch, s.DiscoveryTopic(mac, name), switchConfig{
			UniqueID:          s.DiscoveryID(mac, name),
			Name:              s.DiscoveryName(name),
			StateTopic:        s.PrefixedTopic(name),
			CommandTopic:      s.PrefixedTopic(name, "set"),
			AvailabilityTopic: availabilityTopic,
			PayloadOn:         StateOn,
			PayloadOff:        StateOff,
			Device:            s.Device(mac, name),
		}))
	}
	return out, nil
}
