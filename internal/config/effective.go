package config

import (
	"sort"
	"strings"
	"time"

	"github.com/zewelor/bt-mqtt-gateway/internal/bus"
)

const (
	DefaultCommandTimeout    = 35 * time.Second
	DefaultUpdateInterval    = 60 // seconds
	DefaultDiscoveryPrefix   = "homeassistant"
	DefaultAvailabilityTopic = "lwt_topic"
	DefaultMQTTPort          = 1883
	DefaultKeepAlive         = 60
	DefaultClientID          = "bt-mqtt-gateway"
	DefaultHTTPAddr          = "127.0.0.1:8080"
)

// DriverSettings is a DriverConfig with every manager default resolved.
type DriverSettings struct {
	Name              string
	Kind              string
	TopicPrefix       string
	UpdateInterval    time.Duration // 0 = not polled
	CommandTimeout    time.Duration
	CommandRetries    int
	UpdateRetries     int
	TopicSubscription string
	Args              []byte
}

// Driver resolves the settings of instance name. ok is false when the
// instance is not configured.
func (m ManagerConfig) Driver(name string) (DriverSettings, bool) {
	dc, ok := m.Drivers[name]
	if !ok {
		return DriverSettings{}, false
	}
	s := DriverSettings{
		Name:              name,
		Kind:              strings.TrimSpace(dc.Driver),
		TopicPrefix:       strings.Trim(strings.TrimSpace(dc.TopicPrefix), "/"),
		CommandTimeout:    m.CommandTimeout.Duration,
		CommandRetries:    m.CommandRetries,
		UpdateRetries:     m.UpdateRetries,
		TopicSubscription: strings.Trim(strings.TrimSpace(dc.TopicSubscription), "/"),
		Args:              dc.Args,
	}
	if s.Kind == "" {
		s.Kind = name
	}
	if s.TopicPrefix == "" {
		s.TopicPrefix = name
	}
	if s.CommandTimeout <= 0 {
		s.CommandTimeout = DefaultCommandTimeout
	}
	if dc.CommandTimeout != nil && dc.CommandTimeout.Duration > 0 {
		s.CommandTimeout = dc.CommandTimeout.Duration
	}
	if dc.CommandRetries != nil {
		s.CommandRetries = *dc.CommandRetries
	}
	if dc.UpdateRetries != nil {
		s.UpdateRetries = *dc.UpdateRetries
	}
	interval := m.DefaultUpdateInterval()
	if dc.UpdateInterval != nil && *dc.UpdateInterval > 0 {
		interval = *dc.UpdateInterval
	}
	if interval > 0 {
		s.UpdateInterval = time.Duration(interval) * time.Second
	}
	return s, true
}

// DefaultUpdateInterval returns the global polling interval in seconds.
func (m ManagerConfig) DefaultUpdateInterval() int {
	if m.UpdateInterval == nil {
		return DefaultUpdateInterval
	}
	return *m.UpdateInterval
}

// DriverNames returns configured instance names, sorted.
func (m ManagerConfig) DriverNames() []string {
	out := make([]string, 0, len(m.Drivers))
	for k := range m.Drivers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (d DiscoveryConfig) EffectivePrefix() string {
	if p := strings.Trim(strings.TrimSpace(d.Prefix), "/"); p != "" {
		return p
	}
	return DefaultDiscoveryPrefix
}

func (d DiscoveryConfig) EffectiveRetain() bool {
	if d.Retain == nil {
		return true
	}
	return *d.Retain
}

// FullAvailabilityTopic returns the full wire topic of the availability state.
func (m MQTTConfig) FullAvailabilityTopic() string {
	t := strings.TrimSpace(m.AvailabilityTopic)
	if t == "" {
		t = DefaultAvailabilityTopic
	}
	return bus.Join(m.TopicPrefix, t)
}

func (m MQTTConfig) EffectivePort() int {
	if m.Port > 0 {
		return m.Port
	}
	return DefaultMQTTPort
}

func (m MQTTConfig) EffectiveKeepAlive() uint16 {
	if m.KeepAlive > 0 && m.KeepAlive <= 65535 {
		return uint16(m.KeepAlive)
	}
	return DefaultKeepAlive
}

func (m MQTTConfig) EffectiveClientID() string {
	if s := strings.TrimSpace(m.ClientID); s != "" {
		return s
	}
	return DefaultClientID
}

func (h HTTPConfig) EffectiveAddr() string {
	if s := strings.TrimSpace(h.Addr); s != "" {
		return s
	}
	return DefaultHTTPAddr
}
