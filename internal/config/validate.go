package config

import (
	"errors"
	"fmt"
	"strings"

	logx "github.com/zewelor/bt-mqtt-gateway/pkg/logx"
)

// Validate checks structural rules that do not need the driver registry.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	m := cfg.MQTT
	if strings.TrimSpace(m.Host) == "" && !m.EmbeddedBroker.Enabled {
		add("mqtt.host is required unless mqtt.embedded_broker.enabled")
	}
	if m.Port < 0 || m.Port > 65535 {
		add("mqtt.port out of range: %d", m.Port)
	}
	if m.QoS < 0 || m.QoS > 2 {
		add("mqtt.qos must be 0, 1 or 2")
	}
	if m.EmbeddedBroker.Announce != "" && m.EmbeddedBroker.Address == "" {
		add("mqtt.embedded_broker.announce needs an address to advertise")
	}
	if m.PublishRate < 0 {
		add("mqtt.publish_rate must be >= 0")
	}
	if hasWildcard(m.TopicPrefix) {
		add("mqtt.topic_prefix must not contain wildcards")
	}
	if hasWildcard(m.AvailabilityTopic) {
		add("mqtt.availability_topic must not contain wildcards")
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add("logging.level: unknown level %q", cfg.Logging.Level)
	}

	mg := cfg.Manager
	if mg.CommandTimeout.Duration < 0 {
		add("manager.command_timeout must be >= 0")
	}
	if mg.CommandRetries < 0 {
		add("manager.command_retries must be >= 0")
	}
	if mg.UpdateRetries < 0 {
		add("manager.update_retries must be >= 0")
	}
	if mg.UpdateInterval != nil && *mg.UpdateInterval < 0 {
		add("manager.update_interval must be >= 0")
	}
	if hasWildcard(mg.Discovery.Prefix) {
		add("manager.discovery.prefix must not contain wildcards")
	}
	if ua := mg.UpdateAll; ua != nil && strings.TrimSpace(ua.Topic) == "" {
		add("manager.update_all.topic is required")
	}

	for _, name := range mg.DriverNames() {
		dc := mg.Drivers[name]
		p := "manager.drivers." + name
		if strings.TrimSpace(name) == "" || strings.ContainsAny(name, "/+#") {
			add("%s: invalid instance name", p)
		}
		if hasWildcard(dc.TopicPrefix) {
			add("%s.topic_prefix must not contain wildcards", p)
		}
		if dc.UpdateInterval != nil && *dc.UpdateInterval < 0 {
			add("%s.update_interval must be >= 0", p)
		}
		if dc.CommandTimeout != nil && dc.CommandTimeout.Duration < 0 {
			add("%s.command_timeout must be >= 0", p)
		}
		if dc.CommandRetries != nil && *dc.CommandRetries < 0 {
			add("%s.command_retries must be >= 0", p)
		}
		if dc.UpdateRetries != nil && *dc.UpdateRetries < 0 {
			add("%s.update_retries must be >= 0", p)
		}
		if err := validFilter(dc.TopicSubscription); err != nil {
			add("%s.topic_subscription: %v", p, err)
		}
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none", "memory", "sqlite", "sqlite3":
		default:
			add("storage.driver: unknown driver %q", cfg.Storage.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func hasWildcard(s string) bool { return strings.ContainsAny(s, "+#") }

// validFilter checks MQTT filter syntax: "+" and "#" must fill a whole
// level, and "#" may only be last.
func validFilter(f string) error {
	if f == "" {
		return nil
	}
	levels := strings.Split(f, "/")
	for i, l := range levels {
		if strings.Contains(l, "#") && (l != "#" || i != len(levels)-1) {
			return fmt.Errorf("misplaced '#' in %q", f)
		}
		if strings.Contains(l, "+") && l != "+" {
			return fmt.Errorf("misplaced '+' in %q", f)
		}
	}
	return nil
}
