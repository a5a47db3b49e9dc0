package config

import (
	"bytes"
	"reflect"
	"strings"

	logx "github.com/zewelor/bt-mqtt-gateway/pkg/logx"
)

// Change summarizes the difference between two configs.
type Change struct {
	// Sections lists changed top level sections ("mqtt", "logging", ...).
	Sections []string
	// Fields are safe log attrs (never passwords).
	Fields []logx.Field
	// Intervals lists driver instances whose effective polling interval
	// changed. Added or removed instances are reported separately.
	Intervals []string
	Added     []string
	Removed   []string
	// Restart lists sections that only take effect after a restart.
	Restart []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// SummarizeConfigChange compares oldCfg and newCfg.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var c Change

	if !reflect.DeepEqual(oldCfg.MQTT, newCfg.MQTT) {
		c.Sections = append(c.Sections, "mqtt")
		c.Restart = append(c.Restart, "mqtt")
		c.Fields = append(c.Fields,
			logx.String("mqtt.host", newCfg.MQTT.Host),
			logx.Int("mqtt.port", newCfg.MQTT.EffectivePort()),
			logx.String("mqtt.topic_prefix", newCfg.MQTT.TopicPrefix),
			logx.Bool("mqtt.password_set", newCfg.MQTT.Password != ""),
			logx.Bool("mqtt.embedded_broker", newCfg.MQTT.EmbeddedBroker.Enabled),
			logx.String("mqtt.embedded_broker.announce", newCfg.MQTT.EmbeddedBroker.Announce),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		c.Sections = append(c.Sections, "logging")
		c.Fields = append(c.Fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.suppress_update_failures", newCfg.Logging.SuppressUpdateFailures),
		)
	}

	om, nm := oldCfg.Manager, newCfg.Manager
	for _, name := range nm.DriverNames() {
		if _, ok := om.Drivers[name]; !ok {
			c.Added = append(c.Added, name)
		}
	}
	for _, name := range om.DriverNames() {
		ns, ok := nm.Driver(name)
		if !ok {
			c.Removed = append(c.Removed, name)
			continue
		}
		prev, _ := om.Driver(name)
		if prev.UpdateInterval != ns.UpdateInterval {
			c.Intervals = append(c.Intervals, name)
		}
	}
	if managerChanged(om, nm) {
		c.Sections = append(c.Sections, "manager")
		c.Fields = append(c.Fields,
			logx.Int("manager.drivers", len(nm.Drivers)),
			logx.Int("manager.update_interval", nm.DefaultUpdateInterval()),
			logx.Duration("manager.command_timeout", nm.CommandTimeout.Duration),
		)
		if len(c.Intervals) > 0 {
			c.Fields = append(c.Fields, logx.String("manager.interval_changed", strings.Join(c.Intervals, ",")))
		}
		// Everything except polling intervals is bound at startup.
		if len(c.Added) > 0 || len(c.Removed) > 0 || structuralChange(om, nm) {
			c.Restart = append(c.Restart, "manager")
		}
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		c.Sections = append(c.Sections, "http")
		c.Restart = append(c.Restart, "http")
		c.Fields = append(c.Fields,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.EffectiveAddr()),
			logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		c.Sections = append(c.Sections, "storage")
		c.Restart = append(c.Restart, "storage")
		if newCfg.Storage != nil {
			c.Fields = append(c.Fields, logx.String("storage.driver", newCfg.Storage.Driver))
		}
	}
	return c
}

func managerChanged(a, b ManagerConfig) bool {
	if a.DefaultUpdateInterval() != b.DefaultUpdateInterval() {
		return true
	}
	return structuralChange(a, b) || len(a.Drivers) != len(b.Drivers) || !sameIntervals(a, b)
}

func sameIntervals(a, b ManagerConfig) bool {
	for name := range a.Drivers {
		as, _ := a.Driver(name)
		bs, ok := b.Driver(name)
		if !ok || as.UpdateInterval != bs.UpdateInterval {
			return false
		}
	}
	return true
}

// structuralChange reports differences other than polling intervals.
func structuralChange(a, b ManagerConfig) bool {
	if a.CommandTimeout != b.CommandTimeout ||
		a.CommandRetries != b.CommandRetries ||
		a.UpdateRetries != b.UpdateRetries ||
		!reflect.DeepEqual(a.Discovery, b.Discovery) ||
		!reflect.DeepEqual(a.UpdateAll, b.UpdateAll) {
		return true
	}
	for name, ad := range a.Drivers {
		bd, ok := b.Drivers[name]
		if !ok {
			return true
		}
		ad.UpdateInterval, bd.UpdateInterval = nil, nil
		aa, ba := ad.Args, bd.Args
		ad.Args, bd.Args = nil, nil
		if !reflect.DeepEqual(ad, bd) || !bytes.Equal(bytes.TrimSpace(aa), bytes.TrimSpace(ba)) {
			return true
		}
	}
	return false
}
