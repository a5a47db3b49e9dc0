package config

import (
	"encoding/json"
)

// Config is the whole gateway configuration file.
type Config struct {
	MQTT    MQTTConfig     `json:"mqtt"`
	Logging LoggingConfig  `json:"logging"`
	Manager ManagerConfig  `json:"manager"`
	HTTP    HTTPConfig     `json:"http,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty"`
}

type MQTTConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	// KeepAlive is in seconds.
	KeepAlive int `json:"keepalive,omitempty"`
	QoS       int `json:"qos,omitempty"`

	// TopicPrefix is the global prefix for every driver topic.
	TopicPrefix string `json:"topic_prefix,omitempty"`
	// AvailabilityTopic is relative to TopicPrefix. The gateway publishes
	// "online" there on connect and registers "offline" as its will.
	AvailabilityTopic string `json:"availability_topic,omitempty"`

	// PublishRate caps outgoing messages per second (0 = unlimited).
	PublishRate float64 `json:"publish_rate,omitempty"`

	TLS            TLSConfig            `json:"tls,omitempty"`
	EmbeddedBroker EmbeddedBrokerConfig `json:"embedded_broker,omitempty"`
}

type TLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CAFile   string `json:"ca_file,omitempty"`
	Insecure bool   `json:"insecure,omitempty"`
}

// EmbeddedBrokerConfig runs an in-process broker instead of dialing Host.
type EmbeddedBrokerConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address,omitempty"` // empty = in-process only, no listener

	// Announce is the mDNS instance name the listener is advertised under
	// (_mqtt._tcp). Empty disables the announcement.
	Announce string `json:"announce,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`

	// JSON switches console output to JSON lines.
	JSON bool `json:"json,omitempty"`

	// SuppressUpdateFailures demotes routine device failures to debug.
	SuppressUpdateFailures bool `json:"suppress_update_failures,omitempty"`
}

type LogFileConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// ManagerConfig holds global driver defaults and the driver instances.
//
// Defaults (when fields are omitted):
//   - command_timeout: 35s
//   - command_retries: 0
//   - update_retries: 0
//   - update_interval: 60 (seconds; 0 disables polling unless a driver sets its own)
type ManagerConfig struct {
	CommandTimeout Duration `json:"command_timeout,omitempty"`
	CommandRetries int      `json:"command_retries,omitempty"`
	UpdateRetries  int      `json:"update_retries,omitempty"`
	UpdateInterval *int     `json:"update_interval,omitempty"`

	Discovery DiscoveryConfig `json:"discovery,omitempty"`

	// UpdateAll triggers an immediate update of every polled driver when
	// Payload arrives on Topic (typically Home Assistant's birth message).
	UpdateAll *UpdateAllConfig `json:"update_all,omitempty"`

	Drivers map[string]DriverConfig `json:"drivers"`
}

type DiscoveryConfig struct {
	Enabled bool   `json:"enabled"`
	Prefix  string `json:"prefix,omitempty"`
	Retain  *bool  `json:"retain,omitempty"`
}

type UpdateAllConfig struct {
	Topic   string `json:"topic"` // absolute, not under the global prefix
	Payload string `json:"payload,omitempty"`
}

// DriverConfig configures one driver instance. Pointer fields fall back to
// the manager defaults when omitted.
type DriverConfig struct {
	// Driver is the registry key; it defaults to the instance name.
	Driver      string `json:"driver,omitempty"`
	TopicPrefix string `json:"topic_prefix,omitempty"`

	UpdateInterval *int      `json:"update_interval,omitempty"`
	CommandTimeout *Duration `json:"command_timeout,omitempty"`
	CommandRetries *int      `json:"command_retries,omitempty"`
	UpdateRetries  *int      `json:"update_retries,omitempty"`

	// TopicSubscription is a filter relative to the global prefix.
	TopicSubscription string `json:"topic_subscription,omitempty"`

	Args json.RawMessage `json:"args,omitempty"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`

	// Token, when set, is required as a bearer token on /v1 and /debug.
	Token string `json:"token,omitempty"`
	// Pprof mounts net/http/pprof under /debug. Refused on a non-loopback
	// addr without a token.
	Pprof bool `json:"pprof,omitempty"`
}

// StorageConfig controls the optional execution history.
//
// Driver values: "sqlite", "memory" (bounded, lost on restart), or
// empty/"none" to disable.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	Retain      int    `json:"retain,omitempty"` // rows kept; 0 = default
}
