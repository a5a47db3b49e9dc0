package driver

import (
	"context"
	"strings"

	"github.com/zewelor/bt-mqtt-gateway/internal/bus"
	"github.com/zewelor/bt-mqtt-gateway/internal/retry"
	logx "github.com/zewelor/bt-mqtt-gateway/pkg/logx"
)

// DiscoveryNamespace prefixes discovery unique ids.
const DiscoveryNamespace = "bt-mqtt-gateway"

// Base carries the per-instance settings every driver needs and the topic
// helpers shared by all of them. Drivers embed it.
type Base struct {
	deps Deps
}

func NewBase(deps Deps) Base {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if strings.TrimSpace(deps.TopicPrefix) == "" {
		deps.TopicPrefix = deps.Name
	}
	return Base{deps: deps}
}

func (b Base) Name() string         { return b.deps.Name }
func (b Base) Kind() string         { return b.deps.Kind }
func (b Base) Log() logx.Logger     { return b.deps.Log }
func (b Base) Deps() Deps           { return b.deps }
func (b Base) TopicPrefix() string  { return b.deps.TopicPrefix }
func (b Base) GlobalPrefix() string { return b.deps.GlobalPrefix }

// Topic joins parts under the instance topic prefix, relative to the global prefix.
func (b Base) Topic(parts ...string) string {
	return bus.Join(append([]string{b.deps.TopicPrefix}, parts...)...)
}

// PrefixedTopic is Topic as it appears on the wire.
func (b Base) PrefixedTopic(parts ...string) string {
	return bus.Join(b.deps.GlobalPrefix, b.Topic(parts...))
}

// DiscoveryTopic is the node/object part of a discovery topic for a device
// identified by mac.
func (b Base) DiscoveryTopic(mac string, parts ...string) string {
	node := strings.ReplaceAll(mac, ":", "-")
	return node + "/" + b.DiscoveryName(parts...)
}

// DiscoveryID is a globally unique id for a discovered entity.
func (b Base) DiscoveryID(mac string, parts ...string) string {
	return DiscoveryNamespace + "/" + b.DiscoveryTopic(mac, parts...)
}

func (b Base) DiscoveryName(parts ...string) string {
	return strings.Join(append([]string{b.deps.Kind}, parts...), "_")
}

// RetryUpdate runs one device read with the instance update_retries,
// retrying errors marked Transient.
func (b Base) RetryUpdate(ctx context.Context, device string, fn func(ctx context.Context) ([]bus.Message, error)) ([]bus.Message, error) {
	return retry.Wrap(retry.Policy{
		MaxRetries: b.deps.UpdateRetries,
		Retryable:  IsTransient,
		MinBackoff: b.deps.RetryMinBackoff,
		MaxBackoff: b.deps.RetryMaxBackoff,
		Log:        b.deps.Log.With(logx.String("device", device)),
	}, fn)(ctx)
}

// DiscoveryDevice is the "device" block of a discovery config. Entities that
// share Identifiers are grouped under one device.
type DiscoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

// Device returns the discovery device block for id, linked to the gateway.
func (b Base) Device(id, name string) DiscoveryDevice {
	return DiscoveryDevice{
		Identifiers: []string{id},
		Name:        name,
		ViaDevice:   DiscoveryNamespace,
	}
}
