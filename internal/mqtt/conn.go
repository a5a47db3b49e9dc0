// Package mqtt connects the gateway to an MQTT broker, either a remote one
// through autopaho or an in-process mochi broker.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"golang.org/x/time/rate"

	"github.com/zewelor/bt-mqtt-gateway/internal/bus"
	"github.com/zewelor/bt-mqtt-gateway/internal/config"
	logx "github.com/zewelor/bt-mqtt-gateway/pkg/logx"
)

const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// ErrNotConnected is returned by Publish before Start or after Close.
var ErrNotConnected = errors.New("mqtt: not connected")

// Conn is a bus.Client with a lifecycle.
type Conn interface {
	bus.Client
	Start(ctx context.Context) error
	Close(ctx context.Context) error
	Connected() bool
}

// Open returns the connection selected by cfg.
func Open(cfg config.MQTTConfig, log logx.Logger) (Conn, error) {
	if cfg.EmbeddedBroker.Enabled {
		return NewEmbedded(cfg, log)
	}
	return NewRemote(cfg, log)
}

// core holds what both transports share: topic prefixing, QoS, the publish
// rate limit and the availability topic.
type core struct {
	prefix       string
	qos          byte
	availability string
	limiter      *rate.Limiter
	log          logx.Logger
}

func newCore(cfg config.MQTTConfig, log logx.Logger) core {
	c := core{
		prefix:       strings.Trim(cfg.TopicPrefix, "/"),
		qos:          byte(cfg.QoS),
		availability: cfg.FullAvailabilityTopic(),
		log:          log,
	}
	if cfg.PublishRate > 0 {
		burst := max(1, int(math.Ceil(cfg.PublishRate)))
		c.limiter = rate.NewLimiter(rate.Limit(cfg.PublishRate), burst)
	}
	return c
}

func (c *core) Prefix() string { return c.prefix }

type outbound struct {
	topic   string
	payload []byte
	retain  bool
}

// prepare renders msgs for the wire. Messages that cannot be encoded are
// skipped and reported in the returned error.
func (c *core) prepare(msgs []bus.Message) ([]outbound, error) {
	out := make([]outbound, 0, len(msgs))
	var errs []error
	for _, m := range msgs {
		b, err := m.Bytes()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		topic := m.FullTopic(c.prefix)
		if topic == "" {
			errs = append(errs, fmt.Errorf("empty topic for %s", m))
			continue
		}
		out = append(out, outbound{topic: topic, payload: b, retain: m.Retain})
	}
	return out, errors.Join(errs...)
}

func (c *core) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// publishEach sends every message through send, honoring the rate limit.
// It keeps going after a failed message.
func (c *core) publishEach(ctx context.Context, msgs []bus.Message, send func(ctx context.Context, o outbound) error) error {
	out, err := c.prepare(msgs)
	errs := []error{err}
	for _, o := range out {
		if err := c.wait(ctx); err != nil {
			errs = append(errs, err)
			break
		}
		if err := send(ctx, o); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", o.topic, err))
			continue
		}
		c.log.Trace("published", logx.Topic(o.topic), logx.Bool("retain", o.retain))
	}
	return errors.Join(errs...)
}
