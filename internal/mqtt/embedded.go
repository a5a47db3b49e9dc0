package mqtt

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/enbility/zeroconf/v3"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/zewelor/bt-mqtt-gateway/internal/bus"
	"github.com/zewelor/bt-mqtt-gateway/internal/config"
	logx "github.com/zewelor/bt-mqtt-gateway/pkg/logx"
)

// Embedded runs a mochi broker in-process and talks to it through the
// inline client. With an address configured, other clients (Home
// Assistant) can connect over TCP.
type Embedded struct {
	core

	server   *mochi.Server
	addr     string
	announce string
	mdns     *zeroconf.Server

	mu      sync.Mutex
	nextSub int
	started atomic.Bool
}

func NewEmbedded(cfg config.MQTTConfig, log logx.Logger) (*Embedded, error) {
	blog := log.With(logx.String("component", "broker"))
	srv := mochi.New(&mochi.Options{
		InlineClient: true,
		Logger:       logx.Slog(blog),
	})

	if cfg.Username != "" {
		err := srv.AddHook(new(auth.Hook), &auth.Options{
			Ledger: &auth.Ledger{
				Auth: auth.AuthRules{
					{Username: auth.RString(cfg.Username), Password: auth.RString(cfg.Password), Allow: true},
				},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("mqtt: broker auth hook: %w", err)
		}
	} else if err := srv.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("mqtt: broker allow hook: %w", err)
	}
	if err := srv.AddHook(&sessionHook{log: blog}, nil); err != nil {
		return nil, fmt.Errorf("mqtt: broker session hook: %w", err)
	}

	addr := cfg.EmbeddedBroker.Address
	if addr != "" {
		tcp := listeners.NewTCP(listeners.Config{ID: "gateway-tcp", Address: addr})
		if err := srv.AddListener(tcp); err != nil {
			return nil, fmt.Errorf("mqtt: broker listener %s: %w", addr, err)
		}
	}
	return &Embedded{
		core:     newCore(cfg, log),
		server:   srv,
		addr:     addr,
		announce: cfg.EmbeddedBroker.Announce,
		nextSub:  1,
	}, nil
}

// Server exposes the broker for inline publishing outside the bus.
func (e *Embedded) Server() *mochi.Server { return e.server }

func (e *Embedded) Start(context.Context) error {
	if err := e.server.Serve(); err != nil {
		return fmt.Errorf("mqtt: broker serve: %w", err)
	}
	e.started.Store(true)
	e.log.Info("embedded broker started", logx.String("addr", e.addr))
	if e.announce != "" && e.addr != "" {
		srv, err := announce(e.announce, e.addr)
		if err != nil {
			e.log.Warn("broker mdns announce failed", logx.Err(err))
		} else {
			e.mdns = srv
			e.log.Info("broker announced via mdns", logx.String("instance", e.announce), logx.String("service", mdnsService))
		}
	}
	return e.server.Publish(e.availability, []byte(PayloadOnline), true, e.qos)
}

func (e *Embedded) Connected() bool { return e.started.Load() }

func (e *Embedded) Publish(ctx context.Context, msgs ...bus.Message) error {
	if !e.started.Load() {
		return ErrNotConnected
	}
	return e.publishEach(ctx, msgs, func(_ context.Context, o outbound) error {
		return e.server.Publish(o.topic, o.payload, o.retain, e.qos)
	})
}

func (e *Embedded) Subscribe(_ context.Context, filter string, h bus.Handler) error {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.mu.Unlock()
	return e.server.Subscribe(filter, id, func(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
		h(pk.TopicName, pk.Payload)
	})
}

func (e *Embedded) Close(context.Context) error {
	if !e.started.Swap(false) {
		return nil
	}
	if e.mdns != nil {
		e.mdns.Shutdown()
		e.mdns = nil
	}
	if err := e.server.Publish(e.availability, []byte(PayloadOffline), true, e.qos); err != nil {
		e.log.Debug("broker offline publish failed", logx.Err(err))
	}
	return e.server.Close()
}

// sessionHook logs clients coming and going.
type sessionHook struct {
	mochi.HookBase
	log logx.Logger
}

func (h *sessionHook) ID() string { return "gateway-sessions" }

func (h *sessionHook) Provides(b byte) bool {
	return bytes.Contains([]byte{mochi.OnSessionEstablished, mochi.OnDisconnect}, []byte{b})
}

func (h *sessionHook) OnSessionEstablished(cl *mochi.Client, _ packets.Packet) {
	h.log.Info("broker client connected", logx.String("client", cl.ID), logx.String("remote", cl.Net.Remote))
}

func (h *sessionHook) OnDisconnect(cl *mochi.Client, err error, expire bool) {
	fields := []logx.Field{logx.String("client", cl.ID), logx.Bool("expire", expire)}
	if err != nil {
		fields = append(fields, logx.Err(err))
	}
	h.log.Info("broker client disconnected", fields...)
}
