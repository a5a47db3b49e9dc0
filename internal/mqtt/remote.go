package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/zewelor/bt-mqtt-gateway/internal/bus"
	"github.com/zewelor/bt-mqtt-gateway/internal/config"
	logx "github.com/zewelor/bt-mqtt-gateway/pkg/logx"
)

// Remote is a reconnecting client for an external broker.
//
// Subscriptions are kept in a router and replayed on every connection, and
// "online" is republished to the availability topic each time. The broker
// publishes "offline" there through the will when the gateway drops.
type Remote struct {
	core

	router bus.Router
	cfg    autopaho.ClientConfig

	cm        atomic.Pointer[autopaho.ConnectionManager]
	connected atomic.Bool
}

func NewRemote(cfg config.MQTTConfig, log logx.Logger) (*Remote, error) {
	r := &Remote{core: newCore(cfg, log)}

	scheme := "mqtt"
	var tlsCfg *tls.Config
	if cfg.TLS.Enabled {
		scheme = "mqtts"
		var err error
		if tlsCfg, err = loadTLS(cfg.TLS); err != nil {
			return nil, err
		}
	}
	u, err := url.Parse(scheme + "://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.EffectivePort())))
	if err != nil {
		return nil, fmt.Errorf("mqtt: broker url: %w", err)
	}

	r.cfg = autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{u},
		TlsCfg:                        tlsCfg,
		KeepAlive:                     cfg.EffectiveKeepAlive(),
		CleanStartOnInitialConnection: false,
		SessionExpiryInterval:         60,
		ConnectUsername:               cfg.Username,
		WillMessage: &paho.WillMessage{
			Topic:   r.availability,
			Payload: []byte(PayloadOffline),
			QoS:     r.qos,
			Retain:  true,
		},
		OnConnectionUp: r.onConnectionUp,
		OnConnectError: func(err error) {
			r.connected.Store(false)
			log.Warn("mqtt connect failed", logx.String("broker", u.Host), logx.Err(err))
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.EffectiveClientID(),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					if !r.router.Dispatch(pr.Packet.Topic, pr.Packet.Payload) {
						log.Debug("mqtt message without route", logx.Topic(pr.Packet.Topic))
					}
					return true, nil
				},
			},
			OnClientError: func(err error) {
				r.connected.Store(false)
				log.Warn("mqtt client error", logx.Err(err))
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				r.connected.Store(false)
				reason := ""
				if d.Properties != nil {
					reason = d.Properties.ReasonString
				}
				log.Warn("mqtt server disconnect", logx.Int("code", int(d.ReasonCode)), logx.String("reason", reason))
			},
		},
	}
	if cfg.Password != "" {
		r.cfg.ConnectPassword = []byte(cfg.Password)
	}
	return r, nil
}

func loadTLS(c config.TLSConfig) (*tls.Config, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: c.Insecure} //nolint:gosec // opt-in
	if c.CAFile == "" {
		return tc, nil
	}
	pem, err := os.ReadFile(c.CAFile)
	if err != nil {
		return nil, fmt.Errorf("mqtt: read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("mqtt: no certificates in %s", c.CAFile)
	}
	tc.RootCAs = pool
	return tc, nil
}

func (r *Remote) onConnectionUp(cm *autopaho.ConnectionManager, _ *paho.Connack) {
	r.connected.Store(true)
	r.log.Info("mqtt connection up", logx.String("availability", r.availability))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if filters := r.router.Filters(); len(filters) > 0 {
		if err := r.subscribe(ctx, cm, filters...); err != nil {
			r.log.Warn("mqtt resubscribe failed", logx.Err(err))
		}
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   r.availability,
		Payload: []byte(PayloadOnline),
		QoS:     r.qos,
		Retain:  true,
	}); err != nil {
		r.log.Warn("mqtt availability publish failed", logx.Err(err))
	}
}

func (r *Remote) subscribe(ctx context.Context, cm *autopaho.ConnectionManager, filters ...string) error {
	opts := make([]paho.SubscribeOptions, 0, len(filters))
	for _, f := range filters {
		opts = append(opts, paho.SubscribeOptions{Topic: f, QoS: r.qos})
	}
	_, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts})
	return err
}

// Start dials the broker and blocks until the first connection is up or
// ctx is done. Reconnects continue in the background until Close.
func (r *Remote) Start(ctx context.Context) error {
	// The connection manager lives until Close, not until ctx.
	cm, err := autopaho.NewConnection(context.Background(), r.cfg)
	if err != nil {
		return fmt.Errorf("mqtt: connect: %w", err)
	}
	r.cm.Store(cm)
	if err := cm.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("mqtt: await connection: %w", err)
	}
	return nil
}

func (r *Remote) Connected() bool { return r.connected.Load() }

func (r *Remote) Publish(ctx context.Context, msgs ...bus.Message) error {
	cm := r.cm.Load()
	if cm == nil {
		return ErrNotConnected
	}
	return r.publishEach(ctx, msgs, func(ctx context.Context, o outbound) error {
		_, err := cm.Publish(ctx, &paho.Publish{
			Topic:   o.topic,
			Payload: o.payload,
			QoS:     r.qos,
			Retain:  o.retain,
		})
		return err
	})
}

// Subscribe registers h and subscribes right away when connected. While
// disconnected the filter is picked up on the next connection.
func (r *Remote) Subscribe(ctx context.Context, filter string, h bus.Handler) error {
	r.router.Add(filter, h)
	cm := r.cm.Load()
	if cm == nil || !r.connected.Load() {
		return nil
	}
	return r.subscribe(ctx, cm, filter)
}

// Close marks the gateway offline and disconnects.
func (r *Remote) Close(ctx context.Context) error {
	cm := r.cm.Swap(nil)
	if cm == nil {
		return nil
	}
	if r.connected.Load() {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   r.availability,
			Payload: []byte(PayloadOffline),
			QoS:     r.qos,
			Retain:  true,
		}); err != nil {
			r.log.Debug("mqtt offline publish failed", logx.Err(err))
		}
	}
	r.connected.Store(false)
	return cm.Disconnect(ctx)
}
