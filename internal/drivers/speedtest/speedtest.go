// Package speedtest measures the uplink with speedtest.net servers. It is an
// incremental driver: latency, download and upload are published as they
// finish, so a failed upload leaves the earlier readings on the bus.
package speedtest

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"math"
	"time"

	"github.com/zewelor/bt-mqtt-gateway/internal/bus"
	"github.com/zewelor/bt-mqtt-gateway/internal/driver"
	logx "github.com/zewelor/bt-mqtt-gateway/pkg/logx"
)

const Kind = "speedtest"

// Args configures the instance.
type Args struct {
	// ServerCount is how many of the closest servers are pinged.
	ServerCount     int  `json:"server_count,omitempty"`
	MaxConnections  int  `json:"max_connections,omitempty"`
	SavingMode      bool `json:"saving_mode,omitempty"`
	PingConcurrency int  `json:"ping_concurrency,omitempty"`
	DisableHTTP2    bool `json:"disable_http2,omitempty"`
	Retain          bool `json:"retain,omitempty"`
}

func (a Args) withDefaults() Args {
	if a.ServerCount <= 0 {
		a.ServerCount = 5
	}
	if a.MaxConnections <= 0 {
		a.MaxConnections = 4
	}
	if a.PingConcurrency <= 0 {
		a.PingConcurrency = 4
	}
	return a
}

// Server is the endpoint picked by the latency stage.
type Server struct {
	Name    string        `json:"name"`
	Country string        `json:"country,omitempty"`
	Host    string        `json:"host"`
	ISP     string        `json:"isp,omitempty"`
	Latency time.Duration `json:"-"`
	Jitter  time.Duration `json:"-"`
}

// session is one measurement run against one server.
type session interface {
	Ping(ctx context.Context) (Server, error)
	Download(ctx context.Context) (float64, error)
	Upload(ctx context.Context) (float64, error)
	Close()
}

type Speedtest struct {
	driver.Base
	args Args
	open func(Args, driver.Deps) session
}

func Register(reg *driver.Registry) {
	reg.Register(Kind, New)
}

func New(deps driver.Deps, raw json.RawMessage) (driver.Driver, error) {
	args, err := driver.DecodeArgs[Args](raw)
	if err != nil {
		return nil, err
	}
	if args.ServerCount < 0 || args.MaxConnections < 0 {
		return nil, fmt.Errorf("speedtest: negative server_count or max_connections")
	}
	return &Speedtest{
		Base: driver.NewBase(deps),
		args: args.withDefaults(),
		open: openLive,
	}, nil
}

func (s *Speedtest) message(attr string, v any) bus.Message {
	m := bus.New(s.Topic(attr), v)
	m.Retain = s.args.Retain
	return m
}

func ms(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// StatusUpdates runs one measurement. Each stage is retried on its own with
// update_retries; a failed stage ends the run.
func (s *Speedtest) StatusUpdates(ctx context.Context) iter.Seq2[[]bus.Message, error] {
	return func(yield func([]bus.Message, error) bool) {
		start := time.Now()
		sess := s.open(s.args, s.Deps())
		defer sess.Close()

		stage := func(name string, fn func(ctx context.Context) ([]bus.Message, error)) bool {
			msgs, err := s.RetryUpdate(ctx, name, fn)
			if err != nil {
				yield(nil, fmt.Errorf("speedtest %s: %w", name, err))
				return false
			}
			return yield(msgs, nil)
		}

		ok := stage("latency", func(ctx context.Context) ([]bus.Message, error) {
			srv, err := sess.Ping(ctx)
			if err != nil {
				return nil, err
			}
			s.Log().Debug("speedtest server selected",
				logx.String("server", srv.Name),
				logx.String("host", srv.Host),
				logx.Duration("latency", srv.Latency),
			)
			return []bus.Message{
				s.message("latency", ms(srv.Latency)),
				s.message("jitter", ms(srv.Jitter)),
				s.message("server", srv),
			}, nil
		})
		if !ok {
			return
		}

		ok = stage("download", func(ctx context.Context) ([]bus.Message, error) {
			mbps, err := sess.Download(ctx)
			if err != nil {
				return nil, err
			}
			return []bus.Message{s.message("download", round2(mbps))}, nil
		})
		if !ok {
			return
		}

		ok = stage("upload", func(ctx context.Context) ([]bus.Message, error) {
			mbps, err := sess.Upload(ctx)
			if err != nil {
				return nil, err
			}
			return []bus.Message{s.message("upload", round2(mbps))}, nil
		})
		if ok {
			s.Log().Info("speedtest finished", logx.Duration("took", time.Since(start)))
		}
	}
}

type sensorConfig struct {
	UniqueID          string                 `json:"unique_id"`
	Name              string                 `json:"name"`
	StateTopic        string                 `json:"state_topic"`
	AvailabilityTopic string                 `json:"availability_topic,omitempty"`
	UnitOfMeasurement string                 `json:"unit_of_measurement"`
	DeviceClass       string                 `json:"device_class,omitempty"`
	StateClass        string                 `json:"state_class"`
	Icon              string                 `json:"icon,omitempty"`
	Device            driver.DiscoveryDevice `json:"device"`
}

func (s *Speedtest) DiscoveryConfig(availabilityTopic string) ([]bus.Message, error) {
	node := s.Name()
	sensors := []struct{ attr, unit, class, icon string }{
		{"latency", "ms", "duration", ""},
		{"jitter", "ms", "duration", ""},
		{"download", "Mbit/s", "data_rate", "mdi:download"},
		{"upload", "Mbit/s", "data_rate", "mdi:upload"},
	}
	out := make([]bus.Message, 0, len(sensors))
	for _, c := range sensors {
		out = append(out, bus.DiscoveryMessage(bus.ComponentSensor, s.DiscoveryTopic(node, c.attr), sensorConfig{
			UniqueID:          s.DiscoveryID(node, c.attr),
			Name:              s.DiscoveryName(c.attr),
			StateTopic:        s.PrefixedTopic(c.attr),
			AvailabilityTopic: availabilityTopic,
			UnitOfMeasurement: c.unit,
			DeviceClass:       c.class,
			StateClass:        "measurement",
			Icon:              c.icon,
			Device:            s.Device(driver.DiscoveryNamespace+"-"+node, node),
		}))
	}
	return out, nil
}
