// Package host reports load, uptime and memory of the machine the gateway
// runs on, read from procfs.
package host

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zewelor/bt-mqtt-gateway/internal/bus"
	"github.com/zewelor/bt-mqtt-gateway/internal/driver"
)

const Kind = "host"

type Args struct {
	// ProcRoot is where procfs is mounted.
	ProcRoot string `json:"proc_root,omitempty"`
	Retain   bool   `json:"retain,omitempty"`
}

// Stats is one reading.
type Stats struct {
	Load1, Load5, Load15 float64
	UptimeSeconds        int64
	MemTotalKB           uint64
	MemAvailableKB       uint64
}

func (s Stats) MemUsedPercent() float64 {
	if s.MemTotalKB == 0 {
		return 0
	}
	used := float64(s.MemTotalKB-min(s.MemAvailableKB, s.MemTotalKB)) / float64(s.MemTotalKB) * 100
	return math.Round(used*10) / 10
}

type Host struct {
	driver.Base
	root   string
	retain bool
}

func Register(reg *driver.Registry) {
	reg.Register(Kind, New)
}

func New(deps driver.Deps, raw json.RawMessage) (driver.Driver, error) {
	args, err := driver.DecodeArgs[Args](raw)
	if err != nil {
		return nil, err
	}
	root := strings.TrimSpace(args.ProcRoot)
	if root == "" {
		root = "/proc"
	}
	return &Host{Base: driver.NewBase(deps), root: root, retain: args.Retain}, nil
}

// Read takes one reading from procfs.
func (h *Host) Read() (Stats, error) {
	var st Stats
	b, err := os.ReadFile(filepath.Join(h.root, "loadavg"))
	if err != nil {
		return st, err
	}
	f := strings.Fields(string(b))
	if len(f) < 3 {
		return st, fmt.Errorf("loadavg: %w: %q", driver.ErrBadPayload, b)
	}
	for i, dst := range []*float64{&st.Load1, &st.Load5, &st.Load15} {
		if *dst, err = strconv.ParseFloat(f[i], 64); err != nil {
			return st, fmt.Errorf("loadavg: %w", err)
		}
	}

	b, err = os.ReadFile(filepath.Join(h.root, "uptime"))
	if err != nil {
		return st, err
	}
	f = strings.Fields(string(b))
	if len(f) == 0 {
		return st, fmt.Errorf("uptime: %w: empty", driver.ErrBadPayload)
	}
	up, err := strconv.ParseFloat(f[0], 64)
	if err != nil {
		return st, fmt.Errorf("uptime: %w", err)
	}
	st.UptimeSeconds = int64(up)

	b, err = os.ReadFile(filepath.Join(h.root, "meminfo"))
	if err != nil {
		return st, err
	}
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		key, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		var dst *uint64
		switch key {
		case "MemTotal":
			dst = &st.MemTotalKB
		case "MemAvailable":
			dst = &st.MemAvailableKB
		default:
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimSpace(rest), " kB"), 10, 64)
		if err != nil {
			return st, fmt.Errorf("meminfo %s: %w", key, err)
		}
		*dst = v
	}
	if st.MemTotalKB == 0 {
		return st, fmt.Errorf("meminfo: %w: no MemTotal", driver.ErrBadPayload)
	}
	return st, nil
}

func (h *Host) message(attr string, v any) bus.Message {
	m := bus.New(h.Topic(attr), v)
	m.Retain = h.retain
	return m
}

func (h *Host) StatusUpdate(ctx context.Context) ([]bus.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st, err := h.Read()
	if err != nil {
		return nil, err
	}
	return []bus.Message{
		h.message("load_1", st.Load1),
		h.message("load_5", st.Load5),
		h.message("load_15", st.Load15),
		h.message("uptime", st.UptimeSeconds),
		h.message("memory_available", int64(st.MemAvailableKB/1024)),
		h.message("memory_used", st.MemUsedPercent()),
	}, nil
}

type sensorConfig struct {
	UniqueID          string                 `json:"unique_id"`
	Name              string                 `json:"name"`
	StateTopic        string                 `json:"state_topic"`
	AvailabilityTopic string                 `json:"availability_topic,omitempty"`
	UnitOfMeasurement string                 `json:"unit_of_measurement,omitempty"`
	DeviceClass       string                 `json:"device_class,omitempty"`
	StateClass        string                 `json:"state_class,omitempty"`
	Icon              string                 `json:"icon,omitempty"`
	Device            driver.DiscoveryDevice `json:"device"`
}

var sensors = []struct{ attr, unit, class, state, icon string }{
	{"load_1", "", "", "measurement", "mdi:gauge"},
	{"load_5", "", "", "measurement", "mdi:gauge"},
	{"load_15", "", "", "measurement", "mdi:gauge"},
	{"uptime", "s", "duration", "total_increasing", ""},
	{"memory_available", "MiB", "data_size", "measurement", ""},
	{"memory_used", "%", "", "measurement", "mdi:memory"},
}

func (h *Host) DiscoveryConfig(availabilityTopic string) ([]bus.Message, error) {
	node, _ := os.Hostname()
	if node == "" {
		node = h.Name()
	}
	dev := h.Device(driver.DiscoveryNamespace+"-"+node, node)
	dev.Model = "host"
	out := make([]bus.Message, 0, len(sensors))
	for _, c := range sensors {
		out = append(out, bus.DiscoveryMessage(bus.ComponentSensor, h.DiscoveryTopic(node, c.attr), sensorConfig{
			UniqueID:          h.DiscoveryID(node, c.attr),
			Name:              h.DiscoveryName(c.attr),
			StateTopic:        h.PrefixedTopic(c.attr),
			AvailabilityTopic: availabilityTopic,
			UnitOfMeasurement: c.unit,
			DeviceClass:       c.class,
			StateClass:        c.state,
			Icon:              c.icon,
			Device:            dev,
		}))
	}
	return out, nil
}
