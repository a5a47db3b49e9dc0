package mqtt

import (
	"fmt"
	"net"
	"strconv"

	"github.com/enbility/zeroconf/v3"
)

const (
	mdnsService = "_mqtt._tcp"
	mdnsDomain  = "local."
)

// announce advertises the broker listener as _mqtt._tcp so clients on the
// LAN can find it without a configured host.
func announce(instance, addr string) (*zeroconf.Server, error) {
	port, err := listenPort(addr)
	if err != nil {
		return nil, err
	}
	srv, err := zeroconf.Register(instance, mdnsService, mdnsDomain, port, []string{"txtvers=1"}, nil)
	if err != nil {
		return nil, fmt.Errorf("mqtt: mdns register: %w", err)
	}
	return srv, nil
}

func listenPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("mqtt: broker address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("mqtt: broker address %q: invalid port", addr)
	}
	return port, nil
}
