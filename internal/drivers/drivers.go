// Package drivers registers the built-in drivers.
package drivers

import (
	"github.com/zewelor/bt-mqtt-gateway/internal/driver"
	"github.com/zewelor/bt-mqtt-gateway/internal/drivers/gpio"
	"github.com/zewelor/bt-mqtt-gateway/internal/drivers/host"
	"github.com/zewelor/bt-mqtt-gateway/internal/drivers/speedtest"
	"github.com/zewelor/bt-mqtt-gateway/internal/drivers/switchdev"
	"github.com/zewelor/bt-mqtt-gateway/internal/drivers/systemd"
)

// Registry returns a registry with every built-in driver kind.
func Registry() *driver.Registry {
	reg := driver.NewRegistry()
	RegisterAll(reg)
	return reg
}

func RegisterAll(reg *driver.Registry) {
	gpio.Register(reg)
	host.Register(reg)
	speedtest.Register(reg)
	switchdev.Register(reg)
	systemd.Register(reg)
}
