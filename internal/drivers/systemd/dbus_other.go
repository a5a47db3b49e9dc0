//go:build !linux

package systemd

import (
	"context"
	"errors"
)

var errUnsupported = errors.New("systemd: unsupported OS (linux only)")

func dialSystemBus(context.Context) (manager, error) { return nil, errUnsupported }
