// Package driver defines what a device driver may do and how the gateway
// builds one from configuration.
//
// A driver implements Driver plus at least one source of readings: Updater,
// IncrementalUpdater (polled by the scheduler) or Runner (a daemon that
// publishes on its own). Commander and Configurer are optional.
package driver

import (
	"context"
	"iter"

	"github.com/zewelor/bt-mqtt-gateway/internal/bus"
)

type Driver interface {
	Name() string
}

// Updater returns the full device state in one call.
type Updater interface {
	StatusUpdate(ctx context.Context) ([]bus.Message, error)
}

// IncrementalUpdater yields one batch per device so a slow device cannot
// erase readings already taken. A non-nil error ends the update.
type IncrementalUpdater interface {
	StatusUpdates(ctx context.Context) iter.Seq2[[]bus.Message, error]
}

// Runner is a daemon driver. Run blocks until ctx is done and publishes
// through pub; it never goes through the work queue.
type Runner interface {
	Run(ctx context.Context, pub bus.Publisher) error
}

// Commander handles inbound control messages. topic is relative to the
// global prefix.
type Commander interface {
	OnCommand(ctx context.Context, topic string, payload []byte) ([]bus.Message, error)
}

// Configurer returns discovery config messages, built with
// bus.DiscoveryMessage. availabilityTopic is the full wire topic of the
// gateway's availability state.
type Configurer interface {
	DiscoveryConfig(availabilityTopic string) ([]bus.Message, error)
}

// RetryClassifier overrides which errors are retried for this driver.
// The default retries errors marked with Transient.
type RetryClassifier interface {
	Retryable(err error) bool
}

// Mode is how the gateway drives a driver.
type Mode string

const (
	ModePolled Mode = "polled"
	ModeDaemon Mode = "daemon"
)

// ModeOf reports how d is driven and whether it is usable at all.
// A status update capability takes precedence over Run.
func ModeOf(d Driver) (Mode, bool) {
	switch d.(type) {
	case Updater, IncrementalUpdater:
		return ModePolled, true
	case Runner:
		return ModeDaemon, true
	default:
		return "", false
	}
}
