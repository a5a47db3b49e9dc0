package storage

import (
	"context"
	"errors"
	"strings"

	logx "github.com/zewelor/bt-mqtt-gateway/pkg/logx"
)

// Store persists executions.
type Store interface {
	Append(ctx context.Context, e Execution) error
	Recent(ctx context.Context, q Query) ([]Execution, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Retain <= 0 {
		cfg.Retain = DefaultRetain
	}

	switch driver {
	case "memory":
		return NewMemory(cfg.Retain), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
