package driver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	logx "github.com/zewelor/bt-mqtt-gateway/pkg/logx"
)

// Deps is what a factory gets besides its own args.
type Deps struct {
	Name           string // configured instance name
	Kind           string // registry key
	TopicPrefix    string // relative topic prefix of the instance
	GlobalPrefix   string
	CommandTimeout time.Duration
	UpdateRetries  int
	Log            logx.Logger

	// RetryMinBackoff and RetryMaxBackoff bound the wait between update
	// retries; zero uses the retry package defaults.
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
}

// Factory builds a driver from its raw args.
type Factory func(deps Deps, args json.RawMessage) (Driver, error)

// Registry maps driver kinds to factories.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Factory
}

func NewRegistry() *Registry { return &Registry{m: map[string]Factory{}} }

// Register adds kind. Registering the same kind twice panics; it is a
// programming error.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.m[kind]; dup {
		panic("driver: duplicate registration of " + kind)
	}
	r.m[kind] = f
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.m[kind]
	return ok
}

// New builds a driver of kind. Unknown kinds and factory failures are
// returned as *ConfigError.
func (r *Registry) New(kind string, deps Deps, args json.RawMessage) (Driver, error) {
	r.mu.RLock()
	f, ok := r.m[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, &ConfigError{Driver: deps.Name, Err: fmt.Errorf("%w: %q", ErrUnknownDriver, kind)}
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Kind == "" {
		deps.Kind = kind
	}
	d, err := f(deps, args)
	if err != nil {
		return nil, &ConfigError{Driver: deps.Name, Err: err}
	}
	if d == nil {
		return nil, configErrorf(deps.Name, "factory for %q returned nil", kind)
	}
	return d, nil
}

// DecodeArgs decodes raw args into T, rejecting unknown fields.
func DecodeArgs[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("args: %w", err)
	}
	return out, nil
}
