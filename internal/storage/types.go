package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// DefaultRetain is the number of executions kept when Config.Retain is 0.
const DefaultRetain = 5000

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Retain      int
}

// Outcome classifies how an execution ended.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeTimeout Outcome = "timeout"
	OutcomeError   Outcome = "error"
	OutcomePanic   Outcome = "panic"
)

// Execution is one finished command, retries included.
type Execution struct {
	ID       string        `json:"id"`
	Driver   string        `json:"driver"`
	Op       string        `json:"op"`
	Topic    string        `json:"topic,omitempty"`
	Started  time.Time     `json:"started"`
	Took     time.Duration `json:"took"`
	Attempts int           `json:"attempts"`
	Messages int           `json:"messages"`
	Outcome  Outcome       `json:"outcome"`
	Error    string        `json:"error,omitempty"`
}

// Query selects executions, newest first.
type Query struct {
	Driver string // empty = all
	Limit  int    // <=0 = 50
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 50
	}
	return min(q.Limit, 1000)
}
