package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "github.com/zewelor/bt-mqtt-gateway/pkg/logx"
)

var (
	ErrInvalidInterval = errors.New("interval must be positive")
	ErrUnknownJob      = errors.New("unknown job")
	ErrEmptyID         = errors.New("job id required")
)

// Action runs on every tick.
type Action func() error

type jobDef struct {
	id      string
	every   time.Duration
	action  Action
	entryID cron.EntryID

	// mu serialises ticks against Reschedule/Cancel; gen invalidates ticks
	// scheduled under an older timing.
	mu  sync.Mutex
	gen uint64
}

type Service struct {
	mu sync.Mutex

	log logx.Logger

	c    *cron.Cron
	jobs map[string]*jobDef

	// Action error throttling: key is job id.
	errMu       sync.Mutex
	lastErrWarn map[string]time.Time
}

// JobInfo is a point-in-time view of one job.
type JobInfo struct {
	ID       string        `json:"id"`
	Interval time.Duration `json:"interval"`
	Next     time.Time     `json:"next,omitempty"`
	Prev     time.Time     `json:"prev,omitempty"`
}
