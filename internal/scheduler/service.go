package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	logx "github.com/zewelor/bt-mqtt-gateway/pkg/logx"
)

func New(log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:         log,
		jobs:        map[string]*jobDef{},
		lastErrWarn: map[string]time.Time{},
	}
}

// Running reports whether Start has been called (and Stop has not).
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// Start arms every registered job. Jobs added later are armed immediately.
func (s *Service) Start(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.c = cron.New()
	for _, jd := range s.jobs {
		s.armLocked(jd)
	}
	s.c.Start()
	s.log.Info("service started", logx.Int("jobs", len(s.jobs)))
}

// Stop stops triggering. Definitions remain and resume on the next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, jd := range s.jobs {
		jd.entryID = 0
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// armLocked registers jd with cron under a fresh generation.
// Call with s.mu held and s.c non-nil.
func (s *Service) armLocked(jd *jobDef) {
	jd.mu.Lock()
	jd.gen++
	gen := jd.gen
	jd.mu.Unlock()

	job := cron.FuncJob(func() {
		jd.mu.Lock()
		defer jd.mu.Unlock()
		if jd.gen != gen {
			return
		}
		if err := jd.action(); err != nil {
			s.reportActionError(jd.id, err)
		}
	})
	jd.entryID = s.c.Schedule(everySchedule(jd.every), job)
}

// disarmLocked removes jd from cron and invalidates in-flight ticks.
// Call with s.mu held.
func (s *Service) disarmLocked(jd *jobDef) {
	if s.c != nil && jd.entryID != 0 {
		s.c.Remove(jd.entryID)
	}
	jd.entryID = 0
	jd.mu.Lock()
	jd.gen++
	jd.mu.Unlock()
}

type intervalSchedule struct{ every time.Duration }

func (s intervalSchedule) Next(t time.Time) time.Time { return t.Add(s.every) }

// everySchedule uses cron's constant-delay schedule for whole seconds and a
// plain offset schedule for sub-second intervals, which cron.Every rounds up.
func everySchedule(every time.Duration) cron.Schedule {
	if every >= time.Second && every%time.Second == 0 {
		return cron.Every(every)
	}
	return intervalSchedule{every: every}
}
