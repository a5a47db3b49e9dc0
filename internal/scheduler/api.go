package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"time"

	logx "github.com/zewelor/bt-mqtt-gateway/pkg/logx"
)

// ScheduleInterval registers (or replaces) job id firing every interval.
func (s *Service) ScheduleInterval(id string, every time.Duration, action Action) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrEmptyID
	}
	if every <= 0 {
		s.log.Warn("rejected schedule", logx.String("job", id), logx.Duration("interval", every))
		return fmt.Errorf("%s: %w (got %s)", id, ErrInvalidInterval, every)
	}
	if action == nil {
		return fmt.Errorf("%s: nil action", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[id]; ok {
		s.disarmLocked(old)
	}
	jd := &jobDef{id: id, every: every, action: action}
	s.jobs[id] = jd
	if s.c != nil {
		s.armLocked(jd)
	}
	s.log.Debug("job registered", logx.String("job", id), logx.Duration("interval", every), logx.Bool("armed", s.c != nil))
	return nil
}

// Reschedule changes the interval of an existing job, keeping its id and
// action. An invalid interval leaves the current schedule untouched.
func (s *Service) Reschedule(id string, every time.Duration) error {
	if every <= 0 {
		s.log.Warn("rejected reschedule", logx.String("job", id), logx.Duration("interval", every))
		return fmt.Errorf("%s: %w (got %s)", id, ErrInvalidInterval, every)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	jd, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownJob)
	}
	prev := jd.every
	s.disarmLocked(jd)
	jd.every = every
	if s.c != nil {
		s.armLocked(jd)
	}
	s.log.Info("job rescheduled", logx.String("job", id), logx.Duration("from", prev), logx.Duration("to", every))
	return nil
}

// Cancel removes job id. It reports whether the job existed.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	jd, ok := s.jobs[id]
	if !ok {
		return false
	}
	s.disarmLocked(jd)
	delete(s.jobs, id)
	s.log.Debug("job cancelled", logx.String("job", id))
	return true
}

// Job returns a snapshot of job id.
func (s *Service) Job(id string) (JobInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jd, ok := s.jobs[id]
	if !ok {
		return JobInfo{}, false
	}
	return s.infoLocked(jd), true
}

// Jobs returns all jobs sorted by id.
func (s *Service) Jobs() []JobInfo {
	s.mu.Lock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, jd := range s.jobs {
		out = append(out, s.infoLocked(jd))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Service) infoLocked(jd *jobDef) JobInfo {
	it := JobInfo{ID: jd.id, Interval: jd.every}
	if s.c != nil && jd.entryID != 0 {
		e := s.c.Entry(jd.entryID)
		it.Next = e.Next
		it.Prev = e.Prev
	}
	return it
}
