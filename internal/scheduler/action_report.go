package scheduler

import (
	"time"

	logx "github.com/zewelor/bt-mqtt-gateway/pkg/logx"
)

const actionWarnThrottle = 5 * time.Second

func (s *Service) reportActionError(id string, err error) {
	if err == nil {
		return
	}
	now := time.Now()
	s.errMu.Lock()
	last := s.lastErrWarn[id]
	if !last.IsZero() && now.Sub(last) < actionWarnThrottle {
		s.errMu.Unlock()
		return
	}
	s.lastErrWarn[id] = now
	s.errMu.Unlock()

	s.log.Warn("job action failed", logx.String("job", id), logx.Err(err))
}
