package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zewelor/bt-mqtt-gateway/internal/dispatch"
	"github.com/zewelor/bt-mqtt-gateway/internal/driver"
	"github.com/zewelor/bt-mqtt-gateway/internal/runtime/supervisor"
	"github.com/zewelor/bt-mqtt-gateway/internal/scheduler"
	"github.com/zewelor/bt-mqtt-gateway/internal/storage"
	logx "github.com/zewelor/bt-mqtt-gateway/pkg/logx"
)

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	QueueLen      int    `json:"queue_len"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Connected     *bool  `json:"connected,omitempty"`

	Goroutines []supervisor.Stats `json:"goroutines,omitempty"`
}

type IntervalResponse struct {
	Driver   string `json:"driver"`
	Interval int    `json:"interval"`
}

type RefreshResponse struct {
	Driver string `json:"driver"`
	Status string `json:"status"`
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

// writeDriverError maps dispatcher errors to status codes.
func (s *Server) writeDriverError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, driver.ErrUnknownDriver):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrNotPolled):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrInvalidInterval):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Warn("http driver request failed", logx.Err(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		QueueLen:      s.gw.QueueLen(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.goroutines != nil {
		resp.Goroutines = s.goroutines()
	}
	code := http.StatusOK
	if s.connected != nil {
		up := s.connected()
		resp.Connected = &up
		if !up {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	respondJSON(w, code, resp)
}

// handleJobs handles GET /v1/jobs.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs := []scheduler.JobInfo{}
	if s.jobs != nil {
		jobs = append(jobs, s.jobs.Jobs()...)
	}
	respondJSON(w, http.StatusOK, jobs)
}

// handleDrivers handles GET /v1/drivers.
func (s *Server) handleDrivers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.gw.Drivers())
}

// handleRefresh handles POST /v1/drivers/{name}/refresh.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.gw.Refresh(name); err != nil {
		s.writeDriverError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, RefreshResponse{Driver: name, Status: "queued"})
}

// handleSetInterval handles PUT /v1/drivers/{name}/interval. The body is a
// whole number of seconds, as on the bus.
func (s *Server) handleSetInterval(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	body, err := io.ReadAll(io.LimitReader(r.Body, 64))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	secs, err := strconv.Atoi(strings.TrimSpace(string(body)))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "interval must be an integer number of seconds")
		return
	}
	if err := s.gw.SetInterval(name, time.Duration(secs)*time.Second); err != nil {
		s.writeDriverError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, IntervalResponse{Driver: name, Interval: secs})
}

// handleStopPolling handles DELETE /v1/drivers/{name}/interval.
func (s *Server) handleStopPolling(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.gw.StopPolling(name) {
		s.writeError(w, http.StatusNotFound, "no periodic update scheduled for "+name)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHistory handles GET /v1/history?limit=N&driver=NAME.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "execution history is disabled")
		return
	}
	q := storage.Query{Driver: r.URL.Query().Get("driver")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		q.Limit = n
	}
	execs, err := s.history.Recent(r.Context(), q)
	if err != nil {
		s.log.Warn("history query failed", logx.Err(err))
		s.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	if execs == nil {
		execs = []storage.Execution{}
	}
	respondJSON(w, http.StatusOK, execs)
}
