package api

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"time"

	"trackersched/internal/core"
	"trackersched/internal/store"
)

const runInFlightMessage = "schedule run already in progress\n"

type nextSweepResponse struct {
	Cron      string   `json:"cron"`
	NextTimes []string `json:"next_times"`
}

// handleRun runs a full sweep, or a forced single task when ?id= is given.
// The body is the same text stream the command line prints. Only one run is
// served at a time; an overlapping request gets 503.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if !s.runMu.TryLock() {
		s.logger.Warn("admin schedule trigger rejected, run in flight", "id", r.URL.Query().Get("id"))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(runInFlightMessage))
		return
	}
	defer s.runMu.Unlock()

	var (
		buf     bytes.Buffer
		err     error
		rawID   = r.URL.Query().Get("id")
		started = time.Now()
	)
	if rawID == "" {
		_, err = s.scheduler.Run(r.Context(), &buf)
	} else {
		id, convErr := strconv.Atoi(rawID)
		if convErr != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "id must be an integer")
			return
		}
		_, err = s.scheduler.RunTask(r.Context(), id, true, &buf)
	}
	if invErr := s.store.Invalidate(r.Context(), store.TaskListCacheKey); invErr != nil {
		s.logger.Warn("invalidate task list cache", "err", invErr)
	}

	status := http.StatusOK
	switch {
	case err == nil:
	case errors.Is(err, core.ErrConcurrencyGuard):
		status = http.StatusServiceUnavailable
	case errors.Is(err, core.ErrTaskNotFound):
		status = http.StatusNotFound
		buf.WriteString(err.Error() + "\n")
	default:
		status = http.StatusInternalServerError
		buf.WriteString(err.Error() + "\n")
	}
	s.logger.Info("admin schedule trigger", "id", rawID, "status", status, "elapsed", time.Since(started))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleNextSweeps(w http.ResponseWriter, r *http.Request) {
	count := parseIntDefault(r.URL.Query().Get("count"), 5)
	if count < 1 || count > 20 {
		count = 5
	}
	schedule, err := core.ParseCron(s.daemonCron)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "invalid_cron", err.Error())
		return
	}
	times := core.NextOccurrences(schedule, time.Now().In(s.location), count)
	res := nextSweepResponse{Cron: s.daemonCron, NextTimes: make([]string, len(times))}
	for i, t := range times {
		res.NextTimes[i] = t.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, res)
}
