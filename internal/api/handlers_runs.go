package api

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"trackersched/internal/core"
	"trackersched/internal/store"

	"github.com/go-chi/chi/v5"
)

type runResponse struct {
	ID         string  `json:"id"`
	TaskID     int     `json:"task_id"`
	Result     string  `json:"result"`
	StartedAt  string  `json:"started_at"`
	DurationMs int64   `json:"duration_ms"`
	Error      *string `json:"error,omitempty"`
	Forced     bool    `json:"forced"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.taskIDParam(w, r)
	if !ok {
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	runs, err := s.store.ListRuns(r.Context(), taskID, limit, offset)
	if err != nil {
		s.logger.Error("list runs", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list runs")
		return
	}
	res := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		res = append(res, runToResponse(run))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "run not found")
		} else {
			s.logger.Error("get run", "run_id", runID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load run")
		}
		return
	}
	writeJSON(w, http.StatusOK, runToResponse(run))
}

func (s *Server) handleRunLog(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "run not found")
		} else {
			s.logger.Error("get run for log", "run_id", runID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load run")
		}
		return
	}

	file, err := os.Open(s.store.RunLogPath(runID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "not_found", "log not found")
		} else {
			s.logger.Error("open log", "run_id", runID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to read log")
		}
		return
	}
	defer file.Close()

	data, err := readTailLines(file, parseIntDefault(r.URL.Query().Get("tail"), 0))
	if err != nil {
		s.logger.Error("read log", "run_id", runID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read log")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(data)
}

func runToResponse(run *core.RunHistory) runResponse {
	return runResponse{
		ID:         run.RunID,
		TaskID:     run.TaskID,
		Result:     string(run.Result),
		StartedAt:  run.StartedAt.UTC().Format(time.RFC3339),
		DurationMs: run.DurationMs,
		Error:      run.Error,
		Forced:     run.Forced,
	}
}

func readTailLines(r io.Reader, tail int) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if tail <= 0 {
		return data, nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return []byte(strings.Join(lines, "\n") + "\n"), nil
}

func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
