package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"trackersched/internal/core"
	"trackersched/internal/store"

	"github.com/go-chi/chi/v5"
)

const taskListCacheTTL = 30 * time.Second

type taskResponse struct {
	ID             int     `json:"id"`
	Name           string  `json:"name"`
	IntervalSecs   int64   `json:"interval_s"`
	Enabled        bool    `json:"enabled"`
	LastRunAt      *string `json:"last_run_at,omitempty"`
	LastDurationMs *int64  `json:"last_duration_ms,omitempty"`
	LastResult     *string `json:"last_result,omitempty"`
	LastError      *string `json:"last_error,omitempty"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if cached, ok, err := s.store.CacheGet(ctx, store.TaskListCacheKey); err == nil && ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(cached))
		return
	} else if err != nil {
		s.logger.Warn("read task list cache", "err", err)
	}

	records, err := s.store.ListRunRecords(ctx)
	if err != nil {
		s.logger.Error("list run records", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list tasks")
		return
	}
	defs := s.scheduler.Registry().List()
	res := make([]taskResponse, 0, len(defs))
	for _, def := range defs {
		res = append(res, taskToResponse(def, records[def.ID]))
	}

	body, err := json.Marshal(res)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to encode tasks")
		return
	}
	if err := s.store.CacheSet(ctx, store.TaskListCacheKey, string(body), taskListCacheTTL); err != nil {
		s.logger.Warn("write task list cache", "err", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.taskIDParam(w, r)
	if !ok {
		return
	}
	def, _ := s.scheduler.Registry().Find(taskID)
	rec, err := s.store.GetRunRecord(r.Context(), taskID)
	if err != nil && !errors.Is(err, core.ErrNoRunRecord) {
		s.logger.Error("get run record", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load task")
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(def, rec))
}

// taskIDParam resolves {taskID} against the registry, writing the error response itself.
func (s *Server) taskIDParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	taskID, err := strconv.Atoi(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "task id must be an integer")
		return 0, false
	}
	if _, err := s.scheduler.Registry().Find(taskID); err != nil {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return 0, false
	}
	return taskID, true
}

func taskToResponse(def core.TaskDefinition, rec *core.TaskRunRecord) taskResponse {
	res := taskResponse{
		ID:           def.ID,
		Name:         def.Name,
		IntervalSecs: def.IntervalSeconds(),
		Enabled:      def.Enabled,
	}
	if rec != nil {
		lastRun := rec.LastRunAt.UTC().Format(time.RFC3339)
		duration := rec.LastDurationMs
		result := string(rec.LastResult)
		res.LastRunAt = &lastRun
		res.LastDurationMs = &duration
		res.LastResult = &result
		res.LastError = rec.LastError
	}
	return res
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
