package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"trackersched/internal/core"
	"trackersched/internal/store"
)

const (
	testToken = "admin-token"
	testKey   = "schedule-key"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type rejectGuard struct{}

func (rejectGuard) Check(context.Context) error {
	return &core.GuardRejectionError{Pattern: "trackersched", Count: 5, Ceiling: 3}
}

func newTestServer(t *testing.T, guard core.Guard) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), t.TempDir(), 10)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	registry, err := core.NewRegistry(
		core.Entry{
			Definition: core.TaskDefinition{ID: 1, Name: "Touch", Interval: time.Hour, Enabled: true},
			Task: core.TaskFunc(func(_ context.Context, w io.Writer) error {
				fmt.Fprintln(w, "line one")
				fmt.Fprintln(w, "line two")
				return nil
			}),
		},
		core.Entry{
			Definition: core.TaskDefinition{ID: 2, Name: "Broken", Interval: time.Hour, Enabled: true},
			Task:       core.TaskFunc(func(context.Context, io.Writer) error { return errors.New("no route to host") }),
		},
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	logger := discardLogger()
	scheduler := core.NewScheduler(registry, core.NewExecutor(st, logger, 0), st, guard, logger, time.UTC)
	srv := NewServer(Options{
		AdminToken:   testToken,
		ScheduleKey:  testKey,
		ReplayWindow: time.Minute,
	}, st, scheduler, logger, time.UTC)
	return srv, st
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func authed(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func signedRun(target string, ts time.Time) *http.Request {
	req := authed(http.MethodPost, target)
	unix := ts.Unix()
	req.Header.Set(timestampHeader, strconv.FormatInt(unix, 10))
	req.Header.Set(signatureHeader, Sign(testKey, unix, http.MethodPost, req.URL.RequestURI()))
	return req
}

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing", want: http.StatusUnauthorized},
		{name: "wrong token", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic " + testToken, want: http.StatusUnauthorized},
		{name: "valid", header: "Bearer " + testToken, want: http.StatusOK},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if rec := do(t, srv.Handler(), req); rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestListTasks(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	rec := do(t, srv.Handler(), authed(http.MethodGet, "/v1/tasks"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var tasks []taskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != 1 || tasks[1].ID != 2 {
		t.Fatalf("tasks = %+v", tasks)
	}
	if tasks[0].IntervalSecs != 3600 || tasks[0].LastRunAt != nil {
		t.Fatalf("task 1 = %+v", tasks[0])
	}
}

func TestGetTaskNotFound(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	if rec := do(t, srv.Handler(), authed(http.MethodGet, "/v1/tasks/99")); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if rec := do(t, srv.Handler(), authed(http.MethodGet, "/v1/tasks/abc")); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRunSweepAndInspect(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	// Populate the cached listing so the run has something to invalidate.
	do(t, h, authed(http.MethodGet, "/v1/tasks"))

	rec := do(t, h, signedRun("/v1/schedule/run", time.Now()))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "Current Time: ") {
		t.Fatalf("body = %q", body)
	}
	if !strings.Contains(body, "[1] Touch ... ok (") || !strings.Contains(body, "[2] Broken ... failed (") {
		t.Fatalf("body missing task lines:\n%s", body)
	}

	rec = do(t, h, authed(http.MethodGet, "/v1/tasks/1"))
	var task taskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.LastResult == nil || *task.LastResult != "ok" {
		t.Fatalf("task 1 after run = %+v", task)
	}

	rec = do(t, h, authed(http.MethodGet, "/v1/tasks"))
	var tasks []taskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("decode tasks: %v", err)
	}
	if tasks[1].LastResult == nil || *tasks[1].LastResult != "failed" {
		t.Fatalf("stale task listing after run: %+v", tasks[1])
	}

	rec = do(t, h, authed(http.MethodGet, "/v1/tasks/1/runs"))
	var runs []runResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Forced {
		t.Fatalf("runs = %+v", runs)
	}

	rec = do(t, h, authed(http.MethodGet, "/v1/runs/"+runs[0].ID+"/log?tail=1"))
	if rec.Code != http.StatusOK || rec.Body.String() != "line two\n" {
		t.Fatalf("log = %d %q", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, authed(http.MethodGet, "/v1/runs/unknown")); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown run status = %d", rec.Code)
	}
}

func TestRunSingleTask(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	for i := 0; i < 2; i++ {
		rec := do(t, h, signedRun(fmt.Sprintf("/v1/schedule/run?id=1&n=%d", i), time.Now()))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
		}
	}
	rec := do(t, h, authed(http.MethodGet, "/v1/tasks/1/runs"))
	var runs []runResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(runs) != 2 || !runs[0].Forced {
		t.Fatalf("forced runs = %+v", runs)
	}

	if rec := do(t, h, signedRun("/v1/schedule/run?id=42", time.Now())); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id status = %d", rec.Code)
	}
	if rec := do(t, h, signedRun("/v1/schedule/run?id=x", time.Now())); rec.Code != http.StatusBadRequest {
		t.Fatalf("non-numeric id status = %d", rec.Code)
	}
}

func TestRunGuardRejected(t *testing.T) {
	t.Parallel()
	srv, st := newTestServer(t, rejectGuard{})
	rec := do(t, srv.Handler(), signedRun("/v1/schedule/run", time.Now()))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Body.String() != "trackersched is already running. Exiting (5)\n" {
		t.Fatalf("body = %q", rec.Body.String())
	}
	records, err := st.ListRunRecords(context.Background())
	if err != nil || len(records) != 0 {
		t.Fatalf("records after rejection = %v, %v", records, err)
	}
}

func TestRunOverlappingRequestRejected(t *testing.T) {
	t.Parallel()
	st, err := store.Open(context.Background(), t.TempDir(), 10)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	registry, err := core.NewRegistry(core.Entry{
		Definition: core.TaskDefinition{ID: 1, Name: "Slow", Interval: time.Hour, Enabled: true},
		Task: core.TaskFunc(func(context.Context, io.Writer) error {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			return nil
		}),
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	logger := discardLogger()
	scheduler := core.NewScheduler(registry, core.NewExecutor(st, logger, 0), st, nil, logger, time.UTC)
	srv := NewServer(Options{AdminToken: testToken, ScheduleKey: testKey, ReplayWindow: time.Minute}, st, scheduler, logger, time.UTC)
	h := srv.Handler()

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, signedRun("/v1/schedule/run?id=1&n=1", time.Now()))
		first <- rec
	}()
	<-started

	rec := do(t, h, signedRun("/v1/schedule/run?id=1&n=2", time.Now()))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("overlapping status = %d, want 503", rec.Code)
	}
	if rec.Body.String() != runInFlightMessage {
		t.Fatalf("overlapping body = %q", rec.Body.String())
	}

	close(release)
	if rec := <-first; rec.Code != http.StatusOK {
		t.Fatalf("first status = %d body=%s", rec.Code, rec.Body.String())
	}

	runs, err := st.ListRuns(context.Background(), 1, 10, 0)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs = %+v, %v, want exactly one", runs, err)
	}

	// The lock is released once the first run returns.
	if rec := do(t, h, signedRun("/v1/schedule/run?n=3", time.Now())); rec.Code != http.StatusOK {
		t.Fatalf("follow-up status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestReplayGuard(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	first := signedRun("/v1/schedule/run?id=1", time.Now())
	if rec := do(t, h, first); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}
	replay := authed(http.MethodPost, "/v1/schedule/run?id=1")
	replay.Header = first.Header.Clone()
	if rec := do(t, h, replay); rec.Code != http.StatusUnauthorized {
		t.Fatalf("replayed status = %d, want 401", rec.Code)
	}

	if rec := do(t, h, signedRun("/v1/schedule/run?id=1", time.Now().Add(-10*time.Minute))); rec.Code != http.StatusUnauthorized {
		t.Fatalf("stale status = %d, want 401", rec.Code)
	}

	forged := signedRun("/v1/schedule/run?id=1", time.Now())
	forged.URL.RawQuery = "id=2"
	if rec := do(t, h, forged); rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged status = %d, want 401", rec.Code)
	}

	unsigned := authed(http.MethodPost, "/v1/schedule/run")
	if rec := do(t, h, unsigned); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned status = %d, want 401", rec.Code)
	}
}

func TestNextSweeps(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	rec := do(t, srv.Handler(), authed(http.MethodGet, "/v1/schedule/next?count=3"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var res nextSweepResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Cron != core.DefaultDaemonCron || len(res.NextTimes) != 3 {
		t.Fatalf("res = %+v", res)
	}
}
