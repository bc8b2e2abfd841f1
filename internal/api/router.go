package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"trackersched/internal/core"
	"trackersched/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Options configures the administrative HTTP trigger.
type Options struct {
	Addr         string
	AdminToken   string
	ScheduleKey  string
	ReplayWindow time.Duration
	DaemonCron   string
}

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	store      *store.Store
	scheduler  *core.Scheduler
	replay     *ReplayGuard
	logger     *slog.Logger
	location   *time.Location
	adminToken string
	daemonCron string

	// runMu serializes POST /v1/schedule/run.
	runMu sync.Mutex
}

// NewServer constructs the HTTP API server.
func NewServer(opts Options, store *store.Store, scheduler *core.Scheduler, logger *slog.Logger, location *time.Location) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	if location == nil {
		location = time.Local
	}
	daemonCron := opts.DaemonCron
	if daemonCron == "" {
		daemonCron = core.DefaultDaemonCron
	}

	s := &Server{
		router:     router,
		store:      store,
		scheduler:  scheduler,
		replay:     NewReplayGuard(opts.ScheduleKey, opts.ReplayWindow, store, logger),
		logger:     logger,
		location:   location,
		adminToken: opts.AdminToken,
		daemonCron: daemonCron,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(s.adminToken))

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Get("/runs", s.handleListRuns)
			})
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/{runID}", s.handleGetRun)
			r.Get("/{runID}/log", s.handleRunLog)
		})

		r.Route("/schedule", func(r chi.Router) {
			r.Get("/next", s.handleNextSweeps)
			r.With(s.replay.Middleware).Post("/run", s.handleRun)
		})
	})
}
