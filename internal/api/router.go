package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"edgelamp/internal/core"
	"edgelamp/internal/ingest"
	"edgelamp/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	store      *store.Store
	scheduler  *core.Scheduler
	buffer     *ingest.Buffer
	mcpHandler http.Handler
	logger     *slog.Logger
	location   *time.Location
	authToken  string
	startedAt  time.Time
}

// NewServer constructs the HTTP API server. buffer and mcpHandler may be nil,
// in which case the readings endpoints answer not_ready and /mcp is absent.
func NewServer(addr string, authToken string, store *store.Store, scheduler *core.Scheduler, buffer *ingest.Buffer, mcpHandler http.Handler, logger *slog.Logger, location *time.Location) (*Server, error) {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))

	s := &Server{
		router:     router,
		store:      store,
		scheduler:  scheduler,
		buffer:     buffer,
		mcpHandler: mcpHandler,
		logger:     logger,
		location:   location,
		authToken:  authToken,
		startedAt:  time.Now(),
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
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
	if s.mcpHandler != nil {
		var mcpHandler http.Handler = s.mcpHandler
		if s.authToken != "" {
			mcpHandler = AuthMiddleware(s.authToken)(mcpHandler)
		}
		s.router.Handle("/mcp", mcpHandler)
	}

	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Get("/ping", s.handlePing)

		r.Route("/processes", func(r chi.Router) {
			r.Get("/", s.handleListProcesses)
			r.Post("/", s.handleSaveProcess)
		})

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", s.handleListSchedules)
			r.Post("/", s.handleCreateSchedule)
			r.Post("/preview", s.handlePreviewSchedule)

			r.Route("/{scheduleID}", func(r chi.Router) {
				r.Get("/", s.handleGetSchedule)
				r.Put("/", s.handleUpdateSchedule)
				r.Delete("/", s.handleDeleteSchedule)
				r.Post("/run", s.handleRunSchedule)
			})
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Get("/latest", s.handleLatestTasks)
			r.Get("/running", s.handleRunningTasks)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Post("/cancel", s.handleCancelTask)
				r.Get("/log", s.handleTaskLog)
			})
		})

		r.Get("/readings", s.handleListReadings)
		r.Post("/readings", s.handleAddReadings)
		r.Get("/statistics", s.handleStatistics)
	})
}

type pingResponse struct {
	UptimeSeconds int64 `json:"uptime_s"`
	RunningTasks  int   `json:"running_tasks"`
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, pingResponse{
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		RunningTasks:  len(s.scheduler.RunningTasks(nil)),
	})
}
