package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bilidown/bilidown/internal/api/handlers"
	"github.com/bilidown/bilidown/internal/api/middleware"
	"github.com/bilidown/bilidown/internal/config"
	"github.com/bilidown/bilidown/internal/models"
	"github.com/bilidown/bilidown/internal/progress"
	"github.com/bilidown/bilidown/internal/scheduler"
	"github.com/bilidown/bilidown/internal/services/bili"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server represents the HTTP server
type Server struct {
	server *http.Server
	logger *logrus.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *config.Config, sched *scheduler.Scheduler, store *models.Database, tracker *progress.Tracker, categories *config.CategoryTable, biliClient *bili.Client, logger *logrus.Logger) *Server {
	s := &Server{logger: logger}

	router := mux.NewRouter()
	s.setupRoutes(router, cfg, sched, store, tracker, categories, biliClient)

	s.server = &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      middleware.Logging(middleware.RequestID(router), logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes(router *mux.Router, cfg *config.Config, sched *scheduler.Scheduler, store *models.Database, tracker *progress.Tracker, categories *config.CategoryTable, biliClient *bili.Client) {
	healthHandler := handlers.NewHealthHandler(s.logger)
	router.Handle("/health", healthHandler).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	tasksHandler := handlers.NewTasksHandler(sched, store, tracker, biliClient, cfg.ScratchDir, s.logger)
	router.HandleFunc("/api/tasks", tasksHandler.Submit).Methods(http.MethodPost)
	router.HandleFunc("/api/tasks", tasksHandler.List).Methods(http.MethodGet)
	router.HandleFunc("/api/tasks/{id}", tasksHandler.Get).Methods(http.MethodGet)
	router.HandleFunc("/api/tasks/{id}", tasksHandler.Delete).Methods(http.MethodDelete)
	router.HandleFunc("/api/tasks/{id}/cancel", tasksHandler.Cancel).Methods(http.MethodPost)
	router.HandleFunc("/api/tasks/{id}/retry", tasksHandler.Retry).Methods(http.MethodPost)
	router.HandleFunc("/api/tasks/{id}/merge", tasksHandler.RetryMerge).Methods(http.MethodPost)
	router.HandleFunc("/api/settings/concurrency", tasksHandler.SetConcurrency).Methods(http.MethodPut)

	categoriesHandler := handlers.NewCategoriesHandler(categories, s.logger)
	router.Handle("/api/categories", categoriesHandler).Methods(http.MethodGet)
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithField("addr", s.server.Addr).Info("Starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
