// Package api provides the admin HTTP API: experiment lifecycle, results,
// configuration mutation, and a formatting endpoint for collaborators that
// reach the pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odellh/burnish/pkg/config"
	"github.com/odellh/burnish/pkg/errors"
	"github.com/odellh/burnish/pkg/experiment"
	"github.com/odellh/burnish/pkg/formatter"
	"github.com/odellh/burnish/pkg/logging"
	"github.com/odellh/burnish/pkg/persona"
	"github.com/odellh/burnish/pkg/template"
)

// Server is the admin API server.
type Server struct {
	resolver   *config.Resolver
	engine     *experiment.Engine
	archive    *experiment.ArchiveStore
	catalog    *template.Catalog
	selector   *template.Selector
	formatter  *formatter.Formatter
	personas   *persona.Provider
	logger     *logging.Logger
	httpServer *http.Server
}

// ServerConfig wires the server's collaborators. Resolver and Engine are
// required; everything else is optional and disables its endpoints.
type ServerConfig struct {
	Bind      string
	Resolver  *config.Resolver
	Engine    *experiment.Engine
	Archive   *experiment.ArchiveStore
	Catalog   *template.Catalog
	Selector  *template.Selector
	Formatter *formatter.Formatter
	Personas  *persona.Provider
	Logger    *logging.Logger
}

// NewServer creates the admin API server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Bind == "" {
		cfg.Bind = config.DefaultAPIBind
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	s := &Server{
		resolver:  cfg.Resolver,
		engine:    cfg.Engine,
		archive:   cfg.Archive,
		catalog:   cfg.Catalog,
		selector:  cfg.Selector,
		formatter: cfg.Formatter,
		personas:  cfg.Personas,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/experiments", func(r chi.Router) {
			r.Post("/", s.handleCreateExperiment)
			r.Get("/", s.handleListExperiments)
			r.Get("/archived", s.handleListArchived)
			r.Get("/{id}/results", s.handleExperimentResults)
			r.Post("/{id}/stop", s.handleStopExperiment)
		})
		r.Put("/agents/{id}/config", s.handleUpdateAgentConfig)
		r.Put("/users/{id}/preferences", s.handleUpdateUserPreferences)
		r.Post("/users/{id}/feedback", s.handleFeedback)
		r.Route("/templates", func(r chi.Router) {
			r.Get("/", s.handleListTemplates)
			r.Put("/", s.handleUpsertTemplate)
		})
		r.Get("/personas", s.handleListPersonas)
		r.Post("/format", s.handleFormat)
	})

	s.httpServer = &http.Server{
		Addr:              cfg.Bind,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving. Blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info(logging.CategoryAPI, "api_listening", "admin API listening", map[string]any{
		"addr": s.httpServer.Addr,
	})
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.resolver == nil || s.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready", "reason": "pipeline not initialized",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeTypedError maps pipeline error codes onto HTTP statuses.
func writeTypedError(w http.ResponseWriter, err error) {
	switch {
	case errors.IsCode(err, errors.ErrCodeExperimentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.IsCode(err, errors.ErrCodeExperimentClosed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.IsCode(err, errors.ErrCodeExperimentInvalid),
		errors.IsCode(err, errors.ErrCodeConfigInvalid),
		errors.IsCode(err, errors.ErrCodeInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
