// Package server is the controller's HTTP surface: the webhook endpoint, the
// authenticated builds API, log streaming, and artifact download.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"git.home.luguber.info/inful/ando/internal/config"
	"git.home.luguber.info/inful/ando/internal/ingress"
	"git.home.luguber.info/inful/ando/internal/logstream"
	"git.home.luguber.info/inful/ando/internal/store"
	"git.home.luguber.info/inful/ando/internal/vault"
	"git.home.luguber.info/inful/ando/internal/workspace"
)

// Canceller interrupts running builds.
type Canceller interface {
	Cancel(buildID int64) bool
}

// Server routes HTTP traffic to the ingress and store layers.
type Server struct {
	router *chi.Mux
	server *http.Server
	logger *slog.Logger

	store     *store.Store
	ingress   *ingress.Ingress
	logs      *logstream.Transport
	vault     *vault.Vault
	ws        *workspace.Manager
	canceller Canceller
	metrics   http.Handler
}

// Deps collects the server's collaborators.
type Deps struct {
	Store     *store.Store
	Ingress   *ingress.Ingress
	Logs      *logstream.Transport
	Vault     *vault.Vault
	Workspace *workspace.Manager
	Canceller Canceller
	Logger    *slog.Logger
	// Metrics serves GET /metrics; nil falls back to the default registry.
	Metrics http.Handler
}

func New(cfg config.ServerConfig, d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = promhttp.Handler()
	}
	s := &Server{
		router:    chi.NewRouter(),
		logger:    d.Logger,
		store:     d.Store,
		ingress:   d.Ingress,
		logs:      d.Logs,
		vault:     d.Vault,
		ws:        d.Workspace,
		canceller: d.Canceller,
		metrics:   d.Metrics,
	}
	s.setupRoutes()

	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	s.server = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.router,
		ReadTimeout: readTimeout,
		// No WriteTimeout: SSE log streams are long-lived. Per-handler
		// deadlines cover the JSON endpoints.
		IdleTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", s.metrics)

	s.router.Post("/webhooks/github", s.handleWebhook)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(s.requireToken)

		r.Get("/projects", s.handleListProjects)
		r.Post("/projects", s.handleCreateProject)
		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Get("/", s.handleGetProject)
			r.Delete("/", s.handleDeleteProject)
			r.Get("/builds", s.handleListBuilds)
			r.Post("/builds", s.handleTriggerBuild)
			r.Get("/secrets", s.handleListSecretNames)
			r.Put("/secrets/{name}", s.handlePutSecret)
			r.Delete("/secrets/{name}", s.handleDeleteSecret)
		})

		r.Route("/builds/{buildID}", func(r chi.Router) {
			r.Get("/", s.handleGetBuild)
			r.Post("/cancel", s.handleCancelBuild)
			r.Post("/retry", s.handleRetryBuild)
			r.Get("/logs", s.handleGetLogs)
			r.Get("/logs/stream", s.handleStreamLogs)
			r.Get("/artifacts", s.handleListArtifacts)
			r.Get("/artifacts/{name}", s.handleDownloadArtifact)
		})
	})
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", slog.String("addr", s.server.Addr))
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
