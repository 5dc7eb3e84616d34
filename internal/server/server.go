// Package server exposes the service over HTTP: JWT-authenticated JSON
// endpoints for ingestion, retrieval, answer synthesis, and chat sessions,
// plus health and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/venia-ai/docsearch/internal/auth"
	"github.com/venia-ai/docsearch/internal/ingest"
	"github.com/venia-ai/docsearch/internal/query"
	"github.com/venia-ai/docsearch/internal/repository"
	"github.com/venia-ai/docsearch/internal/search"
	"github.com/venia-ai/docsearch/internal/telemetry"
	"github.com/venia-ai/docsearch/internal/tenant"
	"github.com/venia-ai/docsearch/internal/vectorindex"
)

// DocumentService is the document lifecycle API the server fronts.
type DocumentService interface {
	IngestDocument(ctx context.Context, sec tenant.SecurityContext, req ingest.IngestRequest) (*repository.Document, error)
	GetDocumentStatus(ctx context.Context, sec tenant.SecurityContext, tenantID, documentID uuid.UUID) (*repository.Document, error)
	ListDocuments(ctx context.Context, sec tenant.SecurityContext, tenantID uuid.UUID, status repository.DocumentStatus, limit, offset int) ([]*repository.Document, int, error)
	DeleteDocument(ctx context.Context, sec tenant.SecurityContext, tenantID, documentID uuid.UUID) error
	ReingestDocument(ctx context.Context, sec tenant.SecurityContext, tenantID, documentID uuid.UUID) (*repository.Document, error)
}

// Searcher runs retrieval queries.
type Searcher interface {
	Search(ctx context.Context, sec tenant.SecurityContext, req search.Request) (*search.Response, error)
}

// Answerer synthesizes grounded answers.
type Answerer interface {
	Answer(ctx context.Context, sec tenant.SecurityContext, req query.Request) (*query.Result, error)
}

// ChatService manages conversation sessions.
type ChatService interface {
	OpenSession(ctx context.Context, sec tenant.SecurityContext, tenantID uuid.UUID, title string) (*repository.ChatSession, error)
	SendMessage(ctx context.Context, sec tenant.SecurityContext, tenantID, sessionID uuid.UUID, content string) (*query.Result, error)
	History(ctx context.Context, sec tenant.SecurityContext, tenantID, sessionID uuid.UUID, limit int) ([]*repository.Message, error)
	ListSessions(ctx context.Context, sec tenant.SecurityContext, tenantID uuid.UUID, limit, offset int) ([]*repository.ChatSession, int, error)
	CloseSession(ctx context.Context, sec tenant.SecurityContext, tenantID, sessionID uuid.UUID) error
}

// IndexInspector reports vector index rebuild progress.
type IndexInspector interface {
	Progress(tenantID uuid.UUID) vectorindex.RebuildProgress
}

// Config holds HTTP server settings.
type Config struct {
	Port           int
	AllowedOrigins []string // CORS; empty allows all
	MaxUploadBytes int64    // request body cap on uploads (default 64 MiB)
}

// Deps bundles the services the server routes to.
type Deps struct {
	Documents DocumentService
	Search    Searcher
	Query     Answerer
	Chat      ChatService
	Index     IndexInspector
	Auth      *auth.JWTManager
	Metrics   *telemetry.Metrics
	Gatherer  prometheus.Gatherer
	Ready     func(ctx context.Context) error
	Logger    *slog.Logger
}

// Server is the HTTP front of the service.
type Server struct {
	server *http.Server
	router *chi.Mux
	deps   Deps
	config Config
	logger *slog.Logger
}

// New creates the HTTP server and mounts all routes
func New(cfg Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 64 << 20
	}

	s := &Server{
		deps:   deps,
		config: cfg,
		logger: logger,
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.AllowedOrigins))
	if deps.Metrics != nil {
		router.Use(metricsMiddleware(deps.Metrics))
	}

	router.Get("/healthz", s.handleHealth)
	router.Get("/readyz", s.handleReady)
	if deps.Gatherer != nil {
		router.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	router.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/documents", s.handleUpload)
		r.Get("/documents", s.handleListDocuments)
		r.Get("/documents/{documentID}", s.handleDocumentStatus)
		r.Delete("/documents/{documentID}", s.handleDeleteDocument)
		r.Post("/documents/{documentID}/reingest", s.handleReingest)

		r.Get("/index/progress", s.handleIndexProgress)

		r.Post("/search", s.handleSearch)
		r.Post("/answer", s.handleAnswer)

		r.Post("/sessions", s.handleOpenSession)
		r.Get("/sessions", s.handleListSessions)
		r.Delete("/sessions/{sessionID}", s.handleCloseSession)
		r.Post("/sessions/{sessionID}/messages", s.handleSendMessage)
		r.Get("/sessions/{sessionID}/messages", s.handleSessionHistory)
	})

	s.router = router
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // answer synthesis can run long
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requestLoggingMiddleware logs every HTTP request with its outcome.
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// metricsMiddleware records request latency against the matched route pattern.
func metricsMiddleware(m *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			m.ObserveRequest(route, r.Method, ww.Status(), time.Since(start))
		})
	}
}

// corsMiddleware handles CORS headers and preflight requests.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
