// Package api provides the HTTP API server for casevault.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wesm/casevault/internal/actions"
	"github.com/wesm/casevault/internal/config"
	"github.com/wesm/casevault/internal/inbox"
	"github.com/wesm/casevault/internal/labels"
	"github.com/wesm/casevault/internal/scheduler"
	"github.com/wesm/casevault/internal/search"
	"github.com/wesm/casevault/internal/store"
)

// Store defines the persistence operations the API needs beyond the
// search engine, labeller and action coordinator.
type Store interface {
	inbox.LabelStore
	search.LabelResolver
	CreateLabel(ctx context.Context, l *inbox.Label) error
	UpdateLabel(ctx context.Context, l *inbox.Label) error
	ReleaseLabel(ctx context.Context, orgID, labelID int64) (int, error)
	ListLabels(ctx context.Context, orgID int64, includeReleased bool) ([]inbox.Label, error)
	LabelCounts(ctx context.Context, orgID int64) (map[int64]int64, error)
	Find(ctx context.Context, orgID int64, backendIDs []int64) ([]inbox.Message, error)
	UpsertMessage(ctx context.Context, msg *inbox.Message) (bool, error)
	MessageHistory(ctx context.Context, orgID, backendID int64) ([]inbox.ActionRecord, error)
	UpsertContact(ctx context.Context, c *inbox.Contact) error
	GetStats(ctx context.Context) (*StoreStats, error)
}

// StoreStats is an alias for store.Stats.
type StoreStats = store.Stats

// JobScheduler defines the scheduler operations the API needs.
type JobScheduler interface {
	Submit(name, kind string, fn scheduler.JobFunc) error
	Status() []JobStatus
	IsRunning() bool
}

// JobStatus is an alias for scheduler.JobStatus.
type JobStatus = scheduler.JobStatus

// Services bundles the engines the handlers call into.
type Services struct {
	Store     Store
	Search    *search.Engine
	Actions   *actions.Coordinator
	Labeller  *labels.Labeller
	Scheduler JobScheduler // may be nil; label edits then skip the re-sync
}

// Server represents the HTTP API server.
type Server struct {
	cfg         *config.Config
	svc         Services
	logger      *slog.Logger
	router      chi.Router
	server      *http.Server
	rateLimiter *RateLimiter
	now         func() time.Time
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, svc Services, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		svc:    svc,
		logger: logger,
		now:    time.Now,
	}
	s.router = s.setupRouter()
	return s
}

// setupRouter configures the chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(s.loggerMiddleware)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	// CORS middleware (config-driven; disabled when no origins configured)
	r.Use(CORSMiddleware(CORSConfig{
		AllowedOrigins: s.cfg.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-User-ID", "X-Visible-Labels"},
		MaxAge:         86400,
	}))

	rps, burst := s.cfg.Server.RateLimitRPS, s.cfg.Server.RateBurst
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	s.rateLimiter = NewRateLimiter(rps, burst)
	r.Use(RateLimitMiddleware(s.rateLimiter))

	// Health and metrics (no auth required)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/stats", s.handleStats)
		r.Get("/scheduler/status", s.handleSchedulerStatus)

		r.Route("/orgs/{org}", func(r chi.Router) {
			r.Use(scopeMiddleware)

			r.Get("/labels", s.handleListLabels)
			r.Post("/labels", s.handleCreateLabel)
			r.Put("/labels/{id}", s.handleUpdateLabel)
			r.Delete("/labels/{id}", s.handleReleaseLabel)

			r.Post("/messages", s.handleInbound)
			r.Get("/messages/search", s.handleSearch)
			r.Post("/messages/action/{action}", s.handleAction)
			r.Post("/messages/{id}/labels", s.handleSetLabels)
			r.Get("/messages/{id}/history", s.handleHistory)

			r.Post("/contacts", s.handleUpsertContact)
		})
	})

	return r
}

// Start begins listening for HTTP requests.
// Returns an error if the security posture is invalid.
func (s *Server) Start() error {
	if err := s.cfg.Server.ValidateSecure(); err != nil {
		return err
	}

	bindAddr := s.cfg.Server.BindAddr
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	addr := net.JoinHostPort(bindAddr, strconv.Itoa(s.cfg.Server.APIPort))

	if s.cfg.Server.APIKey == "" {
		s.logger.Warn("API server running without authentication; set [server] api_key in config.toml")
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.rateLimiter != nil {
		s.rateLimiter.Close()
	}
	if s.server == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// loggerMiddleware logs HTTP requests.
func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// authMiddleware validates the API key.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if no API key configured
		if s.cfg.Server.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		// Check Authorization header
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			// Also check X-API-Key header
			authHeader = r.Header.Get("X-API-Key")
		}

		// Strip "Bearer " prefix if present
		if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
			authHeader = authHeader[7:]
		}

		if subtle.ConstantTimeCompare([]byte(authHeader), []byte(s.cfg.Server.APIKey)) != 1 {
			s.logger.Warn("unauthorized API request",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
