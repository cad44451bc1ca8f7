// Copyright 2025 James Ross
package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jamesross/ollama-job-queue/internal/backendmetrics"
	"github.com/jamesross/ollama-job-queue/internal/config"
	"github.com/jamesross/ollama-job-queue/internal/dispatcher"
	"github.com/jamesross/ollama-job-queue/internal/jobstore"
	"github.com/jamesross/ollama-job-queue/internal/scheduler"
	"github.com/jamesross/ollama-job-queue/internal/selector"
)

// Server is the HTTP front door for job submission, status, analytics and
// administration.
type Server struct {
	Cfg        *config.Config
	Store      *jobstore.Store
	Dispatcher *dispatcher.Dispatcher
	Scheduler  *scheduler.Scheduler
	Selector   *selector.Selector
	Metrics    *backendmetrics.Registry
	Redis      *redis.Client
	Log        *zap.Logger

	auditLog *AuditLogger
	server   *http.Server
}

// NewServer wires a Server from its constituent components.
func NewServer(cfg *config.Config, store *jobstore.Store, disp *dispatcher.Dispatcher, sched *scheduler.Scheduler,
	sel *selector.Selector, metrics *backendmetrics.Registry, rdb *redis.Client, log *zap.Logger) *Server {
	var auditLog *AuditLogger
	if cfg.AdminAPI.AuditEnabled {
		auditLog = NewAuditLogger(cfg.AdminAPI.AuditLogPath, cfg.AdminAPI.AuditMaxSizeMB,
			cfg.AdminAPI.AuditMaxBackups, cfg.AdminAPI.AuditMaxAgeDays, true)
	}

	return &Server{
		Cfg:        cfg,
		Store:      store,
		Dispatcher: disp,
		Scheduler:  sched,
		Selector:   sel,
		Metrics:    metrics,
		Redis:      rdb,
		Log:        log,
		auditLog:   auditLog,
	}
}

// Start begins serving HTTP traffic. It blocks until the server stops.
func (s *Server) Start() error {
	handler := s.applyMiddleware(s.SetupRoutes())

	s.server = &http.Server{
		Addr:         s.Cfg.AdminAPI.ListenAddr,
		Handler:      handler,
		ReadTimeout:  s.Cfg.AdminAPI.ReadTimeout,
		WriteTimeout: s.Cfg.AdminAPI.WriteTimeout,
	}

	s.Log.Info("starting job queue API server",
		zap.String("addr", s.Cfg.AdminAPI.ListenAddr),
		zap.Bool("auth_required", s.Cfg.AdminAPI.RequireAuth),
		zap.Bool("rate_limit_enabled", s.Cfg.AdminAPI.RateLimitEnabled))

	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server, flushing the audit log.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.auditLog != nil {
		_ = s.auditLog.Close()
	}
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// SetupRoutes configures the route table. Exported for testing.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	mux.HandleFunc("/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.SubmitJob(w, r)
		case http.MethodGet:
			s.ListJobs(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		}
	})

	mux.HandleFunc("/v1/jobs/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
		if strings.HasSuffix(rest, "/events") {
			id := strings.TrimSuffix(rest, "/events")
			if r.Method != http.MethodGet {
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
				return
			}
			s.JobEvents(w, r, id)
			return
		}

		id := rest
		switch r.Method {
		case http.MethodGet:
			s.GetJob(w, r, id)
		case http.MethodDelete:
			s.CancelJob(w, r, id)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		}
	})

	mux.Handle("/v1/analytics", requireAdmin(methodHandler(http.MethodGet, s.GetAnalytics)))
	mux.Handle("/v1/analytics/export.csv", requireAdmin(methodHandler(http.MethodGet, s.ExportAnalyticsCSV)))

	mux.Handle("/v1/archive", requireAdmin(methodHandler(http.MethodGet, s.ListArchive)))
	mux.Handle("/v1/archive/run", requireAdmin(methodHandler(http.MethodPost, s.RunArchive)))

	mux.Handle("/v1/admin/jobs", requireAdmin(methodHandler(http.MethodGet, s.ListAdminJobs)))
	mux.Handle("/v1/admin/jobs/", requireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/v1/admin/jobs/")
		id := strings.TrimSuffix(rest, "/retry")
		if id == rest || r.Method != http.MethodPost {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "not found")
			return
		}
		s.RetryJob(w, r, id)
	})))

	mux.Handle("/v1/system/metrics", requireAdmin(methodHandler(http.MethodGet, s.SystemMetrics)))
	mux.Handle("/v1/system/snapshots", requireAdmin(methodHandler(http.MethodGet, s.SystemSnapshots)))

	mux.HandleFunc("/v1/lb/strategy", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			requireAdmin(http.HandlerFunc(s.GetLBStrategy)).ServeHTTP(w, r)
		case http.MethodPost:
			requireAdmin(http.HandlerFunc(s.SetLBStrategy)).ServeHTTP(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		}
	})

	return mux
}

// applyMiddleware wires the middleware chain. Each step wraps the handler
// built so far, so Recovery is innermost and Auth outermost: a request passes
// Auth, RateLimit, Audit, CORS, RequestID and Recovery, in that order.
func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	handler = RecoveryMiddleware(s.Log)(handler)
	handler = RequestIDMiddleware()(handler)

	if s.Cfg.AdminAPI.CORSEnabled {
		handler = CORSMiddleware(s.Cfg.AdminAPI.CORSAllowOrigins)(handler)
	}
	if s.Cfg.AdminAPI.AuditEnabled && s.auditLog != nil {
		handler = AuditMiddleware(s.auditLog, s.Log)(handler)
	}
	if s.Cfg.AdminAPI.RateLimitEnabled {
		handler = RateLimitMiddleware(s.Cfg.AdminAPI.RateLimitPerMinute, s.Cfg.AdminAPI.RateLimitBurst, s.Log)(handler)
	}
	if s.Cfg.AdminAPI.RequireAuth {
		handler = AuthMiddleware(s.Cfg.AdminAPI.JWTSecret, s.Cfg.AdminAPI.DenyByDefault, s.Log)(handler)
	}
	return handler
}

func requireAdmin(next http.Handler) http.Handler {
	return RequireAdmin(next)
}

func methodHandler(method string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		handler(w, r)
	}
}
