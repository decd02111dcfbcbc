package web

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"admitq/internal/executor"
	"admitq/internal/history"
	"admitq/internal/models"
	"admitq/internal/scheduler"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const DefaultKeepAlive = 15 * time.Second

// HistoryStore lists archived terminal tasks.
type HistoryStore interface {
	List(ctx context.Context, f history.Filter) ([]models.TaskRecord, error)
}

// Pinger backs the readiness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Addr            string
	Scheduler       *scheduler.Scheduler
	Catalog         *executor.Catalog
	History         HistoryStore
	Health          Pinger
	Tokens          *Tokens
	AllowQueryToken bool
	AuthLimit       int
	AuthWindow      time.Duration
	AuthMaxEntries  int
	Allowlist       *CIDRAllowlist
	TLS             *tls.Config
	KeepAlive       time.Duration
	Logger          *slog.Logger
}

type Server struct {
	addr            string
	sched           *scheduler.Scheduler
	catalog         *executor.Catalog
	history         HistoryStore
	health          Pinger
	tokens          *Tokens
	allowQueryToken bool
	limiter         *authLimiter
	allow           *CIDRAllowlist
	tls             *tls.Config
	keepAlive       time.Duration
	logger          *slog.Logger
	router          chi.Router
}

func NewServer(opts Options) (*Server, error) {
	if opts.Scheduler == nil {
		return nil, errors.New("web: scheduler is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:            opts.Addr,
		sched:           opts.Scheduler,
		catalog:         opts.Catalog,
		history:         opts.History,
		health:          opts.Health,
		tokens:          opts.Tokens,
		allowQueryToken: opts.AllowQueryToken,
		limiter:         newAuthLimiter(opts.AuthLimit, opts.AuthWindow, opts.AuthMaxEntries),
		allow:           opts.Allowlist,
		tls:             opts.TLS,
		keepAlive:       opts.KeepAlive,
		logger:          logger.With("component", "web"),
		router:          chi.NewRouter(),
	}
	if s.keepAlive <= 0 {
		s.keepAlive = DefaultKeepAlive
	}
	s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware(s.logger))

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate(false))
		r.Get("/healthz", s.handleHealth)
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	})

	r.Route("/api", func(r chi.Router) {
		r.With(s.authenticate(true)).Get("/system/task-events", s.handleTaskEvents)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate(false))
			r.Get("/jobs", s.handleListJobs)
			r.Post("/tasks", s.handleSubmitTask)
			r.Get("/tasks/{id}", s.handleGetTask)

			r.Get("/system/resources", s.handleResources)
			r.Get("/system/resources-only", s.handleResourcesOnly)
			r.Get("/system/queue", s.handleQueue)
			r.Get("/system/admission/{taskType}", s.handleAdmission)
			r.Post("/system/stream-token", s.handleStreamToken)
			r.Get("/system/history", s.handleListHistory)
			r.With(requireAdmin).Delete("/system/history", s.handleClearHistory)
		})
	})
}

func (s *Server) Start(ctx context.Context) error {
	// No WriteTimeout: task-events responses stay open. Request contexts
	// derive from ctx so streams end when the server stops.
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	if s.tls != nil {
		server.TLSConfig = s.tls
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP server shutdown error", "error", err)
		}
	}()

	s.logger.Info("HTTP server listening", "addr", s.addr, "tls", s.tls != nil, "auth", s.tokens.Enabled(), "allowlist", s.allow.String())
	var err error
	if s.tls != nil {
		err = server.ListenAndServeTLS("", "")
	} else {
		err = server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
