// Package server exposes the generator and run history over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"diffusion_backend/db"
	"diffusion_backend/logging"
	"diffusion_backend/metrics"
	"diffusion_backend/sdruntime"
)

// Generator is the part of *sdruntime.Generator the server uses.
type Generator interface {
	Generate(ctx context.Context, params sdruntime.GenerateParams) (*sdruntime.GenerateResult, error)
	GenerateSteps(ctx context.Context, params sdruntime.GenerateParams) (*sdruntime.GenerateResult, error)
	DefaultParams() sdruntime.GenerateParams
	Schedule(steps int, eta float64) (*sdruntime.Schedule, error)
	Config() *sdruntime.SDConfig
	PoolSize() int
	PoolAvailable() int
}

// RunStore reads run history. *db.Repository implements it.
type RunStore interface {
	RecentRuns(ctx context.Context, filter db.RunFilter) ([]sdruntime.RunRecord, error)
	GetRun(ctx context.Context, id string) (sdruntime.RunRecord, error)
	CountRuns(ctx context.Context, status string) (int64, error)
}

// Tracker runs fn as a tracked in-flight operation. *shutdown.Manager
// implements it.
type Tracker interface {
	Track(ctx context.Context, name string, fn func(context.Context) error) error
}

// Options configures a Server. Generator is required.
type Options struct {
	Generator Generator
	Runs      RunStore
	Stats     *metrics.Store
	Tracker   Tracker
	Logger    *logging.Logger

	// RateLimit caps POST /api/generate per client per minute. Zero disables it.
	RateLimit int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server is the HTTP API.
type Server struct {
	gen     Generator
	runs    RunStore
	stats   *metrics.Store
	tracker Tracker
	logger  *logging.Logger
	limiter *RateLimiter

	engine *gin.Engine
	http   *http.Server
}

// New builds the router. It does not start listening.
func New(opts Options) (*Server, error) {
	if opts.Generator == nil {
		return nil, errors.New("server: generator is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 120 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		// Generation can take as long as the sampler timeout.
		opts.WriteTimeout = opts.Generator.Config().Timeout + 30*time.Second
	}

	s := &Server{
		gen:     opts.Generator,
		runs:    opts.Runs,
		stats:   opts.Stats,
		tracker: opts.Tracker,
		logger:  opts.Logger.Named("http"),
		limiter: NewRateLimiter(opts.RateLimit, time.Minute),
	}

	if !s.logger.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.engine = gin.New()
	s.engine.Use(recovery(s.logger), requestLogger(s.logger, "/api/health"))
	s.routes()

	s.http = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  opts.IdleTimeout,
	}
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe listens on addr and serves until Shutdown. It returns nil
// after a graceful shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// StartBackground runs the rate limiter cleanup until ctx ends.
func (s *Server) StartBackground(ctx context.Context) {
	s.limiter.StartCleanupTicker(ctx, 5*time.Minute)
}

// Shutdown stops accepting connections and waits for active requests
// within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
