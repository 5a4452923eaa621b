package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mercator-hq/costguard/pkg/alerts"
	"mercator-hq/costguard/pkg/breaker"
	"mercator-hq/costguard/pkg/config"
	"mercator-hq/costguard/pkg/controlplane"
	"mercator-hq/costguard/pkg/forecast"
	"mercator-hq/costguard/pkg/guard"
	"mercator-hq/costguard/pkg/optimization"
	"mercator-hq/costguard/pkg/routing"
	"mercator-hq/costguard/pkg/telemetry/health"
	"mercator-hq/costguard/pkg/telemetry/tracing"
	"mercator-hq/costguard/pkg/usage"
)

// ErrAlreadyRunning is returned by Start on a running server.
var ErrAlreadyRunning = errors.New("server is already running")

// Backend is the control plane surface served over HTTP.
// *controlplane.ControlPlane implements it.
type Backend interface {
	DecodeBatch(r io.Reader) (usage.Batch, error)
	Ingest(ctx context.Context, batch usage.Batch) (controlplane.IngestResult, error)
	Evaluate(ctx context.Context, scope string, req guard.RequestContext) (guard.Decision, error)
	Release(scope, requestID string) bool
	Spend(scope string) guard.Spend
	Scopes() []string

	Circuit(scope string) breaker.Status
	Circuits() []breaker.Status
	ResetCircuit(scope, detail string) breaker.Status

	Forecast(scope string, horizonDays int, period forecast.Period) (controlplane.ForecastView, error)
	Alerts(scope string) []alerts.Alert
	AlertSummary(scope string, days int) alerts.Summary
	AcknowledgeAlert(id, action string) bool

	Route(ctx context.Context, req routing.Request) (*routing.Decision, error)
	Report(ctx context.Context, scope string, opts optimization.ReportOptions) (optimization.Report, error)
}

var _ Backend = (*controlplane.ControlPlane)(nil)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l.With(zap.String("component", "server"))
		}
	}
}

// WithTracer adds a server span per request.
func WithTracer(t *tracing.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// WithHealth serves /health and /ready from c.
func WithHealth(c *health.Checker) Option {
	return func(s *Server) { s.health = c }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithVersion serves info on /version.
func WithVersion(info health.VersionInfo) Option {
	return func(s *Server) { s.version = &info }
}

// WithIngestLimit limits ingestion to perSecond batches with the given
// burst. Zero perSecond disables the limit.
func WithIngestLimit(perSecond float64, burst int) Option {
	return func(s *Server) { s.SetIngestLimit(perSecond, burst) }
}

// Server serves the control plane API.
type Server struct {
	cfg     *config.ServerConfig
	backend Backend
	logger  *zap.Logger
	tracer  *tracing.Tracer
	health  *health.Checker
	metrics http.Handler
	version *health.VersionInfo
	limiter atomic.Pointer[rate.Limiter]
	handler http.Handler

	mu           sync.Mutex
	httpServer   *http.Server
	running      bool
	shutdownOnce sync.Once
}

// New creates a server for backend.
func New(cfg *config.ServerConfig, backend Backend, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		backend: backend,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = s.routes()
	return s
}

// SetIngestLimit changes the ingestion rate limit. Zero perSecond disables
// it.
func (s *Server) SetIngestLimit(perSecond float64, burst int) {
	if perSecond <= 0 {
		s.limiter.Store(nil)
		return
	}
	s.limiter.Store(rate.NewLimiter(rate.Limit(perSecond), max(burst, 1)))
}

// Handler returns the routed handler with its middleware.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves until ctx is
// cancelled or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddress, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled or Shutdown is called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrAlreadyRunning
	}
	s.httpServer = &http.Server{
		Handler:        s.handler,
		ReadTimeout:    s.cfg.ReadTimeout,
		WriteTimeout:   s.cfg.WriteTimeout,
		IdleTimeout:    s.cfg.IdleTimeout,
		MaxHeaderBytes: s.cfg.MaxHeaderBytes,
		ErrorLog:       zap.NewStdLog(s.logger),
	}
	s.running = true
	srv := s.httpServer
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting api server", zap.String("address", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server error: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down api server")
		return s.Shutdown(context.Background())
	case err, ok := <-errCh:
		if ok {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return err
		}
		return nil
	}
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		srv, running := s.httpServer, s.running
		s.mu.Unlock()
		if !running || srv == nil {
			return
		}

		s.logger.Info("draining api server", zap.Duration("timeout", s.cfg.ShutdownTimeout))
		if s.cfg.ShutdownTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
			defer cancel()
		}
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Error("api server shutdown failed", zap.Error(err))
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.logger.Info("api server stopped")
	})
	return shutdownErr
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
