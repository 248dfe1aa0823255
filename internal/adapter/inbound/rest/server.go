package rest

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/runlok/runlok/internal/domain/auth"
	"github.com/runlok/runlok/internal/domain/ratelimit"
	"github.com/runlok/runlok/internal/service"
)

// Services bundles the application services the API exposes.
type Services struct {
	Enforcement *service.EnforcementService
	Policies    *service.PolicyService
	Audits      *service.AuditService
	Compliance  *service.ComplianceService
	Notifier    *service.Notifier
}

// Server is the inbound HTTP adapter: the REST API under /api/v1, the
// NDJSON event streams under /ws, and the health and metrics endpoints.
type Server struct {
	svcs Services

	addr            string
	verifier        *auth.Verifier
	limiter         ratelimit.Limiter
	rateLimit       int
	requestTimeout  time.Duration
	shutdownTimeout time.Duration
	globalStream    bool
	version         string
	health          *HealthChecker
	logger          *slog.Logger

	server  *http.Server
	metrics *Metrics

	// streamClosed ends live event streams at shutdown; Shutdown alone
	// would wait on them forever.
	streamClosed chan struct{}
	closeOnce    sync.Once
}

// Option is a functional option for configuring the Server.
type Option func(*Server)

// WithAddr sets the listen address. Default is "127.0.0.1:8463"
// (localhost only).
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithLogger sets the logger for the server and its middleware.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVerifier sets the bearer-token verifier. Without one the API is
// open (development mode).
func WithVerifier(v *auth.Verifier) Option {
	return func(s *Server) {
		s.verifier = v
	}
}

// WithRateLimiter enables per-caller throttling at perMinute requests.
func WithRateLimiter(l ratelimit.Limiter, perMinute int) Option {
	return func(s *Server) {
		s.limiter = l
		s.rateLimit = perMinute
	}
}

// WithRequestTimeout bounds each API request. Zero disables the
// deadline. Default is 30s.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.requestTimeout = d
	}
}

// WithShutdownTimeout bounds graceful shutdown. Default is 10s.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

// WithGlobalStream controls whether the all-sessions /ws stream is
// served. Per-session streams are always available.
func WithGlobalStream(enabled bool) Option {
	return func(s *Server) {
		s.globalStream = enabled
	}
}

// WithVersion sets the version string reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithHealthChecker sets the health checker for the /health endpoint.
// Without one a checker over the wired services is built at Start.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(s *Server) {
		s.health = hc
	}
}

// NewServer creates the API server over the given services.
func NewServer(svcs Services, opts ...Option) *Server {
	s := &Server{
		svcs:            svcs,
		addr:            "127.0.0.1:8463",
		verifier:        auth.NewVerifier(""),
		requestTimeout:  30 * time.Second,
		shutdownTimeout: 10 * time.Second,
		globalStream:    true,
		logger:          slog.Default(),
		streamClosed:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start begins serving and blocks until the context is cancelled or the
// listener fails. Cancellation triggers graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = NewMetrics(reg)
	s.registerStreamCollectors(reg)

	if s.health == nil {
		s.health = NewHealthChecker(s.svcs.Policies, s.svcs.Notifier, nil, s.version)
	}

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.buildHandler(reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting HTTP server", "addr", s.addr)
		err := s.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down HTTP server")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

// Handler builds the full middleware-wrapped handler over a fresh
// registry. Exposed for httptest-based tests; Start wires its own.
func (s *Server) Handler() http.Handler {
	reg := prometheus.NewRegistry()
	s.metrics = NewMetrics(reg)
	s.registerStreamCollectors(reg)
	if s.health == nil {
		s.health = NewHealthChecker(s.svcs.Policies, s.svcs.Notifier, nil, s.version)
	}
	return s.buildHandler(reg)
}

// buildHandler assembles the route table and middleware chain.
//
// Middleware order (outermost first): Metrics records full request
// duration, RequestID enriches the logger, RealIP feeds the rate
// limiter. Auth and rate limiting wrap the API and stream routes but
// not /health or /metrics; the request deadline wraps only the API
// routes, since a deadline would sever long-lived streams.
func (s *Server) buildHandler(reg *prometheus.Registry) http.Handler {
	api := http.NewServeMux()

	api.HandleFunc("POST /api/v1/enforce", s.handleEnforce)
	api.HandleFunc("POST /api/v1/enforce/{session_id}/result", s.handleResult)

	api.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	api.HandleFunc("GET /api/v1/sessions/export", s.handleExportSessions)
	api.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	api.HandleFunc("GET /api/v1/sessions/{id}/summary", s.handleSessionSummary)
	api.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleDeleteSession)
	api.HandleFunc("POST /api/v1/sessions/{id}/archive", s.handleArchiveSession)
	api.HandleFunc("POST /api/v1/sessions/bulk/archive", s.handleBulkArchive)

	api.HandleFunc("GET /api/v1/policy/current", s.handlePolicyCurrent)
	api.HandleFunc("GET /api/v1/policy/test", s.handlePolicyTest)
	api.HandleFunc("POST /api/v1/policy/validate", s.handlePolicyValidate)
	api.HandleFunc("POST /api/v1/policy/reload", s.handlePolicyReload)
	api.HandleFunc("POST /api/v1/policy/create", s.handlePolicyCreate)
	api.HandleFunc("GET /api/v1/policy/versions", s.handlePolicyVersions)

	api.HandleFunc("GET /api/v1/compliance/report/generate", s.handleComplianceReport)
	api.HandleFunc("GET /api/v1/compliance/retention/status", s.handleRetentionStatus)
	api.HandleFunc("POST /api/v1/compliance/retention/cleanup", s.handleRetentionCleanup)
	api.HandleFunc("GET /api/v1/compliance/integrity/verify", s.handleIntegrityVerify)

	var apiHandler http.Handler = api
	apiHandler = TimeoutMiddleware(s.requestTimeout)(apiHandler)
	apiHandler = RateLimitMiddleware(s.limiter, s.rateLimit)(apiHandler)
	apiHandler = AuthMiddleware(s.verifier)(apiHandler)

	stream := http.NewServeMux()
	stream.HandleFunc("GET /ws", s.handleGlobalStream)
	stream.HandleFunc("GET /ws/{session_id}", s.handleSessionStream)

	var streamHandler http.Handler = stream
	streamHandler = RateLimitMiddleware(s.limiter, s.rateLimit)(streamHandler)
	streamHandler = AuthMiddleware(s.verifier)(streamHandler)

	root := http.NewServeMux()
	root.Handle("/api/v1/", apiHandler)
	root.Handle("/ws", streamHandler)
	root.Handle("/ws/", streamHandler)
	root.Handle("GET /health", s.health.Handler())
	root.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry: reg,
	}))

	var handler http.Handler = root
	handler = RealIPMiddleware(handler)
	handler = RequestIDMiddleware(s.logger)(handler)
	handler = MetricsMiddleware(s.metrics)(handler)
	return handler
}

// registerStreamCollectors exposes the notifier's subscriber and drop
// counts as func collectors; the notifier keeps no metrics dependency.
func (s *Server) registerStreamCollectors(reg *prometheus.Registry) {
	n := s.svcs.Notifier
	if n == nil {
		return
	}
	reg.MustRegister(
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "runlok",
				Name:      "stream_subscribers",
				Help:      "Number of connected event stream subscribers",
			},
			func() float64 { return float64(n.Subscribers()) },
		),
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: "runlok",
				Name:      "stream_drops_total",
				Help:      "Total stream events dropped by full subscriber queues",
			},
			func() float64 { return float64(n.Dropped()) },
		),
	)
}

// shutdown ends live streams, then drains in-flight requests within the
// shutdown timeout.
func (s *Server) shutdown() error {
	s.closeOnce.Do(func() { close(s.streamClosed) })

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}

	s.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	return s.shutdown()
}
