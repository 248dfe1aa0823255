package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/runlok/runlok/internal/adapter/inbound/rest"
	"github.com/runlok/runlok/internal/adapter/outbound/memory"
	"github.com/runlok/runlok/internal/adapter/outbound/sqlite"
	"github.com/runlok/runlok/internal/config"
	"github.com/runlok/runlok/internal/domain/audit"
	"github.com/runlok/runlok/internal/domain/auth"
	"github.com/runlok/runlok/internal/domain/policy"
	"github.com/runlok/runlok/internal/domain/session"
	"github.com/runlok/runlok/internal/lockfile"
	"github.com/runlok/runlok/internal/observability"
	"github.com/runlok/runlok/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Runlok server",
	Long: `Start the Runlok policy decision and audit server.

The server loads its policy document, opens the audit store, and serves
the enforcement API until interrupted.

Examples:
  # Start with config file settings
  runlok start

  # Development mode: in-memory store, ephemeral HMAC secret, no auth
  runlok start --dev

  # Listen on all interfaces
  runlok start --addr 0.0.0.0:8463

  # Start with a specific config file
  runlok --config /path/to/runlok.yaml start`,
	RunE:         runStart,
	SilenceUsage: true,
}

var (
	devMode    bool
	startAddr  string
	bypassMode bool
)

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (in-memory store, ephemeral HMAC secret, debug logging)")
	startCmd.Flags().StringVar(&startAddr, "addr", "", "Listen address (overrides server.addr)")
	startCmd.Flags().BoolVar(&bypassMode, "bypass", false, "Allow every call without evaluating policy (audit still records)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load configuration (without validation, so CLI flags can override first)
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// CLI flags override the config file.
	if devMode {
		cfg.DevMode = true
	}
	if startAddr != "" {
		cfg.Server.Addr = startAddr
	}
	if bypassMode {
		cfg.Enforce.Bypass = true
	}

	// Apply dev defaults (fills store/secret/log level in dev mode)
	cfg.SetDevDefaults()

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// Create signal context for graceful shutdown.
	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop() // Restore default: next Ctrl+C = immediate exit.
	}()

	// Logs go to stderr; stdout stays clean for shell pipelines.
	logger := buildLogger(cfg)

	// Log config file used if any
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// Write PID file so "runlok stop" can find us.
	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("runlok stopped")
	return nil
}

// run wires the stores, services, and HTTP server together and blocks
// until the context is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Log.Tracing {
		shutdown, err := observability.Init(ctx, "runlok", Version, os.Stderr)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("trace exporter shutdown", "error", err)
			}
		}()
		logger.Info("tracing enabled", "exporter", "stdout")
	}

	// ===== Stores: in-memory for ":memory:", SQLite otherwise =====
	var (
		sessionStore session.Store
		auditStore   audit.Store
		policyStore  policy.Store
		pinger       rest.Pinger
	)

	storePath := config.ExpandPath(cfg.Store.Path)
	storeLabel := "in-memory (ephemeral)"
	if storePath == ":memory:" {
		sessionStore = memory.NewSessionStore()
		auditStore = memory.NewAuditStore()
		policyStore = memory.NewPolicyStore()
		logger.Info("store: in-memory, state is lost on exit")
	} else {
		// The lock file sits next to the database, so the data directory
		// must exist before Acquire can create it.
		if err := os.MkdirAll(filepath.Dir(storePath), 0755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}

		// One server per store. Two processes appending to the same chain
		// would interleave indices.
		lock, err := lockfile.Acquire(storePath + ".lock")
		if err != nil {
			if errors.Is(err, lockfile.ErrLocked) {
				return fmt.Errorf("another runlok server is already using %s: %w", storePath, err)
			}
			return err
		}
		defer func() { _ = lock.Release() }()

		db, err := sqlite.Open(storePath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer func() { _ = db.Close() }()

		sessionStore = sqlite.NewSessionStore(db)
		auditStore = sqlite.NewAuditStore(db)
		policyStore = sqlite.NewPolicyStore(db)
		pinger = db
		storeLabel = storePath
		logger.Info("store: sqlite", "path", storePath)
	}

	// ===== Policy service =====
	var policyOpts []service.PolicyServiceOption
	if cfg.Policy.File != "" {
		policyOpts = append(policyOpts, service.WithPolicyFile(config.ExpandPath(cfg.Policy.File)))
	}
	if cfg.Policy.Strict {
		policyOpts = append(policyOpts, service.WithStrictValidation())
	}
	policies, err := service.NewPolicyService(ctx, policyStore, logger, policyOpts...)
	if err != nil {
		return fmt.Errorf("failed to create policy service: %w", err)
	}
	defer policies.Stop()

	if cfg.Policy.Watch {
		if err := policies.StartWatcher(); err != nil {
			logger.Warn("policy watcher not started", "file", cfg.Policy.File, "error", err)
		} else {
			logger.Info("policy watcher started", "file", cfg.Policy.File)
		}
	}

	// ===== Audit service =====
	signer := audit.NewSigner([]byte(cfg.Audit.HMACSecret))
	audits := service.NewAuditService(auditStore, sessionStore, signer, logger)
	if cfg.Audit.Ephemeral {
		logger.Warn("audit HMAC secret is ephemeral, chains written now cannot be verified after restart",
			"hint", "set audit.hmac_secret for durable verification")
	}

	// ===== Enforcement =====
	notifier := service.NewNotifier(cfg.Stream.QueueSize, logger)

	var enforceOpts []service.EnforcementOption
	if cfg.Enforce.Bypass {
		enforceOpts = append(enforceOpts, service.WithBypassMode())
		logger.Warn("bypass mode: every call is allowed without policy evaluation, audit entries still record")
	}
	enforcement := service.NewEnforcementService(policies, audits, sessionStore, notifier, logger, enforceOpts...)

	// ===== Retention sweeper =====
	sweepInterval := parseDurationOr(cfg.Retention.SweepInterval, time.Hour, "retention.sweep_interval", logger)
	abandonAfter := parseDurationOr(cfg.Retention.AbandonAfter, 0, "retention.abandon_after", logger)
	compliance := service.NewComplianceService(audits, auditStore, sessionStore, logger,
		service.WithSweepInterval(sweepInterval),
		service.WithAbandonAfter(abandonAfter),
	)
	compliance.Start()
	defer compliance.Stop()

	// ===== HTTP server =====
	verifier := auth.NewVerifier(cfg.Auth.Token)
	if !verifier.Enabled() {
		logger.Warn("no auth token configured, the API is open to anyone who can reach it",
			"hint", "set auth.token (see: runlok hash-token)")
	}

	requestTimeout := parseDurationOr(cfg.Server.RequestTimeout, 30*time.Second, "server.request_timeout", logger)
	shutdownTimeout := parseDurationOr(cfg.Server.ShutdownTimeout, 10*time.Second, "server.shutdown_timeout", logger)

	restOpts := []rest.Option{
		rest.WithAddr(cfg.Server.Addr),
		rest.WithLogger(logger),
		rest.WithVerifier(verifier),
		rest.WithRequestTimeout(requestTimeout),
		rest.WithShutdownTimeout(shutdownTimeout),
		rest.WithGlobalStream(cfg.Stream.Global),
		rest.WithVersion(Version),
		rest.WithHealthChecker(rest.NewHealthChecker(policies, notifier, pinger, Version)),
	}

	if cfg.Server.RateLimit > 0 {
		limiter := memory.NewRateLimiter()
		limiter.StartCleanup(ctx)
		defer limiter.Stop()
		restOpts = append(restOpts, rest.WithRateLimiter(limiter, cfg.Server.RateLimit))
		logger.Debug("rate limiting enabled", "per_minute", cfg.Server.RateLimit)
	}

	srv := rest.NewServer(rest.Services{
		Enforcement: enforcement,
		Policies:    policies,
		Audits:      audits,
		Compliance:  compliance,
		Notifier:    notifier,
	}, restOpts...)

	info := policies.CurrentInfo()
	logger.Info("runlok starting",
		"version", Version,
		"addr", cfg.Server.Addr,
		"dev_mode", cfg.DevMode,
		"store", storeLabel,
		"policy_version", info.Version,
		"rules", info.RulesCount,
		"bypass", cfg.Enforce.Bypass,
		"rate_limit", cfg.Server.RateLimit,
	)

	printBanner(cfg, info, storeLabel, verifier.Enabled())

	return srv.Start(ctx)
}

// buildLogger creates the process logger writing to stderr, leaving
// stdout for command output. Dev mode has already bumped the level to
// debug via SetDevDefaults unless the user pinned one.
func buildLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parseDurationOr parses a config duration string, warning and falling
// back to def when it does not parse.
func parseDurationOr(value string, def time.Duration, key string, logger *slog.Logger) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		logger.Warn("invalid duration, using default", "key", key, "value", value, "default", def)
		return def
	}
	return d
}

// printBanner prints a formatted startup banner to stderr with the API
// URL, mode, store, and active policy.
func printBanner(cfg *config.Config, info service.PolicyInfo, store string, authEnabled bool) {
	const (
		reset  = "\033[0m"
		bold   = "\033[1m"
		cyan   = "\033[36m"
		green  = "\033[32m"
		yellow = "\033[33m"
		red    = "\033[31m"
		dim    = "\033[2m"
	)

	apiURL := fmt.Sprintf("http://localhost%s/api/v1", cfg.Server.Addr)
	if !strings.HasPrefix(cfg.Server.Addr, ":") {
		apiURL = fmt.Sprintf("http://%s/api/v1", cfg.Server.Addr)
	}

	modeStr := green + "production" + reset
	if cfg.DevMode {
		modeStr = yellow + "development" + reset
	}
	if !authEnabled {
		modeStr += dim + " (no auth)" + reset
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%sRunlok %s%s\n", bold, cyan, Version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "API:", apiURL)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Mode:", modeStr)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Store:", store)
	fmt.Fprintf(os.Stderr, "  %-14s %s (%d rules)\n", "Policy:", info.Version, info.RulesCount)
	if cfg.Enforce.Bypass {
		fmt.Fprintf(os.Stderr, "  %-14s %sBYPASS, every call allowed%s\n", "Enforcement:", red, reset)
	}
	if cfg.Audit.Ephemeral {
		fmt.Fprintf(os.Stderr, "  %-14s %sephemeral HMAC secret%s\n", "Audit:", yellow, reset)
	}
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}

// pidFilePath returns the standard location for the Runlok PID file.
func pidFilePath() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".runlok", "server.pid")
	}
	return filepath.Join(os.TempDir(), "runlok-server.pid")
}

// writePIDFile writes the current process PID to the given path, creating
// parent directories as needed.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}
