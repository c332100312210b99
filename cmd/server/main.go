package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dockhand-io/dockhand/internal/agentmanager"
	"github.com/dockhand-io/dockhand/internal/agentws"
	"github.com/dockhand-io/dockhand/internal/api"
	"github.com/dockhand-io/dockhand/internal/command"
	"github.com/dockhand-io/dockhand/internal/db"
	"github.com/dockhand-io/dockhand/internal/lifecycle"
	"github.com/dockhand-io/dockhand/internal/repositories"
	"github.com/dockhand-io/dockhand/internal/rotation"
	"github.com/dockhand-io/dockhand/internal/rpc"
	"github.com/dockhand-io/dockhand/internal/sshexec"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr   string
	dbDriver   string
	dbDSN      string
	logLevel   string
	adminToken string
	sshHosts   string

	heartbeatInterval  int
	heartbeatTimeout   int
	maxConsecErrors    int
	rateLimitAttempts  int
	rateLimitWindow    int
	rateLimitBaseBlock int
	rateLimitMaxBlock  int
	rotationInterval   int
	rotationAdvance    int
	rotationGrace      int
	allowAdminMethods  bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "dockhand-server",
		Short: "Dockhand server — agent control plane for managed hosts",
		Long: `Dockhand server is the control plane of the Dockhand orchestration system.
It accepts persistent WebSocket connections from agent daemons, routes
commands to them over JSON-RPC, supervises their health, and rotates their
bearer tokens on a schedule.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("DOCKHAND_HTTP_ADDR", ":8080"), "HTTP API and agent WebSocket listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("DOCKHAND_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("DOCKHAND_DB_DSN", "./dockhand.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("DOCKHAND_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.adminToken, "admin-token", envOrDefault("DOCKHAND_ADMIN_TOKEN", ""), "Static bearer token guarding the admin API (required)")
	root.PersistentFlags().StringVar(&cfg.sshHosts, "ssh-hosts", envOrDefault("DOCKHAND_SSH_HOSTS", ""), "Path to the SSH fallback hosts file (optional)")

	root.PersistentFlags().IntVar(&cfg.heartbeatInterval, "heartbeat-interval", envIntOrDefault("DOCKHAND_HEARTBEAT_INTERVAL", 30), "Staleness sweep cadence in seconds")
	root.PersistentFlags().IntVar(&cfg.heartbeatTimeout, "heartbeat-timeout", envIntOrDefault("DOCKHAND_HEARTBEAT_TIMEOUT", 90), "Max agent silence in seconds before forced disconnect")
	root.PersistentFlags().IntVar(&cfg.maxConsecErrors, "max-consecutive-errors", envIntOrDefault("DOCKHAND_MAX_CONSECUTIVE_ERRORS", 5), "Message-loop error tolerance per connection")
	root.PersistentFlags().IntVar(&cfg.rateLimitAttempts, "rate-limit-max-attempts", envIntOrDefault("DOCKHAND_RATE_LIMIT_MAX_ATTEMPTS", 5), "Handshake attempts per window before block")
	root.PersistentFlags().IntVar(&cfg.rateLimitWindow, "rate-limit-window", envIntOrDefault("DOCKHAND_RATE_LIMIT_WINDOW", 60), "Rate limit window width in seconds")
	root.PersistentFlags().IntVar(&cfg.rateLimitBaseBlock, "rate-limit-base-block", envIntOrDefault("DOCKHAND_RATE_LIMIT_BASE_BLOCK", 30), "Initial block duration in seconds")
	root.PersistentFlags().IntVar(&cfg.rateLimitMaxBlock, "rate-limit-max-block", envIntOrDefault("DOCKHAND_RATE_LIMIT_MAX_BLOCK", 3600), "Cap on block duration in seconds")
	root.PersistentFlags().IntVar(&cfg.rotationInterval, "rotation-check-interval", envIntOrDefault("DOCKHAND_ROTATION_CHECK_INTERVAL", 3600), "Token rotation sweep cadence in seconds")
	root.PersistentFlags().IntVar(&cfg.rotationAdvance, "rotation-advance-window", envIntOrDefault("DOCKHAND_ROTATION_ADVANCE_WINDOW", 86400), "How early before expiry to rotate, in seconds")
	root.PersistentFlags().IntVar(&cfg.rotationGrace, "rotation-grace-period", envIntOrDefault("DOCKHAND_ROTATION_GRACE_PERIOD", 300), "Dual-token overlap in seconds")
	root.PersistentFlags().BoolVar(&cfg.allowAdminMethods, "allow-admin-methods", envOrDefault("DOCKHAND_ALLOW_ADMIN_METHODS", "false") == "true", "Permit agents to invoke admin-level server methods")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dockhand-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.adminToken == "" {
		return fmt.Errorf("admin token is required — set --admin-token or DOCKHAND_ADMIN_TOKEN")
	}

	logger.Info("starting dockhand server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 1. Database: connection plus embedded migrations.
	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormlogger.Warn,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(database); err != nil {
			logger.Warn("database close failed", zap.Error(err))
		}
	}()

	agents := repositories.NewAgentRepository(database)
	codes := repositories.NewRegistrationCodeRepository(database)

	// 2. In-memory registry and the RPC method table.
	registry := agentmanager.NewManager(logger)

	dispatcher := rpc.NewDispatcher(logger)
	agentws.RegisterServerMethods(dispatcher, agents, version, logger)
	if cfg.allowAdminMethods {
		dispatcher.SetAllowed(rpc.PermissionRead, rpc.PermissionWrite, rpc.PermissionAdmin)
	}

	// 3. Transport endpoint.
	wsCfg := agentws.DefaultConfig()
	wsCfg.MaxConsecutiveErrors = cfg.maxConsecErrors
	wsCfg.RateLimit = agentws.RateLimitConfig{
		MaxAttempts: cfg.rateLimitAttempts,
		Window:      time.Duration(cfg.rateLimitWindow) * time.Second,
		BaseBlock:   time.Duration(cfg.rateLimitBaseBlock) * time.Second,
		MaxBlock:    time.Duration(cfg.rateLimitMaxBlock) * time.Second,
	}
	wsHandler := agentws.NewHandler(wsCfg, logger, agents, codes, registry, dispatcher)

	// 4. Lifecycle: reconcile stale statuses before accepting connections,
	// then start the background loops.
	lc, err := lifecycle.New(lifecycle.Config{
		HeartbeatInterval: time.Duration(cfg.heartbeatInterval) * time.Second,
		HeartbeatTimeout:  time.Duration(cfg.heartbeatTimeout) * time.Second,
	}, logger, agents, codes, registry, wsHandler.Limiter())
	if err != nil {
		return err
	}
	if _, err := lc.StartupReconcile(ctx); err != nil {
		return err
	}

	// 5. Token rotation.
	rotCfg := rotation.DefaultConfig()
	rotCfg.CheckInterval = time.Duration(cfg.rotationInterval) * time.Second
	rotCfg.AdvanceWindow = time.Duration(cfg.rotationAdvance) * time.Second
	rotCfg.GracePeriod = time.Duration(cfg.rotationGrace) * time.Second
	rot, err := rotation.New(rotCfg, logger, agents, registry)
	if err != nil {
		return err
	}

	if err := rot.Start(); err != nil {
		return err
	}
	defer rot.Stop()

	if err := lc.Start(); err != nil {
		return err
	}
	defer lc.Stop()

	// 6. Command router, with the SSH fallback when a hosts file is given.
	var fallback command.FallbackExecutor
	if cfg.sshHosts != "" {
		resolver, err := sshexec.NewFileResolver(cfg.sshHosts)
		if err != nil {
			return err
		}
		fallback = sshexec.New(logger, resolver)
	}
	commands := command.New(logger, registry, fallback)

	// 7. HTTP: admin API, metrics, health, and the agent WebSocket mount.
	router := api.NewRouter(api.RouterConfig{
		Logger:     logger,
		AdminToken: cfg.adminToken,
		Agents:     agents,
		Codes:      codes,
		Registry:   registry,
		Rotation:   rot,
		Commands:   commands,
		AgentWS:    wsHandler,
	})

	srv := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down dockhand server")

	// Stop accepting new connections first, then close the live agent
	// links; the deferred Stops and the database close follow in reverse
	// startup order.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}

	registry.CloseAll(agentws.CloseServerShutdown, "server shutting down")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
