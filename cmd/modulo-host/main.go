package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/modulo/pkg/api"
	"github.com/platinummonkey/modulo/pkg/audit"
	"github.com/platinummonkey/modulo/pkg/bridge"
	"github.com/platinummonkey/modulo/pkg/config"
	"github.com/platinummonkey/modulo/pkg/domain/memory"
	"github.com/platinummonkey/modulo/pkg/events"
	"github.com/platinummonkey/modulo/pkg/installer"
	"github.com/platinummonkey/modulo/pkg/lifecycle"
	"github.com/platinummonkey/modulo/pkg/middleware"
	"github.com/platinummonkey/modulo/pkg/observability"
	"github.com/platinummonkey/modulo/pkg/plugins"
	"github.com/platinummonkey/modulo/pkg/renderer"
	"github.com/platinummonkey/modulo/pkg/sandbox"
	"github.com/platinummonkey/modulo/pkg/security"
	"github.com/platinummonkey/modulo/pkg/storage"
	"github.com/platinummonkey/modulo/pkg/submission"
)

// version is set at build time
var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger := setupLogger(cfg.Observability.LogLevel)
	logger.Infof("Starting modulo host %s", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatalf("Host failed: %v", err)
	}
	logger.Info("Host stopped")
}

func setupLogger(level logrus.Level) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetLevel(level)
	return logger
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	var (
		metrics  *observability.Metrics
		registry *prometheus.Registry
	)
	if cfg.Observability.MetricsEnabled {
		registry = prometheus.NewRegistry()
		metrics = observability.NewMetrics(registry)
	}

	packages, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize package storage: %w", err)
	}
	packages = storage.Instrument(packages, cfg.Storage.Type, metrics)
	logger.Infof("Package storage: %s", cfg.Storage.Type)

	var db *sql.DB
	if cfg.Database.Driver != "memory" {
		db, err = storage.OpenDatabase(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		logger.Infof("Connected to %s database", cfg.Database.Driver)
	}

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		rdb, err = connectRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		logger.Info("Connected to redis")
	}

	auditLog, auditReader, err := setupAudit(cfg.Audit, db, logger)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	broker := events.NewBroker(logger)
	defer broker.Close()

	validator := plugins.NewValidator(logger,
		plugins.WithAPIRange(plugins.APIRange{Min: cfg.Plugins.APIMinVersion, Max: cfg.Plugins.APIMaxVersion}),
		plugins.WithMaxPackageSize(cfg.Storage.MaxPackageSize),
	)

	sec := security.NewManager(logger,
		security.WithAuditLogger(auditLog),
		security.WithMetrics(metrics),
	)

	host := bridge.New(memory.NewNoteStore(), memory.NewUserStore(), sec, logger,
		bridge.WithAuditLogger(auditLog),
		bridge.WithMetrics(metrics),
	)

	loader := plugins.NewMultiLoader(
		plugins.NewStaticLoader(logger).MustRegister(renderer.TextBuiltin, renderer.NewTextHandle),
		sandbox.NewLuaLoader(packages, logger, sandbox.WithCallTimeout(cfg.Plugins.RenderTimeout)),
	)

	lc := lifecycle.NewManager(validator, loader, sec, host, logger,
		lifecycle.WithTimeouts(cfg.Plugins.StartTimeout, cfg.Plugins.StopTimeout),
		lifecycle.WithInitialGrant(lifecycle.InitialGrant(cfg.Plugins.InitialGrant)),
		lifecycle.WithAuditLogger(auditLog),
		lifecycle.WithMetrics(metrics),
		lifecycle.WithBroker(broker),
	)

	store, err := submissionStore(db)
	if err != nil {
		return err
	}

	pipeline := submission.NewPipeline(store, packages, validator, logger,
		submission.WithRateLimiter(submissionLimiter(ctx, cfg.Redis, rdb)),
		submission.WithBroker(broker),
		submission.WithAuditLogger(auditLog),
		submission.WithMetrics(metrics),
		submission.WithMaxPackageSize(cfg.Storage.MaxPackageSize),
	)

	text := renderer.TextPlugin()
	if _, err := lc.Install(ctx, text); err != nil {
		return fmt.Errorf("failed to install built-in renderer: %w", err)
	}
	if _, err := lc.Start(ctx, text.ID); err != nil {
		return fmt.Errorf("failed to start built-in renderer: %w", err)
	}
	renderers, err := renderer.NewBuilder().
		AddPlugin(text, renderer.TextOptions()...).
		Build(lc, sec, logger,
			renderer.WithRenderTimeout(cfg.Plugins.RenderTimeout),
			renderer.WithEventBuffer(cfg.Plugins.EventBuffer, cfg.Plugins.EventPolicy),
			renderer.WithAuditLogger(auditLog),
			renderer.WithMetrics(metrics),
		)
	if err != nil {
		return fmt.Errorf("failed to build renderer registry: %w", err)
	}

	health := observability.NewHealthChecker(version, db, rdb)
	health.Register("storage", true, packages.HealthCheck)

	rateLimit := middleware.NewRateLimitMiddleware(logger)
	opts := []api.Option{
		api.WithHealthChecker(health),
		api.WithRateLimit(rateLimit),
		api.WithMaxUploadSize(cfg.Storage.MaxPackageSize),
	}
	if auditReader != nil {
		opts = append(opts, api.WithAuditReader(auditReader))
	}
	if metrics != nil {
		opts = append(opts, api.WithMetrics(metrics, registry))
	}
	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewServer(pipeline, lc, sec, renderers, logger, opts...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Plugins.ValidationSweep != "" {
		sweeper, err := scheduleSweep(gctx, cfg.Plugins.ValidationSweep, pipeline, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			<-sweeper.Stop().Done()
			return nil
		})
	}

	g.Go(func() error {
		logger.Infof("Listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	rateLimit.StartCleanup(gctx)

	if cfg.Plugins.PolicyFile != "" {
		watcher := security.NewPolicyWatcher(security.NewFileGrantStore(security.WithPath(cfg.Plugins.PolicyFile)), sec, logger)
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	if cfg.Plugins.AutoInstall {
		ch := pipeline.Subscribe("auto-install", cfg.Plugins.EventBuffer, cfg.Plugins.EventPolicy)
		auto := installer.New(ch, lc, logger,
			installer.WithRenderers(renderers),
			installer.WithAutoStart(true),
			installer.WithInstallTimeout(cfg.Plugins.StartTimeout),
		)
		g.Go(func() error {
			defer pipeline.Unsubscribe(ch)
			return auto.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("HTTP server shutdown: %v", err)
		}
		lc.StopAll(shutdownCtx)
		return nil
	})

	return g.Wait()
}

func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// setupAudit always logs through logrus and adds the file and database
// sinks that are configured. The most durable sink also answers audit
// queries.
func setupAudit(cfg config.AuditConfig, db *sql.DB, logger *logrus.Logger) (audit.Logger, audit.Reader, error) {
	sinks := []audit.Logger{audit.NewLogrusLogger(logger)}
	var reader audit.Reader

	if cfg.FilePath != "" {
		fileCfg := audit.DefaultFileLoggerConfig()
		fileCfg.BasePath = cfg.FilePath
		fl, err := audit.NewFileLogger(fileCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		sinks = append(sinks, fl)
		reader = fl
	}

	if cfg.Database && db != nil {
		dl, err := audit.NewDBLogger(db)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize audit table: %w", err)
		}
		sinks = append(sinks, dl)
		reader = dl
	}

	return audit.NewMultiLogger(sinks...).Background(logger, 2, 256), reader, nil
}

func submissionStore(db *sql.DB) (submission.Store, error) {
	if db == nil {
		return submission.NewMemoryStore(), nil
	}
	store, err := submission.NewSQLStore(db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize submission store: %w", err)
	}
	return store, nil
}

// submissionLimiter shares the per developer limit through redis when it
// is configured and keeps it in process otherwise
func submissionLimiter(ctx context.Context, cfg config.RedisConfig, rdb *redis.Client) submission.RateLimiter {
	if rdb != nil {
		return submission.NewRedisRateLimiter(rdb, cfg.SubmissionsPerHour, time.Hour, "")
	}
	limiter := middleware.NewRateLimiter(middleware.SubmissionRateLimitConfig(cfg.SubmissionsPerHour))
	limiter.StartCleanup(ctx)
	return limiter
}

// scheduleSweep runs automated validation for waiting submissions on schedule
func scheduleSweep(ctx context.Context, schedule string, pipeline *submission.Pipeline, logger *logrus.Logger) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(schedule, func() {
		n, err := pipeline.SweepPending(ctx, 0)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorf("Validation sweep failed: %v", err)
			return
		}
		if n > 0 {
			logger.Infof("Validation sweep reached a verdict for %d submissions", n)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid validation sweep schedule %q: %w", schedule, err)
	}
	c.Start()
	logger.Infof("Validation sweep scheduled: %s", schedule)
	return c, nil
}
