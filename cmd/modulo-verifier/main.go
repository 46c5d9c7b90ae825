package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/modulo/pkg/audit"
	"github.com/platinummonkey/modulo/pkg/config"
	"github.com/platinummonkey/modulo/pkg/plugins"
	"github.com/platinummonkey/modulo/pkg/storage"
	"github.com/platinummonkey/modulo/pkg/submission"
)

// Config holds the verifier service configuration
type Config struct {
	DBDriver      string
	DBDSN         string
	PollInterval  time.Duration
	MaxConcurrent int
	BatchSize     int
	LogLevel      string
}

// The verifier runs automated validation for waiting submissions outside
// the host process. It shares the host's database and package storage.
func main() {
	hostCfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	flags := parseFlags(hostCfg)

	logger := setupLogger(flags.LogLevel)
	logger.Info("Starting modulo verifier")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbCfg := hostCfg.Database
	dbCfg.Driver, dbCfg.DSN = flags.DBDriver, flags.DBDSN
	db, err := storage.OpenDatabase(ctx, dbCfg)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	store, err := submission.NewSQLStore(db)
	if err != nil {
		logger.Fatalf("Failed to initialize submission store: %v", err)
	}

	packages, err := storage.New(ctx, hostCfg.Storage)
	if err != nil {
		logger.Fatalf("Failed to initialize package storage: %v", err)
	}

	auditLog := audit.Logger(audit.NewLogrusLogger(logger))
	if hostCfg.Audit.Database {
		dl, err := audit.NewDBLogger(db)
		if err != nil {
			logger.Fatalf("Failed to initialize audit table: %v", err)
		}
		auditLog = audit.NewMultiLogger(auditLog, dl)
	}
	defer auditLog.Close()

	validator := plugins.NewValidator(logger,
		plugins.WithAPIRange(plugins.APIRange{Min: hostCfg.Plugins.APIMinVersion, Max: hostCfg.Plugins.APIMaxVersion}),
		plugins.WithMaxPackageSize(hostCfg.Storage.MaxPackageSize),
	)
	pipeline := submission.NewPipeline(store, packages, validator, logger,
		submission.WithAuditLogger(auditLog),
		submission.WithMaxPackageSize(hostCfg.Storage.MaxPackageSize),
		submission.WithSweepWorkers(flags.MaxConcurrent),
	)

	logger.Infof("Starting %d validation workers with poll interval %v", flags.MaxConcurrent, flags.PollInterval)

	ticker := time.NewTicker(flags.PollInterval)
	defer ticker.Stop()

	// Process waiting submissions on startup
	sweep(ctx, pipeline, flags.BatchSize, logger)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down verifier service")
			return

		case <-ticker.C:
			sweep(ctx, pipeline, flags.BatchSize, logger)
		}
	}
}

func parseFlags(hostCfg *config.Config) *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.DBDriver, "db-driver", hostCfg.Database.Driver, "Database driver (postgres or sqlite3)")
	flag.StringVar(&cfg.DBDSN, "db", hostCfg.Database.DSN, "Database connection string")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", 30*time.Second, "Interval to poll for waiting submissions")
	flag.IntVar(&cfg.MaxConcurrent, "max-concurrent", 3, "Maximum concurrent validations")
	flag.IntVar(&cfg.BatchSize, "batch", 50, "Submissions fetched per status on each poll")
	flag.StringVar(&cfg.LogLevel, "log-level", hostCfg.Observability.LogLevel.String(), "Log level (debug, info, warn, error)")

	flag.Parse()

	return cfg
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}

func sweep(ctx context.Context, pipeline *submission.Pipeline, batch int, logger *logrus.Logger) {
	start := time.Now()
	n, err := pipeline.SweepPending(ctx, batch)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Errorf("Validation sweep failed: %v", err)
		}
		return
	}
	if n == 0 {
		logger.Debug("No waiting submissions found")
		return
	}
	logger.Infof("Reached a verdict for %d submissions in %v", n, time.Since(start))
}
