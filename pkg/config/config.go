package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/modulo/pkg/events"
	"github.com/platinummonkey/modulo/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	Database      storage.DatabaseConfig
	Redis         RedisConfig
	Plugins       PluginConfig
	Audit         AuditConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// RedisConfig configures the optional submission rate limiter
type RedisConfig struct {
	URL                string
	Password           string
	DB                 int
	SubmissionsPerHour int
}

// PluginConfig holds lifecycle, security and renderer tuning
type PluginConfig struct {
	StartTimeout  time.Duration
	StopTimeout   time.Duration
	RenderTimeout time.Duration

	// "declared" grants the declared set at install, "none" grants nothing
	InitialGrant string

	// Optional YAML grant policy file, watched for changes
	PolicyFile string

	// Install published submissions without an operator step
	AutoInstall bool

	EventBuffer int
	EventPolicy events.Policy

	APIMinVersion string
	APIMaxVersion string

	// Cron schedule for the automated validation sweep; empty disables it
	ValidationSweep string
}

// AuditConfig selects audit sinks
type AuditConfig struct {
	FilePath string
	Database bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       logrus.Level
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	plugins, err := loadPluginConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Plugins:       plugins,
		Audit:         loadAuditConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("MODULO_HOST", "0.0.0.0"),
		Port:            getEnv("MODULO_PORT", "8080"),
		ReadTimeout:     getEnvDuration("MODULO_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("MODULO_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:     getEnvDuration("MODULO_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("MODULO_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	cfg.Type = getEnv("MODULO_STORAGE_TYPE", cfg.Type)
	cfg.FilesystemRoot = getEnv("MODULO_FILESYSTEM_ROOT", cfg.FilesystemRoot)
	cfg.S3Endpoint = getEnv("MODULO_S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Region = getEnv("MODULO_S3_REGION", cfg.S3Region)
	cfg.S3Bucket = getEnv("MODULO_S3_BUCKET", cfg.S3Bucket)
	cfg.S3AccessKey = getEnv("MODULO_S3_ACCESS_KEY", "")
	cfg.S3SecretKey = getEnv("MODULO_S3_SECRET_KEY", "")
	cfg.S3UsePathStyle = getEnvBool("MODULO_S3_USE_PATH_STYLE", false)
	if maxSize := getEnvInt64("MODULO_MAX_PACKAGE_SIZE", 0); maxSize > 0 {
		cfg.MaxPackageSize = maxSize
	}

	return cfg
}

func loadDatabaseConfig() storage.DatabaseConfig {
	return storage.DatabaseConfig{
		Driver:      getEnv("MODULO_DB_DRIVER", "sqlite3"),
		DSN:         getEnv("MODULO_DB_DSN", "file:modulo.db?_foreign_keys=on"),
		MaxConns:    getEnvInt("MODULO_DB_MAX_CONNS", 20),
		MinConns:    getEnvInt("MODULO_DB_MIN_CONNS", 2),
		MaxLifetime: getEnvDuration("MODULO_DB_MAX_LIFETIME", 30*time.Minute),
		Timeout:     getEnvDuration("MODULO_DB_TIMEOUT", 10*time.Second),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:                getEnv("MODULO_REDIS_URL", ""),
		Password:           getEnv("MODULO_REDIS_PASSWORD", ""),
		DB:                 getEnvInt("MODULO_REDIS_DB", 0),
		SubmissionsPerHour: getEnvInt("MODULO_SUBMISSIONS_PER_HOUR", 10),
	}
}

func loadPluginConfig() (PluginConfig, error) {
	policy, err := events.ParsePolicy(getEnv("MODULO_EVENT_POLICY", ""))
	if err != nil {
		return PluginConfig{}, fmt.Errorf("invalid MODULO_EVENT_POLICY: %w", err)
	}

	return PluginConfig{
		StartTimeout:    getEnvDuration("MODULO_PLUGIN_START_TIMEOUT", 30*time.Second),
		StopTimeout:     getEnvDuration("MODULO_PLUGIN_STOP_TIMEOUT", 10*time.Second),
		RenderTimeout:   getEnvDuration("MODULO_RENDER_TIMEOUT", 2*time.Second),
		InitialGrant:    strings.ToLower(getEnv("MODULO_INITIAL_GRANT", "declared")),
		PolicyFile:      getEnv("MODULO_POLICY_FILE", ""),
		AutoInstall:     getEnvBool("MODULO_AUTO_INSTALL", false),
		EventBuffer:     getEnvInt("MODULO_EVENT_BUFFER", 64),
		EventPolicy:     policy,
		APIMinVersion:   getEnv("MODULO_API_MIN_VERSION", "1.0.0"),
		APIMaxVersion:   getEnv("MODULO_API_MAX_VERSION", "2.0.0"),
		ValidationSweep: getEnv("MODULO_VALIDATION_SWEEP", "@every 1m"),
	}, nil
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		FilePath: getEnv("MODULO_AUDIT_FILE_PATH", ""),
		Database: getEnvBool("MODULO_AUDIT_DATABASE", true),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       parseLogLevel(getEnv("MODULO_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("MODULO_METRICS_ENABLED", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Storage.Type {
	case "filesystem":
		if c.Storage.FilesystemRoot == "" {
			return fmt.Errorf("filesystem root is required for filesystem storage")
		}
	case "s3":
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("S3 bucket is required for s3 storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be filesystem or s3)", c.Storage.Type)
	}

	switch c.Database.Driver {
	case "postgres", "sqlite3":
		if c.Database.DSN == "" {
			return fmt.Errorf("database DSN is required")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres, sqlite3, or memory)", c.Database.Driver)
	}

	if c.Plugins.StartTimeout <= 0 || c.Plugins.StopTimeout <= 0 || c.Plugins.RenderTimeout <= 0 {
		return fmt.Errorf("plugin start, stop and render timeouts must be positive")
	}
	switch c.Plugins.InitialGrant {
	case "declared", "none":
	default:
		return fmt.Errorf("invalid initial grant policy: %s (must be declared or none)", c.Plugins.InitialGrant)
	}
	if c.Plugins.EventBuffer <= 0 {
		return fmt.Errorf("event buffer must be positive")
	}

	if c.Redis.URL != "" && c.Redis.SubmissionsPerHour <= 0 {
		return fmt.Errorf("submissions per hour must be positive when redis is configured")
	}

	return nil
}

// parseLogLevel parses a log level string, defaulting to info
func parseLogLevel(level string) logrus.Level {
	parsed, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return logrus.InfoLevel
	}
	return parsed
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
