// Package config loads and validates host configuration from MODULO_*
// environment variables.
//
// Server settings:
//
//	MODULO_HOST="0.0.0.0"
//	MODULO_PORT="8080"
//	MODULO_SHUTDOWN_TIMEOUT="30s"
//
// Package storage:
//
//	MODULO_STORAGE_TYPE="filesystem"  # filesystem, s3
//	MODULO_FILESYSTEM_ROOT="/var/lib/modulo/packages"
//	MODULO_S3_BUCKET="modulo-plugins"
//	MODULO_S3_ENDPOINT="http://minio:9000"
//
// Database and rate limiting:
//
//	MODULO_DB_DRIVER="postgres"  # postgres, sqlite3, memory
//	MODULO_DB_DSN="postgres://modulo@localhost/modulo?sslmode=disable"
//	MODULO_REDIS_URL="redis://localhost:6379/0"
//	MODULO_SUBMISSIONS_PER_HOUR="10"
//
// Plugins:
//
//	MODULO_PLUGIN_START_TIMEOUT="30s"
//	MODULO_PLUGIN_STOP_TIMEOUT="10s"
//	MODULO_RENDER_TIMEOUT="2s"
//	MODULO_INITIAL_GRANT="declared"  # declared, none
//	MODULO_POLICY_FILE="/etc/modulo/grants.yaml"
//	MODULO_AUTO_INSTALL="false"
//	MODULO_EVENT_POLICY="drop-oldest"  # drop-oldest, reject-new
//
// Usage:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatalf("Invalid configuration: %v", err)
//	}
package config
