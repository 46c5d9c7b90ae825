package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// DBLogger implements audit logging to a SQL database. The schema sticks to
// types shared by PostgreSQL and SQLite.
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a new database-based audit logger
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	logger := &DBLogger{
		db: db,
	}

	// Ensure the plugin_audit_logs table exists
	if err := logger.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure plugin_audit_logs table: %w", err)
	}

	return logger, nil
}

// ensureTable creates the plugin_audit_logs table if it doesn't exist
func (l *DBLogger) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS plugin_audit_logs (
		id VARCHAR(36) PRIMARY KEY,
		timestamp TIMESTAMP NOT NULL,
		event_type VARCHAR(100) NOT NULL,
		status VARCHAR(20) NOT NULL,
		actor VARCHAR(255),
		plugin_id VARCHAR(255),
		resource_type VARCHAR(50),
		resource_id VARCHAR(255),
		request_id VARCHAR(100),
		message TEXT,
		error_message TEXT,
		metadata TEXT
	)`

	if _, err := l.db.Exec(query); err != nil {
		return err
	}

	for _, idx := range []string{
		`CREATE INDEX IF NOT EXISTS idx_plugin_audit_logs_timestamp ON plugin_audit_logs(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_plugin_audit_logs_plugin ON plugin_audit_logs(plugin_id)`,
		`CREATE INDEX IF NOT EXISTS idx_plugin_audit_logs_event_type ON plugin_audit_logs(event_type)`,
	} {
		if _, err := l.db.Exec(idx); err != nil {
			return err
		}
	}
	return nil
}

// Log logs an audit event to the database
func (l *DBLogger) Log(ctx context.Context, event *AuditEvent) error {
	var metadataJSON []byte
	if len(event.Metadata) > 0 {
		var err error
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	query := `
		INSERT INTO plugin_audit_logs (
			id, timestamp, event_type, status,
			actor, plugin_id, resource_type, resource_id,
			request_id, message, error_message, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := l.db.ExecContext(ctx, query,
		event.ID, event.Timestamp, string(event.EventType), string(event.Status),
		event.Actor, event.PluginID, string(event.ResourceType), event.ResourceID,
		event.RequestID, event.Message, event.ErrorMessage, string(metadataJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	return nil
}

// ListByPlugin returns the most recent events for a plugin, newest first
func (l *DBLogger) ListByPlugin(ctx context.Context, pluginID string, limit int) ([]*AuditEvent, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, timestamp, event_type, status, actor, plugin_id,
		       resource_type, resource_id, request_id, message, error_message, metadata
		FROM plugin_audit_logs
		WHERE plugin_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`, pluginID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		var (
			event                                AuditEvent
			eventType, status, resourceType      string
			actor, plugin, resourceID, requestID sql.NullString
			message, errorMessage, metadata      sql.NullString
			ts                                   time.Time
		)
		if err := rows.Scan(&event.ID, &ts, &eventType, &status, &actor, &plugin,
			&resourceType, &resourceID, &requestID, &message, &errorMessage, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		event.Timestamp = ts
		event.EventType = EventType(eventType)
		event.Status = EventStatus(status)
		event.ResourceType = ResourceType(resourceType)
		event.Actor = actor.String
		event.PluginID = plugin.String
		event.ResourceID = resourceID.String
		event.RequestID = requestID.String
		event.Message = message.String
		event.ErrorMessage = errorMessage.String
		if metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &event.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode audit metadata: %w", err)
			}
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}

// Close is a no-op; the caller owns the database handle
func (l *DBLogger) Close() error {
	return nil
}
