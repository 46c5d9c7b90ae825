package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/modulo/pkg/contextkeys"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *AuditEvent) error

	// Close closes the logger and flushes any buffered logs
	Close() error
}

// Reader is an audit sink that can be queried back
type Reader interface {
	// ListByPlugin returns up to limit events for pluginID, newest first
	ListByPlugin(ctx context.Context, pluginID string, limit int) ([]*AuditEvent, error)
}

// DefaultListLimit applies when a reader is asked for a non-positive limit
const DefaultListLimit = 100

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return contextkeys.WithAuditLogger(ctx, logger)
}

// FromContext retrieves the audit logger from context
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(contextkeys.AuditLoggerKey).(Logger); ok {
		return logger
	}
	// Return a no-op logger if none is set
	return NoOp()
}

// NewEvent creates an event with id and timestamp set and the actor,
// request and executing plugin taken from ctx
func NewEvent(ctx context.Context, eventType EventType, status EventStatus) *AuditEvent {
	return &AuditEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		Actor:     contextkeys.GetUserID(ctx),
		PluginID:  contextkeys.GetPluginID(ctx),
		RequestID: contextkeys.GetRequestID(ctx),
		Metadata:  make(map[string]interface{}),
	}
}

// Record logs event and reports a failure to write it through log instead
// of returning it. Audit writes never fail the operation being audited.
func Record(ctx context.Context, l Logger, log *logrus.Logger, event *AuditEvent) {
	if l == nil {
		return
	}
	if err := l.Log(ctx, event); err != nil && log != nil {
		log.WithFields(logrus.Fields{
			"event_type": event.EventType,
			"plugin_id":  event.PluginID,
		}).Warnf("Failed to write audit event: %v", err)
	}
}

// noOpLogger is a logger that does nothing (used when no logger is configured)
type noOpLogger struct{}

// NoOp returns a logger that discards every event
func NoOp() Logger {
	return noOpLogger{}
}

func (noOpLogger) Log(ctx context.Context, event *AuditEvent) error {
	return nil
}

func (noOpLogger) Close() error {
	return nil
}

// LogrusLogger writes audit events as structured log lines
type LogrusLogger struct {
	log *logrus.Logger
}

// NewLogrusLogger creates an audit logger backed by logrus
func NewLogrusLogger(log *logrus.Logger) *LogrusLogger {
	if log == nil {
		log = logrus.New()
	}
	return &LogrusLogger{log: log}
}

// Log writes the event at info level, or warn level for denials and failures
func (l *LogrusLogger) Log(ctx context.Context, event *AuditEvent) error {
	entry := l.log.WithFields(logrus.Fields{
		"audit_id":      event.ID,
		"event_type":    event.EventType,
		"status":        event.Status,
		"actor":         event.Actor,
		"plugin_id":     event.PluginID,
		"resource_type": event.ResourceType,
		"resource_id":   event.ResourceID,
	})
	for k, v := range event.Metadata {
		entry = entry.WithField(k, v)
	}
	if event.ErrorMessage != "" {
		entry = entry.WithField("error", event.ErrorMessage)
	}

	if event.Status == EventStatusSuccess {
		entry.Info(event.Message)
	} else {
		entry.Warn(event.Message)
	}
	return nil
}

// Close is a no-op
func (l *LogrusLogger) Close() error {
	return nil
}
