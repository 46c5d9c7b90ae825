// Package contextkeys holds every context key the host stores request
// scoped values under. Keys live here so packages never invent their own.
//
//	ctx = contextkeys.WithUserID(ctx, "alice")
//	caller := contextkeys.GetUserID(ctx)
package contextkeys

import "context"

// Key is the type of every key in this package
type Key string

const (
	// RequestIDKey holds the request id (string), set by
	// httputil.RequestIDMiddleware
	RequestIDKey Key = "request_id"

	// UserIDKey holds the calling user (string), set by
	// middleware.CallerMiddleware from the header the fronting host sets
	UserIDKey Key = "user_id"

	// PluginIDKey holds the plugin whose code is running (string), set by
	// lifecycle.Manager around hooks and renderer.Registry around Render
	PluginIDKey Key = "plugin_id"

	// AuditLoggerKey holds an audit.Logger, set through audit.WithLogger
	AuditLoggerKey Key = "audit_logger"
)

func str(ctx context.Context, k Key) string {
	s, _ := ctx.Value(k).(string)
	return s
}

// WithRequestID returns ctx carrying requestID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID returns the request id, or "" when unset
func GetRequestID(ctx context.Context) string { return str(ctx, RequestIDKey) }

// WithUserID returns ctx carrying the calling user
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID returns the calling user, or "" when anonymous
func GetUserID(ctx context.Context) string { return str(ctx, UserIDKey) }

// WithPluginID marks ctx as running on behalf of a plugin
func WithPluginID(ctx context.Context, pluginID string) context.Context {
	return context.WithValue(ctx, PluginIDKey, pluginID)
}

// GetPluginID returns the plugin running in ctx, or "" for host code
func GetPluginID(ctx context.Context) string { return str(ctx, PluginIDKey) }

// WithAuditLogger stores an audit logger. The value is untyped here to keep
// this package free of imports; audit.FromContext does the assertion.
func WithAuditLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, AuditLoggerKey, logger)
}
