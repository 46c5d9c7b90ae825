// Package audit records security relevant plugin activity.
//
// # Overview
//
// Every lifecycle transition, capability grant or revocation, denied
// capability check, submission review decision and failed bridge operation
// produces an AuditEvent. Events carry the acting user, the plugin id and the
// resource they concern.
//
// # Sinks
//
//   - DBLogger: plugin_audit_logs table (PostgreSQL or SQLite)
//   - FileLogger: JSON lines with size based rotation
//   - LogrusLogger: structured log lines
//   - MemoryLogger: in-process, for tests
//   - MultiLogger: fan-out to any of the above, sync or async
//
// # Usage Example
//
//	event := audit.NewEvent(ctx, audit.EventTypeAuthzAccessDenied, audit.EventStatusDenied)
//	event.PluginID = token.PluginID()
//	event.ResourceType = audit.ResourceTypeCapability
//	event.ResourceID = string(capability.NoteWrite)
//	audit.Record(ctx, sink, log, event)
//
// Record never returns the sink error; a failed audit write is logged and the
// audited operation proceeds.
package audit
