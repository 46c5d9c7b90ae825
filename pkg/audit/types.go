package audit

import (
	"encoding/json"
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Plugin lifecycle events
	EventTypePluginInstall   EventType = "plugin.install"
	EventTypePluginStart     EventType = "plugin.start"
	EventTypePluginStop      EventType = "plugin.stop"
	EventTypePluginUninstall EventType = "plugin.uninstall"
	EventTypePluginFault     EventType = "plugin.fault"

	// Authorization events
	EventTypeAuthzAccessDenied     EventType = "authz.access_denied"
	EventTypeAuthzPermissionGrant  EventType = "authz.permission_grant"
	EventTypeAuthzPermissionRevoke EventType = "authz.permission_revoke"
	EventTypeAuthzPolicyReload     EventType = "authz.policy_reload"

	// Submission pipeline events
	EventTypeSubmissionCreate   EventType = "submission.create"
	EventTypeSubmissionValidate EventType = "submission.validate"
	EventTypeSubmissionReview   EventType = "submission.review"
	EventTypeSubmissionPublish  EventType = "submission.publish"

	// Plugin-originated operations through the API bridge
	EventTypeBridgeFailure EventType = "bridge.failure"
	EventTypeRenderFailure EventType = "render.failure"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// ResourceType represents the type of resource being acted on
type ResourceType string

const (
	ResourceTypePlugin     ResourceType = "plugin"
	ResourceTypeSubmission ResourceType = "submission"
	ResourceTypeCapability ResourceType = "capability"
	ResourceTypeRenderer   ResourceType = "renderer"
	ResourceTypeNote       ResourceType = "note"
	ResourceTypeUser       ResourceType = "user"
)

// AuditEvent represents a single audit log entry
type AuditEvent struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Who acted: a user, a reviewer, or the host itself
	Actor string `json:"actor,omitempty"`

	// Which plugin the event concerns, when any
	PluginID string `json:"plugin_id,omitempty"`

	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`

	RequestID string `json:"request_id,omitempty"`

	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// ToJSON converts the audit event to JSON
func (e *AuditEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an audit event from JSON
func FromJSON(data []byte) (*AuditEvent, error) {
	var event AuditEvent
	err := json.Unmarshal(data, &event)
	return &event, err
}
