// Package pluginerrors defines the error taxonomy shared by the plugin host.
//
// Only ValidationError and LifecycleError carry messages meant for end users.
// SecurityViolation and HostError keep their detail server-side and render a
// generic message through Error().
package pluginerrors

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/platinummonkey/modulo/pkg/capability"
)

// ErrNotFound is returned when a plugin, submission or renderer does not exist
var ErrNotFound = errors.New("not found")

// ErrPermissionDenied is the generic signal returned for any denied capability
var ErrPermissionDenied = errors.New("permission denied")

// FieldError is a single field-level finding
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (f FieldError) String() string {
	return f.Field + ": " + f.Message
}

// ValidationError reports malformed submission fields or manifest content.
// Findings keep the order in which they were added.
type ValidationError struct {
	Fields []FieldError `json:"errors"`
}

// NewValidationError creates an empty ValidationError
func NewValidationError() *ValidationError {
	return &ValidationError{}
}

// ValidationFailed builds a ValidationError holding a single finding
func ValidationFailed(field, message string) *ValidationError {
	v := NewValidationError()
	v.Add(field, message)
	return v
}

// Add appends a finding. Only the first message per field is kept.
func (v *ValidationError) Add(field, message string) {
	for _, f := range v.Fields {
		if f.Field == field {
			return
		}
	}
	v.Fields = append(v.Fields, FieldError{Field: field, Message: message})
}

// Merge appends every finding from o
func (v *ValidationError) Merge(o *ValidationError) {
	if o == nil {
		return
	}
	for _, f := range o.Fields {
		v.Add(f.Field, f.Message)
	}
}

// HasErrors reports whether any finding was recorded
func (v *ValidationError) HasErrors() bool {
	return v != nil && len(v.Fields) > 0
}

// Map returns the findings as field to message
func (v *ValidationError) Map() map[string]string {
	out := make(map[string]string, len(v.Fields))
	for _, f := range v.Fields {
		out[f.Field] = f.Message
	}
	return out
}

// Get returns the message recorded for field
func (v *ValidationError) Get(field string) (string, bool) {
	for _, f := range v.Fields {
		if f.Field == field {
			return f.Message, true
		}
	}
	return "", false
}

// OrNil returns nil when no finding was recorded so callers can
// `return v.OrNil()` without returning a typed nil.
func (v *ValidationError) OrNil() error {
	if !v.HasErrors() {
		return nil
	}
	return v
}

func (v *ValidationError) Error() string {
	parts := make([]string, len(v.Fields))
	for i, f := range v.Fields {
		parts[i] = f.String()
	}
	return strings.Join(parts, "; ")
}

// LifecycleError reports an illegal state transition. The message names the
// step the caller has to take first.
type LifecycleError struct {
	PluginID string
	Message  string
}

// NewLifecycleError creates a LifecycleError
func NewLifecycleError(pluginID, message string) *LifecycleError {
	return &LifecycleError{PluginID: pluginID, Message: message}
}

func (e *LifecycleError) Error() string {
	return e.Message
}

// SecurityViolation records a denied capability check. It is logged and
// audited, never shown to plugin code.
type SecurityViolation struct {
	PluginID   string
	Capability capability.Capability
	Operation  string
}

func (e *SecurityViolation) Error() string {
	return ErrPermissionDenied.Error()
}

// Detail returns the server-side description of the violation
func (e *SecurityViolation) Detail() string {
	return fmt.Sprintf("plugin %s lacks %s for %s", e.PluginID, e.Capability, e.Operation)
}

func (e *SecurityViolation) Unwrap() error {
	return ErrPermissionDenied
}

// HostError wraps a fault raised by plugin code during start, stop or render
type HostError struct {
	PluginID string
	Phase    string
	cause    error
}

// NewHostError wraps cause as a plugin fault in phase
func NewHostError(pluginID, phase string, cause error) *HostError {
	return &HostError{PluginID: pluginID, Phase: phase, cause: cause}
}

func (e *HostError) Error() string {
	return fmt.Sprintf("plugin %s failed during %s", e.PluginID, e.Phase)
}

// Cause returns the underlying fault for server-side logging
func (e *HostError) Cause() error {
	return e.cause
}

// PluginOperationError is the sanitized failure seen by plugin code when a
// mutation through the API bridge does not succeed
type PluginOperationError struct {
	Operation string
	Message   string
}

// OperationFailed builds a PluginOperationError with the standard message
func OperationFailed(operation string) *PluginOperationError {
	return &PluginOperationError{Operation: operation, Message: "operation failed"}
}

func (e *PluginOperationError) Error() string {
	return e.Operation + ": " + e.Message
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsLifecycle reports whether err is a LifecycleError
func IsLifecycle(err error) bool {
	var l *LifecycleError
	return errors.As(err, &l)
}

// IsNotFound reports whether err wraps ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// UserMessage returns text that is safe to show an end user. Only validation
// and lifecycle errors pass through verbatim.
func UserMessage(err error) string {
	var v *ValidationError
	if errors.As(err, &v) {
		return v.Error()
	}
	var l *LifecycleError
	if errors.As(err, &l) {
		return l.Message
	}
	if errors.Is(err, ErrNotFound) {
		return "not found"
	}
	return "internal error"
}

// SortedFields returns the field names of v in lexical order
func SortedFields(v *ValidationError) []string {
	out := make([]string, 0, len(v.Fields))
	for _, f := range v.Fields {
		out = append(out, f.Field)
	}
	sort.Strings(out)
	return out
}
