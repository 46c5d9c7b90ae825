package security

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/modulo/pkg/audit"
	"github.com/platinummonkey/modulo/pkg/capability"
	"github.com/platinummonkey/modulo/pkg/observability"
	"github.com/platinummonkey/modulo/pkg/pluginerrors"
)

// ErrAlreadyRegistered is returned by Register for a plugin id that is already known
var ErrAlreadyRegistered = errors.New("plugin already registered")

// Denial reasons, used for host side logging and metrics only
const (
	reasonInvalidToken = "invalid token"
	reasonUnknown      = "unknown plugin"
	reasonStale        = "stale token"
	reasonInactive     = "plugin inactive"
	reasonNotGranted   = "capability not granted"
	reasonPolicy       = "capability withheld by policy"
)

type entry struct {
	declared   capability.Set
	granted    capability.Set
	active     bool
	generation uint64
}

// snapshot is immutable once published
type snapshot struct {
	entries map[string]entry
	policy  GrantPolicy
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		entries: make(map[string]entry, len(s.entries)+1),
		policy:  s.policy,
	}
	for id, e := range s.entries {
		next.entries[id] = e
	}
	return next
}

// GrantInfo describes the capabilities of one registered plugin
type GrantInfo struct {
	PluginID  string         `json:"pluginId"`
	Declared  capability.Set `json:"declared"`
	Granted   capability.Set `json:"granted"`
	Effective capability.Set `json:"effective"`
	Active    bool           `json:"active"`
}

// Manager owns the permission grant table. Reads are lock free over an
// atomically published snapshot; writers serialize on writeMu and publish a
// fresh copy, so a change is visible to every caller once the write returns.
type Manager struct {
	snap    atomic.Pointer[snapshot]
	writeMu sync.Mutex
	nextGen uint64

	logger  *logrus.Logger
	audit   audit.Logger
	metrics *observability.Metrics
}

// Option configures a Manager
type Option func(*Manager)

// WithAuditLogger sets the audit sink for grants, revocations and denials
func WithAuditLogger(l audit.Logger) Option {
	return func(m *Manager) {
		m.audit = l
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// NewManager creates an empty security manager
func NewManager(logger *logrus.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	m := &Manager{
		logger: logger,
		audit:  audit.NoOp(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.snap.Store(&snapshot{entries: map[string]entry{}})
	return m
}

func (m *Manager) load() *snapshot {
	return m.snap.Load()
}

// update applies fn to a private copy and publishes it when fn succeeds
func (m *Manager) update(fn func(s *snapshot) error) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	next := m.load().clone()
	if err := fn(next); err != nil {
		return err
	}
	m.snap.Store(next)
	return nil
}

func notRegistered(id string) error {
	return fmt.Errorf("plugin %s: %w", id, pluginerrors.ErrNotFound)
}

// Register records a newly installed plugin with its declared capability set
// and the initial grant. The plugin starts inactive.
func (m *Manager) Register(id string, declared, initial capability.Set) (Token, error) {
	if !initial.SubsetOf(declared) {
		return Token{}, undeclared(initial.Minus(declared))
	}

	var token Token
	err := m.update(func(s *snapshot) error {
		if _, exists := s.entries[id]; exists {
			return fmt.Errorf("plugin %s: %w", id, ErrAlreadyRegistered)
		}
		m.nextGen++
		s.entries[id] = entry{declared: declared, granted: initial, generation: m.nextGen}
		token = Token{pluginID: id, generation: m.nextGen}
		return nil
	})
	if err != nil {
		return Token{}, err
	}

	m.logger.WithFields(logrus.Fields{
		"plugin_id": id,
		"declared":  declared.String(),
		"granted":   initial.String(),
	}).Info("Registered plugin capabilities")
	return token, nil
}

// Token returns the current token for a registered plugin
func (m *Manager) Token(id string) (Token, bool) {
	e, ok := m.load().entries[id]
	if !ok {
		return Token{}, false
	}
	return Token{pluginID: id, generation: e.generation}, true
}

// Remove forgets a plugin and its grant. Outstanding tokens stop authorizing.
func (m *Manager) Remove(id string) {
	_ = m.update(func(s *snapshot) error {
		delete(s.entries, id)
		return nil
	})
}

// Activate marks a plugin as running so its grant becomes usable
func (m *Manager) Activate(id string) error {
	return m.setActive(id, true)
}

// Deactivate stops authorizing new calls for a plugin without touching its grant
func (m *Manager) Deactivate(id string) error {
	return m.setActive(id, false)
}

func (m *Manager) setActive(id string, active bool) error {
	return m.update(func(s *snapshot) error {
		e, ok := s.entries[id]
		if !ok {
			return notRegistered(id)
		}
		e.active = active
		s.entries[id] = e
		return nil
	})
}

// Grant adds caps to the plugin's grant. Every capability must be declared.
func (m *Manager) Grant(ctx context.Context, id string, caps capability.Set) error {
	return m.changeGrant(ctx, id, "grant", func(e entry) (capability.Set, error) {
		if !caps.SubsetOf(e.declared) {
			return 0, undeclared(caps.Minus(e.declared))
		}
		return e.granted.Union(caps), nil
	})
}

// Revoke removes caps from the plugin's grant
func (m *Manager) Revoke(ctx context.Context, id string, caps capability.Set) error {
	return m.changeGrant(ctx, id, "revoke", func(e entry) (capability.Set, error) {
		return e.granted.Minus(caps), nil
	})
}

// SetGrants replaces the plugin's grant. Every capability must be declared.
func (m *Manager) SetGrants(ctx context.Context, id string, caps capability.Set) error {
	return m.changeGrant(ctx, id, "set", func(e entry) (capability.Set, error) {
		if !caps.SubsetOf(e.declared) {
			return 0, undeclared(caps.Minus(e.declared))
		}
		return caps, nil
	})
}

func (m *Manager) changeGrant(ctx context.Context, id, action string, fn func(entry) (capability.Set, error)) error {
	var before, after capability.Set
	err := m.update(func(s *snapshot) error {
		e, ok := s.entries[id]
		if !ok {
			return notRegistered(id)
		}
		next, err := fn(e)
		if err != nil {
			return err
		}
		before, after = e.granted, next
		e.granted = next
		s.entries[id] = e
		return nil
	})
	if err != nil {
		return err
	}

	m.metrics.RecordGrantChange(action)

	added, removed := after.Minus(before), before.Minus(after)
	if !added.IsEmpty() {
		m.auditGrant(ctx, audit.EventTypeAuthzPermissionGrant, id, added, action)
	}
	if !removed.IsEmpty() {
		m.auditGrant(ctx, audit.EventTypeAuthzPermissionRevoke, id, removed, action)
	}
	m.logger.WithFields(logrus.Fields{
		"plugin_id": id,
		"action":    action,
		"granted":   after.String(),
	}).Info("Updated capability grant")
	return nil
}

func (m *Manager) auditGrant(ctx context.Context, eventType audit.EventType, id string, caps capability.Set, action string) {
	event := audit.NewEvent(ctx, eventType, audit.EventStatusSuccess)
	event.PluginID = id
	event.ResourceType = audit.ResourceTypeCapability
	event.ResourceID = caps.String()
	event.Metadata["action"] = action
	audit.Record(ctx, m.audit, m.logger, event)
}

func undeclared(extra capability.Set) error {
	return pluginerrors.ValidationFailed("capabilities",
		fmt.Sprintf("capabilities not declared by plugin: %s", extra))
}

// decide is the authorization decision. It only reads the snapshot.
func (s *snapshot) decide(token Token, c capability.Capability) (bool, string) {
	if token.IsZero() {
		return false, reasonInvalidToken
	}
	e, ok := s.entries[token.pluginID]
	if !ok {
		return false, reasonUnknown
	}
	if e.generation != token.generation {
		return false, reasonStale
	}
	if !e.active {
		return false, reasonInactive
	}
	if !e.granted.Has(c) {
		return false, reasonNotGranted
	}
	if ceiling, limited := s.policy[token.pluginID]; limited && !ceiling.Has(c) {
		return false, reasonPolicy
	}
	return true, ""
}

// Allowed reports the authorization decision without recording anything
func (m *Manager) Allowed(token Token, c capability.Capability) bool {
	ok, _ := m.load().decide(token, c)
	return ok
}

// Authorize reports whether the token's plugin may use capability c right
// now. Absence of a grant is a denial. Denials are logged, counted and
// audited.
func (m *Manager) Authorize(ctx context.Context, token Token, c capability.Capability) bool {
	return m.Check(ctx, token, c, "") == nil
}

// Check is Authorize for a named operation. A denial returns a
// *pluginerrors.SecurityViolation, which must not be shown to plugin code.
func (m *Manager) Check(ctx context.Context, token Token, c capability.Capability, operation string) error {
	ok, reason := m.load().decide(token, c)
	if ok {
		return nil
	}

	violation := &pluginerrors.SecurityViolation{
		PluginID:   token.pluginID,
		Capability: c,
		Operation:  operation,
	}
	m.recordDenial(ctx, violation, reason)
	return violation
}

func (m *Manager) recordDenial(ctx context.Context, v *pluginerrors.SecurityViolation, reason string) {
	m.metrics.RecordDenial(v.PluginID, string(v.Capability))

	m.logger.WithFields(logrus.Fields{
		"plugin_id":  v.PluginID,
		"capability": v.Capability,
		"operation":  v.Operation,
		"reason":     reason,
	}).Warn("Capability check denied")

	event := audit.NewEvent(ctx, audit.EventTypeAuthzAccessDenied, audit.EventStatusDenied)
	event.PluginID = v.PluginID
	event.ResourceType = audit.ResourceTypeCapability
	event.ResourceID = string(v.Capability)
	event.Message = v.Detail()
	event.Metadata["reason"] = reason
	if v.Operation != "" {
		event.Metadata["operation"] = v.Operation
	}
	audit.Record(ctx, m.audit, m.logger, event)
}

// Grants returns the capability state of one plugin
func (m *Manager) Grants(id string) (GrantInfo, bool) {
	s := m.load()
	e, ok := s.entries[id]
	if !ok {
		return GrantInfo{}, false
	}
	return s.info(id, e), true
}

// List returns the capability state of every registered plugin, sorted by id
func (m *Manager) List() []GrantInfo {
	s := m.load()
	out := make([]GrantInfo, 0, len(s.entries))
	for id, e := range s.entries {
		out = append(out, s.info(id, e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PluginID < out[j].PluginID })
	return out
}

func (s *snapshot) info(id string, e entry) GrantInfo {
	effective := e.granted
	if ceiling, limited := s.policy[id]; limited {
		effective = effective.Intersect(ceiling)
	}
	return GrantInfo{
		PluginID:  id,
		Declared:  e.declared,
		Granted:   e.granted,
		Effective: effective,
		Active:    e.active,
	}
}

// SetPolicy replaces the operator grant policy. A plugin listed in the policy
// can use at most the listed capabilities; unlisted plugins are unaffected.
func (m *Manager) SetPolicy(ctx context.Context, policy GrantPolicy) {
	frozen := make(GrantPolicy, len(policy))
	for id, caps := range policy {
		frozen[id] = caps
	}
	_ = m.update(func(s *snapshot) error {
		s.policy = frozen
		return nil
	})

	event := audit.NewEvent(ctx, audit.EventTypeAuthzPolicyReload, audit.EventStatusSuccess)
	event.Message = fmt.Sprintf("grant policy covers %d plugins", len(frozen))
	audit.Record(ctx, m.audit, m.logger, event)
	m.logger.Infof("Applied grant policy for %d plugins", len(frozen))
}

// Policy returns a copy of the current grant policy
func (m *Manager) Policy() GrantPolicy {
	current := m.load().policy
	out := make(GrantPolicy, len(current))
	for id, caps := range current {
		out[id] = caps
	}
	return out
}
