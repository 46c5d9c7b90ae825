package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/statekit"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/modulo/pkg/audit"
	"github.com/platinummonkey/modulo/pkg/capability"
	"github.com/platinummonkey/modulo/pkg/contextkeys"
	"github.com/platinummonkey/modulo/pkg/events"
	"github.com/platinummonkey/modulo/pkg/observability"
	"github.com/platinummonkey/modulo/pkg/pluginerrors"
	"github.com/platinummonkey/modulo/pkg/plugins"
	"github.com/platinummonkey/modulo/pkg/security"
)

// Messages shown to operators for rejected transitions
const (
	MsgTransitionInProgress = "transition in progress"
	MsgAlreadyInstalled     = "plugin is already installed; uninstall it first"
	MsgMustDisable          = "plugin must be disabled before uninstall"
	MsgMustStart            = "plugin must be started before it can be stopped"
)

// EventStateChanged is published on the broker after every transition
const EventStateChanged = "plugin.state_changed"

// InitialGrant selects what a plugin is granted at install time
type InitialGrant string

const (
	// GrantDeclared grants the full declared capability set
	GrantDeclared InitialGrant = "declared"
	// GrantNone grants nothing until an operator grants capabilities
	GrantNone InitialGrant = "none"
)

// Registrar is the part of the security manager the lifecycle drives
type Registrar interface {
	Register(id string, declared, initial capability.Set) (security.Token, error)
	Remove(id string)
	Activate(id string) error
	Deactivate(id string) error
}

// HostFactory binds the capability scoped host surface for a plugin token
type HostFactory interface {
	Bind(token security.Token) plugins.Host
}

// InstalledPlugin is a point in time view of an installed plugin
type InstalledPlugin struct {
	Descriptor  plugins.Descriptor `json:"descriptor"`
	State       State              `json:"state"`
	LastError   string             `json:"lastError,omitempty"`
	Transitions int                `json:"transitions"`
	InstalledAt time.Time          `json:"installedAt"`
	StartedAt   *time.Time         `json:"startedAt,omitempty"`
	StoppedAt   *time.Time         `json:"stoppedAt,omitempty"`
}

type record struct {
	id   string
	desc plugins.Descriptor

	// lock serializes transitions for this plugin only
	lock chan struct{}

	interp *statekit.Interpreter[Context]
	mc     *machineContext

	mu          sync.RWMutex
	state       State
	handle      plugins.Handle
	token       security.Token
	lastError   string
	removed     bool
	installedAt time.Time
	startedAt   *time.Time
	stoppedAt   *time.Time
}

func (r *record) acquire(ctx context.Context) error {
	select {
	case r.lock <- struct{}{}:
		return nil
	default:
	}
	select {
	case r.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return pluginerrors.NewLifecycleError(r.id, MsgTransitionInProgress)
	}
}

func (r *record) release() {
	<-r.lock
}

func (r *record) current() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *record) view() InstalledPlugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return InstalledPlugin{
		Descriptor:  r.desc,
		State:       r.state,
		LastError:   r.lastError,
		Transitions: r.mc.snapshot().Transitions,
		InstalledAt: r.installedAt,
		StartedAt:   r.startedAt,
		StoppedAt:   r.stoppedAt,
	}
}

// Manager installs, starts, stops and uninstalls plugins. Transitions for one
// plugin are serialized; different plugins never wait on each other.
type Manager struct {
	mu      sync.RWMutex
	records map[string]*record

	validator *plugins.Validator
	loader    plugins.Loader
	security  Registrar
	hosts     HostFactory

	startTimeout time.Duration
	stopTimeout  time.Duration
	initialGrant InitialGrant

	logger  *logrus.Logger
	audit   audit.Logger
	metrics *observability.Metrics
	broker  *events.Broker
	now     func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithTimeouts bounds the start and stop hooks
func WithTimeouts(start, stop time.Duration) Option {
	return func(m *Manager) {
		if start > 0 {
			m.startTimeout = start
		}
		if stop > 0 {
			m.stopTimeout = stop
		}
	}
}

// WithInitialGrant sets the grant given at install time
func WithInitialGrant(g InitialGrant) Option {
	return func(m *Manager) {
		m.initialGrant = g
	}
}

// WithAuditLogger sets the audit sink for transitions and faults
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

// WithBroker publishes state changes to subscribers of b
func WithBroker(b *events.Broker) Option {
	return func(m *Manager) {
		m.broker = b
	}
}

// NewManager creates a lifecycle manager
func NewManager(validator *plugins.Validator, loader plugins.Loader, registrar Registrar, hosts HostFactory, logger *logrus.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if validator == nil {
		validator = plugins.NewValidator(logger)
	}
	m := &Manager{
		records:      make(map[string]*record),
		validator:    validator,
		loader:       loader,
		security:     registrar,
		hosts:        hosts,
		startTimeout: 30 * time.Second,
		stopTimeout:  10 * time.Second,
		initialGrant: GrantDeclared,
		logger:       logger,
		audit:        audit.NoOp(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func notInstalled(id string) error {
	return fmt.Errorf("plugin %s: %w", id, pluginerrors.ErrNotFound)
}

func (m *Manager) lookup(id string) (*record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, notInstalled(id)
	}
	return r, nil
}

// lockRecord finds the plugin and takes its transition lock. The caller
// must release it.
func (m *Manager) lockRecord(ctx context.Context, id string) (*record, error) {
	r, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	removed := r.removed
	r.mu.RUnlock()
	if removed {
		r.release()
		return nil, notInstalled(id)
	}
	return r, nil
}

// Install validates d and records it in INACTIVE
func (m *Manager) Install(ctx context.Context, d *plugins.Descriptor) (InstalledPlugin, error) {
	if err := m.validator.ValidateDescriptor(d); err != nil {
		return InstalledPlugin{}, err
	}
	if m.loader != nil && !m.loader.Supports(d) {
		return InstalledPlugin{}, pluginerrors.ValidationFailed("entryPoint", "No loader supports entry point "+d.EntryPoint)
	}

	mc := &machineContext{}
	interp, err := buildMachine(mc)
	if err != nil {
		return InstalledPlugin{}, err
	}

	initial := capability.Empty
	if m.initialGrant == GrantDeclared {
		initial = d.Capabilities
	}

	m.mu.Lock()
	if _, exists := m.records[d.ID]; exists {
		m.mu.Unlock()
		interp.Stop()
		return InstalledPlugin{}, pluginerrors.NewLifecycleError(d.ID, MsgAlreadyInstalled)
	}
	token, err := m.security.Register(d.ID, d.Capabilities, initial)
	if err != nil {
		m.mu.Unlock()
		interp.Stop()
		if errors.Is(err, security.ErrAlreadyRegistered) {
			return InstalledPlugin{}, pluginerrors.NewLifecycleError(d.ID, MsgAlreadyInstalled)
		}
		return InstalledPlugin{}, err
	}
	r := &record{
		id:          d.ID,
		desc:        *d,
		lock:        make(chan struct{}, 1),
		interp:      interp,
		mc:          mc,
		state:       StateInactive,
		token:       token,
		installedAt: m.now().UTC(),
	}
	m.records[d.ID] = r
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"plugin_id":    d.ID,
		"version":      d.Version,
		"capabilities": d.Capabilities.String(),
		"granted":      initial.String(),
	}).Info("Installed plugin")
	m.auditTransition(ctx, audit.EventTypePluginInstall, audit.EventStatusSuccess, d.ID, "installed "+d.Version, nil)
	return r.view(), nil
}

// Start runs the plugin's init and start hooks. Starting an ACTIVE plugin is
// a no-op that reports ACTIVE.
func (m *Manager) Start(ctx context.Context, id string) (State, error) {
	r, err := m.lockRecord(ctx, id)
	if err != nil {
		return "", err
	}
	defer r.release()

	switch st := r.current(); st {
	case StateActive:
		return StateActive, nil
	case StateInactive, StateError:
	default:
		return st, pluginerrors.NewLifecycleError(id, MsgTransitionInProgress)
	}

	m.send(ctx, r, EventStart, nil)

	handle, err := m.runHook(contextkeys.WithPluginID(ctx, id), "start", m.startTimeout, func(hctx context.Context) (plugins.Handle, error) {
		if m.loader == nil {
			return nil, errors.New("no plugin loader configured")
		}
		h, err := m.loader.Load(hctx, &r.desc)
		if err != nil {
			return nil, fmt.Errorf("load: %w", err)
		}
		if err := h.Init(hctx, m.hosts.Bind(r.token)); err != nil {
			m.discard(hctx, "init failed", h)
			return nil, fmt.Errorf("init: %w", err)
		}
		if err := h.Start(hctx); err != nil {
			m.discard(hctx, "start failed", h)
			return nil, fmt.Errorf("start: %w", err)
		}
		return h, nil
	})
	if err != nil {
		m.fault(ctx, r, "start", err)
		m.send(ctx, r, EventFail, err)
		return StateError, pluginerrors.NewHostError(id, "start", err)
	}

	now := m.now().UTC()
	r.mu.Lock()
	r.handle = handle
	r.lastError = ""
	r.startedAt = &now
	r.mu.Unlock()

	m.send(ctx, r, EventStarted, nil)
	if err := m.security.Activate(id); err != nil {
		m.logger.WithField("plugin_id", id).Errorf("Failed to activate grants: %v", err)
	}
	m.auditTransition(ctx, audit.EventTypePluginStart, audit.EventStatusSuccess, id, "started", nil)
	return StateActive, nil
}

// Stop runs the shutdown hook. Authorization for the plugin ends before the
// hook runs. A failing or stuck hook still leaves the plugin INACTIVE; a
// panicking one leaves it in ERROR.
func (m *Manager) Stop(ctx context.Context, id string) (State, error) {
	r, err := m.lockRecord(ctx, id)
	if err != nil {
		return "", err
	}
	defer r.release()

	if st := r.current(); st != StateActive {
		return st, pluginerrors.NewLifecycleError(id, MsgMustStart)
	}

	if err := m.security.Deactivate(id); err != nil {
		m.logger.WithField("plugin_id", id).Errorf("Failed to deactivate grants: %v", err)
	}
	m.send(ctx, r, EventStop, nil)

	r.mu.Lock()
	handle := r.handle
	r.handle = nil
	r.mu.Unlock()

	_, err = m.runHook(contextkeys.WithPluginID(ctx, id), "stop", m.stopTimeout, func(hctx context.Context) (plugins.Handle, error) {
		if handle == nil {
			return nil, nil
		}
		return nil, handle.Stop(hctx)
	})

	now := m.now().UTC()
	r.mu.Lock()
	r.stoppedAt = &now
	r.mu.Unlock()

	var panicked *hookPanic
	if errors.As(err, &panicked) {
		m.fault(ctx, r, "stop", err)
		m.send(ctx, r, EventFail, err)
		return StateError, pluginerrors.NewHostError(id, "stop", err)
	}
	if err != nil {
		m.fault(ctx, r, "stop", err)
	}

	m.send(ctx, r, EventStopped, nil)
	m.auditTransition(ctx, audit.EventTypePluginStop, audit.EventStatusSuccess, id, "stopped", nil)
	return StateInactive, nil
}

// Uninstall removes an INACTIVE or ERROR plugin and its grant
func (m *Manager) Uninstall(ctx context.Context, id string) error {
	r, err := m.lockRecord(ctx, id)
	if err != nil {
		return err
	}
	defer r.release()

	if st := r.current(); st != StateInactive && st != StateError {
		return pluginerrors.NewLifecycleError(id, MsgMustDisable)
	}

	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()

	r.mu.Lock()
	r.removed = true
	r.mu.Unlock()

	m.security.Remove(id)
	r.interp.Stop()

	m.logger.WithField("plugin_id", id).Info("Uninstalled plugin")
	m.auditTransition(ctx, audit.EventTypePluginUninstall, audit.EventStatusSuccess, id, "uninstalled", nil)
	return nil
}

// Get returns one installed plugin
func (m *Manager) Get(id string) (InstalledPlugin, error) {
	r, err := m.lookup(id)
	if err != nil {
		return InstalledPlugin{}, err
	}
	return r.view(), nil
}

// List returns every installed plugin sorted by id
func (m *Manager) List() []InstalledPlugin {
	m.mu.RLock()
	records := make([]*record, 0, len(m.records))
	for _, r := range m.records {
		records = append(records, r)
	}
	m.mu.RUnlock()

	out := make([]InstalledPlugin, 0, len(records))
	for _, r := range records {
		out = append(out, r.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.ID < out[j].Descriptor.ID })
	return out
}

// Handle returns the running handle and token of an ACTIVE plugin
func (m *Manager) Handle(id string) (plugins.Handle, security.Token, bool) {
	r, err := m.lookup(id)
	if err != nil {
		return nil, security.Token{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state != StateActive || r.handle == nil {
		return nil, security.Token{}, false
	}
	return r.handle, r.token, true
}

// StopAll stops every ACTIVE plugin, used at host shutdown
func (m *Manager) StopAll(ctx context.Context) {
	for _, p := range m.List() {
		if p.State != StateActive {
			continue
		}
		if _, err := m.Stop(ctx, p.Descriptor.ID); err != nil {
			m.logger.WithField("plugin_id", p.Descriptor.ID).Warnf("Failed to stop plugin: %v", err)
		}
	}
}

// send drives the machine and mirrors its state onto the record
func (m *Manager) send(ctx context.Context, r *record, event string, payload interface{}) {
	from := r.current()
	r.interp.Send(statekit.Event{Type: statekit.EventType(event), Payload: payload})
	to := State(r.interp.State().Value)

	r.mu.Lock()
	r.state = to
	if err, ok := payload.(error); ok {
		r.lastError = err.Error()
	}
	r.mu.Unlock()

	if from == to {
		m.logger.WithFields(logrus.Fields{
			"plugin_id": r.id,
			"state":     from,
			"event":     event,
		}).Error("State machine ignored event")
		return
	}

	m.metrics.RecordTransition(string(from), string(to))
	m.logger.WithFields(logrus.Fields{
		"plugin_id": r.id,
		"from":      from,
		"to":        to,
	}).Debug("Plugin state changed")

	if m.broker != nil {
		m.broker.Publish(events.Message{
			Type:      EventStateChanged,
			Source:    r.id,
			Payload:   map[string]interface{}{"from": string(from), "to": string(to)},
			Timestamp: m.now().UTC(),
		})
	}
}

func (m *Manager) fault(ctx context.Context, r *record, phase string, err error) {
	r.mu.Lock()
	r.lastError = err.Error()
	r.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"plugin_id": r.id,
		"phase":     phase,
	}).Errorf("Plugin fault: %v", err)
	m.auditTransition(ctx, audit.EventTypePluginFault, audit.EventStatusFailure, r.id, phase, err)
}

func (m *Manager) auditTransition(ctx context.Context, eventType audit.EventType, status audit.EventStatus, id, message string, err error) {
	event := audit.NewEvent(ctx, eventType, status)
	event.PluginID = id
	event.ResourceType = audit.ResourceTypePlugin
	event.ResourceID = id
	event.Message = message
	if err != nil {
		event.ErrorMessage = err.Error()
	}
	audit.Record(ctx, m.audit, m.logger, event)
}
