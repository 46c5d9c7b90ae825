package renderer

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/modulo/pkg/audit"
	"github.com/platinummonkey/modulo/pkg/capability"
	"github.com/platinummonkey/modulo/pkg/contextkeys"
	"github.com/platinummonkey/modulo/pkg/domain"
	"github.com/platinummonkey/modulo/pkg/events"
	"github.com/platinummonkey/modulo/pkg/observability"
	"github.com/platinummonkey/modulo/pkg/pluginerrors"
	"github.com/platinummonkey/modulo/pkg/plugins"
	"github.com/platinummonkey/modulo/pkg/sandbox"
	"github.com/platinummonkey/modulo/pkg/security"
)

// Defaults for render execution
const (
	DefaultRenderTimeout = 5 * time.Second
	DefaultEventBuffer   = 32
	DefaultCacheSize     = 256
)

// FallbackMimeType is the mime type of the placeholder returned for failed
// renders
const FallbackMimeType = "text/plain"

// Handles resolves the running handle and token of an ACTIVE plugin.
// *lifecycle.Manager satisfies it.
type Handles interface {
	Handle(id string) (plugins.Handle, security.Token, bool)
}

// Authorizer checks a capability for a plugin token. *security.Manager
// satisfies it.
type Authorizer interface {
	Check(ctx context.Context, token security.Token, c capability.Capability, operation string) error
}

// Registry offers renderers by content type and invokes them under the
// RENDER capability
type Registry struct {
	mu        sync.RWMutex
	renderers map[string]Descriptor

	// byType caches lower-cased content type -> enabled renderer ids
	byType *lru.Cache[string, []string]

	handles Handles
	authz   Authorizer
	logger  *logrus.Logger
	audit   audit.Logger
	metrics *observability.Metrics

	timeout     time.Duration
	eventBuffer int
	eventPolicy events.Policy
}

// Option configures a Registry
type Option func(*Registry)

// WithRenderTimeout bounds each render, including any interactive script
func WithRenderTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithEventBuffer sets the capacity and policy of the channel interactive
// output emits into
func WithEventBuffer(capacity int, policy events.Policy) Option {
	return func(r *Registry) {
		if capacity > 0 {
			r.eventBuffer = capacity
		}
		r.eventPolicy = policy
	}
}

// WithAuditLogger records failed renders
func WithAuditLogger(l audit.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.audit = l
		}
	}
}

// WithMetrics records render outcomes and durations
func WithMetrics(metrics *observability.Metrics) Option {
	return func(r *Registry) {
		r.metrics = metrics
	}
}

// Builder collects renderers at startup. Nothing is discovered at runtime;
// every renderer the registry offers was added here or through Register.
type Builder struct {
	renderers []Descriptor
}

// NewBuilder creates an empty builder
func NewBuilder() *Builder {
	return &Builder{}
}

// Add queues a renderer descriptor
func (b *Builder) Add(d Descriptor) *Builder {
	b.renderers = append(b.renderers, d)
	return b
}

// AddPlugin queues the renderer backed by a renderer plugin
func (b *Builder) AddPlugin(p *plugins.Descriptor, options ...OptionSpec) *Builder {
	return b.Add(FromPlugin(p, options...))
}

// Build creates the registry. It fails on the first invalid descriptor.
func (b *Builder) Build(handles Handles, authz Authorizer, logger *logrus.Logger, opts ...Option) (*Registry, error) {
	if handles == nil || authz == nil {
		return nil, errors.New("renderer registry requires a handle source and an authorizer")
	}
	if logger == nil {
		logger = logrus.New()
	}
	cache, err := lru.New[string, []string](DefaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create renderer cache: %w", err)
	}

	r := &Registry{
		renderers:   make(map[string]Descriptor),
		byType:      cache,
		handles:     handles,
		authz:       authz,
		logger:      logger,
		audit:       audit.NoOp(),
		timeout:     DefaultRenderTimeout,
		eventBuffer: DefaultEventBuffer,
		eventPolicy: events.DropOldest,
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, d := range b.renderers {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds or replaces a renderer
func (r *Registry) Register(d Descriptor) error {
	if d.ID == "" || d.PluginID == "" {
		return errors.New("renderer requires an id and an owning plugin")
	}
	if len(d.ContentTypes) == 0 {
		return fmt.Errorf("renderer %s declares no content types", d.ID)
	}
	if err := validateSpecs(d.ID, d.Options); err != nil {
		return err
	}

	r.mu.Lock()
	r.renderers[d.ID] = d.clone()
	r.byType.Purge()
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"renderer_id":   d.ID,
		"plugin_id":     d.PluginID,
		"content_types": d.ContentTypes,
	}).Info("Registered renderer")
	return nil
}

// Remove drops a renderer. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.renderers, id)
	r.byType.Purge()
	r.mu.Unlock()
}

// RemovePlugin drops every renderer owned by pluginID
func (r *Registry) RemovePlugin(pluginID string) {
	r.mu.Lock()
	for id, d := range r.renderers {
		if d.PluginID == pluginID {
			delete(r.renderers, id)
		}
	}
	r.byType.Purge()
	r.mu.Unlock()
}

// SetEnabled toggles whether a renderer is offered
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	d, ok := r.renderers[id]
	if ok {
		d.Enabled = enabled
		r.renderers[id] = d
		r.byType.Purge()
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Get returns one renderer
func (r *Registry) Get(id string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.renderers[id]
	if !ok {
		return Descriptor{}, ErrNotFound
	}
	return d.clone(), nil
}

// List returns every renderer sorted by id, enabled or not
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.renderers))
	for _, d := range r.renderers {
		out = append(out, d.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Compatible returns the enabled renderers whose declared type set contains
// contentType, sorted by id
func (r *Registry) Compatible(contentType string) []Descriptor {
	key := strings.ToLower(strings.TrimSpace(contentType))
	if key == "" {
		return []Descriptor{}
	}

	ids, ok := r.byType.Get(key)
	if !ok {
		ids = r.matching(key)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(ids))
	for _, id := range ids {
		if d, ok := r.renderers[id]; ok && d.Enabled {
			out = append(out, d.clone())
		}
	}
	return out
}

// matching fills the cache entry for contentType. Writers purge under the
// same lock, so a filled entry is never stale.
func (r *Registry) matching(contentType string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0)
	for id, d := range r.renderers {
		if d.Enabled && d.Supports(contentType) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	r.byType.Add(contentType, ids)
	return ids
}

// ValidateOptions checks options against the renderer's declared specs and
// returns them with defaults applied. Problems come back as a
// *pluginerrors.ValidationError keyed by option name.
func (r *Registry) ValidateOptions(id string, options map[string]interface{}) (map[string]interface{}, error) {
	d, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	out, errs := validateOptions(d.Options, options)
	if errs.HasErrors() {
		return nil, errs
	}
	return out, nil
}

// Render invokes renderer id for note. Only an unknown renderer or a
// missing note is an error; every other problem is reported as the
// Result's Outcome with a plain text placeholder as output.
func (r *Registry) Render(ctx context.Context, id string, note *domain.Note, options map[string]interface{}) (*Result, error) {
	if note == nil {
		return nil, errors.New("note is required")
	}
	d, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res := &Result{RendererID: id}

	if !d.Enabled {
		return r.finish(ctx, res, d, note, start, OutcomeDenied, errors.New("renderer is disabled")), nil
	}
	if !d.Supports(note.ContentType) {
		res.Errors = map[string]string{"contentType": fmt.Sprintf("Renderer does not support content type %q", note.ContentType)}
		return r.finish(ctx, res, d, note, start, OutcomeInvalid, errors.New("unsupported content type")), nil
	}
	opts, verrs := validateOptions(d.Options, options)
	if verrs.HasErrors() {
		res.Errors = verrs.Map()
		return r.finish(ctx, res, d, note, start, OutcomeInvalid, verrs), nil
	}
	res.Options = opts

	handle, token, ok := r.handles.Handle(d.PluginID)
	if !ok {
		return r.finish(ctx, res, d, note, start, OutcomeDenied, pluginerrors.NewLifecycleError(d.PluginID, "renderer plugin is not active")), nil
	}
	if err := r.authz.Check(ctx, token, capability.Render, "render"); err != nil {
		return r.finish(ctx, res, d, note, start, OutcomeDenied, err), nil
	}

	rctx, cancel := context.WithTimeout(contextkeys.WithPluginID(ctx, d.PluginID), r.timeout)
	defer cancel()

	out, err := r.invoke(rctx, handle, plugins.RenderRequest{
		NoteID:      note.ID,
		ContentType: note.ContentType,
		Content:     note.Content,
		Options:     opts,
	})
	if err == nil {
		err = checkOutput(out)
	}
	if err != nil {
		return r.finish(ctx, res, d, note, start, failureOutcome(err), pluginerrors.NewHostError(d.PluginID, "render", err)), nil
	}
	res.Output = out

	if out.Interactive {
		msgs, err := r.runInteractive(rctx, d, note, out, opts)
		if err != nil {
			res.Output = nil
			return r.finish(ctx, res, d, note, start, failureOutcome(err), pluginerrors.NewHostError(d.PluginID, "interactive", err)), nil
		}
		res.Events = msgs
	}
	return r.finish(ctx, res, d, note, start, OutcomeOK, nil), nil
}

// invoke runs the handle's Render and stops waiting when ctx is done. A
// panicking handle is reported as an error.
func (r *Registry) invoke(ctx context.Context, h plugins.Handle, req plugins.RenderRequest) (*plugins.RenderOutput, error) {
	type result struct {
		out *plugins.RenderOutput
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		out, err := h.Render(ctx, req)
		done <- result{out: out, err: err}
	}()

	select {
	case res := <-done:
		return res.out, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runInteractive executes the output's script in a fresh sandbox session.
// The script sees a copy of the note's render context and can only emit
// events into a bounded channel that is drained into the result.
func (r *Registry) runInteractive(ctx context.Context, d Descriptor, note *domain.Note, out *plugins.RenderOutput, opts map[string]interface{}) ([]events.Message, error) {
	ch := events.NewChannel(r.eventBuffer, r.eventPolicy)
	defer ch.Close()

	page := map[string]interface{}{
		"note_id":      note.ID,
		"content_type": note.ContentType,
		"mime_type":    out.MimeType,
		"options":      opts,
	}
	if out.Metadata != nil {
		page["metadata"] = out.Metadata
	}

	session := sandbox.NewSession(d.ID, ch, sandbox.WithPage(page), sandbox.WithSessionTimeout(r.timeout))
	defer session.Close()

	if err := session.Run(ctx, out.Script); err != nil {
		return nil, err
	}
	if dropped := ch.Dropped(); dropped > 0 {
		r.metrics.RecordDropped(int(dropped))
	}
	return ch.Drain(), nil
}

// checkOutput enforces the output contract
func checkOutput(out *plugins.RenderOutput) error {
	switch {
	case out == nil:
		return errors.New("renderer returned no output")
	case strings.TrimSpace(out.MimeType) == "":
		return errors.New("renderer output has no mime type")
	case out.Interactive && strings.TrimSpace(out.Script) == "":
		return errors.New("interactive output has no script")
	case !out.Interactive && out.Script != "":
		return errors.New("non-interactive output carries a script")
	}
	return nil
}

func failureOutcome(err error) Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	return OutcomeFailed
}

// finish records the outcome and fills in the placeholder for anything but
// OK
func (r *Registry) finish(ctx context.Context, res *Result, d Descriptor, note *domain.Note, start time.Time, outcome Outcome, cause error) *Result {
	res.Outcome = outcome
	res.Duration = time.Since(start)
	r.metrics.ObserveRender(string(outcome), res.Duration)

	if outcome == OutcomeOK {
		return res
	}
	res.Output = placeholder(note, outcome)

	entry := r.logger.WithFields(logrus.Fields{
		"renderer_id": d.ID,
		"plugin_id":   d.PluginID,
		"note_id":     note.ID,
		"outcome":     outcome,
	})
	var hostErr *pluginerrors.HostError
	if errors.As(cause, &hostErr) {
		entry.Warnf("Render failed: %v", hostErr.Cause())
	} else {
		entry.Infof("Render not performed: %v", cause)
	}

	status := audit.EventStatusFailure
	if outcome == OutcomeDenied {
		status = audit.EventStatusDenied
	}
	event := audit.NewEvent(ctx, audit.EventTypeRenderFailure, status)
	event.PluginID = d.PluginID
	event.ResourceType = audit.ResourceTypeRenderer
	event.ResourceID = d.ID
	event.Message = string(outcome)
	if cause != nil {
		event.ErrorMessage = cause.Error()
		if hostErr != nil && hostErr.Cause() != nil {
			event.ErrorMessage = hostErr.Cause().Error()
		}
	}
	event.Metadata["note_id"] = note.ID
	audit.Record(ctx, r.audit, r.logger, event)
	return res
}

// placeholder is the escaped plain text shown instead of failed output
func placeholder(note *domain.Note, outcome Outcome) *plugins.RenderOutput {
	return &plugins.RenderOutput{
		Content:  html.EscapeString(note.Content),
		MimeType: FallbackMimeType,
		Metadata: map[string]interface{}{
			"fallback": true,
			"outcome":  string(outcome),
		},
	}
}
