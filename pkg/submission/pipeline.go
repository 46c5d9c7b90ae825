package submission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/modulo/pkg/async"
	"github.com/platinummonkey/modulo/pkg/audit"
	"github.com/platinummonkey/modulo/pkg/events"
	"github.com/platinummonkey/modulo/pkg/observability"
	"github.com/platinummonkey/modulo/pkg/pluginerrors"
	"github.com/platinummonkey/modulo/pkg/plugins"
	"github.com/platinummonkey/modulo/pkg/storage"
)

// EventPublished is broadcast when a submission becomes installable. The
// payload carries the descriptor under "descriptor".
const EventPublished = "submission.published"

// SystemActor is recorded for transitions made by the host itself
const SystemActor = "system"

// Messages for rejected pipeline steps
const (
	MsgResubmitRejectedOnly = "only a rejected submission can be resubmitted"
	MsgNotAwaitingCheck     = "submission is not awaiting automated validation"
	MsgNotQueued            = "submission must pass automated validation before review"
	MsgNotApproved          = "submission must be approved before it can be published"
	MsgConcurrentChange     = "submission changed while the request was processed; reload and retry"
)

// Pipeline moves uploaded packages from submission to publication
type Pipeline struct {
	store     Store
	packages  storage.PackageStore
	validator *plugins.Validator

	limiter RateLimiter
	broker  *events.Broker
	audit   audit.Logger
	metrics *observability.Metrics
	logger  *logrus.Logger

	maxSize      int64
	sweepWorkers int
	now          func() time.Time
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithRateLimiter bounds submissions per developer email
func WithRateLimiter(l RateLimiter) Option {
	return func(p *Pipeline) {
		p.limiter = l
	}
}

// WithBroker announces publications on b instead of a private broker
func WithBroker(b *events.Broker) Option {
	return func(p *Pipeline) {
		p.broker = b
	}
}

// WithAuditLogger sets the audit sink
func WithAuditLogger(l audit.Logger) Option {
	return func(p *Pipeline) {
		p.audit = l
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithMaxPackageSize overrides the upload size limit
func WithMaxPackageSize(n int64) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxSize = n
		}
	}
}

// DefaultSweepWorkers is how many submissions a sweep inspects at once
const DefaultSweepWorkers = 4

// WithSweepWorkers sets how many submissions a sweep inspects at once
func WithSweepWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.sweepWorkers = n
		}
	}
}

// NewPipeline creates a submission pipeline
func NewPipeline(store Store, packages storage.PackageStore, validator *plugins.Validator, logger *logrus.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = logrus.New()
	}
	if validator == nil {
		validator = plugins.NewValidator(logger)
	}
	p := &Pipeline{
		store:        store,
		packages:     packages,
		validator:    validator,
		audit:        audit.NoOp(),
		logger:       logger,
		maxSize:      plugins.MaxPackageSize,
		sweepWorkers: DefaultSweepWorkers,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.broker == nil {
		p.broker = events.NewBroker(logger)
	}
	return p
}

// Subscribe returns a bounded channel receiving publication announcements
// only. Other traffic on a shared broker never reaches it.
func (p *Pipeline) Subscribe(name string, capacity int, policy events.Policy) *events.Channel {
	return p.broker.Subscribe(name, capacity, policy, EventPublished)
}

// Unsubscribe closes ch and stops delivering to it
func (p *Pipeline) Unsubscribe(ch *events.Channel) {
	p.broker.Unsubscribe(ch)
}

// Submit validates the form and the upload and records a new SUBMITTED
// submission. Field findings are returned before anything is stored.
func (p *Pipeline) Submit(ctx context.Context, form Form, jar *Upload) (Receipt, error) {
	form = form.normalize()
	if errs := ValidateForm(form, jar, true, p.maxSize); errs.HasErrors() {
		p.metrics.RecordSubmission("invalid")
		return Receipt{}, errs
	}
	if err := p.checkRate(ctx, form.DeveloperEmail); err != nil {
		return Receipt{}, err
	}

	ref, err := p.packages.Put(ctx, jar.Data)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to store package: %w", err)
	}
	return p.create(ctx, form, ref, "")
}

// Resubmit creates a new submission from a rejected one. Without a new
// upload the prior binary is reused.
func (p *Pipeline) Resubmit(ctx context.Context, priorID string, form Form, jar *Upload) (Receipt, error) {
	form = form.normalize()
	if errs := ValidateForm(form, jar, false, p.maxSize); errs.HasErrors() {
		p.metrics.RecordSubmission("invalid")
		return Receipt{}, errs
	}

	prior, err := p.store.Get(ctx, priorID)
	if err != nil {
		return Receipt{}, err
	}
	if prior.Status != StatusRejected {
		return Receipt{}, pluginerrors.NewLifecycleError(priorID, MsgResubmitRejectedOnly)
	}
	if err := p.checkRate(ctx, form.DeveloperEmail); err != nil {
		return Receipt{}, err
	}

	ref := storage.Ref{Key: prior.BinaryRef, Checksum: prior.Checksum, Size: prior.SizeBytes}
	if jar != nil {
		if ref, err = p.packages.Put(ctx, jar.Data); err != nil {
			return Receipt{}, fmt.Errorf("failed to store package: %w", err)
		}
	}
	return p.create(ctx, form, ref, prior.ID)
}

func (p *Pipeline) checkRate(ctx context.Context, email string) error {
	if p.limiter == nil {
		return nil
	}
	allowed, err := p.limiter.Allow(ctx, strings.ToLower(email))
	if err != nil {
		p.logger.Warnf("Submission rate limiter unavailable: %v", err)
	}
	if !allowed {
		p.metrics.RecordRateLimited()
		return ErrRateLimited
	}
	return nil
}

func (p *Pipeline) create(ctx context.Context, form Form, ref storage.Ref, priorID string) (Receipt, error) {
	at := p.now()
	sub := &Submission{
		ID:             uuid.NewString(),
		PriorID:        priorID,
		PluginName:     form.PluginName,
		Version:        form.Version,
		Description:    form.Description,
		DeveloperName:  form.DeveloperName,
		DeveloperEmail: form.DeveloperEmail,
		Category:       form.Category,
		License:        form.License,
		BinaryRef:      ref.Key,
		Checksum:       ref.Checksum,
		SizeBytes:      ref.Size,
		Status:         StatusSubmitted,
		SubmittedAt:    at,
		UpdatedAt:      at,
	}
	ev := Event{SubmissionID: sub.ID, To: StatusSubmitted, Actor: form.DeveloperEmail, At: at}
	if priorID != "" {
		ev.Note = "resubmission of " + priorID
	}
	if err := p.store.Create(ctx, sub, ev); err != nil {
		return Receipt{}, fmt.Errorf("failed to record submission: %w", err)
	}

	p.metrics.RecordSubmission(string(StatusSubmitted))
	p.logger.WithFields(logrus.Fields{
		"submission_id": sub.ID,
		"plugin":        sub.PluginName,
		"version":       sub.Version,
	}).Info("Submission received")

	event := p.auditEvent(ctx, audit.EventTypeSubmissionCreate, audit.EventStatusSuccess, sub)
	event.Actor = form.DeveloperEmail
	if priorID != "" {
		event.Metadata["prior_id"] = priorID
	}
	audit.Record(ctx, p.audit, p.logger, event)

	return Receipt{
		SubmissionID: sub.ID,
		Status:       sub.Status,
		PluginName:   sub.PluginName,
		Version:      sub.Version,
		SubmittedAt:  sub.SubmittedAt,
	}, nil
}

// RunAutomatedValidation inspects the stored package. A submission left in
// AUTOMATED_VALIDATION by an interrupted run is picked up again.
func (p *Pipeline) RunAutomatedValidation(ctx context.Context, id string) (*Submission, error) {
	sub, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch sub.Status {
	case StatusSubmitted:
		if sub, err = p.transition(ctx, sub, StatusAutomatedValidation, SystemActor, "", nil); err != nil {
			return nil, err
		}
	case StatusAutomatedValidation:
	default:
		return nil, pluginerrors.NewLifecycleError(id, MsgNotAwaitingCheck)
	}

	findings, descriptor, err := p.inspect(ctx, sub)
	if err != nil {
		// Operational failures leave the submission in AUTOMATED_VALIDATION
		// for the next sweep.
		return nil, err
	}

	status := audit.EventStatusSuccess
	if len(findings) > 0 {
		sub, err = p.transition(ctx, sub, StatusRejected, SystemActor, "automated validation failed", func(s *Submission) {
			s.Findings = findings
		})
		status = audit.EventStatusFailure
	} else {
		sub, err = p.transition(ctx, sub, StatusQueuedForReview, SystemActor, "", func(s *Submission) {
			s.Findings = nil
			s.Descriptor = descriptor
		})
	}
	if err != nil {
		return nil, err
	}

	event := p.auditEvent(ctx, audit.EventTypeSubmissionValidate, status, sub)
	event.Actor = SystemActor
	event.Metadata["findings"] = len(findings)
	audit.Record(ctx, p.audit, p.logger, event)
	return sub, nil
}

// inspect returns the findings for a stored package. A nil error with
// findings means the package is unacceptable.
func (p *Pipeline) inspect(ctx context.Context, sub *Submission) ([]Finding, *plugins.Descriptor, error) {
	data, err := storage.ReadAll(ctx, p.packages, sub.BinaryRef, p.maxSize)
	switch {
	case errors.Is(err, storage.ErrTooLarge):
		return []Finding{{Field: JarField, Message: MsgJarTooLarge}}, nil, nil
	case errors.Is(err, storage.ErrNotFound):
		return []Finding{{Field: JarField, Message: "Package binary is missing; resubmit the package"}}, nil, nil
	case err != nil:
		return nil, nil, fmt.Errorf("failed to read package for %s: %w", sub.ID, err)
	}

	inspection, err := p.validator.Inspect(ctx, data)
	if inspection != nil {
		p.metrics.ObserveInspection(inspection.Duration)
	}

	var findings []Finding
	var verr *pluginerrors.ValidationError
	switch {
	case errors.As(err, &verr):
		for _, f := range verr.Fields {
			findings = append(findings, Finding{Field: f.Field, Message: f.Message})
		}
	case err != nil:
		return nil, nil, fmt.Errorf("failed to inspect package for %s: %w", sub.ID, err)
	}

	if inspection == nil || inspection.Descriptor == nil {
		return findings, nil, nil
	}

	d := *inspection.Descriptor
	if !strings.EqualFold(d.Name, sub.PluginName) {
		findings = addFinding(findings, "manifest."+plugins.AttrName,
			fmt.Sprintf("manifest name %q does not match submitted plugin name %q", d.Name, sub.PluginName))
	}
	if d.Version != sub.Version {
		findings = addFinding(findings, "manifest."+plugins.AttrVersion,
			fmt.Sprintf("manifest version %s does not match submitted version %s", d.Version, sub.Version))
	}
	if len(findings) > 0 {
		return findings, nil, nil
	}

	d.PackageRef = sub.BinaryRef
	if d.Description == "" {
		d.Description = sub.Description
	}
	if err := p.validator.ValidateDescriptor(&d); err != nil {
		if errors.As(err, &verr) {
			for _, f := range verr.Fields {
				findings = append(findings, Finding{Field: "descriptor." + f.Field, Message: f.Message})
			}
			return findings, nil, nil
		}
		return nil, nil, err
	}
	return nil, &d, nil
}

// addFinding appends a finding unless field already has one
func addFinding(findings []Finding, field, message string) []Finding {
	for _, f := range findings {
		if f.Field == field {
			return findings
		}
	}
	return append(findings, Finding{Field: field, Message: message})
}

// Review records a reviewer's decision on a queued submission
func (p *Pipeline) Review(ctx context.Context, id string, d Decision) (*Submission, error) {
	d.Reviewer = strings.TrimSpace(d.Reviewer)
	d.Rationale = strings.TrimSpace(d.Rationale)
	errs := pluginerrors.NewValidationError()
	if d.Reviewer == "" {
		errs.Add("reviewer", "Reviewer is required")
	}
	if d.Rationale == "" {
		errs.Add("rationale", "Rationale is required")
	}
	if errs.HasErrors() {
		return nil, errs
	}

	sub, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status != StatusQueuedForReview {
		return nil, pluginerrors.NewLifecycleError(id, MsgNotQueued)
	}

	to := StatusRejected
	if d.Approve {
		to = StatusApproved
	}
	sub, err = p.transition(ctx, sub, to, d.Reviewer, d.Rationale, func(s *Submission) {
		s.Reviewer = d.Reviewer
		s.Rationale = d.Rationale
		if !d.Approve {
			s.Findings = append(s.Findings, Finding{Field: "review", Message: d.Rationale})
		}
	})
	if err != nil {
		return nil, err
	}

	event := p.auditEvent(ctx, audit.EventTypeSubmissionReview, audit.EventStatusSuccess, sub)
	event.Actor = d.Reviewer
	event.Message = d.Rationale
	event.Metadata["decision"] = string(to)
	audit.Record(ctx, p.audit, p.logger, event)
	return sub, nil
}

// Publish makes an approved submission installable and announces it
func (p *Pipeline) Publish(ctx context.Context, id, actor string) (*Submission, error) {
	if actor == "" {
		actor = SystemActor
	}
	sub, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status != StatusApproved {
		return nil, pluginerrors.NewLifecycleError(id, MsgNotApproved)
	}
	if sub.Descriptor == nil {
		return nil, fmt.Errorf("approved submission %s has no descriptor", id)
	}

	sub, err = p.transition(ctx, sub, StatusPublished, actor, "", func(s *Submission) {
		at := s.UpdatedAt
		s.PublishedAt = &at
	})
	if err != nil {
		return nil, err
	}

	desc := *sub.Descriptor
	msg := events.Message{
		Type:   EventPublished,
		Source: "submission",
		Payload: map[string]interface{}{
			"submissionId": sub.ID,
			"pluginId":     desc.ID,
			"version":      desc.Version,
			"descriptor":   &desc,
		},
		Timestamp: p.now(),
	}
	if lost := p.broker.Publish(msg).Lost(); lost > 0 {
		p.metrics.RecordDropped(lost)
	}

	event := p.auditEvent(ctx, audit.EventTypeSubmissionPublish, audit.EventStatusSuccess, sub)
	event.Actor = actor
	event.PluginID = desc.ID
	audit.Record(ctx, p.audit, p.logger, event)
	return sub, nil
}

// Get returns a submission by id
func (p *Pipeline) Get(ctx context.Context, id string) (*Submission, error) {
	return p.store.Get(ctx, id)
}

// History returns every status change of a submission, oldest first
func (p *Pipeline) History(ctx context.Context, id string) ([]Event, error) {
	return p.store.History(ctx, id)
}

// ListByStatus pages through submissions in one status
func (p *Pipeline) ListByStatus(ctx context.Context, status Status, limit, offset int) ([]*Submission, error) {
	if !status.Valid() {
		return nil, pluginerrors.ValidationFailed("status", "Unknown submission status "+string(status))
	}
	return p.store.ListByStatus(ctx, status, limit, offset)
}

// Descriptor returns the installable descriptor of a published submission
func (p *Pipeline) Descriptor(ctx context.Context, id string) (*plugins.Descriptor, error) {
	sub, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status != StatusPublished || sub.Descriptor == nil {
		return nil, pluginerrors.NewLifecycleError(id, "submission must be published before it can be installed")
	}
	d := *sub.Descriptor
	return &d, nil
}

// SweepPending runs automated validation for every submission waiting on
// it and returns how many reached a verdict. Up to SweepWorkers
// submissions are inspected at once.
func (p *Pipeline) SweepPending(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = 50
	}
	var done atomic.Int64
	for _, status := range []Status{StatusAutomatedValidation, StatusSubmitted} {
		pending, err := p.store.ListByStatus(ctx, status, batch, 0)
		if err != nil {
			return int(done.Load()), err
		}
		ids := make([]string, 0, len(pending))
		for _, sub := range pending {
			ids = append(ids, sub.ID)
		}

		errs := async.Batch(ctx, p.logger, ids, p.sweepWorkers, "automated validation", 0, func(ctx context.Context, id string) error {
			if _, err := p.RunAutomatedValidation(ctx, id); err != nil {
				if pluginerrors.IsLifecycle(err) {
					// picked up by a concurrent sweep
					return nil
				}
				p.logger.WithField("submission_id", id).Warnf("Automated validation failed: %v", err)
				return err
			}
			done.Add(1)
			return nil
		})
		if err := ctx.Err(); err != nil {
			return int(done.Load()), err
		}
		if len(errs) > 0 {
			p.logger.Warnf("Automated validation sweep finished with %d failures", len(errs))
		}
	}
	return int(done.Load()), nil
}

func (p *Pipeline) transition(ctx context.Context, sub *Submission, to Status, actor, note string, update func(*Submission)) (*Submission, error) {
	if !CanTransition(sub.Status, to) {
		return nil, pluginerrors.NewLifecycleError(sub.ID, fmt.Sprintf("submission cannot move from %s to %s", sub.Status, to))
	}

	at := p.now()
	ev := Event{SubmissionID: sub.ID, From: sub.Status, To: to, Actor: actor, Note: note, At: at}
	next, err := p.store.Transition(ctx, sub.ID, sub.Status, func(s *Submission) {
		s.Status = to
		s.UpdatedAt = at
		if update != nil {
			update(s)
		}
	}, ev)
	if errors.Is(err, ErrConflict) {
		return nil, pluginerrors.NewLifecycleError(sub.ID, MsgConcurrentChange)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to move submission %s to %s: %w", sub.ID, to, err)
	}

	p.metrics.RecordSubmission(string(to))
	p.logger.WithFields(logrus.Fields{
		"submission_id": sub.ID,
		"from":          sub.Status,
		"to":            to,
		"actor":         actor,
	}).Info("Submission status changed")
	return next, nil
}

func (p *Pipeline) auditEvent(ctx context.Context, t audit.EventType, status audit.EventStatus, sub *Submission) *audit.AuditEvent {
	event := audit.NewEvent(ctx, t, status)
	event.ResourceType = audit.ResourceTypeSubmission
	event.ResourceID = sub.ID
	event.Metadata["status"] = string(sub.Status)
	event.Metadata["plugin_name"] = sub.PluginName
	event.Metadata["version"] = sub.Version
	return event
}
