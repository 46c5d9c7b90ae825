package bridge

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/modulo/pkg/audit"
	"github.com/platinummonkey/modulo/pkg/capability"
	"github.com/platinummonkey/modulo/pkg/contextkeys"
	"github.com/platinummonkey/modulo/pkg/observability"
	"github.com/platinummonkey/modulo/pkg/pluginerrors"
	"github.com/platinummonkey/modulo/pkg/plugins"
	"github.com/platinummonkey/modulo/pkg/security"
)

// Failure categories. Plugins never see these; they are logged, counted and
// audited on the host side.
const (
	OutcomeOK              = "ok"
	OutcomeDenied          = "denied"
	OutcomeNotFound        = "not_found"
	OutcomeUnauthenticated = "unauthenticated"
	OutcomeFailed          = "failed"
	OutcomePanic           = "panic"
)

var errNoSession = errors.New("no authenticated session")

// Authorizer decides capability checks for bridge calls
type Authorizer interface {
	Check(ctx context.Context, token security.Token, c capability.Capability, operation string) error
}

// Bridge hands running plugins their capability scoped Note and User APIs
type Bridge struct {
	notes    NoteService
	users    UserService
	security Authorizer

	logger  *logrus.Logger
	audit   audit.Logger
	metrics *observability.Metrics
}

// Option configures a Bridge
type Option func(*Bridge)

// WithAuditLogger sets the audit sink for backend failures
func WithAuditLogger(l audit.Logger) Option {
	return func(b *Bridge) {
		b.audit = l
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(metrics *observability.Metrics) Option {
	return func(b *Bridge) {
		b.metrics = metrics
	}
}

// New creates a Bridge over the core services
func New(notes NoteService, users UserService, authz Authorizer, logger *logrus.Logger, opts ...Option) *Bridge {
	if logger == nil {
		logger = logrus.New()
	}
	b := &Bridge{
		notes:    notes,
		users:    users,
		security: authz,
		logger:   logger,
		audit:    audit.NoOp(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Bind returns the Host a plugin receives at init time. Every call made
// through it is checked against token.
func (b *Bridge) Bind(token security.Token) plugins.Host {
	return &host{
		token: token,
		notes: &NoteAPI{bridge: b, token: token},
		users: &UserAPI{bridge: b, token: token},
		log:   b.logger.WithField("plugin_id", token.PluginID()),
	}
}

type host struct {
	token security.Token
	notes *NoteAPI
	users *UserAPI
	log   *logrus.Entry
}

func (h *host) PluginID() string          { return h.token.PluginID() }
func (h *host) Notes() plugins.NoteClient { return h.notes }
func (h *host) Users() plugins.UserClient { return h.users }
func (h *host) Logger() *logrus.Entry     { return h.log }

// guard runs fn once c is authorized for token and the request carries an
// authenticated user. Any error or panic from fn is recorded and returned;
// callers turn it into the safe default for their return type.
func (b *Bridge) guard(ctx context.Context, token security.Token, op string, c capability.Capability, fn func(userID string) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = b.fail(ctx, token, op, OutcomePanic, observability.MustRecover(r))
		}
	}()

	if err := b.security.Check(ctx, token, c, op); err != nil {
		b.metrics.RecordBridgeCall(op, OutcomeDenied)
		return err
	}

	userID := contextkeys.GetUserID(ctx)
	if userID == "" {
		return b.fail(ctx, token, op, OutcomeUnauthenticated, errNoSession)
	}

	if err := fn(userID); err != nil {
		if pluginerrors.IsNotFound(err) {
			return b.fail(ctx, token, op, OutcomeNotFound, err)
		}
		return b.fail(ctx, token, op, OutcomeFailed, err)
	}

	b.metrics.RecordBridgeCall(op, OutcomeOK)
	return nil
}

func (b *Bridge) fail(ctx context.Context, token security.Token, op, outcome string, cause error) error {
	b.metrics.RecordBridgeCall(op, outcome)

	entry := b.logger.WithFields(logrus.Fields{
		"plugin_id": token.PluginID(),
		"operation": op,
		"outcome":   outcome,
	})
	if outcome == OutcomeNotFound {
		entry.Debugf("Bridge call returned nothing: %v", cause)
		return cause
	}
	entry.Warnf("Bridge call failed: %v", cause)

	event := audit.NewEvent(ctx, audit.EventTypeBridgeFailure, audit.EventStatusFailure)
	event.PluginID = token.PluginID()
	event.Message = op
	event.ErrorMessage = cause.Error()
	event.Metadata["outcome"] = outcome
	audit.Record(ctx, b.audit, b.logger, event)
	return cause
}
