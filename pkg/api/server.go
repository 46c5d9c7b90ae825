package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/modulo/pkg/audit"
	"github.com/platinummonkey/modulo/pkg/capability"
	"github.com/platinummonkey/modulo/pkg/httputil"
	"github.com/platinummonkey/modulo/pkg/lifecycle"
	"github.com/platinummonkey/modulo/pkg/middleware"
	"github.com/platinummonkey/modulo/pkg/observability"
	"github.com/platinummonkey/modulo/pkg/plugins"
	"github.com/platinummonkey/modulo/pkg/renderer"
	"github.com/platinummonkey/modulo/pkg/security"
	"github.com/platinummonkey/modulo/pkg/submission"
)

// DefaultMaxRequestBytes bounds JSON request bodies
const DefaultMaxRequestBytes = 1 << 20

// Submissions is the part of the review pipeline served over HTTP
type Submissions interface {
	Submit(ctx context.Context, form submission.Form, jar *submission.Upload) (submission.Receipt, error)
	Resubmit(ctx context.Context, priorID string, form submission.Form, jar *submission.Upload) (submission.Receipt, error)
	RunAutomatedValidation(ctx context.Context, id string) (*submission.Submission, error)
	Review(ctx context.Context, id string, d submission.Decision) (*submission.Submission, error)
	Publish(ctx context.Context, id, actor string) (*submission.Submission, error)
	Get(ctx context.Context, id string) (*submission.Submission, error)
	History(ctx context.Context, id string) ([]submission.Event, error)
	ListByStatus(ctx context.Context, status submission.Status, limit, offset int) ([]*submission.Submission, error)
	Descriptor(ctx context.Context, id string) (*plugins.Descriptor, error)
}

// Lifecycle is the part of the lifecycle manager served over HTTP
type Lifecycle interface {
	Install(ctx context.Context, d *plugins.Descriptor) (lifecycle.InstalledPlugin, error)
	Start(ctx context.Context, id string) (lifecycle.State, error)
	Stop(ctx context.Context, id string) (lifecycle.State, error)
	Uninstall(ctx context.Context, id string) error
	Get(id string) (lifecycle.InstalledPlugin, error)
	List() []lifecycle.InstalledPlugin
}

// Grants is the part of the security manager served over HTTP
type Grants interface {
	Grants(id string) (security.GrantInfo, bool)
	SetGrants(ctx context.Context, id string, caps capability.Set) error
}

// Renderers is the part of the renderer registry served over HTTP
type Renderers interface {
	Register(d renderer.Descriptor) error
	RemovePlugin(pluginID string)
	SetEnabled(id string, enabled bool) error
	Get(id string) (renderer.Descriptor, error)
	List() []renderer.Descriptor
	Compatible(contentType string) []renderer.Descriptor
	ValidateOptions(id string, options map[string]interface{}) (map[string]interface{}, error)
}

// Server represents our API server
type Server struct {
	router  *mux.Router
	handler http.Handler
	logger  *logrus.Logger

	submissions *SubmissionHandlers
	plugins     *PluginHandlers
	renderers   *RendererHandlers
	audit       *AuditHandlers

	health    *observability.HealthChecker
	metrics   *observability.Metrics
	registry  *prometheus.Registry
	rateLimit *middleware.RateLimitMiddleware
	maxUpload int64
	reader    audit.Reader
}

// Option configures a Server
type Option func(*Server)

// WithHealthChecker serves h on /healthz and /livez
func WithHealthChecker(h *observability.HealthChecker) Option {
	return func(s *Server) {
		s.health = h
	}
}

// WithMetrics instruments every route and serves registry on /metrics
func WithMetrics(metrics *observability.Metrics, registry *prometheus.Registry) Option {
	return func(s *Server) {
		s.metrics = metrics
		s.registry = registry
	}
}

// WithRateLimit applies m to every API route
func WithRateLimit(m *middleware.RateLimitMiddleware) Option {
	return func(s *Server) {
		s.rateLimit = m
	}
}

// WithMaxUploadSize bounds uploaded packages; defaults to plugins.MaxPackageSize
func WithMaxUploadSize(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// WithAuditReader serves a plugin's audit trail from reader
func WithAuditReader(reader audit.Reader) Option {
	return func(s *Server) {
		s.reader = reader
	}
}

// NewServer creates a new API server
func NewServer(subs Submissions, lc Lifecycle, grants Grants, renderers Renderers, logger *logrus.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		router:    mux.NewRouter(),
		logger:    logger,
		maxUpload: plugins.MaxPackageSize,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.submissions = NewSubmissionHandlers(subs, logger, s.maxUpload)
	s.plugins = NewPluginHandlers(subs, lc, grants, renderers, logger)
	s.renderers = NewRendererHandlers(renderers, logger)
	if s.reader != nil {
		s.audit = NewAuditHandlers(s.reader, logger)
	}

	s.setupRoutes()
	s.handler = httputil.Chain(
		httputil.RequestIDMiddleware,
		middleware.CallerMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.RecoveryMiddleware(logger),
	)(s.router)
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))

	if s.health != nil {
		s.router.HandleFunc("/healthz", s.health.Readiness).Methods(http.MethodGet)
		s.router.HandleFunc("/livez", s.health.Liveness).Methods(http.MethodGet)
	}
	if s.registry != nil {
		s.router.Handle("/metrics", observability.Handler(s.registry)).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	if s.rateLimit != nil {
		v1.Use(s.rateLimit.Handler)
	}
	s.submissions.RegisterRoutes(v1)
	s.plugins.RegisterRoutes(v1)
	s.renderers.RegisterRoutes(v1)
	if s.audit != nil {
		s.audit.RegisterRoutes(v1)
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteNotFound(w, "not found")
	})
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Router exposes the router for tests and additional routes
func (s *Server) Router() *mux.Router {
	return s.router
}

// operator wraps h so it only runs for an identified caller
func operator(h http.HandlerFunc) http.Handler {
	return middleware.RequireCaller(h)
}
