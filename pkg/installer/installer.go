package installer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/modulo/pkg/async"
	"github.com/platinummonkey/modulo/pkg/events"
	"github.com/platinummonkey/modulo/pkg/lifecycle"
	"github.com/platinummonkey/modulo/pkg/pluginerrors"
	"github.com/platinummonkey/modulo/pkg/plugins"
	"github.com/platinummonkey/modulo/pkg/renderer"
	"github.com/platinummonkey/modulo/pkg/submission"
)

// Defaults for the install worker pool
const (
	DefaultWorkers        = 2
	DefaultQueue          = 32
	DefaultInstallTimeout = time.Minute
)

// ErrNoDescriptor is returned for announcements without a usable descriptor
var ErrNoDescriptor = errors.New("publication carries no descriptor")

// Lifecycle is the part of the lifecycle manager the installer drives
type Lifecycle interface {
	Install(ctx context.Context, d *plugins.Descriptor) (lifecycle.InstalledPlugin, error)
	Start(ctx context.Context, id string) (lifecycle.State, error)
}

// Renderers receives renderer plugins once they are installed
type Renderers interface {
	Register(d renderer.Descriptor) error
}

// AutoInstaller installs every plugin announced as published
type AutoInstaller struct {
	source    *events.Channel
	lifecycle Lifecycle
	renderers Renderers
	logger    *logrus.Logger

	autoStart bool
	workers   int
	queue     int
	timeout   time.Duration
}

// Option configures an AutoInstaller
type Option func(*AutoInstaller)

// WithRenderers registers installed renderer plugins with r
func WithRenderers(r Renderers) Option {
	return func(a *AutoInstaller) {
		a.renderers = r
	}
}

// WithAutoStart starts plugins right after installing them
func WithAutoStart(enabled bool) Option {
	return func(a *AutoInstaller) {
		a.autoStart = enabled
	}
}

// WithWorkers sets how many installs run at once and how many may wait
func WithWorkers(workers, queue int) Option {
	return func(a *AutoInstaller) {
		if workers > 0 {
			a.workers = workers
		}
		if queue > 0 {
			a.queue = queue
		}
	}
}

// WithInstallTimeout bounds one install, including the start when
// auto start is on
func WithInstallTimeout(d time.Duration) Option {
	return func(a *AutoInstaller) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// New creates an installer reading publication announcements from source,
// usually a channel from submission.Pipeline.Subscribe
func New(source *events.Channel, lc Lifecycle, logger *logrus.Logger, opts ...Option) *AutoInstaller {
	if logger == nil {
		logger = logrus.New()
	}
	a := &AutoInstaller{
		source:    source,
		lifecycle: lc,
		logger:    logger,
		workers:   DefaultWorkers,
		queue:     DefaultQueue,
		timeout:   DefaultInstallTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run consumes announcements until ctx is done or the source closes.
// Queued installs are allowed to finish before Run returns.
func (a *AutoInstaller) Run(ctx context.Context) error {
	pool := async.NewPool(ctx, a.logger, "auto install", a.workers, a.queue, a.timeout)
	done := make(chan struct{})
	defer close(done)
	defer func() {
		if err := pool.Shutdown(a.timeout); err != nil {
			a.logger.Warnf("Auto installer shutdown: %v", err)
		}
	}()
	go a.logFailures(pool, done)

	a.logger.Info("Auto installer started")
	for {
		msg, err := a.source.Receive(ctx)
		if err != nil {
			if errors.Is(err, events.ErrChannelClosed) || errors.Is(err, context.Canceled) {
				a.logger.Info("Auto installer stopped")
				return nil
			}
			return err
		}
		if msg.Type != submission.EventPublished {
			continue
		}

		d, err := DescriptorFrom(msg)
		if err != nil {
			a.logger.WithField("source", msg.Source).Warnf("Ignoring publication: %v", err)
			continue
		}
		if err := pool.Submit(ctx, func(ctx context.Context) error {
			return a.Install(ctx, d)
		}); err != nil {
			a.logger.WithField("plugin_id", d.ID).Warnf("Failed to queue install: %v", err)
		}
	}
}

func (a *AutoInstaller) logFailures(pool *async.Pool, done <-chan struct{}) {
	for {
		select {
		case err := <-pool.Errors():
			a.logger.Errorf("Auto install failed: %v", err)
		case <-done:
			return
		}
	}
}

// Install installs one published descriptor, registers it as a renderer
// when it declares content types and starts it when auto start is on. A
// plugin that is already installed is left alone.
func (a *AutoInstaller) Install(ctx context.Context, d *plugins.Descriptor) error {
	entry := a.logger.WithFields(logrus.Fields{
		"plugin_id": d.ID,
		"version":   d.Version,
	})

	if _, err := a.lifecycle.Install(ctx, d); err != nil {
		if pluginerrors.IsLifecycle(err) {
			entry.Infof("Skipping auto install: %v", err)
			return nil
		}
		return fmt.Errorf("failed to install %s: %w", d.ID, err)
	}
	entry.Info("Auto installed published plugin")

	if a.renderers != nil && d.IsRenderer() {
		if err := a.renderers.Register(renderer.FromPlugin(d)); err != nil {
			return fmt.Errorf("failed to register renderer %s: %w", d.ID, err)
		}
	}

	if a.autoStart {
		state, err := a.lifecycle.Start(ctx, d.ID)
		if err != nil {
			return fmt.Errorf("failed to start %s: %w", d.ID, err)
		}
		entry.WithField("state", state).Info("Auto started plugin")
	}
	return nil
}

// DescriptorFrom extracts a copy of the descriptor from a publication
func DescriptorFrom(msg events.Message) (*plugins.Descriptor, error) {
	switch d := msg.Payload["descriptor"].(type) {
	case *plugins.Descriptor:
		if d == nil {
			return nil, ErrNoDescriptor
		}
		c := *d
		c.ContentTypes = append([]string(nil), d.ContentTypes...)
		return &c, nil
	case plugins.Descriptor:
		d.ContentTypes = append([]string(nil), d.ContentTypes...)
		return &d, nil
	}
	return nil, ErrNoDescriptor
}
