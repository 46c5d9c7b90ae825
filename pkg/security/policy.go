package security

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/modulo/pkg/capability"
	"github.com/platinummonkey/modulo/pkg/observability"
)

// GrantPolicy caps the capabilities an operator allows per plugin id
//
//	todo-sync: [NOTE_READ, NOTE_WRITE]
//	markdown-preview: [RENDER]
type GrantPolicy map[string]capability.Set

type fileGrantStoreConfig struct {
	path     string
	dirPerm  os.FileMode
	filePerm os.FileMode
}

// FileGrantStoreOption configures a FileGrantStore
type FileGrantStoreOption func(*fileGrantStoreConfig)

// WithPath sets the policy file location
func WithPath(path string) FileGrantStoreOption {
	return func(c *fileGrantStoreConfig) {
		c.path = path
	}
}

// WithFilePermissions sets the mode used when the policy file is written
func WithFilePermissions(perm os.FileMode) FileGrantStoreOption {
	return func(c *fileGrantStoreConfig) {
		c.filePerm = perm
	}
}

// WithDirPermissions sets the mode used for a created policy directory
func WithDirPermissions(perm os.FileMode) FileGrantStoreOption {
	return func(c *fileGrantStoreConfig) {
		c.dirPerm = perm
	}
}

// FileGrantStore persists a GrantPolicy as YAML
type FileGrantStore struct {
	config fileGrantStoreConfig
}

// NewFileGrantStore creates a store; the default path is /etc/modulo/grants.yaml
func NewFileGrantStore(opts ...FileGrantStoreOption) *FileGrantStore {
	cfg := fileGrantStoreConfig{
		path:     "/etc/modulo/grants.yaml",
		dirPerm:  0o755,
		filePerm: 0o600,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &FileGrantStore{config: cfg}
}

// Path returns the policy file location
func (s *FileGrantStore) Path() string {
	return s.config.path
}

// Load reads the policy. A missing file is an empty policy; an unknown
// capability name is an error so a typo never widens a grant silently.
func (s *FileGrantStore) Load() (GrantPolicy, error) {
	data, err := os.ReadFile(s.config.path)
	if os.IsNotExist(err) {
		return GrantPolicy{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read grant policy: %w", err)
	}

	policy := GrantPolicy{}
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse grant policy: %w", err)
	}
	return policy, nil
}

// Save writes the policy
func (s *FileGrantStore) Save(policy GrantPolicy) error {
	data, err := yaml.Marshal(policy)
	if err != nil {
		return fmt.Errorf("failed to marshal grant policy: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.config.path), s.config.dirPerm); err != nil {
		return fmt.Errorf("failed to create grant policy directory: %w", err)
	}
	if err := os.WriteFile(s.config.path, data, s.config.filePerm); err != nil {
		return fmt.Errorf("failed to write grant policy: %w", err)
	}
	return nil
}

// PolicyWatcher reloads a FileGrantStore into a Manager whenever the file changes
type PolicyWatcher struct {
	store    *FileGrantStore
	manager  *Manager
	logger   *logrus.Logger
	debounce time.Duration
	applied  chan struct{}
}

// NewPolicyWatcher creates a watcher for store feeding manager
func NewPolicyWatcher(store *FileGrantStore, manager *Manager, logger *logrus.Logger) *PolicyWatcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &PolicyWatcher{
		store:    store,
		manager:  manager,
		logger:   logger,
		debounce: 100 * time.Millisecond,
		applied:  make(chan struct{}, 1),
	}
}

// Applied signals after each successful reload
func (w *PolicyWatcher) Applied() <-chan struct{} {
	return w.applied
}

// Reload applies the current file contents. A policy file that fails to
// parse leaves the previous policy in force.
func (w *PolicyWatcher) Reload(ctx context.Context) error {
	policy, err := w.store.Load()
	if err != nil {
		return err
	}
	w.manager.SetPolicy(ctx, policy)
	select {
	case w.applied <- struct{}{}:
	default:
	}
	return nil
}

// Run loads the policy once and then follows changes until ctx is done.
// The directory is watched rather than the file because editors and config
// management replace the file instead of writing it in place.
func (w *PolicyWatcher) Run(ctx context.Context) error {
	defer observability.RecoverPanic(w.logger, "grant policy watcher")

	if err := w.Reload(ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.store.Path())
	if err := os.MkdirAll(dir, w.store.config.dirPerm); err != nil {
		return fmt.Errorf("failed to create grant policy directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.logger.Infof("Watching grant policy %s", w.store.Path())

	target := filepath.Clean(w.store.Path())
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				pending = time.After(w.debounce)
			}

		case <-pending:
			pending = nil
			if err := w.Reload(ctx); err != nil {
				w.logger.Errorf("Keeping previous grant policy: %v", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Errorf("Grant policy watcher error: %v", err)
		}
	}
}
