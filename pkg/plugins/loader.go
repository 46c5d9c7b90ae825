package plugins

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// BuiltinScheme prefixes entry points served by a StaticLoader
const BuiltinScheme = "builtin:"

// Factory creates a fresh handle for a built-in plugin
type Factory func(d *Descriptor) (Handle, error)

// StaticLoader serves plugins compiled into the host. Entries are added
// explicitly at startup; nothing is discovered at runtime.
type StaticLoader struct {
	mu        sync.RWMutex
	factories map[string]Factory
	log       *logrus.Logger
}

// NewStaticLoader creates an empty static loader
func NewStaticLoader(log *logrus.Logger) *StaticLoader {
	if log == nil {
		log = logrus.New()
	}
	return &StaticLoader{
		factories: make(map[string]Factory),
		log:       log,
	}
}

// Register adds a factory under name. The entry point for it is
// "builtin:<name>".
func (l *StaticLoader) Register(name string, factory Factory) error {
	if name == "" || factory == nil {
		return fmt.Errorf("built-in plugin requires a name and a factory")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.factories[name]; exists {
		return fmt.Errorf("built-in plugin already registered: %s", name)
	}
	l.factories[name] = factory
	return nil
}

// MustRegister is Register for startup wiring; it panics on conflict
func (l *StaticLoader) MustRegister(name string, factory Factory) *StaticLoader {
	if err := l.Register(name, factory); err != nil {
		panic(err)
	}
	return l
}

// Names returns the registered built-in names, sorted
func (l *StaticLoader) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.factories))
	for name := range l.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Supports reports whether the descriptor names a registered built-in
func (l *StaticLoader) Supports(d *Descriptor) bool {
	name, ok := builtinName(d.EntryPoint)
	if !ok {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, exists := l.factories[name]
	return exists
}

// Load creates a handle for a built-in plugin
func (l *StaticLoader) Load(ctx context.Context, d *Descriptor) (Handle, error) {
	name, ok := builtinName(d.EntryPoint)
	if !ok {
		return nil, fmt.Errorf("entry point %s is not a built-in", d.EntryPoint)
	}

	l.mu.RLock()
	factory, exists := l.factories[name]
	l.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("built-in plugin not registered: %s", name)
	}

	handle, err := factory(d)
	if err != nil {
		return nil, fmt.Errorf("failed to create built-in %s: %w", name, err)
	}
	l.log.Debugf("Loaded built-in plugin %s for %s", name, d.ID)
	return handle, nil
}

func builtinName(entry string) (string, bool) {
	if !strings.HasPrefix(entry, BuiltinScheme) {
		return "", false
	}
	name := strings.TrimPrefix(entry, BuiltinScheme)
	return name, name != ""
}

// MultiLoader dispatches to the first loader that supports a descriptor
type MultiLoader struct {
	loaders []Loader
}

// NewMultiLoader combines loaders in priority order
func NewMultiLoader(loaders ...Loader) *MultiLoader {
	return &MultiLoader{loaders: loaders}
}

// Supports reports whether any loader can load the descriptor
func (m *MultiLoader) Supports(d *Descriptor) bool {
	for _, l := range m.loaders {
		if l.Supports(d) {
			return true
		}
	}
	return false
}

// Load delegates to the first supporting loader
func (m *MultiLoader) Load(ctx context.Context, d *Descriptor) (Handle, error) {
	for _, l := range m.loaders {
		if l.Supports(d) {
			return l.Load(ctx, d)
		}
	}
	return nil, fmt.Errorf("no loader supports entry point %s", d.EntryPoint)
}
