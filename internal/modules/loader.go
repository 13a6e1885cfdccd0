package modules

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// RegistryLoader serves modules compiled into the binary, by name.
type RegistryLoader struct {
	mu      sync.RWMutex
	modules map[string]*Exports
}

// NewRegistryLoader creates a RegistryLoader holding exports. Later entries
// with a duplicate name replace earlier ones.
func NewRegistryLoader(exports ...*Exports) *RegistryLoader {
	l := &RegistryLoader{modules: make(map[string]*Exports, len(exports))}
	for _, e := range exports {
		if e != nil {
			l.modules[e.Name] = e
		}
	}
	return l
}

// Register adds a module. Registering a name twice is an error.
func (l *RegistryLoader) Register(e *Exports) error {
	if e == nil || e.Name == "" {
		return errors.New("module exports must have a name")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.modules[e.Name]; exists {
		return fmt.Errorf("module %q already registered", e.Name)
	}
	l.modules[e.Name] = e
	return nil
}

// Names reports the registered module names.
func (l *RegistryLoader) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	names := make([]string, 0, len(l.modules))
	for name := range l.modules {
		names = append(names, name)
	}
	return names
}

// Load implements [Loader].
func (l *RegistryLoader) Load(_ context.Context, rec Record) (*Exports, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.modules[rec.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not registered", ErrUnknownModule, rec.Name)
	}
	return e, nil
}

// ChainLoader asks each loader in turn and returns the first answer from a
// loader that knows the module.
type ChainLoader []Loader

// Load implements [Loader].
func (c ChainLoader) Load(ctx context.Context, rec Record) (*Exports, error) {
	for _, l := range c {
		e, err := l.Load(ctx, rec)
		if errors.Is(err, ErrUnknownModule) {
			continue
		}
		return e, err
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownModule, rec.Name)
}
