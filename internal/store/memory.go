package store

import (
	"fmt"
	"maps"
	"sync"

	"github.com/americanexpress/one-app-sub001/internal/fetch"
	"github.com/americanexpress/one-app-sub001/internal/state"
)

// Store is the state container for a single request.
//
// Every value that enters the store is deep-copied and every read returns a
// deep copy, so nothing outside the store ever holds a mutable reference into
// its tree. Each module may only change its own branch under "modules", and
// only through the [Dispatch] returned by [Store.Dispatcher].
//
// Store is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	tree     map[string]any
	reducers map[string]Reducer

	serverConfig map[string]any
	rendering    RenderingContext
	fetcher      fetch.Fetcher

	// what a late initial-state builder sees
	view         RequestView
	clientConfig map[string]any
}

func newStore(tree map[string]any, serverConfig map[string]any, rendering RenderingContext, fetcher fetch.Fetcher) *Store {
	return &Store{
		tree:         tree,
		reducers:     make(map[string]Reducer),
		serverConfig: serverConfig,
		rendering:    rendering,
		fetcher:      fetcher,
	}
}

// InitModule runs fn to seed module's branch, unless the branch already
// exists. It lets the root's builder run once its code is loaded, after the
// store was created without it. A failing builder returns a [*BuildError] and
// leaves the tree untouched.
func (s *Store) InitModule(module string, fn InitialStateFunc) error {
	if fn == nil {
		return nil
	}
	if module == "" {
		return ErrUnknownModule
	}

	s.mu.RLock()
	modules, _ := s.tree[KeyModules].(map[string]any)
	_, exists := modules[module]
	s.mu.RUnlock()
	if exists {
		return nil
	}

	view := s.view
	view.Query = maps.Clone(s.view.Query)
	view.Headers = maps.Clone(s.view.Headers)
	view.Body = state.Clone(s.view.Body)
	initial, err := runBuilder(fn, view, state.CloneMap(s.clientConfig))
	if err != nil {
		return &BuildError{Module: module, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	modules, _ = s.tree[KeyModules].(map[string]any)
	if modules == nil {
		modules = make(map[string]any)
		s.tree[KeyModules] = modules
	}
	if _, exists := modules[module]; !exists {
		modules[module] = state.CloneMap(initial)
	}
	return nil
}

// State returns a deep copy of the whole tree.
func (s *Store) State() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return state.CloneMap(s.tree)
}

// Get returns a deep copy of the branch at path, or nil if it does not exist.
func (s *Store) Get(path ...string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var current any = s.tree
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[key]
	}
	return state.Clone(current)
}

// ModuleState returns a copy of a module's branch.
func (s *Store) ModuleState(name string) any {
	return s.Get(KeyModules, name)
}

// ServerConfig returns a copy of the server-only configuration. It is never
// part of the state tree and so never reaches the client.
func (s *Store) ServerConfig() map[string]any {
	return state.CloneMap(s.serverConfig)
}

// Rendering returns the rendering flags set by the routing layer.
func (s *Store) Rendering() RenderingContext {
	return s.rendering
}

// Fetcher returns the outbound client modules use to load their data.
func (s *Store) Fetcher() fetch.Fetcher {
	return s.fetcher
}

// RegisterReducer installs the reducer for a module's branch. A nil reducer
// installs [MergeReducer].
func (s *Store) RegisterReducer(module string, reducer Reducer) {
	if reducer == nil {
		reducer = MergeReducer
	}
	s.mu.Lock()
	s.reducers[module] = reducer
	s.mu.Unlock()
}

// Dispatcher returns a [Dispatch] bound to module's branch.
func (s *Store) Dispatcher(module string) Dispatch {
	return func(action Action) error {
		return s.dispatch(module, action)
	}
}

func (s *Store) dispatch(module string, action Action) (err error) {
	if module == "" {
		return ErrUnknownModule
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reducer, ok := s.reducers[module]
	if !ok {
		reducer = MergeReducer
	}

	modules, _ := s.tree[KeyModules].(map[string]any)
	if modules == nil {
		modules = make(map[string]any)
		s.tree[KeyModules] = modules
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reducer for module %q panicked: %v", module, r)
		}
	}()

	action.Payload = state.Clone(action.Payload)
	next, err := reducer(state.Clone(modules[module]), action)
	if err != nil {
		return fmt.Errorf("reducer for module %q: %w", module, err)
	}
	modules[module] = state.Clone(next)
	return nil
}

// SetLoadStatus records the composition outcome for a module.
func (s *Store) SetLoadStatus(module string, status LoadStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses, _ := s.tree[KeyModuleLoadStatus].(map[string]any)
	if statuses == nil {
		statuses = make(map[string]any)
		s.tree[KeyModuleLoadStatus] = statuses
	}
	statuses[module] = string(status)
}

// LoadStatus returns the recorded composition outcome for a module.
func (s *Store) LoadStatus(module string) (LoadStatus, bool) {
	v, ok := s.Get(KeyModuleLoadStatus, module).(string)
	return LoadStatus(v), ok
}
