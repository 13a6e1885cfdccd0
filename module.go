package oneapp

import (
	"context"
	"errors"
	"regexp"
	"slices"

	"github.com/americanexpress/one-app-sub001/internal/modules"
)

// localVersion is the version of in-process modules that do not set one.
const localVersion = "local"

var moduleNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// InitialStateFunc builds the root module's branch of the state tree from the
// sanitized request and a copy of the client configuration.
type InitialStateFunc func(req Request, config map[string]any) (map[string]any, error)

// LoadDataFunc fetches a module's data for one request. It may dispatch
// actions to the module's own branch and read the whole tree.
type LoadDataFunc func(ctx context.Context, lc LoadContext) error

// ReducerFunc folds an action into a module's branch.
type ReducerFunc func(prev any, action Action) (any, error)

// RenderFunc produces the root module's markup from the final state tree.
type RenderFunc func(state map[string]any) (string, error)

// Module is a unit of UI compiled into the binary.
//
// Module is immutable after creation via [NewModule]. Modules served from a
// content map with [WithScriptModules] do not need a Module value; a Module
// is only required for code that runs in-process.
type Module struct {
	name         string
	version      string
	initialState InitialStateFunc
	loadData     LoadDataFunc
	reducer      ReducerFunc
	styles       []Style
	render       RenderFunc
	externals    []string
	browser      modules.Bundle
	legacy       modules.Bundle
}

// moduleConfig holds mutable state during module construction.
type moduleConfig struct {
	module Module
}

// ModuleOption configures a [Module] during construction.
type ModuleOption func(*moduleConfig) error

// NewModule creates a [Module] with the given name.
//
// Names are used as state tree keys and cache keys, so they must start with
// a letter or digit and contain only letters, digits, dots, dashes and
// underscores.
//
// Example:
//
//	m, err := oneapp.NewModule("profile",
//	    oneapp.WithLoadData(loadProfile),
//	    oneapp.WithStyle(".profile{display:flex}"),
//	)
func NewModule(name string, opts ...ModuleOption) (Module, error) {
	if name == "" {
		return Module{}, errors.New("module name cannot be empty")
	}
	if !moduleNamePattern.MatchString(name) {
		return Module{}, errors.New("module name must contain only letters, digits, '.', '-' and '_'")
	}

	cfg := &moduleConfig{module: Module{name: name, version: localVersion}}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return Module{}, err
		}
	}
	return cfg.module, nil
}

// Name returns the module name.
func (m Module) Name() string {
	return m.name
}

// Version returns the module version, "local" unless set.
func (m Module) Version() string {
	return m.version
}

// Styles returns a copy of the module's styles.
func (m Module) Styles() []Style {
	return slices.Clone(m.styles)
}

// Externals returns a copy of the shared dependencies the module declares.
func (m Module) Externals() []string {
	return slices.Clone(m.externals)
}

// exports converts m into the form the composer loads.
func (m Module) exports() *modules.Exports {
	e := &modules.Exports{
		Name:      m.name,
		Styles:    slices.Clone(m.styles),
		Externals: slices.Clone(m.externals),
	}
	if m.initialState != nil {
		fn := m.initialState
		e.InitialState = func(req Request, config map[string]any) (map[string]any, error) {
			return fn(req, config)
		}
	}
	if m.loadData != nil {
		fn := m.loadData
		e.LoadData = func(ctx context.Context, lc modules.LoadContext) error {
			return fn(ctx, lc)
		}
	}
	if m.reducer != nil {
		fn := m.reducer
		e.Reducer = func(prev any, action Action) (any, error) {
			return fn(prev, action)
		}
	}
	if m.render != nil {
		e.Render = m.render
	}
	return e
}

// record is the content map entry for m when no content map is configured.
func (m Module) record() modules.Record {
	rec := modules.Record{
		Name:     m.name,
		Version:  m.version,
		Variants: make(map[modules.Variant]modules.Bundle),
	}
	if m.browser.URL != "" {
		rec.Variants[modules.VariantBrowser] = m.browser
	}
	if m.legacy.URL != "" {
		rec.Variants[modules.VariantLegacyBrowser] = m.legacy
	}
	return rec
}
