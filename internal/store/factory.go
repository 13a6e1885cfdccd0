package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/americanexpress/one-app-sub001/internal/fetch"
	"github.com/americanexpress/one-app-sub001/internal/state"
)

// Factory builds one isolated [Store] per request.
//
// A Factory holds configuration that was resolved at boot. Create never
// writes to it, so a single Factory is shared by all concurrent requests.
type Factory struct {
	// ServerConfig is kept beside the tree, never inside it.
	ServerConfig map[string]any

	// ClientConfig becomes the "config" branch.
	ClientConfig map[string]any

	// Fetcher is exposed to modules through [Store.Fetcher].
	Fetcher fetch.Fetcher
}

// CreateOptions tunes a single [Factory.Create] call.
type CreateOptions struct {
	// UseBodyForInitialState exposes the parsed body to the builder.
	UseBodyForInitialState bool

	// RootModule names the module whose builder runs.
	RootModule string

	// InitialState is the root module's builder. Nil means the root module
	// starts with no state.
	InitialState InitialStateFunc
}

// Create builds the store for desc.
//
// The tree starts as:
//
//	config           deep copy of the client configuration
//	request          sanitized request (no body, no credentials)
//	modules          {<root module>: <builder result>}
//	moduleLoadStatus {}
//
// If the builder fails or panics, Create returns a [*BuildError] and no
// store. Nothing shared is touched either way.
func (f *Factory) Create(ctx context.Context, desc RequestDescriptor, opts CreateOptions) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, &BuildError{Module: opts.RootModule, Err: err}
	}

	// each builder gets its own copy; whatever it does to it stays local
	clientConfig := state.CloneMap(f.ClientConfig)
	view := NewRequestView(desc, opts.UseBodyForInitialState)
	if opts.UseBodyForInitialState {
		view.Body = state.Clone(desc.Body)
	}

	modules := make(map[string]any)
	if opts.InitialState != nil {
		initial, err := runBuilder(opts.InitialState, view, state.CloneMap(clientConfig))
		if err != nil {
			return nil, &BuildError{Module: opts.RootModule, Err: err}
		}
		if opts.RootModule == "" {
			return nil, &BuildError{Err: errors.New("initial state builder given without a root module name")}
		}
		modules[opts.RootModule] = state.CloneMap(initial)
	}

	tree := map[string]any{
		KeyConfig:           clientConfig,
		KeyRequest:          view.tree(),
		KeyModules:          modules,
		KeyModuleLoadStatus: map[string]any{},
	}

	st := newStore(tree, state.CloneMap(f.ServerConfig), desc.Rendering, f.Fetcher)
	st.view = view
	st.clientConfig = state.CloneMap(clientConfig)
	return st, nil
}

// runBuilder invokes a builder, converting a panic into an error.
func runBuilder(fn InitialStateFunc, view RequestView, config map[string]any) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("initial state builder panicked: %v", r)
		}
	}()
	return fn(view, config)
}
