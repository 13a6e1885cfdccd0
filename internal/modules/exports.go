package modules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/americanexpress/one-app-sub001/internal/fetch"
	"github.com/americanexpress/one-app-sub001/internal/store"
)

// ErrUnknownModule is returned by a [Loader] that cannot provide a module.
var ErrUnknownModule = errors.New("unknown module")

// Style is one stylesheet contributed by a module. Styles with equal digests
// are emitted once per document.
type Style struct {
	Digest string
	CSS    string
}

// NewStyle returns a Style whose digest is derived from css.
func NewStyle(css string) Style {
	sum := sha256.Sum256([]byte(css))
	return Style{Digest: hex.EncodeToString(sum[:8]), CSS: css}
}

// LoadContext is what a module's data hook may use.
type LoadContext struct {
	// Dispatch writes to the module's own branch of the request state.
	Dispatch store.Dispatch

	// State returns a copy of the whole request state.
	State func() map[string]any

	// Fetch performs outbound calls with the server's timeout policy.
	Fetch fetch.Fetcher
}

// Exports is the contract every module fulfils. Every hook is optional.
type Exports struct {
	Name string

	// InitialState seeds the module's branch. Only the root module's runs.
	InitialState store.InitialStateFunc

	// LoadData runs once per request during composition.
	LoadData func(ctx context.Context, lc LoadContext) error

	// Reducer applies the module's dispatched actions. Nil merges payloads.
	Reducer store.Reducer

	Styles []Style

	// Render produces the page markup. Only the root module's runs.
	Render func(state map[string]any) (string, error)

	// Externals lists names the module provides to modules loaded after it.
	Externals []string
}

// Loader resolves a content map record to executable exports.
type Loader interface {
	Load(ctx context.Context, rec Record) (*Exports, error)
}
