// Package composer runs the data-loading step of every module a page needs,
// as one unit of work behind the shared circuit breaker.
package composer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/americanexpress/one-app-sub001/internal/breaker"
	"github.com/americanexpress/one-app-sub001/internal/modules"
	"github.com/americanexpress/one-app-sub001/internal/store"
)

var (
	// ErrNoContentMap fails a composition before any module runs.
	ErrNoContentMap = errors.New("no content map available")

	// ErrRootUnavailable fails a composition whose root module could not be
	// composed.
	ErrRootUnavailable = errors.New("root module unavailable")
)

// ExportsCache resolves a record to loaded exports.
type ExportsCache interface {
	Get(ctx context.Context, rec modules.Record) (*modules.Exports, error)
}

// Result describes one composition.
type Result struct {
	// Loaded lists the composed modules in load order, root first.
	Loaded []string

	// Failed holds the error for every module that was not composed.
	Failed map[string]error

	// Skipped lists modules that were never attempted.
	Skipped []string

	// Styles are the loaded modules' styles in load order, duplicates kept.
	Styles []modules.Style

	// Root is the root module's exports when it was composed.
	Root *modules.Exports

	// Fallback is true when the breaker short-circuited or the composition
	// failed as a whole. The page renders with whatever did load.
	Fallback bool

	// State is the circuit state after the call.
	State breaker.State

	// Err is the composer-level failure behind Fallback, if any.
	Err error
}

// Option configures a [Composer].
type Option func(*Composer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Composer) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver registers fn to run after every composition.
func WithObserver(fn func(Result)) Option {
	return func(c *Composer) {
		c.observe = fn
	}
}

// Composer composes modules into request stores. One Composer serves every
// request.
type Composer struct {
	breaker breaker.Breaker
	source  modules.Source
	cache   ExportsCache
	root    string
	logger  *slog.Logger
	observe func(Result)
}

// New creates a Composer. root is always composed first.
func New(b breaker.Breaker, source modules.Source, cache ExportsCache, root string, opts ...Option) *Composer {
	c := &Composer{
		breaker: b,
		source:  source,
		cache:   cache,
		root:    root,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Root returns the root module name.
func (c *Composer) Root() string {
	return c.root
}

// Order returns the composition order for names: root first, then names in
// the order given, each once.
func (c *Composer) Order(names []string) []string {
	seen := map[string]struct{}{c.root: {}}
	order := []string{c.root}
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		order = append(order, name)
	}
	return order
}

// Compose loads every module in names into st.
//
// A module whose record, code or data hook fails is marked "failed" and the
// rest carry on. A missing content map or a failed root module fails the
// whole composition, which the breaker counts. When the breaker is open
// nothing runs and every module is marked "skipped". Compose never panics.
func (c *Composer) Compose(ctx context.Context, names []string, st *store.Store) Result {
	order := c.Order(names)
	res := Result{Failed: make(map[string]error)}
	attempted := make(map[string]struct{}, len(order))

	outcome := c.breaker.Invoke(ctx, func(ctx context.Context) error {
		cm := c.source.Current()
		if cm == nil {
			return ErrNoContentMap
		}

		for _, name := range order {
			attempted[name] = struct{}{}
			exports, err := c.composeOne(ctx, cm, name, st)
			if err != nil {
				res.Failed[name] = err
				st.SetLoadStatus(name, store.StatusFailed)
				c.logger.Warn("module failed to compose", "module", name, "error", err)
				if name == c.root {
					return fmt.Errorf("%w: %w", ErrRootUnavailable, err)
				}
				continue
			}

			res.Loaded = append(res.Loaded, name)
			res.Styles = append(res.Styles, exports.Styles...)
			if name == c.root {
				res.Root = exports
			}
			st.SetLoadStatus(name, store.StatusLoaded)
		}
		return nil
	})

	for _, name := range order {
		if _, ok := attempted[name]; !ok {
			res.Skipped = append(res.Skipped, name)
			st.SetLoadStatus(name, store.StatusSkipped)
		}
	}

	res.Fallback = outcome.Fallback
	res.State = outcome.State
	res.Err = outcome.Err

	if outcome.ShortCircuited {
		c.logger.Warn("circuit open, composition skipped", "state", outcome.State.String())
	} else if outcome.Err != nil {
		c.logger.Error("composition failed", "error", outcome.Err, "state", outcome.State.String())
	}

	if c.observe != nil {
		c.observe(res)
	}
	return res
}

func (c *Composer) composeOne(ctx context.Context, cm *modules.ContentMap, name string, st *store.Store) (exports *modules.Exports, err error) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.New().String()
			c.logger.Error("module panicked during composition",
				"module", name,
				"panic", r,
				"correlation_id", correlationID,
			)
			exports = nil
			err = fmt.Errorf("module %q panicked (correlation_id=%s)", name, correlationID)
		}
	}()

	rec, ok := cm.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not in the content map", modules.ErrUnknownModule, name)
	}

	exports, err = c.cache.Get(ctx, rec)
	if err != nil {
		return nil, err
	}

	if name == c.root {
		if err := st.InitModule(name, exports.InitialState); err != nil {
			return nil, err
		}
	}

	st.RegisterReducer(name, exports.Reducer)
	if exports.LoadData == nil {
		return exports, nil
	}

	err = exports.LoadData(ctx, modules.LoadContext{
		Dispatch: st.Dispatcher(name),
		State:    st.State,
		Fetch:    st.Fetcher(),
	})
	if err != nil {
		return nil, err
	}
	return exports, nil
}
