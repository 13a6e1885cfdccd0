package oneapp

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/americanexpress/one-app-sub001/internal/modules"
)

// WithInitialState sets the builder that seeds the module's branch. Only the
// root module's builder runs, once per request, before composition.
func WithInitialState(fn InitialStateFunc) ModuleOption {
	return func(cfg *moduleConfig) error {
		if fn == nil {
			return errors.New("initial state builder cannot be nil")
		}
		cfg.module.initialState = fn
		return nil
	}
}

// WithLoadData sets the data hook run for every request that composes the
// module.
func WithLoadData(fn LoadDataFunc) ModuleOption {
	return func(cfg *moduleConfig) error {
		if fn == nil {
			return errors.New("load data hook cannot be nil")
		}
		cfg.module.loadData = fn
		return nil
	}
}

// WithReducer replaces the default shallow-merge reducer.
func WithReducer(fn ReducerFunc) ModuleOption {
	return func(cfg *moduleConfig) error {
		if fn == nil {
			return errors.New("reducer cannot be nil")
		}
		cfg.module.reducer = fn
		return nil
	}
}

// WithStyle adds one stylesheet. Identical CSS from several modules is
// emitted once per page.
func WithStyle(css string) ModuleOption {
	return func(cfg *moduleConfig) error {
		if css == "" {
			return errors.New("style cannot be empty")
		}
		cfg.module.styles = append(cfg.module.styles, modules.NewStyle(css))
		return nil
	}
}

// WithStyles adds precomputed styles.
func WithStyles(styles ...Style) ModuleOption {
	return func(cfg *moduleConfig) error {
		for _, s := range styles {
			if s.Digest == "" {
				return errors.New("style digest cannot be empty")
			}
		}
		cfg.module.styles = append(cfg.module.styles, styles...)
		return nil
	}
}

// WithRender sets the function producing the page markup. Only the root
// module's render function is used.
func WithRender(fn RenderFunc) ModuleOption {
	return func(cfg *moduleConfig) error {
		if fn == nil {
			return errors.New("render function cannot be nil")
		}
		cfg.module.render = fn
		return nil
	}
}

// WithExternals declares shared dependencies the module expects the root to
// provide.
func WithExternals(names ...string) ModuleOption {
	return func(cfg *moduleConfig) error {
		cfg.module.externals = append(cfg.module.externals, names...)
		return nil
	}
}

// WithVersion sets the module version. A new version is loaded as a new cache
// entry.
func WithVersion(v string) ModuleOption {
	return func(cfg *moduleConfig) error {
		if v == "" {
			return errors.New("version cannot be empty")
		}
		cfg.module.version = v
		return nil
	}
}

// WithBrowserBundle sets the script served to modern browsers. Used only
// when the app has no content map.
func WithBrowserBundle(rawURL, integrity string) ModuleOption {
	return func(cfg *moduleConfig) error {
		if err := validateBundleURL(rawURL); err != nil {
			return err
		}
		cfg.module.browser = modules.Bundle{URL: rawURL, Integrity: integrity}
		return nil
	}
}

// WithLegacyBundle sets the script served to legacy browsers. Used only when
// the app has no content map.
func WithLegacyBundle(rawURL, integrity string) ModuleOption {
	return func(cfg *moduleConfig) error {
		if err := validateBundleURL(rawURL); err != nil {
			return err
		}
		cfg.module.legacy = modules.Bundle{URL: rawURL, Integrity: integrity}
		return nil
	}
}

// validateBundleURL accepts absolute http(s) URLs and root-relative paths.
func validateBundleURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("bundle URL cannot be empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid bundle URL: %w", err)
	}
	if u.Scheme == "" && len(u.Path) > 0 && u.Path[0] == '/' && u.Host == "" {
		return nil
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("bundle URL must be http, https or root-relative, got %q", rawURL)
	}
	if u.Host == "" {
		return errors.New("bundle URL must include a host")
	}
	return nil
}
