package oneapp

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// appConfig holds mutable state during App construction.
type appConfig struct {
	title          string
	lang           string
	port           int
	logger         *slog.Logger
	modules        []Module
	rootModule     string
	defaultModules []string
	resolver       ModuleResolver

	contentMapFile     string
	contentMapURL      string
	contentMapInterval time.Duration
	contentMapData     []byte

	scriptModules         bool
	allowMissingIntegrity bool
	executionTimeout      time.Duration

	serverConfig map[string]any
	clientConfig map[string]any

	errorThreshold      float64
	resetTimeout        time.Duration
	lagThreshold        any
	healthCheckInterval time.Duration
	fetchTimeout        time.Duration

	rendering              RenderingContext
	useBodyForInitialState bool
	links                  []Link
	serviceWorker          string

	classifier       CapabilityClassifier
	circuitCallbacks []func(CircuitEvent)
	registry         *prometheus.Registry
}

// Option is a function that configures an [App] during construction.
//
// Options return an error if validation fails; [New] stops at the first one.
type Option func(*appConfig) error

// ModuleResolver picks the modules to compose for a request, in order. The
// root module is always composed first whether or not it is listed.
type ModuleResolver func(r *http.Request) []string

// WithModule registers an in-process module.
//
// Example:
//
//	root, _ := oneapp.NewModule("frank-lloyd-root", oneapp.WithRender(renderShell))
//	app, err := oneapp.New(
//	    oneapp.WithModule(root),
//	    oneapp.WithRootModule("frank-lloyd-root"),
//	)
func WithModule(m Module) Option {
	return func(cfg *appConfig) error {
		cfg.modules = append(cfg.modules, m)
		return nil
	}
}

// WithModules registers several in-process modules at once.
func WithModules(ms ...Module) Option {
	return func(cfg *appConfig) error {
		cfg.modules = append(cfg.modules, ms...)
		return nil
	}
}

// WithRootModule names the module that owns the page shell. Required.
func WithRootModule(name string) Option {
	return func(cfg *appConfig) error {
		if name == "" {
			return errors.New("root module name cannot be empty")
		}
		cfg.rootModule = name
		return nil
	}
}

// WithDefaultModules sets the modules composed for every page after the
// root. Ignored when a [ModuleResolver] is set.
func WithDefaultModules(names ...string) Option {
	return func(cfg *appConfig) error {
		for _, n := range names {
			if n == "" {
				return errors.New("default module name cannot be empty")
			}
		}
		cfg.defaultModules = append(cfg.defaultModules, names...)
		return nil
	}
}

// WithModuleResolver picks the modules to compose per request.
//
// The resolver is called on the request goroutine; a panicking resolver is
// recovered and the page falls back to the default modules.
func WithModuleResolver(fn ModuleResolver) Option {
	return func(cfg *appConfig) error {
		if fn == nil {
			return errors.New("module resolver cannot be nil")
		}
		cfg.resolver = fn
		return nil
	}
}

// WithContentMapFile reads the content map from a JSON file and reloads it
// whenever the file changes.
func WithContentMapFile(path string) Option {
	return func(cfg *appConfig) error {
		if path == "" {
			return errors.New("content map path cannot be empty")
		}
		cfg.contentMapFile = path
		return nil
	}
}

// WithContentMapURL polls the content map from url every interval. A zero
// interval uses the poller default of 30 seconds.
func WithContentMapURL(url string, interval time.Duration) Option {
	return func(cfg *appConfig) error {
		if url == "" {
			return errors.New("content map URL cannot be empty")
		}
		if interval < 0 {
			return fmt.Errorf("content map poll interval must be positive, got %v", interval)
		}
		cfg.contentMapURL = url
		cfg.contentMapInterval = interval
		return nil
	}
}

// WithContentMapData uses a fixed content map given as JSON.
func WithContentMapData(data []byte) Option {
	return func(cfg *appConfig) error {
		if len(data) == 0 {
			return errors.New("content map data cannot be empty")
		}
		cfg.contentMapData = append([]byte(nil), data...)
		return nil
	}
}

// WithScriptModules lets modules the binary does not register be fetched
// from their node build URL and run in an embedded JavaScript runtime.
func WithScriptModules() Option {
	return func(cfg *appConfig) error {
		cfg.scriptModules = true
		return nil
	}
}

// WithAllowMissingIntegrity accepts script modules whose content map entry
// has no integrity digest. Mismatched digests are still rejected.
func WithAllowMissingIntegrity() Option {
	return func(cfg *appConfig) error {
		cfg.allowMissingIntegrity = true
		return nil
	}
}

// WithExecutionTimeout bounds each call into a script module.
func WithExecutionTimeout(d time.Duration) Option {
	return func(cfg *appConfig) error {
		if d <= 0 {
			return fmt.Errorf("execution timeout must be positive, got %v", d)
		}
		cfg.executionTimeout = d
		return nil
	}
}

// WithPort sets the HTTP port. Defaults to 3000.
func WithPort(port int) Option {
	return func(cfg *appConfig) error {
		if port < 1 || port > 65535 {
			return fmt.Errorf("port must be between 1 and 65535, got %d", port)
		}
		cfg.port = port
		return nil
	}
}

// WithTitle sets the document title.
func WithTitle(title string) Option {
	return func(cfg *appConfig) error {
		cfg.title = title
		return nil
	}
}

// WithLang sets the document language. Defaults to en-US.
func WithLang(lang string) Option {
	return func(cfg *appConfig) error {
		cfg.lang = lang
		return nil
	}
}

// WithLogger sets a custom logger.
// If not provided, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *appConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithServerConfig sets configuration visible to modules on the server only.
// It never reaches the state tree.
func WithServerConfig(c map[string]any) Option {
	return func(cfg *appConfig) error {
		cfg.serverConfig = c
		return nil
	}
}

// WithClientConfig sets configuration copied into every request's state
// under "config" and shipped to the browser.
func WithClientConfig(c map[string]any) Option {
	return func(cfg *appConfig) error {
		cfg.clientConfig = c
		return nil
	}
}

// WithErrorThresholdPercentage sets the failure rate above which the circuit
// opens. Defaults to 1.
func WithErrorThresholdPercentage(p float64) Option {
	return func(cfg *appConfig) error {
		if p <= 0 || p > 100 {
			return fmt.Errorf("error threshold must be in (0, 100], got %v", p)
		}
		cfg.errorThreshold = p
		return nil
	}
}

// WithResetTimeout sets how long the circuit stays open before a trial call.
// Defaults to 10 seconds.
func WithResetTimeout(d time.Duration) Option {
	return func(cfg *appConfig) error {
		if d <= 0 {
			return fmt.Errorf("reset timeout must be positive, got %v", d)
		}
		cfg.resetTimeout = d
		return nil
	}
}

// WithEventLoopLagThreshold sets the lag, in milliseconds, above which a
// health check fails. Values that are not a finite number are ignored and
// the default of 30 stays in effect.
func WithEventLoopLagThreshold(v any) Option {
	return func(cfg *appConfig) error {
		cfg.lagThreshold = v
		return nil
	}
}

// WithHealthCheckInterval sets the health sampling interval. Defaults to 100ms.
func WithHealthCheckInterval(d time.Duration) Option {
	return func(cfg *appConfig) error {
		if d <= 0 {
			return fmt.Errorf("health check interval must be positive, got %v", d)
		}
		cfg.healthCheckInterval = d
		return nil
	}
}

// WithFetchTimeout sets the default timeout of the fetch client handed to
// modules. Defaults to 5 seconds.
func WithFetchTimeout(d time.Duration) Option {
	return func(cfg *appConfig) error {
		if d <= 0 {
			return fmt.Errorf("fetch timeout must be positive, got %v", d)
		}
		cfg.fetchTimeout = d
		return nil
	}
}

// WithRendering sets the rendering flags applied to every page. Partial
// rendering is also switched on per request by the /html-partial prefix.
func WithRendering(rc RenderingContext) Option {
	return func(cfg *appConfig) error {
		cfg.rendering = rc
		return nil
	}
}

// WithUseBodyForInitialState exposes the parsed request body to the root
// module's initial state builder.
func WithUseBodyForInitialState() Option {
	return func(cfg *appConfig) error {
		cfg.useBodyForInitialState = true
		return nil
	}
}

// WithLinks adds link elements to the document head.
func WithLinks(links ...Link) Option {
	return func(cfg *appConfig) error {
		for _, l := range links {
			if l.Rel == "" || l.Href == "" {
				return errors.New("link requires rel and href")
			}
		}
		cfg.links = append(cfg.links, links...)
		return nil
	}
}

// WithServiceWorker has the client runtime register scriptURL as a service
// worker after boot. scriptURL is a root-relative path or an http(s) URL.
// Registration is best effort and never blocks hydration; pages rendered
// without scripts skip it.
func WithServiceWorker(scriptURL string) Option {
	return func(cfg *appConfig) error {
		if strings.HasPrefix(scriptURL, "/") && !strings.HasPrefix(scriptURL, "//") {
			cfg.serviceWorker = scriptURL
			return nil
		}
		u, err := url.Parse(scriptURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("service worker must be a root-relative path or http(s) URL, got %q", scriptURL)
		}
		cfg.serviceWorker = scriptURL
		return nil
	}
}

// WithCapabilityClassifier decides which browser build each request gets.
// Defaults to [ModernBrowserClassifier].
func WithCapabilityClassifier(c CapabilityClassifier) Option {
	return func(cfg *appConfig) error {
		if c == nil {
			return errors.New("capability classifier cannot be nil")
		}
		cfg.classifier = c
		return nil
	}
}

// WithCircuitCallback registers a function called on every circuit state
// change.
//
// Multiple callbacks can be registered and are invoked in registration order.
// Callbacks run synchronously on the goroutine that caused the transition, so
// they should return quickly. Panics are recovered and logged.
func WithCircuitCallback(fn func(CircuitEvent)) Option {
	return func(cfg *appConfig) error {
		if fn == nil {
			return errors.New("circuit callback cannot be nil")
		}
		cfg.circuitCallbacks = append(cfg.circuitCallbacks, fn)
		return nil
	}
}

// WithMetricsRegistry registers the app's collectors on reg instead of a
// private registry.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(cfg *appConfig) error {
		if reg == nil {
			return errors.New("metrics registry cannot be nil")
		}
		cfg.registry = reg
		return nil
	}
}
