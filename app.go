package oneapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/americanexpress/one-app-sub001/assets"
	"github.com/americanexpress/one-app-sub001/internal/breaker"
	"github.com/americanexpress/one-app-sub001/internal/composer"
	"github.com/americanexpress/one-app-sub001/internal/fetch"
	"github.com/americanexpress/one-app-sub001/internal/health"
	"github.com/americanexpress/one-app-sub001/internal/metrics"
	"github.com/americanexpress/one-app-sub001/internal/modules"
	"github.com/americanexpress/one-app-sub001/internal/poller"
	"github.com/americanexpress/one-app-sub001/internal/render"
	"github.com/americanexpress/one-app-sub001/internal/serializer"
	"github.com/americanexpress/one-app-sub001/internal/server"
	"github.com/americanexpress/one-app-sub001/internal/store"
)

const (
	defaultPort  = 3000
	defaultTitle = "One App"
)

// App composes independently deployed modules into server-rendered pages.
//
// App wires the shared circuit breaker, the health monitor, the module cache
// and the render pipeline, and serves them over HTTP. It is created using
// [New] with functional options and started with [App.Start].
//
// The typical lifecycle is:
//
//	app, err := oneapp.New(
//	    oneapp.WithModule(root),
//	    oneapp.WithRootModule("frank-lloyd-root"),
//	)
//	if err != nil {
//	    slog.Error("failed to create app", "error", err)
//	    os.Exit(1)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	app.Start(ctx) // blocks until context cancelled
//
// [App.Handler] serves the same routes without binding a port, for embedding
// in another server and for tests.
type App struct {
	title          string
	lang           string
	port           int
	rootModule     string
	defaultModules []string
	resolver       ModuleResolver
	links          []Link
	rendering      RenderingContext
	useBody        bool
	serviceWorker  string
	classifier     CapabilityClassifier
	callbacks      []func(CircuitEvent)
	modules        []Module
	logger         *slog.Logger

	breaker    *breaker.CircuitBreaker
	monitor    *health.Monitor
	fetcher    *fetch.Client
	cache      *modules.Cache
	source     modules.Source
	fileSource *modules.FileSource
	poller     *poller.Poller
	composer   *composer.Composer
	factory    *store.Factory
	serializer *serializer.Serializer
	assembler  *render.Assembler
	metrics    *metrics.Metrics
	server     *server.Server

	mu      sync.Mutex
	started bool
}

// New creates a new [App] with the given options.
//
// A root module is required via [WithRootModule]. At most one content map
// source may be set ([WithContentMapFile], [WithContentMapURL] or
// [WithContentMapData]); without one, the registered modules form the
// content map and the root module must be among them.
//
// Other options have sensible defaults:
//   - Port: 3000
//   - Error threshold: 1%, reset timeout: 10 seconds
//   - Event loop lag threshold: 30ms, sampled every 100ms
//   - Fetch timeout: 5 seconds
//
// Returns an error if any option is invalid or the content map cannot be read.
func New(opts ...Option) (*App, error) {
	cfg := &appConfig{
		title:      defaultTitle,
		port:       defaultPort,
		classifier: ModernBrowserClassifier,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.rootModule == "" {
		return nil, errors.New("a root module is required")
	}

	sources := 0
	for _, set := range []bool{cfg.contentMapFile != "", cfg.contentMapURL != "", cfg.contentMapData != nil} {
		if set {
			sources++
		}
	}
	if sources > 1 {
		return nil, errors.New("only one content map source may be configured")
	}

	// names double as state tree keys, so they must be unique
	seen := make(map[string]bool, len(cfg.modules))
	for _, m := range cfg.modules {
		if seen[m.name] {
			return nil, fmt.Errorf("duplicate module name: %q", m.name)
		}
		seen[m.name] = true
	}

	if sources == 0 {
		if cfg.scriptModules {
			return nil, errors.New("script modules require a content map source")
		}
		if !seen[cfg.rootModule] {
			return nil, fmt.Errorf("root module %q is not registered and no content map is configured", cfg.rootModule)
		}
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{
		title:          cfg.title,
		lang:           cfg.lang,
		port:           cfg.port,
		rootModule:     cfg.rootModule,
		defaultModules: cfg.defaultModules,
		resolver:       cfg.resolver,
		links:          cfg.links,
		rendering:      cfg.rendering,
		useBody:        cfg.useBodyForInitialState,
		serviceWorker:  cfg.serviceWorker,
		classifier:     cfg.classifier,
		callbacks:      cfg.circuitCallbacks,
		modules:        cfg.modules,
		logger:         logger,
	}

	a.metrics = metrics.New(cfg.registry)
	a.breaker = breaker.New(breaker.Config{
		ErrorThresholdPercentage: cfg.errorThreshold,
		ResetTimeout:             cfg.resetTimeout,
		OnStateChange:            a.onCircuitChange,
	})

	a.monitor = health.NewMonitor(cfg.healthCheckInterval, a.breaker, logger)
	if cfg.lagThreshold != nil {
		a.monitor.SetEventLoopLagThreshold(cfg.lagThreshold)
	}

	a.fetcher = fetch.NewClient(cfg.fetchTimeout)

	registry := modules.NewRegistryLoader()
	for _, m := range cfg.modules {
		if err := registry.Register(m.exports()); err != nil {
			return nil, err
		}
	}
	var loader modules.Loader = registry
	if cfg.scriptModules {
		scriptOpts := []modules.ScriptLoaderOption{
			modules.WithScriptLogger(logger),
			modules.WithExecutionTimeout(cfg.executionTimeout),
		}
		if cfg.allowMissingIntegrity {
			scriptOpts = append(scriptOpts, modules.WithAllowMissingIntegrity())
		}
		loader = modules.ChainLoader{registry, modules.NewScriptLoader(a.fetcher, scriptOpts...)}
	}
	a.cache = modules.NewCache(loader, logger)

	if err := a.buildSource(cfg); err != nil {
		return nil, err
	}

	a.composer = composer.New(a.breaker, a.source, a.cache, cfg.rootModule,
		composer.WithLogger(logger),
		composer.WithObserver(a.metrics.ObserveComposition),
	)
	a.factory = &store.Factory{
		ServerConfig: cfg.serverConfig,
		ClientConfig: cfg.clientConfig,
		Fetcher:      a.fetcher,
	}
	a.serializer = serializer.New(
		serializer.WithLogger(logger),
		serializer.WithObserver(a.metrics.ObserveSerialization),
	)
	a.assembler = render.New(
		render.WithLogger(logger),
		render.WithErrorObserver(a.metrics.ObserveRenderError),
	)
	a.server = server.NewServer(server.Config{
		Port:    cfg.port,
		Assets:  assets.Static(),
		Health:  a.monitor,
		Circuit: a.breaker,
		Metrics: a.metrics.Handler(),
		Pages:   a,
		Logger:  logger,
	})

	return a, nil
}

// buildSource picks where the content map comes from.
func (a *App) buildSource(cfg *appConfig) error {
	retain := func(cm *modules.ContentMap) {
		evicted := a.cache.Retain(cm)
		a.logger.Info("content map updated",
			"module_count", len(cm.Names()),
			"key", cm.Key,
			"evicted", evicted,
		)
	}

	switch {
	case cfg.contentMapFile != "":
		fs, err := modules.NewFileSource(cfg.contentMapFile, a.logger)
		if err != nil {
			return fmt.Errorf("failed to load content map: %w", err)
		}
		fs.OnChange(retain)
		a.fileSource = fs
		a.source = fs

	case cfg.contentMapURL != "":
		static := modules.NewStaticSource(nil)
		a.poller = poller.New(cfg.contentMapURL, a.fetcher, static,
			poller.WithInterval(cfg.contentMapInterval),
			poller.WithLogger(a.logger),
			poller.WithOnChange(retain),
		)
		a.source = static

	case cfg.contentMapData != nil:
		cm, err := modules.ParseContentMap(cfg.contentMapData)
		if err != nil {
			return fmt.Errorf("failed to parse content map: %w", err)
		}
		a.source = modules.NewStaticSource(cm)

	default:
		records := make([]modules.Record, len(cfg.modules))
		for i, m := range cfg.modules {
			records[i] = m.record()
		}
		a.source = modules.NewStaticSource(modules.NewContentMap(records...))
	}
	return nil
}

// Start begins health sampling, content map updates and serving pages.
//
// Start is a blocking call that runs until the provided context is cancelled.
// During execution:
//
//   - The health monitor samples scheduler lag and reports to the breaker
//   - A polled content map is fetched immediately, then at its interval
//   - A file content map is reloaded whenever the file changes
//   - The HTTP server serves pages on the configured port
//
// Returns nil on graceful shutdown. Returns an error if the HTTP server fails
// to start or the app was already started.
func (a *App) Start(ctx context.Context) error {
	a.logger.Info("one-app starting",
		"root_module", a.rootModule,
		"module_count", len(a.modules),
	)

	// check if context already cancelled
	if ctx.Err() != nil {
		return nil
	}

	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return errors.New("app already started")
	}
	a.started = true
	a.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	a.monitor.Start(runCtx)
	samples := a.monitor.Subscribe()
	wg.Add(1)
	go func() {
		defer wg.Done()
		// closed by monitor.Stop
		for s := range samples {
			a.metrics.ObserveHealth(s)
		}
	}()

	if a.poller != nil {
		a.poller.Start(runCtx)
	}
	if a.fileSource != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.fileSource.Watch(runCtx); err != nil {
				a.logger.Error("content map watch stopped", "path", a.fileSource.Path(), "error", err)
			}
		}()
	}

	cleanup := func() {
		cancel()
		if a.poller != nil {
			a.poller.Stop()
		}
		a.monitor.Stop()
		wg.Wait()
		a.fetcher.Close()
	}

	if err := a.server.Start(runCtx); err != nil {
		cleanup()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	a.logger.Info("one-app available", "url", fmt.Sprintf("http://localhost:%d", a.port))

	<-ctx.Done()
	cleanup()
	a.logger.Info("one-app stopped")
	return nil
}

// Handler returns the app's routes without starting the server, health
// monitor or content map updates.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Port returns the configured HTTP port.
func (a *App) Port() int {
	return a.port
}

// RootModule returns the root module name.
func (a *App) RootModule() string {
	return a.rootModule
}

// Modules returns a copy of the registered in-process modules.
func (a *App) Modules() []Module {
	return slices.Clone(a.modules)
}

// CircuitState returns the shared breaker's current state.
func (a *App) CircuitState() CircuitState {
	return a.breaker.State()
}

// Registry returns the Prometheus registry the app's collectors live on.
func (a *App) Registry() *prometheus.Registry {
	return a.metrics.Registry()
}

// onCircuitChange runs outside the breaker's lock.
func (a *App) onCircuitChange(from, to breaker.State) {
	a.metrics.ObserveTransition(from, to)

	event := CircuitEvent{From: from, To: to, At: time.Now()}
	if to != breaker.Closed {
		event.Err = a.breaker.LastError()
	}

	attrs := []any{"from", from.String(), "to", to.String()}
	if event.Err != nil {
		a.logger.Warn("circuit state changed", append(attrs, "error", event.Err.Error())...)
	} else {
		a.logger.Info("circuit state changed", attrs...)
	}

	for _, cb := range a.callbacks {
		invokeCallbackSafe(cb, event, a.logger)
	}
}

// invokeCallbackSafe calls a circuit callback with panic recovery.
// Panics are logged but do not propagate.
func invokeCallbackSafe(cb func(CircuitEvent), event CircuitEvent, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("circuit callback panicked",
				"panic", r,
				"to", event.To.String(),
				"correlation_id", uuid.New().String(),
				"stack", string(debug.Stack()),
			)
		}
	}()
	cb(event)
}
