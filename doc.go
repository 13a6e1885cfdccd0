// Package oneapp provides an embeddable server that composes independently
// deployed UI modules into server-rendered HTML pages.
//
// Each request gets its own state store. A root module seeds it and owns the
// page shell; the other modules load their data into their own branches.
// Composition runs behind one shared circuit breaker that opens on failures
// and whenever the process health check reports scheduler lag, so a
// struggling instance degrades to a client-rendered shell instead of
// falling over.
//
// # Quick Start
//
// Register a root module and start the server with graceful shutdown:
//
//	root, _ := oneapp.NewModule("frank-lloyd-root",
//	    oneapp.WithRender(func(state map[string]any) (string, error) {
//	        return "<main>hello</main>", nil
//	    }),
//	)
//	app, _ := oneapp.New(
//	    oneapp.WithModule(root),
//	    oneapp.WithRootModule("frank-lloyd-root"),
//	)
//
//	// Set up graceful shutdown on SIGINT/SIGTERM
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	app.Start(ctx) // blocks until context is cancelled
//
// # Content Maps
//
// A content map lists every module with its builds: node (run on the
// server), browser and legacyBrowser. It can come from a file that is
// watched for changes ([WithContentMapFile]), an HTTP URL that is polled
// ([WithContentMapURL]) or fixed data ([WithContentMapData]). Modules the
// binary does not register are fetched from their node build and run in an
// embedded JavaScript runtime when [WithScriptModules] is set.
//
// # Capabilities
//
// Every response targets exactly one browser build. A [CapabilityClassifier]
// decides from the User-Agent header:
//
//   - [ModernBrowserClassifier]: Internet Explorer is legacy, everything else modern
//   - [AlwaysModern]: always the modern build
//   - [UserAgentPattern]: a regular expression mapped to a capability
//   - [FirstMatch]: the first classifier with an opinion wins
//
// # Architecture
//
// The pipeline lives in internal packages:
//
//   - internal/health: scheduler lag sampling
//   - internal/breaker: the shared circuit breaker
//   - internal/store: per-request state container and factory
//   - internal/modules: content map, loaders and the code cache
//   - internal/composer: module composition under the breaker
//   - internal/serializer: tiered state serialization
//   - internal/render: HTML document assembly and the error page
//   - internal/server: routes, health endpoints and graceful shutdown
//   - assets: the embedded client runtime
//
// The internal packages are not part of the public API and may change
// without notice.
package oneapp
