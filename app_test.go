package oneapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/americanexpress/one-app-sub001/internal/modules"
	"github.com/americanexpress/one-app-sub001/internal/render"
	"github.com/americanexpress/one-app-sub001/internal/serializer"
)

// greetingShell renders the greeter's branch into the page.
func greetingShell(state map[string]any) (string, error) {
	mods, _ := state["modules"].(map[string]any)
	greeter, _ := mods["greeter"].(map[string]any)
	return fmt.Sprintf("<main>%v</main>", greeter["greeting"]), nil
}

func rootModule(t *testing.T, opts ...ModuleOption) Module {
	t.Helper()
	base := []ModuleOption{
		WithInitialState(func(req Request, config map[string]any) (map[string]any, error) {
			return map[string]any{"path": req.Path, "q": req.Query["q"]}, nil
		}),
		WithRender(greetingShell),
		WithStyle("main{margin:0}"),
		WithBrowserBundle("https://cdn/root/browser.js", "sha384-root"),
		WithLegacyBundle("https://cdn/root/legacy.js", "sha384-root-legacy"),
	}
	return mustModule(t, "root", append(base, opts...)...)
}

func greeterModule(t *testing.T, opts ...ModuleOption) Module {
	t.Helper()
	base := []ModuleOption{
		WithLoadData(func(ctx context.Context, lc LoadContext) error {
			return lc.Dispatch(Action{Type: "greeting/loaded", Payload: map[string]any{"greeting": "hello"}})
		}),
		WithStyle(".greeter{color:red}"),
		WithBrowserBundle("https://cdn/greeter/browser.js", "sha384-greeter"),
		WithLegacyBundle("https://cdn/greeter/legacy.js", "sha384-greeter-legacy"),
	}
	return mustModule(t, "greeter", append(base, opts...)...)
}

func newTestApp(t *testing.T, opts ...Option) *App {
	t.Helper()
	base := []Option{
		WithRootModule("root"),
		WithDefaultModules("greeter"),
		WithTitle("Test"),
		WithLogger(testLogger()),
	}
	app, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return app
}

func get(t *testing.T, h http.Handler, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// pageState decodes the state the page ships to the browser.
func pageState(t *testing.T, body string) map[string]any {
	t.Helper()
	prefix := "window." + render.GlobalInitialState + " = "
	i := strings.Index(body, prefix)
	if i < 0 {
		t.Fatalf("page has no initial state: %s", body)
	}

	var blob string
	if err := json.NewDecoder(strings.NewReader(body[i+len(prefix):])).Decode(&blob); err != nil {
		t.Fatalf("initial state is not a JSON string: %v", err)
	}
	decoded, err := serializer.Decode(blob)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	tree, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("state is %T, want map", decoded)
	}
	return tree
}

func loadStatus(t *testing.T, tree map[string]any, module string) any {
	t.Helper()
	statuses, _ := tree["moduleLoadStatus"].(map[string]any)
	return statuses[module]
}

func TestHandler_RendersPage(t *testing.T) {
	app := newTestApp(t,
		WithModules(rootModule(t), greeterModule(t)),
		WithClientConfig(map[string]any{"cdnUrl": "https://cdn/"}),
		WithServerConfig(map[string]any{"apiKey": "server-only-secret"}),
	)

	rec := get(t, app.Handler(), "/home?q=shoes", "Cookie", "session=hunter2")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"<!DOCTYPE html>",
		"<title>Test</title>",
		`<div id="root"><main>hello</main></div>`,
		`.greeter{color:red}`,
		render.GlobalRenderMode + ` = "hydrate"`,
		"https://cdn/root/browser.js",
		"https://cdn/greeter/browser.js",
		render.DefaultBootstrapPath,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q", want)
		}
	}
	for _, leaked := range []string{"server-only-secret", "hunter2"} {
		if strings.Contains(body, leaked) {
			t.Errorf("body leaked %q", leaked)
		}
	}

	tree := pageState(t, body)
	mods := tree["modules"].(map[string]any)
	root := mods["root"].(map[string]any)
	if root["path"] != "/home" || root["q"] != "shoes" {
		t.Errorf("root initial state = %v", root)
	}
	if got := loadStatus(t, tree, "greeter"); got != "loaded" {
		t.Errorf("greeter load status = %v, want loaded", got)
	}
	if cfg := tree["config"].(map[string]any); cfg["cdnUrl"] != "https://cdn/" {
		t.Errorf("config = %v", cfg)
	}
}

func TestHandler_PartialOnly(t *testing.T) {
	app := newTestApp(t, WithModules(rootModule(t), greeterModule(t)))

	rec := get(t, app.Handler(), "/html-partial/home")

	body := rec.Body.String()
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if strings.Contains(body, "<!DOCTYPE") || strings.Contains(body, "<script") {
		t.Errorf("partial wrapped in a document: %s", body)
	}
	if !strings.HasSuffix(body, "<main>hello</main>") {
		t.Errorf("partial = %q, want styles then markup", body)
	}
}

func TestHandler_Head(t *testing.T) {
	app := newTestApp(t, WithModules(rootModule(t), greeterModule(t)))

	req := httptest.NewRequest(http.MethodHead, "/", nil)
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD response has %d body bytes", rec.Body.Len())
	}
}

func TestHandler_ModuleFailureIsIsolated(t *testing.T) {
	failing := greeterModule(t, WithLoadData(func(ctx context.Context, lc LoadContext) error {
		return errors.New("upstream down")
	}))
	profile := mustModule(t, "profile", WithLoadData(func(ctx context.Context, lc LoadContext) error {
		return lc.Dispatch(Action{Type: "loaded", Payload: map[string]any{"name": "Ada"}})
	}))
	app := newTestApp(t,
		WithModules(rootModule(t), failing, profile),
		WithDefaultModules("profile"),
	)

	rec := get(t, app.Handler(), "/")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	tree := pageState(t, rec.Body.String())
	if got := loadStatus(t, tree, "greeter"); got != "failed" {
		t.Errorf("greeter load status = %v, want failed", got)
	}
	if got := loadStatus(t, tree, "profile"); got != "loaded" {
		t.Errorf("profile load status = %v, want loaded", got)
	}
	if app.CircuitState() != CircuitClosed {
		t.Errorf("CircuitState() = %v, want closed after a non-root failure", app.CircuitState())
	}
}

func TestHandler_RootFailureFallsBackAndOpensCircuit(t *testing.T) {
	root := rootModule(t, WithLoadData(func(ctx context.Context, lc LoadContext) error {
		return errors.New("root data failed")
	}))
	app := newTestApp(t, WithModules(root, greeterModule(t)))

	first := get(t, app.Handler(), "/")

	if first.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", first.Code)
	}
	if !strings.Contains(first.Body.String(), render.GlobalRenderMode+` = "render"`) {
		t.Error("fallback page should ask the browser to render")
	}
	if app.CircuitState() != CircuitOpen {
		t.Fatalf("CircuitState() = %v, want open", app.CircuitState())
	}

	second := get(t, app.Handler(), "/")

	if second.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", second.Code)
	}
	tree := pageState(t, second.Body.String())
	for _, name := range []string{"root", "greeter"} {
		if got := loadStatus(t, tree, name); got != "skipped" {
			t.Errorf("%s load status = %v, want skipped", name, got)
		}
	}
}

func TestHandler_RenderFailureLetsClientRender(t *testing.T) {
	tests := []struct {
		name   string
		render RenderFunc
	}{
		{"error", func(map[string]any) (string, error) { return "", errors.New("template broke") }},
		{"panic", func(map[string]any) (string, error) { panic("nil map") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(t, WithModules(rootModule(t, WithRender(tt.render)), greeterModule(t)))

			rec := get(t, app.Handler(), "/")

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), render.GlobalRenderMode+` = "render"`) {
				t.Error("page should fall back to client rendering")
			}
		})
	}
}

func TestHandler_InitialStateFailureServesErrorPage(t *testing.T) {
	root := rootModule(t, WithInitialState(func(Request, map[string]any) (map[string]any, error) {
		return nil, errors.New("bad request shape")
	}))
	app := newTestApp(t, WithModules(root, greeterModule(t)))

	rec := get(t, app.Handler(), "/")

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, render.MessageTryAgainLater) {
		t.Errorf("body missing error copy: %s", body)
	}
	id := rec.Header().Get("X-Correlation-Id")
	if id == "" || !strings.Contains(body, id) {
		t.Errorf("correlation id %q missing from header or body", id)
	}
	if strings.Contains(body, "<script") {
		t.Error("error page carries scripts")
	}
}

func TestHandler_RequestBody(t *testing.T) {
	builder := WithInitialState(func(req Request, config map[string]any) (map[string]any, error) {
		body, _ := req.Body.(map[string]any)
		if body == nil {
			return map[string]any{"name": "missing"}, nil
		}
		return map[string]any{"name": body["name"]}, nil
	})

	tests := []struct {
		name        string
		useBody     bool
		contentType string
		body        string
		wantStatus  int
		wantName    any
	}{
		{"json exposed", true, "application/json", `{"name":"ada-lovelace"}`, http.StatusOK, "ada-lovelace"},
		{"form exposed", true, "application/x-www-form-urlencoded", "name=grace", http.StatusOK, "grace"},
		{"hidden by default", false, "application/json", `{"name":"ada-lovelace"}`, http.StatusOK, "missing"},
		{"invalid json", true, "application/json", `{"name":`, http.StatusBadRequest, nil},
		{"too large", true, "application/json", `"` + strings.Repeat("a", maxRequestBodySize) + `"`, http.StatusRequestEntityTooLarge, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := []Option{WithModules(rootModule(t, builder), greeterModule(t))}
			if tt.useBody {
				opts = append(opts, WithUseBodyForInitialState())
			}
			app := newTestApp(t, opts...)

			req := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			rec := httptest.NewRecorder()
			app.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				if !strings.Contains(rec.Body.String(), render.MessageCannotSucceed) {
					t.Error("client error page should say the request cannot succeed")
				}
				return
			}

			tree := pageState(t, rec.Body.String())
			root := tree["modules"].(map[string]any)["root"].(map[string]any)
			if root["name"] != tt.wantName {
				t.Errorf("name = %v, want %v", root["name"], tt.wantName)
			}
			if request := tree["request"].(map[string]any); request["body"] != nil {
				t.Error("request body copied into the shipped state")
			}
		})
	}
}

func TestHandler_SingleBuildPerResponse(t *testing.T) {
	app := newTestApp(t, WithModules(rootModule(t), greeterModule(t)))

	tests := []struct {
		name      string
		ua        string
		want      string
		forbidden string
	}{
		{"modern", chromeUA, "/browser.js", "/legacy.js"},
		{"legacy", ie11UA, "/legacy.js", "/browser.js"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := get(t, app.Handler(), "/", "User-Agent", tt.ua).Body.String()
			if !strings.Contains(body, "https://cdn/greeter"+tt.want) {
				t.Errorf("body missing %s build", tt.want)
			}
			if strings.Contains(body, tt.forbidden) {
				t.Errorf("body mixes in %s build", tt.forbidden)
			}
		})
	}
}

func TestHandler_ModuleResolver(t *testing.T) {
	resolver := func(r *http.Request) []string {
		if r.URL.Path == "/boom" {
			panic("resolver bug")
		}
		if r.URL.Path == "/bare" {
			return nil
		}
		return []string{"greeter"}
	}
	app := newTestApp(t,
		WithModules(rootModule(t), greeterModule(t)),
		WithDefaultModules(),
		WithModuleResolver(resolver),
	)

	tests := []struct {
		path        string
		wantGreeter any
	}{
		{"/greet", "loaded"},
		{"/bare", nil},
		{"/boom", "loaded"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := get(t, app.Handler(), tt.path)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			tree := pageState(t, rec.Body.String())
			if got := loadStatus(t, tree, "greeter"); got != tt.wantGreeter {
				t.Errorf("greeter load status = %v, want %v", got, tt.wantGreeter)
			}
		})
	}
}

func TestHandler_RenderingFlags(t *testing.T) {
	app := newTestApp(t,
		WithModules(rootModule(t), greeterModule(t)),
		WithRendering(RenderingContext{DisableScripts: true, DisableStyles: true}),
		WithLinks(Link{Rel: "stylesheet", Href: "/theme.css"}, Link{Rel: "icon", Href: "/favicon.ico"}),
	)

	body := get(t, app.Handler(), "/").Body.String()

	if strings.Contains(body, "<script") || strings.Contains(body, "<style") {
		t.Errorf("flags ignored: %s", body)
	}
	if strings.Contains(body, "/theme.css") {
		t.Error("stylesheet link kept with styles disabled")
	}
	if !strings.Contains(body, "/favicon.ico") {
		t.Error("icon link dropped")
	}
}

func TestHandler_InfrastructureRoutes(t *testing.T) {
	app := newTestApp(t, WithModules(rootModule(t), greeterModule(t)))
	h := app.Handler()

	// one page so the request counter has a sample
	get(t, h, "/")

	tests := []struct {
		path     string
		contains string
	}{
		{"/_/static/bootstrap.js", "__ONE_APP_INITIAL_STATE__"},
		{"/api/health", `"circuit":"closed"`},
		{"/metrics", `one_app_http_requests_total{status="200"} 1`},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := get(t, h, tt.path)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			body, _ := io.ReadAll(rec.Body)
			if !strings.Contains(string(body), tt.contains) {
				t.Errorf("body missing %q", tt.contains)
			}
		})
	}
}

const scriptRoot = `
module.exports = {
  initialState: function (request) { return { path: request.path }; },
  styles: [".script-root{}"],
  render: function (state) { return "<main>rendered by " + state.modules["script-root"].path + "</main>"; }
};
`

func TestHandler_ScriptModules(t *testing.T) {
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/script-root/node.js" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, scriptRoot)
	}))
	defer cdn.Close()

	integrity, err := modules.Integrity("sha384", []byte(scriptRoot))
	if err != nil {
		t.Fatal(err)
	}
	contentMap := fmt.Sprintf(`{"key":"rev-1","modules":{"script-root":{"version":"1.0.0",
		"node":{"url":%q,"integrity":%q},
		"browser":{"url":"https://cdn/script-root/browser.js","integrity":"sha384-b"}}}}`,
		cdn.URL+"/script-root/node.js", integrity)

	app, err := New(
		WithRootModule("script-root"),
		WithContentMapData([]byte(contentMap)),
		WithScriptModules(),
		WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	rec := get(t, app.Handler(), "/about")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<main>rendered by /about</main>") {
		t.Errorf("script module markup missing: %s", body)
	}
	if !strings.Contains(body, ".script-root{}") || !strings.Contains(body, "https://cdn/script-root/browser.js") {
		t.Error("script module styles or browser build missing")
	}
}

func TestHandler_OpenCircuitDoesNotFetchRootCode(t *testing.T) {
	var hits atomic.Int64
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "unavailable", http.StatusInternalServerError)
	}))
	defer cdn.Close()

	contentMap := fmt.Sprintf(`{"key":"rev-1","modules":{"script-root":{"version":"1.0.0",
		"node":{"url":%q,"integrity":"sha384-n"},
		"browser":{"url":"https://cdn/script-root/browser.js","integrity":"sha384-b"}}}}`,
		cdn.URL+"/script-root/node.js")

	app, err := New(
		WithRootModule("script-root"),
		WithContentMapData([]byte(contentMap)),
		WithScriptModules(),
		WithResetTimeout(time.Hour),
		WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	first := get(t, app.Handler(), "/")
	if first.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", first.Code)
	}
	if app.CircuitState() != CircuitOpen {
		t.Fatalf("CircuitState() = %v, want open", app.CircuitState())
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("CDN hits after first request = %d, want 1", got)
	}

	before := hits.Load()
	for i := 0; i < 5; i++ {
		rec := get(t, app.Handler(), "/")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	}
	if delta := hits.Load() - before; delta != 0 {
		t.Errorf("CDN hits while open = %d, want 0", delta)
	}
}

func TestHandler_ServiceWorker(t *testing.T) {
	app := newTestApp(t,
		WithModules(rootModule(t), greeterModule(t)),
		WithServiceWorker("/sw.js"),
	)

	body := get(t, app.Handler(), "/").Body.String()

	if !strings.Contains(body, "window."+render.GlobalServiceWorker+` = "/sw.js";`) {
		t.Errorf("page does not register the service worker: %s", body)
	}
}
