package modules

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/americanexpress/one-app-sub001/internal/fetch"
	"github.com/americanexpress/one-app-sub001/internal/store"
)

const frankModule = `
module.exports = {
  initialState: function (request, config) {
    return { path: request.path, cdn: config.cdnUrl, agent: request.headers["user-agent"] };
  },
  loadModuleData: function (ctx) {
    var resp = ctx.fetch(ctx.state.config.apiUrl + "/greeting", { headers: { "X-Module": "frank" } });
    ctx.dispatch({ type: "greeting/loaded", payload: { greeting: resp.body, status: resp.status } });
  },
  reducer: function (state, action) {
    var next = { count: ((state && state.count) || 0) + 1 };
    if (action.payload && action.payload.greeting) { next.greeting = action.payload.greeting; }
    return next;
  },
  styles: [".frank { color: red; }", { digest: "shared", css: ".shared {}" }],
  render: function (state) { return "<main>" + state.modules.frank.greeting + "</main>"; },
  externals: ["react"]
};
`

// cdn serves JS modules and a JSON API under one test server.
type cdn struct {
	*httptest.Server
	files map[string]string
}

func newCDN(t *testing.T, files map[string]string) *cdn {
	t.Helper()
	c := &cdn{files: files}
	c.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/greeting" {
			_, _ = w.Write([]byte("hello from " + r.Header.Get("X-Module")))
			return
		}
		body, ok := c.files[strings.TrimPrefix(r.URL.Path, "/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(c.Close)
	return c
}

func (c *cdn) record(t *testing.T, name, file string) Record {
	t.Helper()
	integrity, err := Integrity("sha384", []byte(c.files[file]))
	if err != nil {
		t.Fatal(err)
	}
	return Record{Name: name, Version: "1.0.0", Variants: map[Variant]Bundle{
		VariantNode: {URL: c.URL + "/" + file, Integrity: integrity},
	}}
}

func TestScriptLoader_LoadsAndAdaptsHooks(t *testing.T) {
	server := newCDN(t, map[string]string{"frank.node.js": frankModule})
	client := fetch.NewClient(time.Second)
	loader := NewScriptLoader(client, WithScriptLogger(testLogger()))

	e, err := loader.Load(context.Background(), server.record(t, "frank", "frank.node.js"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if e.Name != "frank" {
		t.Errorf("Name = %q, want frank", e.Name)
	}
	if len(e.Styles) != 2 || e.Styles[1].Digest != "shared" || e.Styles[0].Digest == "" {
		t.Errorf("Styles = %+v", e.Styles)
	}
	if len(e.Externals) != 1 || e.Externals[0] != "react" {
		t.Errorf("Externals = %v", e.Externals)
	}
	if e.InitialState == nil || e.LoadData == nil || e.Reducer == nil || e.Render == nil {
		t.Fatal("expected every hook to be adapted")
	}

	initial, err := e.InitialState(store.RequestView{
		Path:    "/home",
		Headers: map[string]string{"user-agent": "test-agent"},
	}, map[string]any{"cdnUrl": "https://cdn/"})
	if err != nil {
		t.Fatalf("InitialState() error = %v", err)
	}
	if initial["path"] != "/home" || initial["cdn"] != "https://cdn/" || initial["agent"] != "test-agent" {
		t.Errorf("InitialState() = %v", initial)
	}
}

func TestScriptLoader_LoadDataDispatchesThroughStore(t *testing.T) {
	server := newCDN(t, map[string]string{"frank.node.js": frankModule})
	client := fetch.NewClient(time.Second)
	loader := NewScriptLoader(client, WithScriptLogger(testLogger()))

	e, err := loader.Load(context.Background(), server.record(t, "frank", "frank.node.js"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	factory := &store.Factory{ClientConfig: map[string]any{"apiUrl": server.URL + "/api"}, Fetcher: client}
	st, err := factory.Create(context.Background(), store.RequestDescriptor{Path: "/"}, store.CreateOptions{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	st.RegisterReducer("frank", e.Reducer)

	err = e.LoadData(context.Background(), LoadContext{
		Dispatch: st.Dispatcher("frank"),
		State:    st.State,
		Fetch:    st.Fetcher(),
	})
	if err != nil {
		t.Fatalf("LoadData() error = %v", err)
	}

	got, _ := st.ModuleState("frank").(map[string]any)
	if got["greeting"] != "hello from frank" {
		t.Errorf("frank state = %v", got)
	}

	markup, err := e.Render(st.State())
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if markup != "<main>hello from frank</main>" {
		t.Errorf("Render() = %q", markup)
	}
}

func TestScriptLoader_Errors(t *testing.T) {
	server := newCDN(t, map[string]string{
		"syntax.js":   "module.exports = {",
		"throws.js":   "throw new Error('top level');",
		"empty.js":    "module.exports = null;",
		"badstyle.js": "module.exports = { styles: [42] };",
		"ok.js":       "module.exports = {};",
	})
	loader := NewScriptLoader(fetch.NewClient(time.Second), WithScriptLogger(testLogger()))

	tests := []struct {
		name    string
		rec     func() Record
		wantErr error
	}{
		{"syntax error", func() Record { return server.record(t, "m", "syntax.js") }, nil},
		{"top level throw", func() Record { return server.record(t, "m", "throws.js") }, nil},
		{"null exports", func() Record { return server.record(t, "m", "empty.js") }, nil},
		{"bad styles", func() Record { return server.record(t, "m", "badstyle.js") }, nil},
		{"not found", func() Record {
			r := server.record(t, "m", "ok.js")
			r.Variants[VariantNode] = Bundle{URL: server.URL + "/missing.js", Integrity: r.Variants[VariantNode].Integrity}
			return r
		}, nil},
		{"tampered", func() Record {
			r := server.record(t, "m", "ok.js")
			r.Variants[VariantNode] = Bundle{URL: r.Variants[VariantNode].URL, Integrity: "sha384-AAAA"}
			return r
		}, ErrIntegrityMismatch},
		{"missing digest", func() Record {
			r := server.record(t, "m", "ok.js")
			r.Variants[VariantNode] = Bundle{URL: r.Variants[VariantNode].URL}
			return r
		}, ErrIntegrityMismatch},
		{"no node build", func() Record {
			return Record{Name: "m", Variants: map[Variant]Bundle{VariantBrowser: {URL: "x"}}}
		}, ErrUnknownModule},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.Load(context.Background(), tt.rec())
			if err == nil {
				t.Fatal("Load() error = nil, want error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Load() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestScriptLoader_AllowMissingIntegrity(t *testing.T) {
	server := newCDN(t, map[string]string{"ok.js": "module.exports = {};"})
	loader := NewScriptLoader(fetch.NewClient(time.Second), WithAllowMissingIntegrity(), WithScriptLogger(testLogger()))

	rec := Record{Name: "ok", Version: "1", Variants: map[Variant]Bundle{VariantNode: {URL: server.URL + "/ok.js"}}}
	if _, err := loader.Load(context.Background(), rec); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestScriptLoader_ExecutionTimeout(t *testing.T) {
	server := newCDN(t, map[string]string{
		"spin.js": "module.exports = { loadModuleData: function () { for (;;) {} } };",
	})
	loader := NewScriptLoader(fetch.NewClient(time.Second),
		WithExecutionTimeout(50*time.Millisecond),
		WithScriptLogger(testLogger()),
	)

	e, err := loader.Load(context.Background(), server.record(t, "spin", "spin.js"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	start := time.Now()
	err = e.LoadData(context.Background(), LoadContext{})
	if err == nil {
		t.Fatal("LoadData() error = nil, want timeout")
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("LoadData() took %v, interrupt did not fire", time.Since(start))
	}
}

// slowAPI answers every request after delay.
func slowAPI(t *testing.T, delay time.Duration) *httptest.Server {
	t.Helper()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)
		_, _ = w.Write([]byte("slow"))
	}))
	t.Cleanup(s.Close)
	return s
}

const slowFetchModule = `
module.exports = {
  loadModuleData: function (ctx) {
    var resp = ctx.fetch(ctx.state.url);
    ctx.dispatch({ type: "loaded", payload: resp.body });
  },
  reducer: function (state, action) { return action.payload || state; }
};
`

func TestScriptLoader_ConcurrentLoadData(t *testing.T) {
	api := slowAPI(t, 300*time.Millisecond)
	server := newCDN(t, map[string]string{"slow.js": slowFetchModule})
	client := fetch.NewClient(5 * time.Second)
	loader := NewScriptLoader(client, WithScriptLogger(testLogger()))

	e, err := loader.Load(context.Background(), server.record(t, "slow", "slow.js"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	const requests = 5
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		got  []any
		errs []error
	)
	start := time.Now()
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := e.LoadData(context.Background(), LoadContext{
				State: func() map[string]any { return map[string]any{"url": api.URL} },
				Fetch: client,
				Dispatch: func(a store.Action) error {
					next, err := e.Reducer(nil, a)
					mu.Lock()
					got = append(got, next)
					mu.Unlock()
					return err
				},
			})
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	if len(errs) > 0 {
		t.Fatalf("LoadData() errors = %v", errs)
	}
	if len(got) != requests {
		t.Fatalf("dispatched %d actions, want %d", len(got), requests)
	}
	for _, v := range got {
		if v != "slow" {
			t.Errorf("reduced state = %v, want slow", v)
		}
	}
	// serialized calls would take requests * 300ms
	if elapsed > time.Second {
		t.Errorf("%d concurrent LoadData() calls took %v, want them to overlap", requests, elapsed)
	}
}

func TestScriptLoader_FetchDoesNotCountTowardTimeout(t *testing.T) {
	api := slowAPI(t, 300*time.Millisecond)
	server := newCDN(t, map[string]string{"slow.js": slowFetchModule})
	client := fetch.NewClient(5 * time.Second)
	loader := NewScriptLoader(client,
		WithExecutionTimeout(100*time.Millisecond),
		WithScriptLogger(testLogger()),
	)

	e, err := loader.Load(context.Background(), server.record(t, "slow", "slow.js"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	var dispatched any
	err = e.LoadData(context.Background(), LoadContext{
		State: func() map[string]any { return map[string]any{"url": api.URL} },
		Fetch: client,
		Dispatch: func(a store.Action) error {
			dispatched = a.Payload
			return nil
		},
	})
	if err != nil {
		t.Fatalf("LoadData() error = %v", err)
	}
	if dispatched != "slow" {
		t.Errorf("dispatched payload = %v, want slow", dispatched)
	}
}

func TestScriptLoader_TimeoutStillAppliesAfterFetch(t *testing.T) {
	api := slowAPI(t, 10*time.Millisecond)
	server := newCDN(t, map[string]string{
		"spin.js": "module.exports = { loadModuleData: function (ctx) { ctx.fetch(ctx.state.url); for (;;) {} } };",
	})
	client := fetch.NewClient(5 * time.Second)
	loader := NewScriptLoader(client,
		WithExecutionTimeout(50*time.Millisecond),
		WithScriptLogger(testLogger()),
	)

	e, err := loader.Load(context.Background(), server.record(t, "spin", "spin.js"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	start := time.Now()
	err = e.LoadData(context.Background(), LoadContext{
		State: func() map[string]any { return map[string]any{"url": api.URL} },
		Fetch: client,
	})
	if err == nil {
		t.Fatal("LoadData() error = nil, want timeout")
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("LoadData() took %v, interrupt did not fire", time.Since(start))
	}

	// a fresh runtime serves the next call
	if err := e.LoadData(context.Background(), LoadContext{}); err == nil {
		t.Error("second LoadData() error = nil, want fetch unavailable")
	}
}

func TestScriptLoader_OversizedBundle(t *testing.T) {
	big := "module.exports = {}; //" + strings.Repeat("x", MaxBundleSize)
	server := newCDN(t, map[string]string{"big.js": big})
	loader := NewScriptLoader(fetch.NewClient(5*time.Second), WithScriptLogger(testLogger()))

	_, err := loader.Load(context.Background(), server.record(t, "big", "big.js"))
	if !errors.Is(err, fetch.ErrResponseTooLarge) {
		t.Errorf("Load() error = %v, want %v", err, fetch.ErrResponseTooLarge)
	}
}

func TestScriptLoader_PromiseResults(t *testing.T) {
	server := newCDN(t, map[string]string{
		"resolved.js": "module.exports = { loadModuleData: function () { return Promise.resolve(1); } };",
		"rejected.js": "module.exports = { loadModuleData: function () { return Promise.reject(new Error('nope')); } };",
		"throws.js":   "module.exports = { loadModuleData: function (ctx) { ctx.dispatch({ type: 'x' }); } };",
	})
	loader := NewScriptLoader(fetch.NewClient(time.Second), WithScriptLogger(testLogger()))

	tests := []struct {
		file    string
		wantErr bool
	}{
		{"resolved.js", false},
		{"rejected.js", true},
		// dispatch is unavailable, so the call throws
		{"throws.js", true},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			e, err := loader.Load(context.Background(), server.record(t, tt.file, tt.file))
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			err = e.LoadData(context.Background(), LoadContext{})
			if (err != nil) != tt.wantErr {
				t.Errorf("LoadData() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
