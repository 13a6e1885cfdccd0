package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/americanexpress/one-app-sub001/internal/breaker"
	"github.com/americanexpress/one-app-sub001/internal/health"
)

// testLogger returns a logger that discards all output for clean test output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockHealth implements HealthSource for testing.
type mockHealth struct {
	mu          sync.RWMutex
	last        *health.Sample
	subscribers map[chan health.Sample]struct{}
	subMu       sync.Mutex
}

func newMockHealth() *mockHealth {
	return &mockHealth{subscribers: make(map[chan health.Sample]struct{})}
}

func (m *mockHealth) Publish(s health.Sample) {
	m.mu.Lock()
	m.last = &s
	m.mu.Unlock()

	m.subMu.Lock()
	for ch := range m.subscribers {
		select {
		case ch <- s:
		default:
		}
	}
	m.subMu.Unlock()
}

func (m *mockHealth) Last() (health.Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return health.Sample{}, false
	}
	return *m.last, true
}

func (m *mockHealth) Subscribe() <-chan health.Sample {
	ch := make(chan health.Sample, 100)
	m.subMu.Lock()
	m.subscribers[ch] = struct{}{}
	m.subMu.Unlock()
	return ch
}

func (m *mockHealth) Unsubscribe(ch <-chan health.Sample) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for sub := range m.subscribers {
		if sub == ch {
			delete(m.subscribers, sub)
			close(sub)
			return
		}
	}
}

type fixedCircuit breaker.State

func (c fixedCircuit) State() breaker.State { return breaker.State(c) }

func newTestServer(h HealthSource) *Server {
	return NewServer(Config{Health: h, Logger: testLogger()})
}

// --- SSE ---

func TestHandleSSE_BasicFlow(t *testing.T) {
	mh := newMockHealth()
	mh.Publish(health.Sample{LagMs: 4, ThresholdMs: 30, Healthy: true})

	srv := newTestServer(mh)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/health/sse", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	srv.handleSSE(rec, req)

	events := parseSSEEvents(rec.Body.String())
	if len(events) != 1 {
		t.Fatalf("got %d events, want the last sample", len(events))
	}
	if events[0].LagMs != 4 || !events[0].Healthy {
		t.Errorf("event = %+v", events[0])
	}
}

func TestHandleSSE_StreamsUpdates(t *testing.T) {
	mh := newMockHealth()
	srv := newTestServer(mh)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/health/sse", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		srv.handleSSE(rec, req)
		close(done)
	}()

	// give handler time to subscribe
	time.Sleep(50 * time.Millisecond)
	mh.Publish(health.Sample{LagMs: 75, ThresholdMs: 30, Healthy: false})
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not exit after context cancellation")
	}

	events := parseSSEEvents(rec.Body.String())
	if len(events) != 1 || events[0].Healthy || events[0].LagMs != 75 {
		t.Errorf("events = %+v, want one unhealthy sample", events)
	}
}

func TestHandleSSE_ServerShutdown(t *testing.T) {
	srv := newTestServer(newMockHealth())

	// handleSSE called directly needs the request context to stand in for
	// the BaseContext the real server sets
	serverCtx, serverCancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/health/sse", nil).WithContext(serverCtx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		srv.handleSSE(rec, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	serverCancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not exit after server shutdown")
	}
}

func TestHandleSSE_NoGoroutineLeaks(t *testing.T) {
	runtime.GC()
	time.Sleep(100 * time.Millisecond)
	before := runtime.NumGoroutine()

	srv := newTestServer(newMockHealth())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()

			req := httptest.NewRequest(http.MethodGet, "/api/health/sse", nil).WithContext(ctx)
			srv.handleSSE(httptest.NewRecorder(), req)
		}()
	}
	wg.Wait()

	runtime.GC()
	time.Sleep(200 * time.Millisecond)

	after := runtime.NumGoroutine()
	if after > before+2 { // small tolerance for runtime variance
		t.Errorf("potential goroutine leak: before=%d, after=%d", before, after)
	}
}

func TestHandleSSE_ConcurrentClientsShutdown(t *testing.T) {
	mh := newMockHealth()
	mh.Publish(health.Sample{Healthy: true})
	srv := newTestServer(mh)

	serverCtx, serverCancel := context.WithCancel(context.Background())

	numClients := 10
	var wg sync.WaitGroup
	started := make(chan struct{})
	var startedCount atomic.Int32

	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/api/health/sse", nil).WithContext(serverCtx)
			if startedCount.Add(1) == int32(numClients) {
				close(started)
			}
			srv.handleSSE(httptest.NewRecorder(), req)
		}()
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("clients did not start in time")
	}
	time.Sleep(100 * time.Millisecond)
	serverCancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("not all handlers exited after shutdown")
	}
}

// nonFlushWriter is a ResponseWriter without http.Flusher.
type nonFlushWriter struct {
	header http.Header
	code   int
}

func (n *nonFlushWriter) Header() http.Header {
	if n.header == nil {
		n.header = make(http.Header)
	}
	return n.header
}

func (n *nonFlushWriter) Write(b []byte) (int, error) { return len(b), nil }

func (n *nonFlushWriter) WriteHeader(statusCode int) { n.code = statusCode }

func TestHandleSSE_SSENotSupported(t *testing.T) {
	srv := newTestServer(newMockHealth())
	w := &nonFlushWriter{}

	srv.handleSSE(w, httptest.NewRequest(http.MethodGet, "/api/health/sse", nil))

	if w.code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.code, http.StatusInternalServerError)
	}
}

func TestHandleSSE_NoHealthSource(t *testing.T) {
	srv := NewServer(Config{Logger: testLogger()})
	rec := httptest.NewRecorder()

	srv.handleSSE(rec, httptest.NewRequest(http.MethodGet, "/api/health/sse", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleSSE_Headers(t *testing.T) {
	srv := newTestServer(newMockHealth())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	rec := httptest.NewRecorder()
	srv.handleSSE(rec, httptest.NewRequest(http.MethodGet, "/api/health/sse", nil).WithContext(ctx))

	want := map[string]string{
		"Content-Type":  "text/event-stream",
		"Cache-Control": "no-cache",
		"Connection":    "keep-alive",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("header %s = %q, want %q", k, got, v)
		}
	}
}

// TestHandleSSE_ServerShutdownIntegration uses a real connection, which
// supports write deadlines.
func TestHandleSSE_ServerShutdownIntegration(t *testing.T) {
	mh := newMockHealth()
	mh.Publish(health.Sample{Healthy: true})
	srv := newTestServer(mh)

	serverCtx, serverCancel := context.WithCancel(context.Background())
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.handleSSE(w, r.WithContext(serverCtx))
	}))
	defer ts.Close()

	connDone := make(chan error, 1)
	go func() {
		resp, err := ts.Client().Get(ts.URL)
		if err != nil {
			connDone <- err
			return
		}
		defer func() { _ = resp.Body.Close() }()
		buf := make([]byte, 1024)
		for {
			if _, err := resp.Body.Read(buf); err != nil {
				connDone <- nil
				return
			}
		}
	}()

	time.Sleep(100 * time.Millisecond)
	serverCancel()

	select {
	case <-connDone:
	case <-time.After(3 * time.Second):
		t.Fatal("SSE connection did not close after server shutdown")
	}
}

func parseSSEEvents(body string) []health.Sample {
	var samples []health.Sample
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var s health.Sample
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &s); err == nil {
			samples = append(samples, s)
		}
	}
	return samples
}

// --- /api/health ---

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name        string
		circuit     CircuitReporter
		sample      *health.Sample
		wantStatus  int
		wantCircuit string
		wantHealthy bool
	}{
		{"no collaborators", nil, nil, http.StatusOK, "closed", true},
		{"closed and healthy", fixedCircuit(breaker.Closed), &health.Sample{LagMs: 2, Healthy: true}, http.StatusOK, "closed", true},
		{"half-open and lagging", fixedCircuit(breaker.HalfOpen), &health.Sample{LagMs: 90, Healthy: false}, http.StatusOK, "half-open", false},
		{"open", fixedCircuit(breaker.Open), nil, http.StatusServiceUnavailable, "open", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mh := newMockHealth()
			if tt.sample != nil {
				mh.Publish(*tt.sample)
			}
			srv := NewServer(Config{Health: mh, Circuit: tt.circuit, Logger: testLogger()})

			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var resp HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Circuit != tt.wantCircuit || resp.Healthy != tt.wantHealthy {
				t.Errorf("response = %+v, want circuit %s healthy %v", resp, tt.wantCircuit, tt.wantHealthy)
			}
			if (resp.Sample != nil) != (tt.sample != nil) {
				t.Errorf("sample = %v, want present %v", resp.Sample, tt.sample != nil)
			}
		})
	}
}

func TestHandleHealth_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/health", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

// --- routing ---

func TestRoutes(t *testing.T) {
	var mu sync.Mutex
	var got []PageOptions
	pages := PageRendererFunc(func(w http.ResponseWriter, r *http.Request, opts PageOptions) {
		mu.Lock()
		got = append(got, opts)
		mu.Unlock()
		_, _ = io.WriteString(w, "page")
	})

	srv := NewServer(Config{
		Assets:  fstest.MapFS{"bootstrap.js": {Data: []byte("// runtime")}},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "metrics") }),
		Pages:   pages,
		Logger:  testLogger(),
	})

	tests := []struct {
		method   string
		path     string
		wantCode int
		wantBody string
		wantPage *PageOptions
	}{
		{http.MethodGet, "/_/static/bootstrap.js", http.StatusOK, "// runtime", nil},
		{http.MethodGet, "/_/static/missing.js", http.StatusNotFound, "", nil},
		{http.MethodGet, "/metrics", http.StatusOK, "metrics", nil},
		{http.MethodGet, "/", http.StatusOK, "page", &PageOptions{Path: "/"}},
		{http.MethodGet, "/account/settings", http.StatusOK, "page", &PageOptions{Path: "/account/settings"}},
		{http.MethodGet, "/html-partial/promo/banner", http.StatusOK, "page", &PageOptions{Path: "/promo/banner", PartialOnly: true}},
		{http.MethodDelete, "/", http.StatusMethodNotAllowed, "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			mu.Lock()
			got = nil
			mu.Unlock()

			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case tt.wantPage == nil && len(got) != 0:
				t.Errorf("page renderer called with %+v", got)
			case tt.wantPage != nil && (len(got) != 1 || got[0] != *tt.wantPage):
				t.Errorf("page renderer got %+v, want %+v", got, *tt.wantPage)
			}
		})
	}
}

func TestRoutes_NoPageRenderer(t *testing.T) {
	srv := NewServer(Config{Logger: testLogger()})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/anything", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// --- Start ---

func TestStart_AvailablePort_ReturnsNil(t *testing.T) {
	// port 0 lets the OS choose
	srv := newTestServer(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() on available port returned error: %v", err)
	}
	if srv.Addr() == nil {
		t.Fatal("Addr() = nil after Start")
	}

	port := srv.Addr().(*net.TCPAddr).Port
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/api/health", port))
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestStart_PortInUse_ReturnsError(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer func() { _ = ln.Close() }()

	srv := NewServer(Config{Port: ln.Addr().(*net.TCPAddr).Port, Logger: testLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = srv.Start(ctx)
	if err == nil {
		t.Fatal("Start() on occupied port should return error")
	}
	if !strings.Contains(err.Error(), "failed to bind") {
		t.Errorf("expected bind error, got: %v", err)
	}
}

func TestStart_InvalidPort_ReturnsError(t *testing.T) {
	srv := NewServer(Config{Port: -1, Logger: testLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err == nil {
		t.Fatal("Start() with invalid port should return error")
	}
}

func BenchmarkHandleSSE_SingleClient(b *testing.B) {
	mh := newMockHealth()
	mh.Publish(health.Sample{Healthy: true})
	srv := newTestServer(mh)

	for i := 0; i < b.N; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		req := httptest.NewRequest(http.MethodGet, "/api/health/sse", nil).WithContext(ctx)
		srv.handleSSE(httptest.NewRecorder(), req)
		cancel()
	}
}
