package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/americanexpress/one-app-sub001/internal/breaker"
	"github.com/americanexpress/one-app-sub001/internal/health"
)

const (
	// sseWriteTimeout is the maximum time allowed for a single SSE write operation.
	// Must be <= shutdown timeout to ensure clean shutdown.
	sseWriteTimeout = 5 * time.Second

	shutdownTimeout = 5 * time.Second

	// StaticPrefix is where embedded assets are served.
	StaticPrefix = "/_/static/"

	// PartialPrefix marks requests that only want the rendered fragment.
	PartialPrefix = "/html-partial"
)

// HealthSource supplies health samples.
type HealthSource interface {
	Last() (health.Sample, bool)
	Subscribe() <-chan health.Sample
	Unsubscribe(ch <-chan health.Sample)
}

// CircuitReporter exposes the shared breaker's state.
type CircuitReporter interface {
	State() breaker.State
}

// PageOptions are the routing decisions the server makes before rendering.
type PageOptions struct {
	// Path is the page path with any routing prefix removed.
	Path string

	// PartialOnly asks for styles and markup without a document wrapper.
	PartialOnly bool
}

// PageRenderer renders a page for every request no other route claims.
type PageRenderer interface {
	RenderPage(w http.ResponseWriter, r *http.Request, opts PageOptions)
}

// PageRendererFunc adapts a function to [PageRenderer].
type PageRendererFunc func(w http.ResponseWriter, r *http.Request, opts PageOptions)

func (f PageRendererFunc) RenderPage(w http.ResponseWriter, r *http.Request, opts PageOptions) {
	f(w, r, opts)
}

// Config holds the collaborators a [Server] routes to. Nil fields disable
// the routes that need them.
type Config struct {
	Port    int
	Assets  fs.FS
	Health  HealthSource
	Circuit CircuitReporter
	Metrics http.Handler
	Pages   PageRenderer
	Logger  *slog.Logger
}

// Server handles HTTP requests for rendered pages, health and metrics.
//
// Routes:
//   - GET /api/health: current circuit state and last health sample as JSON
//   - GET /api/health/sse: Server-Sent Events stream of health samples
//   - GET /metrics: Prometheus exposition
//   - GET /_/static/*: embedded client assets
//   - /html-partial/*: page rendered as a fragment
//   - everything else: page rendered as a full document
//
// The server is designed for graceful shutdown via context cancellation.
type Server struct {
	cfg        Config
	logger     *slog.Logger
	handler    http.Handler
	httpServer *http.Server
	addr       net.Addr
}

// NewServer creates a new HTTP [Server]. The server is not started until
// [Server.Start] is called.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/health/sse", s.handleSSE)

	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics)
	}
	if s.cfg.Assets != nil {
		mux.Handle("GET "+StaticPrefix, http.StripPrefix(StaticPrefix, http.FileServerFS(s.cfg.Assets)))
	}

	mux.HandleFunc(PartialPrefix+"/", s.handlePartial)
	mux.HandleFunc("/", s.handlePage)
	return mux
}

// Handler returns the routed handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Start begins serving HTTP requests in a background goroutine.
//
// Start is non-blocking and returns immediately after confirming the server
// is listening. The server will continue running until the context is
// cancelled, at which point it initiates a graceful shutdown with a 5-second
// timeout.
//
// Returns an error if the server fails to bind to the configured port.
func (s *Server) Start(ctx context.Context) error {
	// create listener first to verify port availability synchronously
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind to port %d: %w", s.cfg.Port, err)
	}
	s.addr = ln.Addr()

	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		// request contexts derive from ctx so long-running handlers like SSE
		// stop on shutdown
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}()

	return nil
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w, r, PageOptions{Path: r.URL.Path})
}

func (s *Server) handlePartial(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, PartialPrefix)
	if path == "" {
		path = "/"
	}
	s.renderPage(w, r, PageOptions{Path: path, PartialOnly: true})
}

func (s *Server) renderPage(w http.ResponseWriter, r *http.Request, opts PageOptions) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Pages == nil {
		http.NotFound(w, r)
		return
	}
	s.cfg.Pages.RenderPage(w, r, opts)
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Circuit string         `json:"circuit"`
	Healthy bool           `json:"healthy"`
	Sample  *health.Sample `json:"sample,omitempty"`
}

// handleHealth reports 503 while the circuit is open so load balancers can
// route around the instance.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := HealthResponse{Circuit: breaker.Closed.String(), Healthy: true}
	state := breaker.Closed
	if s.cfg.Circuit != nil {
		state = s.cfg.Circuit.State()
		resp.Circuit = state.String()
	}
	if s.cfg.Health != nil {
		if sample, ok := s.cfg.Health.Last(); ok {
			resp.Sample = &sample
			resp.Healthy = sample.Healthy
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	if state == breaker.Open {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode health response", "error", err)
	}
}

// handleSSE streams health samples via Server-Sent Events.
//
// The handler uses write deadlines to prevent goroutine leaks when clients are
// slow or disconnected. Without deadlines, a blocked Fprintf call would prevent
// the handler from detecting context cancellation or channel closure.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}
	if s.cfg.Health == nil {
		http.Error(w, "health monitoring disabled", http.StatusNotFound)
		return
	}

	rc := http.NewResponseController(w)

	// track if write deadlines are supported (may not be for some ResponseWriter impls)
	deadlinesSupported := true

	writeAndFlush := func(data []byte) error {
		if deadlinesSupported {
			if err := rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout)); err != nil {
				s.logger.Warn("sse write deadlines not supported", "error", err)
				deadlinesSupported = false
			}
		}

		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		return rc.Flush()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	ch := s.cfg.Health.Subscribe()
	defer s.cfg.Health.Unsubscribe(ch)

	if sample, ok := s.cfg.Health.Last(); ok {
		if data, err := json.Marshal(sample); err == nil {
			if err := writeAndFlush(data); err != nil {
				return
			}
		}
	}

	for {
		select {
		case sample, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(sample)
			if err != nil {
				continue
			}
			if err := writeAndFlush(data); err != nil {
				return
			}

		case <-r.Context().Done():
			// fires on both client disconnect and server shutdown
			return
		}
	}
}
