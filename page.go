package oneapp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/americanexpress/one-app-sub001/internal/modules"
	"github.com/americanexpress/one-app-sub001/internal/render"
	"github.com/americanexpress/one-app-sub001/internal/server"
	"github.com/americanexpress/one-app-sub001/internal/store"
)

const maxRequestBodySize = 1 << 20 // 1MB

var errBodyTooLarge = errors.New("request body too large")

// RenderPage runs one request through the pipeline: build the request
// store, compose modules under the breaker, render the root's markup,
// serialize the state and assemble the document. It always writes a
// response; failures produce the static error page.
func (a *App) RenderPage(w http.ResponseWriter, r *http.Request, opts server.PageOptions) {
	start := time.Now()
	out := a.renderPage(r, opts)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if out.CorrelationID != "" {
		w.Header().Set("X-Correlation-Id", out.CorrelationID)
	}
	w.WriteHeader(out.Status)
	if r.Method != http.MethodHead {
		if _, err := io.WriteString(w, out.Body); err != nil {
			a.logger.Debug("page write failed", "path", opts.Path, "error", err)
		}
	}

	elapsed := time.Since(start)
	a.metrics.ObserveRequest(out.Status, elapsed)
	a.logger.Debug("page served",
		"path", opts.Path,
		"status", out.Status,
		"partial", opts.PartialOnly,
		"duration_ms", elapsed.Milliseconds(),
	)
}

func (a *App) renderPage(r *http.Request, opts server.PageOptions) render.Output {
	ctx := r.Context()

	rendering := a.rendering
	if opts.PartialOnly {
		rendering.RenderPartialOnly = true
	}

	cm := a.source.Current()
	in := render.Input{
		Title:         a.title,
		Lang:          a.lang,
		Links:         a.links,
		RootModule:    a.rootModule,
		ContentMap:    cm,
		Capability:    a.classify(r.UserAgent()),
		Rendering:     rendering,
		ServiceWorker: a.serviceWorker,
	}

	body, err := readBody(r)
	if err != nil {
		in.Status = http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			in.Status = http.StatusRequestEntityTooLarge
		}
		in.Err = err
		return a.assembler.Assemble(in)
	}

	desc := store.RequestDescriptor{
		Method:    r.Method,
		Path:      opts.Path,
		Query:     r.URL.Query(),
		Headers:   r.Header,
		Body:      body,
		Rendering: rendering,
	}
	st, err := a.factory.Create(ctx, desc, store.CreateOptions{
		UseBodyForInitialState: a.useBody,
		RootModule:             a.rootModule,
		InitialState:           a.rootInitialState(cm),
	})
	if err != nil {
		in.Err = fmt.Errorf("create request store: %w", err)
		return a.assembler.Assemble(in)
	}

	res := a.composer.Compose(ctx, a.moduleNames(r), st)
	var buildErr *store.BuildError
	if errors.As(res.Failed[a.rootModule], &buildErr) {
		in.Err = fmt.Errorf("create request store: %w", buildErr)
		return a.assembler.Assemble(in)
	}
	in.Styles = res.Styles
	in.LoadOrder = res.Loaded
	in.Markup = a.renderMarkup(res.Root, st)

	serialized, err := a.serializer.Serialize(st.State())
	if err != nil {
		in.Err = err
		return a.assembler.Assemble(in)
	}
	in.State = serialized.Blob

	return a.assembler.Assemble(in)
}

// rootInitialState returns the root module's builder when its code is
// already cached. Otherwise the composer loads the root and seeds its state
// inside the breaker, so an open circuit never reaches the network.
func (a *App) rootInitialState(cm *modules.ContentMap) store.InitialStateFunc {
	rec, ok := cm.Lookup(a.rootModule)
	if !ok {
		return nil
	}
	exports, ok := a.cache.Peek(rec)
	if !ok {
		return nil
	}
	return exports.InitialState
}

// moduleNames asks the resolver, falling back to the default modules.
func (a *App) moduleNames(r *http.Request) (names []string) {
	if a.resolver == nil {
		return a.defaultModules
	}
	defer func() {
		if rec := recover(); rec != nil {
			a.logger.Error("module resolver panicked",
				"panic", rec,
				"path", r.URL.Path,
				"correlation_id", uuid.New().String(),
				"stack", string(debug.Stack()),
			)
			names = a.defaultModules
		}
	}()
	return a.resolver(r)
}

// renderMarkup runs the root's render function. An empty result asks the
// browser to render instead of hydrate.
func (a *App) renderMarkup(root *modules.Exports, st *store.Store) (markup string) {
	if root == nil || root.Render == nil {
		return ""
	}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("root render panicked",
				"module", root.Name,
				"panic", r,
				"correlation_id", uuid.New().String(),
				"stack", string(debug.Stack()),
			)
			markup = ""
		}
	}()

	markup, err := root.Render(st.State())
	if err != nil {
		a.logger.Warn("root render failed, client will render", "module", root.Name, "error", err)
		return ""
	}
	return markup
}

func (a *App) classify(userAgent string) Capability {
	if c, ok := a.classifier(userAgent); ok {
		return c
	}
	return Modern
}

// readBody parses JSON and form bodies. Other content types are ignored.
func readBody(r *http.Request) (any, error) {
	if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
		return nil, nil
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, nil
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(data) > maxRequestBodySize {
		return nil, errBodyTooLarge
	}
	if len(data) == 0 {
		return nil, nil
	}

	switch mediaType {
	case "application/json":
		var body any
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("invalid JSON body: %w", err)
		}
		return body, nil
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(data))
		if err != nil {
			return nil, fmt.Errorf("invalid form body: %w", err)
		}
		form := make(map[string]any, len(values))
		for k, vs := range values {
			if len(vs) == 1 {
				form[k] = vs[0]
				continue
			}
			list := make([]any, len(vs))
			for i, v := range vs {
				list[i] = v
			}
			form[k] = list
		}
		return form, nil
	}
	return nil, nil
}
