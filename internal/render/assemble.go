// Package render assembles the HTML response from composed module output.
package render

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/americanexpress/one-app-sub001/internal/modules"
	"github.com/americanexpress/one-app-sub001/internal/store"
)

// DefaultBootstrapPath is where the client runtime is served.
const DefaultBootstrapPath = "/_/static/bootstrap.js"

// Bootstrap globals set by the initial-state block.
const (
	GlobalRenderMode   = "__ONE_APP_RENDER_MODE__"
	GlobalModuleMap    = "__ONE_APP_MODULE_MAP__"
	GlobalInitialState = "__ONE_APP_INITIAL_STATE__"
	GlobalRootModule   = "__ONE_APP_ROOT_MODULE__"

	// GlobalServiceWorker is only set when a service worker is configured.
	GlobalServiceWorker = "__ONE_APP_SERVICE_WORKER__"
)

// Render modes sent to the client.
const (
	ModeHydrate = "hydrate"
	ModeRender  = "render"
)

// Capability is the browser class a response is built for. One value
// applies to every script in the response.
type Capability int

const (
	Modern Capability = iota
	Legacy
)

func (c Capability) String() string {
	if c == Legacy {
		return "legacy"
	}
	return "modern"
}

// Variant returns the module build this capability loads.
func (c Capability) Variant() modules.Variant {
	if c == Legacy {
		return modules.VariantLegacyBrowser
	}
	return modules.VariantBrowser
}

// Link is a <link> tag placed in the document head.
type Link struct {
	Rel  string `json:"rel" yaml:"rel"`
	Href string `json:"href" yaml:"href"`
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
}

// IsStylesheet reports whether rel lists "stylesheet".
func (l Link) IsStylesheet() bool {
	for _, token := range strings.Fields(strings.ToLower(l.Rel)) {
		if token == "stylesheet" {
			return true
		}
	}
	return false
}

// Input is everything one response is built from.
type Input struct {
	Title  string
	Lang   string
	Markup string
	Styles []modules.Style
	Links  []Link

	// State is the serialized state blob.
	State string

	RootModule string

	// LoadOrder lists the composed modules in load order.
	LoadOrder  []string
	ContentMap *modules.ContentMap
	Capability Capability
	Rendering  store.RenderingContext

	// ServiceWorker is the script the client registers, if any.
	ServiceWorker string

	// Status is the status already chosen upstream, or zero.
	Status int

	// Err, when set, is an upstream failure the response must report.
	Err error
}

// Output is the assembled response.
type Output struct {
	Body   string
	Status int

	// CorrelationID is set when Body is the error document.
	CorrelationID string
}

// ErrNoRootModule is an assembly error for input without a root module.
var ErrNoRootModule = errors.New("no root module named")

// Option configures an [Assembler].
type Option func(*Assembler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Assembler) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithBootstrapPath changes where the client runtime is loaded from.
func WithBootstrapPath(path string) Option {
	return func(a *Assembler) {
		if path != "" {
			a.bootstrapPath = path
		}
	}
}

// WithErrorObserver registers fn to run for every error document rendered.
func WithErrorObserver(fn func(error)) Option {
	return func(a *Assembler) {
		a.onError = fn
	}
}

// Assembler builds documents. It holds no per-request state.
type Assembler struct {
	logger        *slog.Logger
	bootstrapPath string
	onError       func(error)
}

// New creates an Assembler.
func New(opts ...Option) *Assembler {
	a := &Assembler{
		logger:        slog.Default(),
		bootstrapPath: DefaultBootstrapPath,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble builds the response for in. It never fails: any error, including
// in.Err and panics, yields the static error document.
func (a *Assembler) Assemble(in Input) (out Output) {
	defer func() {
		if r := recover(); r != nil {
			out = a.errorDocument(in.Status, fmt.Errorf("assembly panicked: %v", r))
		}
	}()

	if in.Err != nil {
		return a.errorDocument(in.Status, in.Err)
	}

	body, err := a.assemble(in)
	if err != nil {
		return a.errorDocument(in.Status, err)
	}

	status := in.Status
	if status == 0 {
		status = http.StatusOK
	}
	return Output{Body: body, Status: status}
}

func (a *Assembler) assemble(in Input) (string, error) {
	if in.RootModule == "" {
		return "", ErrNoRootModule
	}

	styles := ""
	if !in.Rendering.DisableStyles {
		styles = styleTags(in.Styles)
	}

	if in.Rendering.RenderPartialOnly {
		return partial(styles, in.Markup), nil
	}

	var b strings.Builder
	lang := in.Lang
	if lang == "" {
		lang = "en-US"
	}

	b.WriteString("<!DOCTYPE html>\n")
	fmt.Fprintf(&b, `<html lang="%s">`, html.EscapeString(lang))
	b.WriteString(`<head><meta charset="utf-8">`)
	b.WriteString(`<meta name="viewport" content="width=device-width, initial-scale=1">`)
	if in.Title != "" {
		fmt.Fprintf(&b, "<title>%s</title>", html.EscapeString(in.Title))
	}
	for _, l := range in.Links {
		if in.Rendering.DisableStyles && l.IsStylesheet() {
			continue
		}
		b.WriteString(linkTag(l))
	}
	b.WriteString(styles)
	b.WriteString("</head>")

	b.WriteString(`<body><div id="root">`)
	b.WriteString(in.Markup)
	b.WriteString("</div>")

	if !in.Rendering.DisableScripts {
		scripts, err := a.scripts(in)
		if err != nil {
			return "", err
		}
		b.WriteString(scripts)
	}

	b.WriteString("</body></html>")
	return b.String(), nil
}

// scripts emits the initial-state block, the root module, the remaining
// modules in load order and finally the client runtime.
func (a *Assembler) scripts(in Input) (string, error) {
	variant := in.Capability.Variant()

	moduleMap := map[string]any{
		"key":     "",
		"modules": in.ContentMap.ClientMap(variant),
	}
	if in.ContentMap != nil {
		moduleMap["key"] = in.ContentMap.Key
	}

	mode := ModeHydrate
	if strings.TrimSpace(in.Markup) == "" {
		mode = ModeRender
	}

	type jsGlobal struct {
		name  string
		value any
	}
	globals := []jsGlobal{
		{GlobalRenderMode, mode},
		{GlobalRootModule, in.RootModule},
		{GlobalModuleMap, moduleMap},
		{GlobalInitialState, in.State},
	}
	if in.ServiceWorker != "" {
		globals = append(globals, jsGlobal{GlobalServiceWorker, in.ServiceWorker})
	}

	var b strings.Builder
	b.WriteString(`<script id="initial-state">`)
	for _, global := range globals {
		encoded, err := json.Marshal(global.value)
		if err != nil {
			return "", fmt.Errorf("encode %s: %w", global.name, err)
		}
		fmt.Fprintf(&b, "window.%s = %s;", global.name, encoded)
	}
	b.WriteString("</script>")

	for _, name := range ScriptOrder(in.RootModule, in.LoadOrder) {
		rec, ok := in.ContentMap.Lookup(name)
		if !ok {
			continue
		}
		bundle, ok := rec.Bundle(variant)
		if !ok {
			continue
		}
		b.WriteString(scriptTag(bundle.URL, bundle.Integrity))
	}

	b.WriteString(scriptTag(a.bootstrapPath, ""))
	return b.String(), nil
}

// ScriptOrder returns the order module scripts are emitted in: the root
// module first, then the others in load order, each once.
func ScriptOrder(root string, loadOrder []string) []string {
	order := []string{root}
	seen := map[string]struct{}{root: {}}
	for _, name := range loadOrder {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		order = append(order, name)
	}
	return order
}

func scriptTag(src, integrity string) string {
	if integrity == "" {
		return fmt.Sprintf(`<script src="%s"></script>`, html.EscapeString(src))
	}
	return fmt.Sprintf(`<script src="%s" integrity="%s" crossorigin="anonymous"></script>`,
		html.EscapeString(src), html.EscapeString(integrity))
}

func linkTag(l Link) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<link rel="%s" href="%s"`, html.EscapeString(l.Rel), html.EscapeString(l.Href))
	if l.Type != "" {
		fmt.Fprintf(&b, ` type="%s"`, html.EscapeString(l.Type))
	}
	b.WriteString(">")
	return b.String()
}

// styleTags emits one tag per distinct digest, in first-seen order.
func styleTags(styles []modules.Style) string {
	var b strings.Builder
	seen := make(map[string]struct{}, len(styles))
	for _, s := range styles {
		digest := s.Digest
		if digest == "" {
			digest = modules.NewStyle(s.CSS).Digest
		}
		if _, dup := seen[digest]; dup {
			continue
		}
		seen[digest] = struct{}{}
		fmt.Fprintf(&b, `<style class="ssr-css" data-digest="%s">%s</style>`,
			html.EscapeString(digest), strings.ReplaceAll(s.CSS, "</", `<\/`))
	}
	return b.String()
}

// partial returns styles followed by markup, or splices the styles into the
// head when markup is already a whole document.
func partial(styles, markup string) string {
	lower := strings.ToLower(markup)
	if !strings.Contains(lower, "<!doctype html") {
		return styles + markup
	}
	if i := strings.Index(lower, "</head>"); i >= 0 {
		return markup[:i] + styles + markup[i:]
	}
	if i := strings.Index(lower, "<head>"); i >= 0 {
		i += len("<head>")
		return markup[:i] + styles + markup[i:]
	}
	return styles + markup
}

func (a *Assembler) errorDocument(status int, err error) Output {
	correlationID := uuid.New().String()
	if status < http.StatusBadRequest {
		status = http.StatusInternalServerError
	}

	a.logger.Error("rendering error page",
		"error", err,
		"status", status,
		"correlation_id", correlationID,
	)
	if a.onError != nil {
		a.onError(err)
	}

	return Output{
		Body:          ErrorDocument(status, correlationID),
		Status:        status,
		CorrelationID: correlationID,
	}
}
