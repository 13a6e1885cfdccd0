package store

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Top-level branches of every request state tree.
const (
	KeyConfig           = "config"
	KeyRequest          = "request"
	KeyModules          = "modules"
	KeyModuleLoadStatus = "moduleLoadStatus"
)

// LoadStatus records what happened to a module during composition.
type LoadStatus string

const (
	StatusLoaded  LoadStatus = "loaded"
	StatusFailed  LoadStatus = "failed"
	StatusSkipped LoadStatus = "skipped"
)

// sensitiveHeaders never reach the initial-state builder or the state tree.
var sensitiveHeaders = map[string]struct{}{
	"cookie":              {},
	"authorization":       {},
	"proxy-authorization": {},
	"set-cookie":          {},
}

// RequestDescriptor is everything the factory needs to know about an
// incoming request. The routing layer builds it.
type RequestDescriptor struct {
	Method  string
	Path    string
	Query   map[string][]string
	Headers http.Header

	// Body is the already parsed request body, if any.
	Body any

	// Rendering carries the flags set by the routing layer.
	Rendering RenderingContext
}

// RenderingContext controls the shape of the assembled response. It is set by
// the routing layer and read-only to everything downstream.
type RenderingContext struct {
	DisableScripts    bool `json:"disableScripts"`
	DisableStyles     bool `json:"disableStyles"`
	RenderPartialOnly bool `json:"renderPartialOnly"`
}

// RequestView is the sanitized request handed to initial-state builders.
type RequestView struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   map[string]string `json:"query"`
	Headers map[string]string `json:"headers"`

	// Body is only populated when the factory is told to expose it.
	Body any `json:"body,omitempty"`
}

// NewRequestView sanitizes desc. Sensitive headers are always dropped; the
// body is kept only when includeBody is true.
func NewRequestView(desc RequestDescriptor, includeBody bool) RequestView {
	view := RequestView{
		Method:  strings.ToUpper(desc.Method),
		Path:    desc.Path,
		Query:   make(map[string]string, len(desc.Query)),
		Headers: make(map[string]string, len(desc.Headers)),
	}
	if view.Method == "" {
		view.Method = http.MethodGet
	}
	for k, v := range desc.Query {
		if len(v) > 0 {
			view.Query[k] = v[0]
		}
	}
	for k, v := range desc.Headers {
		name := strings.ToLower(k)
		if _, sensitive := sensitiveHeaders[name]; sensitive {
			continue
		}
		view.Headers[name] = strings.Join(v, ", ")
	}
	if includeBody {
		view.Body = desc.Body
	}
	return view
}

// tree converts the view into state-tree form, never including the body.
func (v RequestView) tree() map[string]any {
	headers := make(map[string]any, len(v.Headers))
	for k, val := range v.Headers {
		headers[k] = val
	}
	query := make(map[string]any, len(v.Query))
	for k, val := range v.Query {
		query[k] = val
	}
	return map[string]any{
		"method":  v.Method,
		"path":    v.Path,
		"query":   query,
		"headers": headers,
	}
}

// HeaderNames returns the view's header names in sorted order.
func (v RequestView) HeaderNames() []string {
	names := make([]string, 0, len(v.Headers))
	for k := range v.Headers {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// InitialStateFunc builds a module's initial state from the sanitized request
// and the client configuration.
type InitialStateFunc func(req RequestView, config map[string]any) (map[string]any, error)

// Action is dispatched by a module to change its own branch of the tree.
type Action struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Reducer computes a module's next state from its previous state and an
// action. It receives a private copy of the previous state.
type Reducer func(prev any, action Action) (any, error)

// Dispatch applies an action to the module branch it is bound to.
type Dispatch func(action Action) error

// MergeReducer is the reducer used when a module declares none. Map payloads
// are shallow-merged into a map state; any other payload replaces the state.
func MergeReducer(prev any, action Action) (any, error) {
	payload, ok := action.Payload.(map[string]any)
	if !ok {
		return action.Payload, nil
	}
	next, ok := prev.(map[string]any)
	if !ok || next == nil {
		next = make(map[string]any, len(payload))
	}
	for k, v := range payload {
		next[k] = v
	}
	return next, nil
}

// ErrUnknownModule is returned when dispatching for a module name that is
// empty.
var ErrUnknownModule = errors.New("dispatch requires a module name")

// BuildError reports a failed store construction. No store is returned
// alongside it.
type BuildError struct {
	Module string
	Err    error
}

func (e *BuildError) Error() string {
	if e.Module == "" {
		return fmt.Sprintf("build request store: %v", e.Err)
	}
	return fmt.Sprintf("build request store: module %q: %v", e.Module, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}
