package modules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/americanexpress/one-app-sub001/internal/fetch"
	"github.com/americanexpress/one-app-sub001/internal/store"
)

// DefaultExecutionTimeout bounds every call into module code.
const DefaultExecutionTimeout = 2 * time.Second

// MaxBundleSize caps a downloaded node build.
const MaxBundleSize = 16 << 20 // 16MB

// ScriptLoader fetches a module's node build, verifies it against the content
// map's integrity digest and evaluates it.
//
// Module code assigns its hooks to module.exports:
//
//	module.exports = {
//	  initialState: function (request, config) { return {...}; },
//	  loadModuleData: function (ctx) { ctx.dispatch({type: "x", payload: {...}}); },
//	  reducer: function (state, action) { return state; },
//	  styles: ["body { margin: 0 }"],
//	  render: function (state) { return "<div>...</div>"; },
//	  externals: ["some-lib"]
//	};
//
// The hook receives ctx.state (a copy of the request state), ctx.dispatch
// and ctx.fetch(url, {method, headers, body, timeout}), which returns
// {status, body, headers} synchronously. loadModuleData may return a promise;
// it must be settled when the call returns.
type ScriptLoader struct {
	fetcher      fetch.Fetcher
	logger       *slog.Logger
	timeout      time.Duration
	allowMissing bool
}

// ScriptLoaderOption configures a [ScriptLoader].
type ScriptLoaderOption func(*ScriptLoader)

// WithExecutionTimeout bounds each call into module code.
func WithExecutionTimeout(d time.Duration) ScriptLoaderOption {
	return func(l *ScriptLoader) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithScriptLogger sets the logger module console output goes to.
func WithScriptLogger(logger *slog.Logger) ScriptLoaderOption {
	return func(l *ScriptLoader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithAllowMissingIntegrity accepts builds listed without a digest.
func WithAllowMissingIntegrity() ScriptLoaderOption {
	return func(l *ScriptLoader) {
		l.allowMissing = true
	}
}

// NewScriptLoader creates a ScriptLoader that downloads code with fetcher.
func NewScriptLoader(fetcher fetch.Fetcher, opts ...ScriptLoaderOption) *ScriptLoader {
	l := &ScriptLoader{
		fetcher: fetcher,
		logger:  slog.Default(),
		timeout: DefaultExecutionTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load implements [Loader].
func (l *ScriptLoader) Load(ctx context.Context, rec Record) (*Exports, error) {
	bundle, ok := rec.Bundle(VariantNode)
	if !ok {
		return nil, fmt.Errorf("%w: %q has no node build", ErrUnknownModule, rec.Name)
	}

	resp, err := l.fetcher.Fetch(ctx, fetch.Request{URL: bundle.URL, MaxBodySize: MaxBundleSize})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", bundle.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", bundle.URL, resp.StatusCode)
	}

	if bundle.Integrity == "" {
		if !l.allowMissing {
			return nil, fmt.Errorf("%w: %q is listed without a digest", ErrIntegrityMismatch, rec.Name)
		}
	} else if err := VerifyIntegrity(bundle.Integrity, resp.Body); err != nil {
		return nil, fmt.Errorf("module %q: %w", rec.Name, err)
	}

	program, err := goja.Compile(rec.Name, string(resp.Body), false)
	if err != nil {
		return nil, fmt.Errorf("compile module %q: %w", rec.Name, err)
	}

	mod := &scriptModule{name: rec.Name, loader: l, program: program}
	first, err := mod.evaluate()
	if err != nil {
		return nil, err
	}
	e, err := mod.exports(first)
	if err != nil {
		return nil, err
	}
	mod.idle.Put(first)
	return e, nil
}

// instance is one evaluated copy of a module. goja runtimes are
// single-threaded; an instance is used by one call at a time and returned to
// its module's pool afterwards.
type instance struct {
	name    string
	vm      *goja.Runtime
	obj     *goja.Object
	timeout time.Duration

	// execution clock; remaining and armedAt belong to the calling goroutine
	clock     sync.Mutex
	armed     uint64
	timer     *time.Timer
	remaining time.Duration
	armedAt   time.Time
}

// guard runs fn with the execution timeout armed.
func (m *instance) guard(fn func() error) error {
	m.vm.ClearInterrupt()
	m.remaining = m.timeout
	m.arm()
	defer func() {
		m.disarm()
		m.vm.ClearInterrupt()
	}()
	return fn()
}

func (m *instance) arm() {
	m.clock.Lock()
	defer m.clock.Unlock()
	m.armed++
	gen := m.armed
	m.armedAt = time.Now()
	m.timer = time.AfterFunc(m.remaining, func() {
		m.clock.Lock()
		defer m.clock.Unlock()
		// a timer that fired after disarm must not reach a later call
		if m.armed == gen {
			m.vm.Interrupt("execution timeout")
		}
	})
}

func (m *instance) disarm() {
	m.clock.Lock()
	defer m.clock.Unlock()
	if m.timer == nil {
		return
	}
	m.armed++
	m.timer.Stop()
	m.timer = nil
	m.remaining -= time.Since(m.armedAt)
}

// outside runs a blocking Go call made on behalf of module code. Time spent
// there is bounded by the call's own timeout, not the execution timeout.
func (m *instance) outside(fn func()) {
	m.disarm()
	defer m.arm()
	fn()
}

// call invokes an exported function. args builds the arguments and handle
// consumes the result, both on the calling goroutine.
func (m *instance) call(fnName string, args func() []any, handle func(goja.Value) error) error {
	fn, ok := goja.AssertFunction(m.obj.Get(fnName))
	if !ok {
		return fmt.Errorf("module %q: %s is not a function", m.name, fnName)
	}

	return m.guard(func() error {
		var raw []any
		if args != nil {
			raw = args()
		}
		jsArgs := make([]goja.Value, len(raw))
		for i, a := range raw {
			if v, ok := a.(goja.Value); ok {
				jsArgs[i] = v
				continue
			}
			jsArgs[i] = m.vm.ToValue(a)
		}
		v, err := fn(goja.Undefined(), jsArgs...)
		if err != nil {
			return fmt.Errorf("module %q: %s: %w", m.name, fnName, err)
		}
		if handle == nil {
			return nil
		}
		return handle(v)
	})
}

func (m *instance) has(name string) bool {
	_, ok := goja.AssertFunction(m.obj.Get(name))
	return ok
}

// scriptModule adapts a module's JavaScript hooks to [Exports]. Every call
// takes an instance from idle, so concurrent requests never wait on each
// other; a reducer dispatched from inside loadModuleData simply gets a second
// instance.
type scriptModule struct {
	name    string
	loader  *ScriptLoader
	program *goja.Program
	idle    sync.Pool
}

func (m *scriptModule) evaluate() (*instance, error) {
	vm := goja.New()
	inst := &instance{name: m.name, vm: vm, timeout: m.loader.timeout}

	module := vm.NewObject()
	exports := vm.NewObject()
	_ = module.Set("exports", exports)
	_ = vm.Set("module", module)
	_ = vm.Set("exports", exports)

	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		args := make([]interface{}, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		m.loader.logger.Debug("module console", "module", m.name, "args", args)
		return goja.Undefined()
	})
	_ = vm.Set("console", console)

	err := inst.guard(func() error {
		_, err := vm.RunProgram(m.program)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate module %q: %w", m.name, err)
	}

	obj := module.Get("exports")
	if obj == nil || goja.IsUndefined(obj) || goja.IsNull(obj) {
		return nil, fmt.Errorf("module %q: module.exports is empty", m.name)
	}
	inst.obj = obj.ToObject(vm)
	return inst, nil
}

// with runs fn on an idle instance, evaluating a new one when none is free.
// An instance whose call failed is not reused.
func (m *scriptModule) with(fn func(*instance) error) error {
	inst, ok := m.idle.Get().(*instance)
	if !ok {
		var err error
		if inst, err = m.evaluate(); err != nil {
			return err
		}
	}
	if err := fn(inst); err != nil {
		return err
	}
	m.idle.Put(inst)
	return nil
}

func (m *scriptModule) exports(inst *instance) (*Exports, error) {
	e := &Exports{Name: m.name}

	styles, err := exportList(inst.obj.Get("styles"), func(v any) (Style, bool) {
		switch s := v.(type) {
		case string:
			return NewStyle(s), true
		case map[string]interface{}:
			css, _ := s["css"].(string)
			digest, _ := s["digest"].(string)
			if css == "" {
				return Style{}, false
			}
			if digest == "" {
				return NewStyle(css), true
			}
			return Style{Digest: digest, CSS: css}, true
		}
		return Style{}, false
	})
	if err != nil {
		return nil, fmt.Errorf("module %q: styles: %w", m.name, err)
	}
	e.Styles = styles

	externals, err := exportList(inst.obj.Get("externals"), func(v any) (string, bool) {
		s, ok := v.(string)
		return s, ok
	})
	if err != nil {
		return nil, fmt.Errorf("module %q: externals: %w", m.name, err)
	}
	e.Externals = externals

	if inst.has("initialState") {
		e.InitialState = m.initialState
	}
	if inst.has("loadModuleData") {
		e.LoadData = m.loadData
	}
	if inst.has("reducer") {
		e.Reducer = m.reduce
	}
	if inst.has("render") {
		e.Render = m.render
	}
	return e, nil
}

func (m *scriptModule) initialState(req store.RequestView, config map[string]any) (map[string]any, error) {
	var out map[string]any
	request := map[string]any{
		"method":  req.Method,
		"path":    req.Path,
		"query":   req.Query,
		"headers": req.Headers,
	}
	if req.Body != nil {
		request["body"] = req.Body
	}
	err := m.with(func(inst *instance) error {
		return inst.call("initialState", func() []any { return []any{request, config} }, func(v goja.Value) error {
			var err error
			out, err = exportMap(v)
			return err
		})
	})
	return out, err
}

func (m *scriptModule) loadData(ctx context.Context, lc LoadContext) error {
	var state map[string]any
	if lc.State != nil {
		state = lc.State()
	}

	return m.with(func(inst *instance) error {
		vm := inst.vm
		args := func() []any {
			arg := vm.NewObject()
			_ = arg.Set("state", state)
			_ = arg.Set("dispatch", func(call goja.FunctionCall) goja.Value {
				if lc.Dispatch == nil {
					panic(vm.NewGoError(errors.New("dispatch is not available")))
				}
				action := store.Action{}
				if raw, ok := call.Argument(0).Export().(map[string]interface{}); ok {
					action.Type, _ = raw["type"].(string)
					action.Payload = raw["payload"]
				}
				if err := lc.Dispatch(action); err != nil {
					panic(vm.NewGoError(err))
				}
				return goja.Undefined()
			})
			_ = arg.Set("fetch", func(call goja.FunctionCall) goja.Value {
				if lc.Fetch == nil {
					panic(vm.NewGoError(errors.New("fetch is not available")))
				}
				req := fetchRequest(call)
				var (
					resp fetch.Response
					err  error
				)
				inst.outside(func() {
					resp, err = lc.Fetch.Fetch(ctx, req)
				})
				if err != nil {
					panic(vm.NewGoError(err))
				}
				headers := make(map[string]any, len(resp.Header))
				for k := range resp.Header {
					headers[k] = resp.Header.Get(k)
				}
				return vm.ToValue(map[string]any{
					"status":  resp.StatusCode,
					"body":    string(resp.Body),
					"headers": headers,
				})
			})
			return []any{arg}
		}

		return inst.call("loadModuleData", args, func(v goja.Value) error {
			p, ok := v.Export().(*goja.Promise)
			if !ok {
				return nil
			}
			switch p.State() {
			case goja.PromiseStateRejected:
				return fmt.Errorf("module %q: loadModuleData rejected: %v", m.name, p.Result().Export())
			case goja.PromiseStatePending:
				return fmt.Errorf("module %q: loadModuleData did not settle", m.name)
			}
			return nil
		})
	})
}

func fetchRequest(call goja.FunctionCall) fetch.Request {
	req := fetch.Request{URL: call.Argument(0).String()}
	opts, ok := call.Argument(1).Export().(map[string]interface{})
	if !ok {
		return req
	}
	req.Method, _ = opts["method"].(string)
	if body, ok := opts["body"].(string); ok {
		req.Body = []byte(body)
	}
	if headers, ok := opts["headers"].(map[string]interface{}); ok {
		req.Headers = make(map[string]string, len(headers))
		for k, v := range headers {
			req.Headers[k] = fmt.Sprint(v)
		}
	}
	switch ms := opts["timeout"].(type) {
	case int64:
		req.Timeout = time.Duration(ms) * time.Millisecond
	case float64:
		req.Timeout = time.Duration(ms * float64(time.Millisecond))
	}
	return req
}

func (m *scriptModule) reduce(prev any, action store.Action) (any, error) {
	var out any
	jsAction := map[string]any{"type": action.Type, "payload": action.Payload}
	err := m.with(func(inst *instance) error {
		return inst.call("reducer", func() []any { return []any{prev, jsAction} }, func(v goja.Value) error {
			out = v.Export()
			return nil
		})
	})
	return out, err
}

func (m *scriptModule) render(state map[string]any) (string, error) {
	var out string
	err := m.with(func(inst *instance) error {
		return inst.call("render", func() []any { return []any{state} }, func(v goja.Value) error {
			if goja.IsUndefined(v) || goja.IsNull(v) {
				return nil
			}
			out = v.String()
			return nil
		})
	})
	return out, err
}

func exportMap(v goja.Value) (map[string]any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	m, ok := v.Export().(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("expected an object, got %s", v.ExportType())
	}
	return m, nil
}

func exportList[T any](v goja.Value, convert func(any) (T, bool)) ([]T, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	items, ok := v.Export().([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected an array, got %s", v.ExportType())
	}
	out := make([]T, 0, len(items))
	for i, item := range items {
		t, ok := convert(item)
		if !ok {
			return nil, fmt.Errorf("item %d has unexpected type %T", i, item)
		}
		out = append(out, t)
	}
	return out, nil
}
