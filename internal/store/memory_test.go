package store

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := testFactory().Create(context.Background(), testDescriptor(), CreateOptions{
		RootModule: "frank",
		InitialState: func(RequestView, map[string]any) (map[string]any, error) {
			return map[string]any{"items": []any{"a"}}, nil
		},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return st
}

func TestStore_StateIsACopy(t *testing.T) {
	st := newTestStore(t)

	tree := st.State()
	tree[KeyConfig].(map[string]any)["cdnUrl"] = "mutated"
	tree[KeyModules].(map[string]any)["frank"].(map[string]any)["items"] = nil

	if got := st.Get(KeyConfig, "cdnUrl"); got != "https://cdn.example.com/" {
		t.Errorf("config.cdnUrl = %v after mutating a copy", got)
	}
	if got := st.ModuleState("frank").(map[string]any)["items"]; got == nil {
		t.Error("module state changed after mutating a copy")
	}
}

func TestStore_GetMissingPath(t *testing.T) {
	st := newTestStore(t)

	if got := st.Get(KeyModules, "nobody", "deeper"); got != nil {
		t.Errorf("Get() = %v, want nil", got)
	}
	if got := st.Get(KeyConfig, "cdnUrl", "not-a-map"); got != nil {
		t.Errorf("Get() through a scalar = %v, want nil", got)
	}
}

func TestStore_DispatchWithDefaultReducer(t *testing.T) {
	st := newTestStore(t)

	dispatch := st.Dispatcher("ducks")
	if err := dispatch(Action{Type: "set", Payload: map[string]any{"quack": 1}}); err != nil {
		t.Fatalf("dispatch error = %v", err)
	}
	if err := dispatch(Action{Type: "set", Payload: map[string]any{"waddle": 2}}); err != nil {
		t.Fatalf("dispatch error = %v", err)
	}

	got, _ := st.ModuleState("ducks").(map[string]any)
	if got["quack"] != 1 || got["waddle"] != 2 {
		t.Errorf("ducks state = %v, want merged map", got)
	}
}

func TestStore_DispatchWithRegisteredReducer(t *testing.T) {
	st := newTestStore(t)
	st.RegisterReducer("counter", func(prev any, action Action) (any, error) {
		n, _ := prev.(int)
		switch action.Type {
		case "inc":
			return n + 1, nil
		default:
			return n, nil
		}
	})

	dispatch := st.Dispatcher("counter")
	for i := 0; i < 3; i++ {
		if err := dispatch(Action{Type: "inc"}); err != nil {
			t.Fatalf("dispatch error = %v", err)
		}
	}

	if got := st.ModuleState("counter"); got != 3 {
		t.Errorf("counter = %v, want 3", got)
	}
}

func TestStore_DispatchOnlyTouchesOwnBranch(t *testing.T) {
	st := newTestStore(t)

	if err := st.Dispatcher("ducks")(Action{Payload: map[string]any{"x": 1}}); err != nil {
		t.Fatalf("dispatch error = %v", err)
	}

	root, _ := st.ModuleState("frank").(map[string]any)
	if _, ok := root["x"]; ok {
		t.Error("dispatch for ducks changed frank's branch")
	}
}

func TestStore_PayloadIsCopied(t *testing.T) {
	st := newTestStore(t)
	payload := map[string]any{"list": []any{1, 2}}

	if err := st.Dispatcher("ducks")(Action{Payload: payload}); err != nil {
		t.Fatalf("dispatch error = %v", err)
	}
	payload["list"].([]any)[0] = 99

	got := st.ModuleState("ducks").(map[string]any)["list"].([]any)
	if got[0] != 1 {
		t.Errorf("stored list = %v, caller mutation leaked in", got)
	}
}

func TestStore_ReducerErrorAndPanic(t *testing.T) {
	st := newTestStore(t)
	boom := errors.New("boom")

	st.RegisterReducer("bad", func(any, Action) (any, error) { return nil, boom })
	st.RegisterReducer("worse", func(any, Action) (any, error) { panic("nope") })

	if err := st.Dispatcher("bad")(Action{}); !errors.Is(err, boom) {
		t.Errorf("dispatch error = %v, want wrapped boom", err)
	}
	if err := st.Dispatcher("worse")(Action{}); err == nil {
		t.Error("dispatch error = nil after reducer panic")
	}
	if err := st.Dispatcher("")(Action{}); !errors.Is(err, ErrUnknownModule) {
		t.Errorf("dispatch error = %v, want ErrUnknownModule", err)
	}
}

func TestStore_InitModule(t *testing.T) {
	st, err := testFactory().Create(context.Background(), testDescriptor(), CreateOptions{UseBodyForInitialState: true})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	calls := 0
	builder := func(req RequestView, config map[string]any) (map[string]any, error) {
		calls++
		config["cdnUrl"] = "mutated"
		body, _ := req.Body.(map[string]any)
		return map[string]any{
			"path":   req.Path,
			"cdn":    config["cdnUrl"],
			"q":      body["q"],
			"cookie": req.Headers["cookie"],
		}, nil
	}

	if err := st.InitModule("frank", builder); err != nil {
		t.Fatalf("InitModule() error = %v", err)
	}
	got, _ := st.ModuleState("frank").(map[string]any)
	if got["path"] != "/home" || got["q"] != "search" || got["cookie"] != "" {
		t.Errorf("frank state = %v", got)
	}
	if cfg, _ := st.Get(KeyConfig, "cdnUrl").(string); cfg != "https://cdn.example.com/" {
		t.Errorf("config cdnUrl = %q, builder mutation leaked", cfg)
	}

	if err := st.InitModule("frank", builder); err != nil {
		t.Fatalf("second InitModule() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("builder calls = %d, want 1 once the branch exists", calls)
	}
}

func TestStore_InitModuleErrors(t *testing.T) {
	st, err := testFactory().Create(context.Background(), testDescriptor(), CreateOptions{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := st.InitModule("frank", nil); err != nil {
		t.Errorf("InitModule(nil) error = %v", err)
	}

	tests := []struct {
		name string
		fn   InitialStateFunc
	}{
		{"error", func(RequestView, map[string]any) (map[string]any, error) { return nil, errors.New("bad") }},
		{"panic", func(RequestView, map[string]any) (map[string]any, error) { panic("worse") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := st.InitModule("frank", tt.fn)
			var buildErr *BuildError
			if !errors.As(err, &buildErr) || buildErr.Module != "frank" {
				t.Fatalf("InitModule() error = %v, want *BuildError for frank", err)
			}
			if got := st.ModuleState("frank"); got != nil {
				t.Errorf("frank state = %v after failed builder, want nil", got)
			}
		})
	}
}

func TestStore_LoadStatus(t *testing.T) {
	st := newTestStore(t)

	if _, ok := st.LoadStatus("frank"); ok {
		t.Error("LoadStatus() reported a status before any was set")
	}

	st.SetLoadStatus("frank", StatusLoaded)
	st.SetLoadStatus("ducks", StatusFailed)

	if got, _ := st.LoadStatus("frank"); got != StatusLoaded {
		t.Errorf("LoadStatus(frank) = %v, want loaded", got)
	}
	if got, _ := st.LoadStatus("ducks"); got != StatusFailed {
		t.Errorf("LoadStatus(ducks) = %v, want failed", got)
	}
}

func TestStore_ServerConfigIsACopy(t *testing.T) {
	st := newTestStore(t)

	cfg := st.ServerConfig()
	cfg["secret"] = "changed"

	if got := st.ServerConfig()["secret"]; got != "s3cr3t" {
		t.Errorf("ServerConfig()[secret] = %v, want s3cr3t", got)
	}
}

func TestStore_ConcurrentDispatch(t *testing.T) {
	st := newTestStore(t)
	st.RegisterReducer("counter", func(prev any, _ Action) (any, error) {
		n, _ := prev.(int)
		return n + 1, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = st.Dispatcher("counter")(Action{Type: "inc"})
			_ = st.State()
		}()
	}
	wg.Wait()

	if got := st.ModuleState("counter"); got != 100 {
		t.Errorf("counter = %v, want 100", got)
	}
}

func TestMergeReducer(t *testing.T) {
	tests := []struct {
		name    string
		prev    any
		payload any
		want    any
	}{
		{"nil prev with map", nil, map[string]any{"a": 1}, map[string]any{"a": 1}},
		{"merge keeps old keys", map[string]any{"a": 1}, map[string]any{"b": 2}, map[string]any{"a": 1, "b": 2}},
		{"scalar replaces", map[string]any{"a": 1}, "plain", "plain"},
		{"map replaces scalar", 5, map[string]any{"a": 1}, map[string]any{"a": 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MergeReducer(tt.prev, Action{Payload: tt.payload})
			if err != nil {
				t.Fatalf("MergeReducer() error = %v", err)
			}
			if !equalShallow(got, tt.want) {
				t.Errorf("MergeReducer() = %v, want %v", got, tt.want)
			}
		})
	}
}

func equalShallow(a, b any) bool {
	am, aok := a.(map[string]any)
	bm, bok := b.(map[string]any)
	if aok != bok {
		return false
	}
	if !aok {
		return a == b
	}
	if len(am) != len(bm) {
		return false
	}
	for k, v := range am {
		if bm[k] != v {
			return false
		}
	}
	return true
}
