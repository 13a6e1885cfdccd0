// Standalone mock CDN for trying the CLI.
//
// It serves a content map and two script modules: a root that owns the page
// shell and a clock module that loads its data during composition.
//
// Usage:
//
//	go run ./example/cmd/mockcdn
//
// Then in another terminal:
//
//	go run ./cmd/one-app serve -c example/one-app.yaml
package main

import (
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"
)

const addr = ":9998"

var scripts = map[string]string{
	"demo-root": `
module.exports = {
  initialState: function (request, config) { return { path: request.path }; },
  styles: ["body{font-family:sans-serif;margin:2rem}"],
  render: function (state) {
    var clock = state.modules.clock || {};
    return "<main><h1>" + state.config.heading + "</h1>" +
      "<p>Rendered " + state.modules["demo-root"].path + " at " + (clock.now || "an unknown time") + "</p></main>";
  }
};
`,
	"clock": `
module.exports = {
  loadModuleData: function (ctx) {
    var resp = ctx.fetch("http://localhost` + addr + `/time", { timeout: 500 });
    ctx.dispatch({ type: "clock/loaded", payload: { now: resp.body } });
  }
};
`,
}

func main() {
	fmt.Println("Mock CDN starting on " + addr)
	fmt.Println("Content map: http://localhost" + addr + "/module-map.json")
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	mux := http.NewServeMux()

	mux.HandleFunc("/module-map.json", func(w http.ResponseWriter, r *http.Request) {
		modules := make(map[string]any, len(scripts))
		for name, src := range scripts {
			url := "http://localhost" + addr + "/" + name
			modules[name] = map[string]any{
				"version": "1.0.0",
				"node":    map[string]string{"url": url + "/node.js", "integrity": sri(src)},
				"browser": map[string]string{"url": url + "/browser.js", "integrity": sri(src)},
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"key":     "demo-1",
			"modules": modules,
		})
	})

	for name, src := range scripts {
		body := src
		handler := func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/javascript")
			_, _ = w.Write([]byte(body))
		}
		mux.HandleFunc("/"+name+"/node.js", handler)
		mux.HandleFunc("/"+name+"/browser.js", handler)
	}

	mux.HandleFunc("/time", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(time.Now().Format(time.Kitchen)))
	})

	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// sri returns the sha384 subresource integrity digest of src.
func sri(src string) string {
	sum := sha512.Sum384([]byte(src))
	return "sha384-" + base64.StdEncoding.EncodeToString(sum[:])
}
