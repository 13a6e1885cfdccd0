package main

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	oneapp "github.com/americanexpress/one-app-sub001"
	"github.com/tidwall/gjson"
)

func main() {
	// start mock server (see mock_server.go)
	go StartMockWeatherServer(":9999")
	time.Sleep(100 * time.Millisecond)

	root, err := oneapp.NewModule("demo-root",
		oneapp.WithInitialState(func(req oneapp.Request, config map[string]any) (map[string]any, error) {
			return map[string]any{"path": req.Path, "city": req.Query["city"]}, nil
		}),
		oneapp.WithStyle("body{font-family:sans-serif;margin:2rem}"),
		oneapp.WithRender(renderShell),
	)
	if err != nil {
		slog.Error("failed to create root module", "error", err)
		os.Exit(1)
	}

	weather, err := oneapp.NewModule("weather",
		oneapp.WithLoadData(loadForecast),
		oneapp.WithStyle(".weather{padding:1rem;border:1px solid #ccc}"),
	)
	if err != nil {
		slog.Error("failed to create weather module", "error", err)
		os.Exit(1)
	}

	app, err := oneapp.New(
		oneapp.WithModules(root, weather),
		oneapp.WithRootModule("demo-root"),
		oneapp.WithDefaultModules("weather"),
		oneapp.WithTitle("One App Demo"),
		oneapp.WithClientConfig(map[string]any{"forecastURL": "http://localhost:9999/forecast"}),
		oneapp.WithFetchTimeout(time.Second),
		oneapp.WithPort(3000),
		oneapp.WithCircuitCallback(func(e oneapp.CircuitEvent) {
			slog.Warn("circuit changed", "from", e.From, "to", e.To, "error", e.Err)
		}),
	)
	if err != nil {
		slog.Error("failed to create app", "error", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════════════════╗")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   One App Demo                                        ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Open http://localhost:3000/?city=paris              ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Modules:                                            ║")
	fmt.Println("  ║   • demo-root (page shell)                            ║")
	fmt.Println("  ║   • weather (loads from the mock forecast API)        ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Press Ctrl+C to stop                                ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ╚═══════════════════════════════════════════════════════╝")
	fmt.Println()

	// set up context with signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		slog.Error("one-app error", "error", err)
		os.Exit(1)
	}
}

func loadForecast(ctx context.Context, lc oneapp.LoadContext) error {
	state := lc.State()
	config, _ := state["config"].(map[string]any)
	base, _ := config["forecastURL"].(string)

	city := "new-york"
	modules, _ := state["modules"].(map[string]any)
	rootState, _ := modules["demo-root"].(map[string]any)
	if c, ok := rootState["city"].(string); ok && c != "" {
		city = c
	}

	resp, err := lc.Fetch.Fetch(ctx, oneapp.FetchRequest{URL: base + "?city=" + url.QueryEscape(city)})
	if errors.Is(err, oneapp.ErrFetchTimeout) {
		// the client renders a placeholder and retries
		return lc.Dispatch(oneapp.Action{Type: "weather/unavailable"})
	}
	if err != nil {
		return err
	}

	body := gjson.ParseBytes(resp.Body)
	return lc.Dispatch(oneapp.Action{
		Type: "weather/loaded",
		Payload: map[string]any{
			"city":      body.Get("city").String(),
			"condition": body.Get("condition").String(),
			"high":      body.Get("high").Int(),
		},
	})
}

func renderShell(state map[string]any) (string, error) {
	modules, _ := state["modules"].(map[string]any)
	weather, _ := modules["weather"].(map[string]any)

	forecast := "Forecast unavailable"
	if c, ok := weather["condition"].(string); ok && c != "" {
		forecast = fmt.Sprintf("%s: %s, high of %v°C", weather["city"], c, weather["high"])
	}
	return fmt.Sprintf(`<main><h1>One App Demo</h1><section class="weather">%s</section></main>`,
		html.EscapeString(forecast)), nil
}
