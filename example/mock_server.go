package main

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// mockForecast tracks the current conditions and next change time for a city.
type mockForecast struct {
	conditionIdx int
	nextChangeAt time.Time
}

// StartMockWeatherServer runs a mock forecast API that the weather module
// loads its data from. Each city's conditions change every 20-60 seconds, and
// roughly one call in ten is slow enough to trip the fetch timeout.
// Call this in a goroutine before starting the app.
func StartMockWeatherServer(addr string) {
	var (
		forecasts = make(map[string]*mockForecast)
		mu        sync.Mutex
	)
	conditions := []string{"sunny", "cloudy", "rain"}

	mux := http.NewServeMux()
	mux.HandleFunc("/forecast", func(w http.ResponseWriter, r *http.Request) {
		city := r.URL.Query().Get("city")
		if city == "" {
			city = "new-york"
		}

		// simulate latency variance, occasionally past the module's timeout
		delay := time.Duration(50+rand.Intn(150)) * time.Millisecond
		if rand.Intn(10) == 0 {
			delay = 2 * time.Second
		}
		time.Sleep(delay)

		mu.Lock()
		f, exists := forecasts[city]
		if !exists {
			f = &mockForecast{
				nextChangeAt: time.Now().Add(time.Duration(20+rand.Intn(41)) * time.Second),
			}
			forecasts[city] = f
		}
		if time.Now().After(f.nextChangeAt) {
			old := conditions[f.conditionIdx]
			f.conditionIdx = (f.conditionIdx + 1) % len(conditions)
			f.nextChangeAt = time.Now().Add(time.Duration(20+rand.Intn(41)) * time.Second)
			slog.Info("forecast change", "city", city, "from", old, "to", conditions[f.conditionIdx])
		}
		condition := conditions[f.conditionIdx]
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"city":      city,
			"condition": condition,
			"high":      18 + rand.Intn(10),
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.Error("failed to write response", "error", err)
		}
	})

	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("mock server error", "error", err)
	}
}
