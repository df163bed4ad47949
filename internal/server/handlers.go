package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/telhawk-systems/telemetry-tap/internal/pipeline"
)

// Checker is a dependency probed by /readyz.
type Checker interface {
	Ping(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Ping(ctx context.Context) error { return f(ctx) }

// StatsSource reports pipeline counters. *pipeline.Pipeline satisfies it.
type StatsSource interface {
	Stats() pipeline.Stats
}

// Handler serves the admin endpoints.
type Handler struct {
	checks       map[string]Checker
	stats        StatsSource
	extras       map[string]func(ctx context.Context) map[string]interface{}
	checkTimeout time.Duration
}

func NewHandler(stats StatsSource) *Handler {
	return &Handler{
		checks:       make(map[string]Checker),
		stats:        stats,
		extras:       make(map[string]func(ctx context.Context) map[string]interface{}),
		checkTimeout: 3 * time.Second,
	}
}

// AddCheck registers a readiness dependency.
func (h *Handler) AddCheck(name string, c Checker) {
	h.checks[name] = c
}

// AddStats adds a named section to the /stats response.
func (h *Handler) AddStats(name string, fn func(ctx context.Context) map[string]interface{}) {
	h.extras[name] = fn
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready reports 503 when any registered dependency fails its probe.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.checkTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name].Ping(ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	writeJSON(w, status, map[string]interface{}{
		"status": state,
		"checks": results,
	})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{}
	if h.stats != nil {
		body["pipeline"] = h.stats.Stats()
	}
	for name, fn := range h.extras {
		body[name] = fn(r.Context())
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
