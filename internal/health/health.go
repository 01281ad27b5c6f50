// Package health serves liveness and readiness endpoints for the capture
// client.
//
//   - /healthz reports that the process can serve HTTP.
//   - /readyz reports 200 only when every analysis backend answers its
//     health probe.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map keyed by backend name.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds a single backend probe.
const checkTimeout = 5 * time.Second

// Pinger is implemented by the speech and non-verbal clients.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to [Pinger].
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Checker is one named backend probe.
type Checker struct {
	// Name appears as a key in the JSON response (e.g. "speech").
	Name string

	// Probe must respect context cancellation.
	Probe Pinger
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that probes the given backends on each /readyz
// request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Check probes all backends concurrently, each under a [checkTimeout]
// deadline derived from ctx. The result maps every checker name to its error,
// nil when healthy.
func (h *Handler) Check(ctx context.Context) map[string]error {
	errs := make([]error, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			errs[i] = c.Probe.Ping(ctx)
		}()
	}
	wg.Wait()

	out := make(map[string]error, len(h.checkers))
	for i, c := range h.checkers {
		out[c.Name] = errs[i]
	}
	return out
}

// Readyz returns 200 only when every backend passes [Handler.Check].
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK
	for name, err := range h.Check(r.Context()) {
		if err != nil {
			res.Checks[name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[name] = "ok"
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}
