// Package health serves the probe endpoints of a Glassline process:
//
//   - /healthz: liveness; 200 while the process serves HTTP.
//   - /readyz: readiness; 200 only when every [Checker] (NATS, PostgreSQL)
//     passes.
//   - /streamz: live session and engine health from a [StreamReporter].
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds each readiness check.
const checkTimeout = 5 * time.Second

// Checker probes one dependency. Check returns nil when it is usable and
// must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// StreamReport is the /streamz body.
type StreamReport struct {
	// Sessions is any JSON-encodable view of the live sessions.
	Sessions any `json:"sessions"`

	// Engines holds the engine breaker states when failover is configured.
	Engines any `json:"engines,omitempty"`

	// Unhealthy counts streams in the error state or stale.
	Unhealthy int `json:"unhealthy"`
}

// StreamReporter produces the current [StreamReport].
type StreamReporter func() StreamReport

// Handler serves the probe endpoints. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
	streams  StreamReporter
}

// New returns a [Handler] that runs checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// WithStreams sets the reporter behind /streamz and returns h.
func (h *Handler) WithStreams(r StreamReporter) *Handler {
	h.streams = r
	return h
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /streamz", h.Streamz)
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs all checkers concurrently, each bounded by [checkTimeout],
// and answers 503 if any of them fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		failed bool
	)
	// Failures are collected, not returned, so one slow dependency does not
	// cancel the others.
	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				failed = true
			} else {
				checks[c.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	res, status := result{Status: "ok", Checks: checks}, http.StatusOK
	if failed {
		res.Status, status = "fail", http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Streamz reports stream health. It answers 200 with status "degraded"
// while any stream is unhealthy, and 404 without a reporter.
func (h *Handler) Streamz(w http.ResponseWriter, _ *http.Request) {
	if h.streams == nil {
		writeJSON(w, http.StatusNotFound, result{Status: "fail"})
		return
	}
	rep := h.streams()
	status := "ok"
	if rep.Unhealthy > 0 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
		StreamReport
	}{status, rep})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
