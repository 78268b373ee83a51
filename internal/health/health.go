// Package health serves the worker's liveness, readiness and status endpoints
// on the admin server.
//
//   - /healthz  liveness; always 200 while the process serves HTTP.
//   - /readyz   readiness; 200 only when every registered [Checker] passes.
//     A worker that is reconnecting or has exhausted reconnection is not
//     ready.
//   - /statusz  a JSON snapshot of the worker's internal state, when a
//     [StatusFunc] is configured.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 2 * time.Second

// Checker is a named readiness probe. Check returns nil when healthy.
type Checker struct {
	// Name appears as a key in the /readyz response (e.g. "peer").
	Name string

	// Check must respect context cancellation.
	Check func(ctx context.Context) error
}

// StatusFunc returns a JSON-encodable snapshot for /statusz.
type StatusFunc func() any

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the health endpoints. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
	status   StatusFunc
}

// Option configures a [Handler].
type Option func(*Handler)

// WithStatus enables /statusz backed by fn.
func WithStatus(fn StatusFunc) Option {
	return func(h *Handler) { h.status = fn }
}

// WithCheckers appends readiness checkers, evaluated in order.
func WithCheckers(checkers ...Checker) Option {
	return func(h *Handler) { h.checkers = append(h.checkers, checkers...) }
}

// New creates a [Handler].
func New(opts ...Option) *Handler {
	h := &Handler{}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 when every checker passes and 503 otherwise. Each check
// gets its own [checkTimeout] deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	code := http.StatusOK

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			code = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	writeJSON(w, code, res)
}

// Statusz writes the status snapshot, or 404 when none is configured.
func (h *Handler) Statusz(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

// Register adds the health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /statusz", h.Statusz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
