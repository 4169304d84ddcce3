// Package health serves the liveness and readiness endpoints.
//
//   - /healthz always returns 200 while the process can serve HTTP.
//   - /readyz returns 200 only when every [Checker] passes: the storage
//     directory is writable and audio frames are still arriving.
//
// Both respond with {"status": "ok"|"fail", "checks": {name: result}}.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// DefaultMaxFrameAge is how stale the last captured frame may be before the
// capture check fails.
const DefaultMaxFrameAge = 10 * time.Second

// ErrStale is returned by a [Freshness] check whose last event is too old.
var ErrStale = errors.New("health: stale")

// Checker is a named readiness check. Check returns nil when healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Dependency is anything with a readiness check, such as the storage directory.
type Dependency interface {
	Check(ctx context.Context) error
}

// FromDependency wraps p as a [Checker].
func FromDependency(name string, p Dependency) Checker {
	return Checker{Name: name, Check: p.Check}
}

// Freshness fails when last reports the zero time or a time older than
// maxAge. now defaults to [time.Now].
func Freshness(name string, last func() time.Time, maxAge time.Duration, now func() time.Time) Checker {
	if now == nil {
		now = time.Now
	}
	return Checker{Name: name, Check: func(context.Context) error {
		t := last()
		if t.IsZero() {
			return fmt.Errorf("%w: nothing received yet", ErrStale)
		}
		if age := now().Sub(t); age > maxAge {
			return fmt.Errorf("%w: last received %s ago", ErrStale, age.Round(time.Millisecond))
		}
		return nil
	}}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler].
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz is the liveness endpoint.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs all checkers concurrently, each with a [checkTimeout]
// deadline derived from the request.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		failed bool
		g      errgroup.Group
	)
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
				return nil
			}
			checks[c.Name] = "ok"
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

// Register adds the routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
