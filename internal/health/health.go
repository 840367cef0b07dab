// Package health serves the liveness and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/terrpan/ecsrunner/internal/apperrors"
	"github.com/terrpan/ecsrunner/internal/buildinfo"
	"github.com/terrpan/ecsrunner/internal/store"
)

// CheckTimeout bounds each readiness check.
const CheckTimeout = 2 * time.Second

// readyzID is looked up by StoreCheck; it never names a real runner.
const readyzID = "__readyz__"

// Backends names the configured scheduler, store and registry.
type Backends struct {
	Scheduler string `json:"scheduler"`
	Store     string `json:"store"`
	Registry  string `json:"registry,omitempty"`
}

// Response is the /healthz body.
type Response struct {
	Status      string    `json:"status"`
	ServiceName string    `json:"service_name"`
	Version     string    `json:"version"`
	Commit      string    `json:"commit"`
	BuildTime   string    `json:"build_time"`
	GoVersion   string    `json:"go_version"`
	Platform    string    `json:"platform"`
	Backends    Backends  `json:"backends"`
	Timestamp   time.Time `json:"timestamp"`
}

// Handler is the liveness check.  It always answers 200 and names the
// backends without probing them.
func Handler(backends Backends) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Response{
			Status:      "healthy",
			ServiceName: buildinfo.ServiceName,
			Version:     buildinfo.Version,
			Commit:      buildinfo.Commit,
			BuildTime:   buildinfo.BuildTime,
			GoVersion:   runtime.Version(),
			Platform:    runtime.GOOS + "/" + runtime.GOARCH,
			Backends:    backends,
			Timestamp:   time.Now().UTC(),
		})
	}
}

// ---------------------------------------------------------------------------
// Readiness
// ---------------------------------------------------------------------------

// Check reports whether one dependency can serve requests.
type Check func(ctx context.Context) error

// ReadyResponse is the /readyz body.  Checks maps each check name to "ok"
// or its error text.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// ReadyHandler runs every check with CheckTimeout and answers 503 when
// any of them fails.
func ReadyHandler(checks map[string]Check) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		resp := ReadyResponse{Status: "ready", Checks: make(map[string]string, len(names))}
		code := http.StatusOK

		for _, name := range names {
			ctx, cancel := context.WithTimeout(r.Context(), CheckTimeout)
			err := checks[name](ctx)
			cancel()
			if err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "unavailable"
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
		writeJSON(w, code, resp)
	}
}

// StoreCheck reads a record that never exists; ErrNotFound means the store
// answered.
func StoreCheck(st store.Store) Check {
	return func(ctx context.Context) error {
		_, err := st.Get(ctx, readyzID)
		if err == nil || apperrors.IsNotFound(err) {
			return nil
		}
		return err
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
