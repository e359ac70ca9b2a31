// Package health serves the liveness and readiness probes.
package health

import (
	"encoding/json"
	"io"
	"net/http"
)

// Liveness answers 200 while the process serves HTTP at all.
func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok")
	}
}

// ReadinessReporter reports whether every base texture is resident, so any
// cell of the sky can be drawn from an ancestor.
type ReadinessReporter interface {
	Readiness() (ready bool, baseTextures int)
}

// Status is the readiness probe body.
type Status struct {
	Status       string `json:"status"`
	BaseTextures int    `json:"base_textures"`
}

// Readiness answers 503 until the reporter is ready.
func Readiness(rr ReadinessReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		ready, n := rr.Readiness()
		st, code := Status{Status: "ready", BaseTextures: n}, http.StatusOK
		if !ready {
			st.Status, code = "not_ready", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(st)
	}
}
