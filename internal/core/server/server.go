// Package server exposes the debug HTTP surface of the viewer.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/hipsview/internal/atlas"
	"github.com/mohammed-shakir/hipsview/internal/compositor"
	"github.com/mohammed-shakir/hipsview/internal/core/health"
	middleware "github.com/mohammed-shakir/hipsview/internal/core/middleware"
	"github.com/mohammed-shakir/hipsview/internal/healpix"
	"github.com/mohammed-shakir/hipsview/internal/query"
)

// Inspector is the viewer state the endpoints read.
type Inspector interface {
	health.ReadinessReporter
	Atlas() ([]atlas.SlotInfo, atlas.Stats)
	FrameStats() compositor.FrameStats
	Query(cell healpix.Cell) query.Tile
	Snapshot(w io.Writer, width, height int) error
	SetView(lon, lat, aperture float64)
}

type Config struct {
	Addr        string
	MetricsPath string
	CORSOrigins []string
}

// NewRouter wires the endpoints. A nil metrics handler serves the default
// Prometheus registry.
func NewRouter(cfg Config, logger *slog.Logger, metrics http.Handler, ins Inspector) *chi.Mux {
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(ins))
	r.Method(http.MethodGet, cfg.MetricsPath, metrics)

	r.Get("/atlas", func(w http.ResponseWriter, _ *http.Request) {
		slots, stats := ins.Atlas()
		writeJSON(w, http.StatusOK, struct {
			Stats atlas.Stats      `json:"stats"`
			Slots []atlas.SlotInfo `json:"slots"`
		}{stats, slots})
	})
	r.Get("/frame", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, ins.FrameStats())
	})
	r.Get("/query", func(w http.ResponseWriter, req *http.Request) {
		cell, err := parseCell(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		q := ins.Query(cell)
		writeJSON(w, http.StatusOK, map[string]any{
			"cell": cell.String(),
			"uniq": cell.Uniq(),
			"id":   q.ID(),
			"url":  q.URL(),
		})
	})
	r.Post("/view", func(w http.ResponseWriter, req *http.Request) {
		vals := map[string]float64{}
		for _, k := range []string{"lon", "lat", "fov"} {
			s := req.URL.Query().Get(k)
			if s == "" {
				continue
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				http.Error(w, "invalid "+k, http.StatusBadRequest)
				return
			}
			vals[k] = f
		}
		ins.SetView(vals["lon"], vals["lat"], vals["fov"])
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/snapshot.png", func(w http.ResponseWriter, req *http.Request) {
		width := queryInt(req, "w", 800)
		height := queryInt(req, "h", 600)
		if width <= 0 || height <= 0 || width > 4096 || height > 4096 {
			http.Error(w, "invalid size", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		if err := ins.Snapshot(w, width, height); err != nil {
			logger.Error("snapshot", "err", err)
		}
	})
	return r
}

func parseCell(req *http.Request) (healpix.Cell, error) {
	q := req.URL.Query()
	depth, err := strconv.ParseUint(q.Get("depth"), 10, 8)
	if err != nil {
		return healpix.Cell{}, errors.New("invalid depth")
	}
	index, err := strconv.ParseUint(q.Get("index"), 10, 64)
	if err != nil {
		return healpix.Cell{}, errors.New("invalid index")
	}
	return healpix.NewCell(uint8(depth), index)
}

func queryInt(req *http.Request, k string, def int) int {
	n, err := strconv.Atoi(req.URL.Query().Get(k))
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Run serves until ctx is done.
func Run(ctx context.Context, cfg Config, logger *slog.Logger, metrics http.Handler, ins Inspector) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(cfg, logger, metrics, ins),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
