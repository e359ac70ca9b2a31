// Package observability holds the process-wide Prometheus collectors of the
// viewer and small helpers to update them.
package observability

import (
	"errors"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var surveyLabel atomic.Value

func init() {
	surveyLabel.Store("none")
}

// SetSurvey sets the survey label attached to per-survey series.
func SetSurvey(s string) {
	if s == "" {
		s = "none"
	}
	surveyLabel.Store(s)
}

func getSurvey() string {
	if v := surveyLabel.Load(); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "none"
}

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	fetchLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tile_fetch_latency_seconds",
			Help:    "Latency of tile fetches by tier in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"tier", "survey"},
	)

	tierResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_tier_results_total",
			Help: "Tile byte cache lookups by tier and outcome.",
		},
		[]string{"tier", "outcome", "survey"},
	)

	cacheOps = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tile_store_op_seconds",
			Help:    "Shared tile store operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op", "result"},
	)

	fetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_fetch_errors_total",
			Help: "Tile fetches that failed, by reason.",
		},
		[]string{"reason", "survey"},
	)

	atlasSlots = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "atlas_slots",
			Help: "Atlas slots by state.",
		},
		[]string{"state"},
	)

	atlasEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_events_total",
			Help: "Atlas slot events (eviction, stale_drop, integration).",
		},
		[]string{"event"},
	)

	frameDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "frame_duration_seconds",
			Help:    "Time spent composing one frame.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		},
		[]string{"mode"},
	)

	frameVertices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "frame_vertices",
			Help: "Vertices emitted by the last raster frame.",
		},
	)

	hotCells = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hot_cells",
			Help: "Cells tracked by the request hotness tracker.",
		},
	)

	eventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tile_events_dropped_total",
			Help: "Tile events dropped because the publisher queue was full.",
		},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hipsview_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds,
		fetchLatencySeconds, tierResults, cacheOps, fetchErrors,
		atlasSlots, atlasEvents, frameDurationSeconds, frameVertices,
		hotCells, eventsDropped,
	}
}

// Init also exposes the collectors through reg, so a dedicated registry
// serves them next to its own series. Build info stays on the default
// registry: a metrics.Provider exports its own.
func Init(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

// ObserveFetch records the latency of a tile served from tier
// ("l1", "l2" or "http").
func ObserveFetch(tier string, durationSeconds float64) {
	fetchLatencySeconds.WithLabelValues(tier, getSurvey()).Observe(durationSeconds)
}

func IncTierHit(tier string) {
	tierResults.WithLabelValues(tier, "hit", getSurvey()).Inc()
}

func IncTierMiss(tier string) {
	tierResults.WithLabelValues(tier, "miss", getSurvey()).Inc()
}

// IncFillSkip counts downloads kept out of the shared store as too cold.
func IncFillSkip() {
	tierResults.WithLabelValues("l2", "skip_fill", getSurvey()).Inc()
}

func IncFetchError(reason string) {
	fetchErrors.WithLabelValues(reason, getSurvey()).Inc()
}

// ObserveCacheOp records one shared store round trip.
func ObserveCacheOp(op string, err error, durationSeconds float64) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	cacheOps.WithLabelValues(op, res).Observe(durationSeconds)
}

func SetAtlasSlots(full, partial, empty int) {
	atlasSlots.WithLabelValues("full").Set(float64(full))
	atlasSlots.WithLabelValues("partial").Set(float64(partial))
	atlasSlots.WithLabelValues("empty").Set(float64(empty))
}

func IncAtlasEviction()    { atlasEvents.WithLabelValues("eviction").Inc() }
func IncAtlasStaleDrop()   { atlasEvents.WithLabelValues("stale_drop").Inc() }
func IncAtlasIntegration() { atlasEvents.WithLabelValues("integration").Inc() }

func ObserveFrame(mode string, durationSeconds float64, vertices int) {
	frameDurationSeconds.WithLabelValues(mode).Observe(durationSeconds)
	if mode == "raster" {
		frameVertices.Set(float64(vertices))
	}
}

func SetHotCells(n int) { hotCells.Set(float64(n)) }

func IncEventsDropped() { eventsDropped.Inc() }

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
