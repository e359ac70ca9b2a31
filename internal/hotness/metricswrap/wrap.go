// Package metricswrap wraps a hotness tracker with Prometheus metrics and a
// sampled log of regions crossing a score threshold.
package metricswrap

import (
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/hipsview/internal/core/observability"
	"github.com/mohammed-shakir/hipsview/internal/healpix"
	"github.com/mohammed-shakir/hipsview/internal/hotness"
)

type Sizer interface{ Size() int }

type WithMetrics struct {
	inner     hotness.Interface
	log       zerolog.Logger
	threshold float64
	sample    float64
}

type Option func(*WithMetrics)

// WithThreshold logs a sample of regions whose score reaches threshold.
func WithThreshold(threshold, sample float64, log zerolog.Logger) Option {
	return func(w *WithMetrics) {
		w.threshold = threshold
		w.sample = sample
		w.log = log
	}
}

func New(inner hotness.Interface, opts ...Option) *WithMetrics {
	w := &WithMetrics{inner: inner, log: zerolog.Nop()}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *WithMetrics) Inc(cell healpix.Cell) {
	w.inner.Inc(cell)
	if w.threshold > 0 {
		score := w.inner.Score(cell)
		if score >= w.threshold && shouldLog(w.sample, cell) {
			w.log.Info().
				Str("event", "hotness_threshold").
				Float64("score", score).
				Stringer("cell", cell).
				Msg("hot region above threshold")
		}
	}
	w.publish()
}

func (w *WithMetrics) Score(cell healpix.Cell) float64 {
	return w.inner.Score(cell)
}

func (w *WithMetrics) Reset(cells ...healpix.Cell) {
	w.inner.Reset(cells...)
	w.publish()
}

func (w *WithMetrics) publish() {
	if s, ok := w.inner.(Sizer); ok {
		observability.SetHotCells(s.Size())
	}
}

func shouldLog(sample float64, cell healpix.Cell) bool {
	if sample <= 0 {
		return false
	}
	if sample >= 1 {
		return true
	}
	const denom = 10000 // 0.01 => 100/10000
	threshold := uint64(sample*denom + 0.5)
	if threshold == 0 {
		return false
	}
	h := cell.Uniq() * 0x9e3779b97f4a7c15
	return (h>>32)%denom < threshold
}
