package fetch

import (
	"time"

	"github.com/mohammed-shakir/hipsview/internal/core/observability"
	"github.com/mohammed-shakir/hipsview/internal/hotness"
	"github.com/mohammed-shakir/hipsview/internal/query"
)

// FillPolicy picks how long downloaded tiles stay in the shared store from
// the hotness of their region. A zero Threshold fills every tile with the
// default TTL.
type FillPolicy struct {
	Threshold float64
	// Cold applies below Threshold; zero skips the shared store.
	Cold time.Duration
	Warm time.Duration
	// Hot applies from 4x Threshold.
	Hot time.Duration
}

// TTL returns the store TTL for a region score and whether to store at all.
func (p FillPolicy) TTL(score float64, def time.Duration) (time.Duration, bool) {
	if p.Threshold <= 0 {
		return def, true
	}
	switch {
	case score < p.Threshold:
		return p.Cold, p.Cold > 0
	case score >= 4*p.Threshold && p.Hot > 0:
		return p.Hot, true
	case p.Warm > 0:
		return p.Warm, true
	default:
		return def, true
	}
}

func WithFillPolicy(p FillPolicy) Option { return func(f *Fetcher) { f.fill = p } }

// storeTTL applies the fill policy to q. Survey wide resources always use
// the default TTL.
func (f *Fetcher) storeTTL(q query.Query) (time.Duration, bool) {
	t, ok := q.(query.Tile)
	if !ok || f.hot == nil {
		return f.ttl, true
	}
	ttl, store := f.fill.TTL(f.hot.Score(hotness.Region(t.Cell)), f.ttl)
	if !store {
		observability.IncFillSkip()
	}
	return ttl, store
}
