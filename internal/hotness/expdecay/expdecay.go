// Package expdecay scores hotness regions with an exponentially decaying
// request count: every request adds one, and the total halves each
// half-life.
package expdecay

import (
	"math"
	"sync"
	"time"

	"github.com/mohammed-shakir/hipsview/internal/healpix"
	"github.com/mohammed-shakir/hipsview/internal/hotness"
)

const numShards = 64

var _ hotness.Interface = (*Tracker)(nil)

type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Tracker is safe for concurrent use. Regions are spread over shards by
// their uniq number.
type Tracker struct {
	halfLife time.Duration
	lambda   float64 // decay rate per second
	now      func() time.Time
	shards   [numShards]shard
}

type shard struct {
	mu      sync.Mutex
	entries map[uint64]entry
}

// entry is a score as of at.
type entry struct {
	score float64
	at    time.Time
}

// New returns a tracker; a non positive half-life means one minute.
func New(halfLife time.Duration, opts ...Option) *Tracker {
	if halfLife <= 0 {
		halfLife = time.Minute
	}
	t := &Tracker{
		halfLife: halfLife,
		lambda:   math.Ln2 / halfLife.Seconds(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	for i := range t.shards {
		t.shards[i].entries = map[uint64]entry{}
	}
	return t
}

func (t *Tracker) HalfLife() time.Duration { return t.halfLife }

// valueAt decays e forward to now. Clocks going backwards leave it as is.
func (t *Tracker) valueAt(e entry, now time.Time) float64 {
	dt := now.Sub(e.at).Seconds()
	if e.score == 0 || dt <= 0 {
		return e.score
	}
	return e.score * math.Exp(-t.lambda*dt)
}

func (t *Tracker) Inc(cell healpix.Cell) {
	key := cell.Uniq()
	now := t.now()
	s := t.shard(key)

	s.mu.Lock()
	s.entries[key] = entry{score: t.valueAt(s.entries[key], now) + 1, at: now}
	s.mu.Unlock()
}

func (t *Tracker) Score(cell healpix.Cell) float64 {
	key := cell.Uniq()
	s := t.shard(key)

	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return t.valueAt(e, t.now())
}

func (t *Tracker) Reset(cells ...healpix.Cell) {
	for _, c := range cells {
		key := c.Uniq()
		s := t.shard(key)
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
	}
}

// Prune forgets regions whose score decayed below floor and reports how
// many went.
func (t *Tracker) Prune(floor float64) int {
	now := t.now()
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for k, e := range s.entries {
			if t.valueAt(e, now) < floor {
				delete(s.entries, k)
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

// Size is the number of tracked regions.
func (t *Tracker) Size() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// neighbouring cells differ in the low bits of their uniq number, so the
// key goes through a Fibonacci hash before picking a shard
func (t *Tracker) shard(key uint64) *shard {
	return &t.shards[(key*0x9e3779b97f4a7c15)>>58]
}
