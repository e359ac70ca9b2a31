// Package viewer runs the frame loop of one survey layer: it drains fetch
// results into the compositor, composes a frame and submits the tiles the
// frame asked for. It also answers the debug server from the same state.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/mohammed-shakir/hipsview/internal/atlas"
	"github.com/mohammed-shakir/hipsview/internal/camera"
	"github.com/mohammed-shakir/hipsview/internal/compositor"
	"github.com/mohammed-shakir/hipsview/internal/fetch"
	"github.com/mohammed-shakir/hipsview/internal/healpix"
	"github.com/mohammed-shakir/hipsview/internal/query"
	"github.com/mohammed-shakir/hipsview/internal/snapshot"
)

// Fetcher is the part of fetch.Fetcher the frame loop uses.
type Fetcher interface {
	Submit(r fetch.Request) error
	Results() <-chan fetch.Result
}

// Forgetter drops outdated bytes from the fetch caches.
type Forgetter interface {
	Forget(ctx context.Context, qs ...query.Query) error
	ForgetSurvey(ctx context.Context, survey string) (int, error)
}

type Viewer struct {
	mu     sync.Mutex
	comp   *compositor.Compositor
	cam    *camera.Camera
	f      Fetcher
	forget Forgetter
	log    *slog.Logger
	now    func() time.Time

	interval time.Duration
	started  bool
	last     compositor.Result
}

type Option func(*Viewer)

func WithClock(now func() time.Time) Option { return func(v *Viewer) { v.now = now } }
func WithForgetter(f Forgetter) Option      { return func(v *Viewer) { v.forget = f } }

func New(comp *compositor.Compositor, cam *camera.Camera, f Fetcher, interval time.Duration, log *slog.Logger, opts ...Option) *Viewer {
	if interval <= 0 {
		interval = 16 * time.Millisecond
	}
	v := &Viewer{comp: comp, cam: cam, f: f, log: log, now: time.Now, interval: interval}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Run ticks the frame loop until ctx is done.
func (v *Viewer) Run(ctx context.Context) error {
	t := time.NewTicker(v.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := v.Tick(); err != nil {
				v.log.Error("frame", "err", err)
			}
		}
	}
}

// Tick runs one frame: pending results first, then composition and
// submission of the new requests.
func (v *Viewer) Tick() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.now()

	if !v.started {
		for _, q := range v.comp.InitialRequests() {
			v.submit(q, now)
		}
		v.started = true
	}

	var errs []error
	results := v.f.Results()
drain:
	for {
		select {
		case r, ok := <-results:
			if !ok {
				break drain
			}
			if err := v.comp.Deliver(r, now); err != nil {
				errs = append(errs, err)
			}
		default:
			break drain
		}
	}

	res, err := v.comp.Frame(v.cam, now)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	for _, q := range res.Requests {
		v.submit(q, res.RequestTime)
	}
	v.last = res
	return errors.Join(errs...)
}

func (v *Viewer) submit(q query.Query, requested time.Time) {
	err := v.f.Submit(fetch.Request{Query: q, RequestTime: requested})
	if err == nil {
		return
	}
	// asked again by a later frame
	v.comp.Release(q)
	if !errors.Is(err, fetch.ErrQueueFull) {
		v.log.Warn("submit", "id", q.ID(), "err", err)
	}
}

// Invalidate drops the textures of cells and their cached bytes. Events of
// other surveys are ignored.
func (v *Viewer) Invalidate(ctx context.Context, survey string, cells []healpix.Cell) (int, error) {
	v.mu.Lock()
	if survey != v.comp.Survey().ID {
		v.mu.Unlock()
		return 0, nil
	}
	qs := v.comp.Invalidate(cells...)
	v.mu.Unlock()

	if v.forget == nil || len(qs) == 0 {
		return len(qs), nil
	}
	if err := v.forget.Forget(ctx, qs...); err != nil {
		return len(qs), fmt.Errorf("forget tiles: %w", err)
	}
	return len(qs), nil
}

// Purge drops every unpinned texture and all cached bytes of survey.
func (v *Viewer) Purge(ctx context.Context, survey string) (int, error) {
	v.mu.Lock()
	if survey != v.comp.Survey().ID {
		v.mu.Unlock()
		return 0, nil
	}
	n := len(v.comp.InvalidateAll())
	v.mu.Unlock()

	if v.forget == nil {
		return n, nil
	}
	m, err := v.forget.ForgetSurvey(ctx, survey)
	if err != nil {
		return n + m, fmt.Errorf("forget survey: %w", err)
	}
	return n + m, nil
}

// SetView points the camera; angles are in degrees.
func (v *Viewer) SetView(lon, lat, aperture float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cam.SetCenter(lon*math.Pi/180, lat*math.Pi/180)
	if aperture > 0 {
		v.cam.SetAperture(aperture * math.Pi / 180)
	}
}

// Readiness reports whether the twelve base textures are resident.
func (v *Viewer) Readiness() (bool, int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for b := range uint64(healpix.NumBaseCells) {
		if s, ok := v.comp.Atlas().Lookup(healpix.Cell{Depth: 0, Index: b}); ok && s.IsFull() {
			n++
		}
	}
	return n == healpix.NumBaseCells, n
}

func (v *Viewer) Atlas() ([]atlas.SlotInfo, atlas.Stats) {
	v.mu.Lock()
	defer v.mu.Unlock()
	a := v.comp.Atlas()
	return a.Snapshot(), a.Stats()
}

func (v *Viewer) FrameStats() compositor.FrameStats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.comp.LastStats()
}

// Query describes the tile request of cell.
func (v *Viewer) Query(cell healpix.Cell) query.Tile {
	v.mu.Lock()
	defer v.mu.Unlock()
	return query.NewTile(cell, v.comp.Config().Channel, v.comp.Survey())
}

// Snapshot renders the last raster mesh as seen by the camera.
func (v *Viewer) Snapshot(w io.Writer, width, height int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return snapshot.Render(w, v.comp.LastMesh(), v.comp.Projector(scaled{v.cam, width, height}), snapshot.DefaultOptions(width, height))
}

// scaled projects through the camera onto a canvas of another size.
type scaled struct {
	*camera.Camera
	width, height int
}

func (s scaled) Project(p r3.Vec) (float64, float64, bool) {
	x, y, ok := s.Camera.Project(p)
	w, h := s.Camera.Viewport()
	return x * float64(s.width) / float64(w), y * float64(s.height) / float64(h), ok
}
