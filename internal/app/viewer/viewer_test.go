package viewer

import (
	"bytes"
	"context"
	"image"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/mohammed-shakir/hipsview/internal/camera"
	"github.com/mohammed-shakir/hipsview/internal/compositor"
	"github.com/mohammed-shakir/hipsview/internal/fetch"
	"github.com/mohammed-shakir/hipsview/internal/healpix"
	"github.com/mohammed-shakir/hipsview/internal/query"
	"github.com/mohammed-shakir/hipsview/internal/survey"
)

type fakeFetcher struct {
	submitted []fetch.Request
	results   chan fetch.Result
	full      bool
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{results: make(chan fetch.Result, 64)}
}

func (f *fakeFetcher) Submit(r fetch.Request) error {
	if f.full {
		return fetch.ErrQueueFull
	}
	f.submitted = append(f.submitted, r)
	return nil
}

func (f *fakeFetcher) Results() <-chan fetch.Result { return f.results }

type fakeForgetter struct {
	forgotten []query.Query
	purged    []string
}

func (f *fakeForgetter) Forget(_ context.Context, qs ...query.Query) error {
	f.forgotten = append(f.forgotten, qs...)
	return nil
}

func (f *fakeForgetter) ForgetSurvey(_ context.Context, survey string) (int, error) {
	f.purged = append(f.purged, survey)
	return 3, nil
}

func newViewer(t *testing.T, f Fetcher, opts ...Option) (*Viewer, *compositor.Compositor) {
	t.Helper()
	props := "hips_service_url = http://hips.test/DSS\nhips_order = 5\nhips_tile_width = 256\nhips_tile_format = jpeg\n"
	p, err := survey.ParseProperties(strings.NewReader(props))
	if err != nil {
		t.Fatalf("ParseProperties: %v", err)
	}
	sc, err := survey.New(p, survey.Options{})
	if err != nil {
		t.Fatalf("survey.New: %v", err)
	}
	comp, err := compositor.New(sc, compositor.Config{})
	if err != nil {
		t.Fatalf("compositor.New: %v", err)
	}
	cam := camera.New(400, 300, sc.Frame)
	cam.SetAperture(2 * math.Pi / 180)
	now := time.Unix(1_700_000_000, 0)
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return New(comp, cam, f, time.Millisecond, slog.New(slog.DiscardHandler), opts...), comp
}

func TestTick_SubmitsThenDelivers(t *testing.T) {
	f := newFakeFetcher()
	v, comp := newViewer(t, f)
	if err := v.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	var tile fetch.Request
	kinds := map[query.Kind]int{}
	for _, r := range f.submitted {
		kinds[r.Query.Kind()]++
		if r.Query.Kind() == query.KindTile && tile.Query == nil {
			tile = r
		}
	}
	if kinds[query.KindAllsky] != 1 || kinds[query.KindCoverage] != 1 || kinds[query.KindTile] == 0 {
		t.Fatalf("submitted kinds = %v", kinds)
	}

	f.results <- fetch.Result{Query: tile.Query, Image: image.NewRGBA(image.Rect(0, 0, 256, 256)), RequestTime: tile.RequestTime}
	if err := v.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	cell := tile.Query.(query.Tile).Cell
	if !comp.Atlas().ContainsTile(cell) {
		t.Fatalf("delivered tile %s not in the atlas", cell)
	}
	if st := v.FrameStats(); st.Mode != "raster" {
		t.Fatalf("frame stats = %+v", st)
	}
}

func TestTick_QueueFullReleasesRequests(t *testing.T) {
	f := newFakeFetcher()
	f.full = true
	v, comp := newViewer(t, f)
	if err := v.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(v.last.Requests) == 0 {
		t.Fatalf("frame produced no requests")
	}
	for _, q := range v.last.Requests {
		if comp.InFlight(q) {
			t.Fatalf("%s still in flight after a refused submit", q.Cell)
		}
	}
}

func TestReadinessAndSnapshot(t *testing.T) {
	v, _ := newViewer(t, newFakeFetcher())
	if ready, n := v.Readiness(); ready || n != 0 {
		t.Fatalf("readiness = %v %d before any data", ready, n)
	}
	if err := v.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	var buf bytes.Buffer
	if err := v.Snapshot(&buf, 200, 150); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")) {
		t.Fatalf("snapshot is not a PNG")
	}
	q := v.Query(healpix.Cell{Depth: 3, Index: 10})
	if !strings.HasSuffix(q.URL(), "/Norder3/Dir0/Npix10.jpg") {
		t.Fatalf("url = %s", q.URL())
	}
	if err := v.Snapshot(&buf, 0, 0); err == nil {
		t.Fatalf("zero sized snapshot must fail")
	}
}

func TestInvalidate_DropsTexturesAndCachedBytes(t *testing.T) {
	f, fg := newFakeFetcher(), &fakeForgetter{}
	v, comp := newViewer(t, f, WithForgetter(fg))
	if err := v.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	tile := v.last.Requests[0]
	tex := tile.Cell.TextureCell(comp.Survey().DeltaDepth)
	if _, ok := comp.Atlas().Lookup(tex); !ok {
		t.Fatalf("no slot for %s", tex)
	}

	n, err := v.Invalidate(context.Background(), "some/other/survey", []healpix.Cell{tex})
	if err != nil || n != 0 || len(fg.forgotten) != 0 {
		t.Fatalf("foreign survey: n=%d err=%v forgotten=%d", n, err, len(fg.forgotten))
	}

	n, err = v.Invalidate(context.Background(), comp.Survey().ID, []healpix.Cell{tex})
	if err != nil || n == 0 || len(fg.forgotten) != n {
		t.Fatalf("invalidate: n=%d err=%v forgotten=%d", n, err, len(fg.forgotten))
	}
	if _, ok := comp.Atlas().Lookup(tex); ok {
		t.Fatalf("%s still bound", tex)
	}

	if _, err := v.Purge(context.Background(), comp.Survey().ID); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if len(fg.purged) != 1 || fg.purged[0] != comp.Survey().ID {
		t.Fatalf("purged = %v", fg.purged)
	}
}
