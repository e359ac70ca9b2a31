package atlas

import (
	"errors"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"testing"
	"time"

	"github.com/mohammed-shakir/hipsview/internal/healpix"
	"github.com/mohammed-shakir/hipsview/internal/survey"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Add(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
}

// 512px textures made of four 256px tiles
var dd1 = survey.Config{TileSize: 256, TextureSize: 512, DeltaDepth: 1}

func newCacheForTest(t *testing.T, side, slices int, fc *fakeClock, opts ...Option) *Cache {
	t.Helper()
	opts = append([]Option{WithLayout(side, slices), WithClock(fc.Now)}, opts...)
	c, err := New(dd1, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func cell(d uint8, i uint64) healpix.Cell { return healpix.Cell{Depth: d, Index: i} }

func solid(size int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}

func TestNew_RejectsBadGeometry(t *testing.T) {
	if _, err := New(survey.Config{TileSize: 512, TextureSize: 256}); err == nil {
		t.Fatalf("expected error for texture smaller than tile")
	}
	c, err := New(dd1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.Len() != DefaultSlotsPerSide*DefaultSlotsPerSide*DefaultSlices || c.TilesPerTexture() != 4 {
		t.Fatalf("len=%d tiles=%d", c.Len(), c.TilesPerTexture())
	}
}

func TestSlot_FillsThroughPartialToFull(t *testing.T) {
	fc := newClock()
	c := newCacheForTest(t, 2, 1, fc)
	c.BeginFrame()

	tex := cell(3, 10)
	req := fc.Now()
	idx, err := c.ReserveSlotFor(tex, req)
	if err != nil {
		t.Fatalf("ReserveSlotFor: %v", err)
	}
	s := c.Slot(idx)
	if s.State() != Empty {
		t.Fatalf("fresh slot state=%v", s.State())
	}

	want := []State{Partial, Partial, Partial, Full}
	var starts []time.Time
	for k, tile := range tex.TileCells(1) {
		fc.Add(100 * time.Millisecond)
		res, err := c.IntegrateTile(tile, solid(256, color.White), req)
		if err != nil {
			t.Fatalf("IntegrateTile %s: %v", tile, err)
		}
		if s.State() != want[k] {
			t.Fatalf("after tile %d state=%v want %v", k, s.State(), want[k])
		}
		if s.Fill() > c.TilesPerTexture() {
			t.Fatalf("fill %d exceeds capacity", s.Fill())
		}
		if (res == IntegrationCompleted) != (k == 3) {
			t.Fatalf("tile %d result=%v", k, res)
		}
		starts = append(starts, s.EffectiveStartTime(fc.Now()))
	}

	completedAt := starts[3]
	if !completedAt.Equal(fc.Now()) {
		t.Fatalf("completion must be stamped when the last tile lands")
	}
	if starts[2].Equal(starts[1]) {
		t.Fatalf("a partial slot reports the current time")
	}
	for i := 0; i < 3; i++ {
		fc.Add(time.Second)
		if got := s.EffectiveStartTime(fc.Now()); !got.Equal(completedAt) {
			t.Fatalf("full slot start time moved: %v -> %v", completedAt, got)
		}
	}
	for _, tile := range tex.TileCells(1) {
		if !c.ContainsTile(tile) {
			t.Fatalf("full slot must contain %s", tile)
		}
	}
}

func TestSlot_FullIsTerminalAndDuplicatesFail(t *testing.T) {
	fc := newClock()
	c := newCacheForTest(t, 2, 1, fc)
	tex := cell(3, 10)
	req := fc.Now()
	if _, err := c.ReserveSlotFor(tex, req); err != nil {
		t.Fatalf("ReserveSlotFor: %v", err)
	}
	tiles := tex.TileCells(1)
	if _, err := c.IntegrateTile(tiles[0], nil, req); err != nil {
		t.Fatalf("first integrate: %v", err)
	}
	if _, err := c.IntegrateTile(tiles[0], nil, req); !errors.Is(err, ErrDuplicateTile) {
		t.Fatalf("duplicate must fail with ErrDuplicateTile, got %v", err)
	}
	for _, tile := range tiles[1:] {
		if _, err := c.IntegrateTile(tile, nil, req); err != nil {
			t.Fatalf("integrate %s: %v", tile, err)
		}
	}
	s, _ := c.Lookup(tex)
	if !s.IsFull() || s.Fill() != 4 {
		t.Fatalf("state=%v fill=%d", s.State(), s.Fill())
	}
	if _, err := c.IntegrateTile(tiles[2], nil, req); !errors.Is(err, ErrDuplicateTile) {
		t.Fatalf("integrate into full slot must fail, got %v", err)
	}
	if !s.IsFull() {
		t.Fatalf("full is terminal until rebind")
	}
}

func TestIntegrateTexture_FullAtOnce(t *testing.T) {
	fc := newClock()
	c := newCacheForTest(t, 2, 1, fc)
	base := cell(0, 4)
	if _, err := c.ReserveSlotFor(base, fc.Now()); err != nil {
		t.Fatalf("ReserveSlotFor: %v", err)
	}
	res, err := c.IntegrateTexture(base, solid(512, color.Black), fc.Now())
	if err != nil || res != IntegrationCompleted {
		t.Fatalf("res=%v err=%v", res, err)
	}
	if !c.ContainsTile(cell(1, 17)) {
		t.Fatalf("base texture covers its tiles")
	}
	if !c.TakeAvailable() || c.TakeAvailable() {
		t.Fatalf("TakeAvailable must report once")
	}
}

func TestIntegrate_StaleDropped(t *testing.T) {
	fc := newClock()
	var evicted []healpix.Cell
	c := newCacheForTest(t, 1, 1, fc, WithOnEvict(func(h healpix.Cell) { evicted = append(evicted, h) }))

	if res, err := c.IntegrateTile(cell(4, 40), nil, fc.Now()); err != nil || res != IntegrationStale {
		t.Fatalf("unbound texture: res=%v err=%v", res, err)
	}

	a, b := cell(3, 10), cell(3, 11)
	oldReq := fc.Now()
	c.BeginFrame()
	if _, err := c.ReserveSlotFor(a, oldReq); err != nil {
		t.Fatalf("reserve a: %v", err)
	}
	fc.Add(time.Second)
	c.BeginFrame()
	if _, err := c.ReserveSlotFor(b, fc.Now()); err != nil {
		t.Fatalf("reserve b: %v", err)
	}
	if len(evicted) != 1 || evicted[0] != a {
		t.Fatalf("evicted=%v want [%s]", evicted, a)
	}
	if res, _ := c.IntegrateTile(a.TileCells(1)[0], nil, oldReq); res != IntegrationStale {
		t.Fatalf("tile of evicted texture must be stale, got %v", res)
	}

	// a comes back: a reply to the request issued before the rebind is stale
	fc.Add(time.Second)
	c.BeginFrame()
	if _, err := c.ReserveSlotFor(a, fc.Now()); err != nil {
		t.Fatalf("rebind a: %v", err)
	}
	if res, _ := c.IntegrateTile(a.TileCells(1)[0], nil, oldReq); res != IntegrationStale {
		t.Fatalf("tile requested before rebind must be stale, got %v", res)
	}
	if res, err := c.IntegrateTile(a.TileCells(1)[0], nil, fc.Now()); err != nil || res != IntegrationStored {
		t.Fatalf("fresh tile: res=%v err=%v", res, err)
	}
	if st := c.Stats(); st.StaleDrops != 3 || st.Evictions != 2 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestReserve_Idempotent(t *testing.T) {
	fc := newClock()
	c := newCacheForTest(t, 2, 1, fc)
	i1, _ := c.ReserveSlotFor(cell(3, 1), fc.Now())
	fc.Add(time.Second)
	i2, _ := c.ReserveSlotFor(cell(3, 1), fc.Now())
	if i1 != i2 {
		t.Fatalf("same cell got slots %d and %d", i1, i2)
	}
	if st := c.Stats(); st.Empty != 4 || st.Evictions != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestEviction_NeverPicksInViewSlotWhenOutOfViewExists(t *testing.T) {
	fc := newClock()
	c := newCacheForTest(t, 2, 1, fc)
	cells := []healpix.Cell{cell(3, 1), cell(3, 2), cell(3, 3), cell(3, 4)}

	c.BeginFrame()
	for _, h := range cells {
		if _, err := c.ReserveSlotFor(h, fc.Now()); err != nil {
			t.Fatalf("reserve %s: %v", h, err)
		}
		fc.Add(time.Millisecond)
	}

	// next frame: only cells[2] left the view
	c.BeginFrame()
	for _, h := range []healpix.Cell{cells[0], cells[1], cells[3]} {
		if !c.Touch(h) {
			t.Fatalf("touch %s", h)
		}
	}
	if _, err := c.ReserveSlotFor(cell(3, 50), fc.Now()); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, ok := c.Lookup(cells[2]); ok {
		t.Fatalf("out-of-view %s should have been evicted", cells[2])
	}
	for _, h := range []healpix.Cell{cells[0], cells[1], cells[3]} {
		if _, ok := c.Lookup(h); !ok {
			t.Fatalf("in-view %s was evicted", h)
		}
	}
}

func TestEviction_PrefersCompleteOverPartialThenLRU(t *testing.T) {
	fc := newClock()
	c := newCacheForTest(t, 1, 3, fc)
	full, partial, older := cell(3, 1), cell(3, 2), cell(3, 3)
	req := fc.Now()

	reserve := func(cl healpix.Cell, at time.Time) {
		t.Helper()
		if _, err := c.ReserveSlotFor(cl, at); err != nil {
			t.Fatalf("reserve %v: %v", cl, err)
		}
	}
	integrate := func(tile healpix.Cell) {
		t.Helper()
		got, err := c.IntegrateTile(tile, nil, req)
		if err != nil || got == IntegrationStale {
			t.Fatalf("integrate %v: got %v err %v", tile, got, err)
		}
	}

	c.BeginFrame()
	reserve(older, req)
	c.BeginFrame()
	reserve(full, req)
	reserve(partial, req)
	for _, tile := range full.TileCells(1) {
		integrate(tile)
	}
	integrate(partial.TileCells(1)[0])
	integrate(older.TileCells(1)[0])
	if slot, ok := c.Lookup(full); !ok || slot.State() != Full {
		t.Fatalf("full slot should be complete, got ok=%v", ok)
	}

	// older (partial, touched in frame 1) vs full (touched in frame 2) vs
	// partial (frame 2): the non-partial slot goes first
	c.BeginFrame()
	reserve(cell(3, 60), fc.Now())
	if _, ok := c.Lookup(full); ok {
		t.Fatalf("non-partial slot should be evicted before partial ones")
	}
	// among partial slots, the least recently touched goes next
	c.BeginFrame()
	c.Touch(cell(3, 60))
	reserve(cell(3, 61), fc.Now())
	if _, ok := c.Lookup(older); ok {
		t.Fatalf("least recently touched partial slot should be evicted")
	}
	if _, ok := c.Lookup(partial); !ok {
		t.Fatalf("recently touched partial slot evicted")
	}
}

func TestEviction_FallsBackWhenEverythingIsInView(t *testing.T) {
	fc := newClock()
	c := newCacheForTest(t, 1, 2, fc)
	c.BeginFrame()
	c.ReserveSlotFor(cell(3, 1), fc.Now())
	fc.Add(time.Second)
	c.ReserveSlotFor(cell(3, 2), fc.Now())
	if _, err := c.ReserveSlotFor(cell(3, 3), fc.Now()); err != nil {
		t.Fatalf("all slots in view must still yield a slot: %v", err)
	}
	if _, ok := c.Lookup(cell(3, 1)); ok {
		t.Fatalf("oldest request should be evicted first")
	}
}

func TestEviction_PinnedNeverEvicted(t *testing.T) {
	fc := newClock()
	c := newCacheForTest(t, 1, 2, fc)
	for _, h := range []healpix.Cell{cell(0, 1), cell(0, 2)} {
		c.ReserveSlotFor(h, fc.Now())
		if !c.Pin(h) {
			t.Fatalf("pin %s", h)
		}
	}
	c.BeginFrame()
	if _, err := c.ReserveSlotFor(cell(3, 3), fc.Now()); !errors.Is(err, ErrNoSlot) {
		t.Fatalf("expected ErrNoSlot, got %v", err)
	}
	if st := c.Stats(); st.Pinned != 2 {
		t.Fatalf("pinned=%d", st.Pinned)
	}
}

func TestNearestResidentAncestor(t *testing.T) {
	fc := newClock()
	c := newCacheForTest(t, 2, 1, fc)
	base := cell(0, 4)
	c.ReserveSlotFor(base, fc.Now())

	deep := cell(3, 4*64+5)
	if _, ok := c.NearestResidentAncestor(deep); ok {
		t.Fatalf("empty ancestor slot is not resident")
	}
	c.IntegrateTexture(base, nil, fc.Now())

	s, ok := c.NearestResidentAncestor(deep)
	if !ok || s.Cell() != base {
		t.Fatalf("ancestor=%v ok=%v", s, ok)
	}
	if !s.Cell().IsAncestorOf(deep) {
		t.Fatalf("returned slot is not an ancestor")
	}
	if _, ok := c.NearestResidentAncestor(base); ok {
		t.Fatalf("a cell is not its own strict ancestor")
	}
	if _, ok := c.NearestResidentAncestor(cell(3, 5*64)); ok {
		t.Fatalf("other base cell must have no resident ancestor")
	}
	if !c.Resident(deep) || c.Resident(cell(3, 5*64)) {
		t.Fatalf("resident mismatch")
	}
}

func TestTouch_PartialAlsoTouchesAncestor(t *testing.T) {
	fc := newClock()
	c := newCacheForTest(t, 2, 1, fc)
	base := cell(0, 4)
	child := cell(1, 17)
	c.ReserveSlotFor(base, fc.Now())
	c.IntegrateTexture(base, nil, fc.Now())
	c.ReserveSlotFor(child, fc.Now())

	c.BeginFrame()
	if !c.Touch(child) {
		t.Fatalf("touch child")
	}
	b, _ := c.Lookup(base)
	if b.touched != c.Frame() {
		t.Fatalf("ancestor drawn in place of a partial child must be touched")
	}
	if c.Touch(cell(2, 5*16)) {
		t.Fatalf("nothing to touch for a non-resident cell")
	}
}

func TestUVFor(t *testing.T) {
	fc := newClock()
	c := newCacheForTest(t, 2, 2, fc)
	base := cell(0, 4)
	c.ReserveSlotFor(base, fc.Now())
	s, _ := c.Lookup(base)

	uv := c.UVFor(cell(1, 17), s) // x=1, y=0 inside base 4
	want := UV{U0: 0, U1: 0.25, V0: 0.25, V1: 0.5, Slice: 0}
	if uv != want {
		t.Fatalf("uv=%+v want %+v", uv, want)
	}
	if got := uv.At(1, 1); got != [3]float32{0.25, 0.5, 0} {
		t.Fatalf("At(1,1)=%v", got)
	}
	if full := c.UVFor(base, s); full.U1-full.U0 != 0.5 {
		t.Fatalf("own texture spans the whole slot, got %+v", full)
	}
	if got := PlaceholderUV.At(0.5, 0.5); got != [3]float32{-1, -1, -1} {
		t.Fatalf("placeholder=%v", got)
	}
}

func TestImageSink_PlacesTileAtOffset(t *testing.T) {
	fc := newClock()
	sink := NewImageSink(2, 1, 512)
	c := newCacheForTest(t, 2, 1, fc, WithSink(sink))
	tex := cell(3, 10)
	idx, _ := c.ReserveSlotFor(tex, fc.Now())

	// x offset 1 inside the texture: second row of tiles
	tx, ty := tex.XY()
	tile := healpix.FromXY(4, tex.BaseCell(), tx*2+1, ty*2)
	if _, err := c.IntegrateTile(tile, solid(256, color.RGBA{R: 255, A: 255}), fc.Now()); err != nil {
		t.Fatalf("IntegrateTile: %v", err)
	}
	_, origin := sink.SlotOrigin(idx)
	img := sink.Slice(0)
	if got := img.RGBAAt(origin.X+10, origin.Y+300); got.R != 255 {
		t.Fatalf("expected red pixel in second tile row, got %v", got)
	}
	if got := img.RGBAAt(origin.X+300, origin.Y+10); got.R != 0 {
		t.Fatalf("first row must stay empty, got %v", got)
	}
	if err := sink.WriteTile(idx, 400, 0, 256, nil); err == nil {
		t.Fatalf("out of texture write must fail")
	}
}

func TestSnapshot(t *testing.T) {
	fc := newClock()
	c := newCacheForTest(t, 1, 2, fc)
	c.ReserveSlotFor(cell(3, 7), fc.Now())
	snap := c.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len=%d", len(snap))
	}
	bound := 0
	for _, s := range snap {
		if s.Cell != "" {
			bound++
			if s.Uniq != cell(3, 7).Uniq() || s.State != "empty" {
				t.Fatalf("slot=%+v", s)
			}
		}
	}
	if bound != 1 {
		t.Fatalf("bound=%d", bound)
	}
}

func TestInvalidate_DropsOverlappingUnpinned(t *testing.T) {
	fc := newClock()
	c := newCacheForTest(t, 2, 1, fc)
	c.BeginFrame()

	base, parent, child, other := cell(0, 4), cell(3, 4*64+5), cell(4, (4*64+5)*4+2), cell(3, 4*64+9)
	for _, tex := range []healpix.Cell{base, parent, child, other} {
		if _, err := c.ReserveSlotFor(tex, fc.Now()); err != nil {
			t.Fatalf("reserve %s: %v", tex, err)
		}
	}
	c.Pin(base)
	_ = c.TakeAvailable()

	dropped := c.Invalidate(parent)
	if len(dropped) != 2 {
		t.Fatalf("dropped %v, want parent and child", dropped)
	}
	for _, tex := range []healpix.Cell{parent, child} {
		if _, ok := c.Lookup(tex); ok {
			t.Fatalf("%s still bound", tex)
		}
	}
	for _, tex := range []healpix.Cell{base, other} {
		if _, ok := c.Lookup(tex); !ok {
			t.Fatalf("%s dropped", tex)
		}
	}
	if !c.TakeAvailable() {
		t.Fatalf("invalidation should request a redraw")
	}

	got, err := c.IntegrateTile(child.Children()[0], solid(256, color.White), fc.Now())
	if err != nil || got != IntegrationStale {
		t.Fatalf("late tile integration=%v err=%v, want stale", got, err)
	}
}
