package healpix

import (
	"errors"
	"math"
	"testing"
)

func TestNewCell_RejectsOutOfRange(t *testing.T) {
	if _, err := NewCell(0, 12); !errors.Is(err, ErrInvalidCell) {
		t.Fatalf("expected ErrInvalidCell for index 12 at depth 0, got %v", err)
	}
	if _, err := NewCell(30, 0); !errors.Is(err, ErrInvalidCell) {
		t.Fatalf("expected ErrInvalidCell for depth 30, got %v", err)
	}
	c, err := NewCell(3, 767)
	if err != nil {
		t.Fatalf("NewCell(3,767): %v", err)
	}
	if !c.Valid() {
		t.Fatalf("cell %s should be valid", c)
	}
}

func TestUniq_RoundTripAndOrdering(t *testing.T) {
	cells := []Cell{{0, 0}, {0, 11}, {1, 0}, {3, 257}, {12, 3}, {29, NumCells(29) - 1}}
	for _, c := range cells {
		got, err := FromUniq(c.Uniq())
		if err != nil {
			t.Fatalf("FromUniq(%d): %v", c.Uniq(), err)
		}
		if got != c {
			t.Fatalf("round trip %s -> %d -> %s", c, c.Uniq(), got)
		}
	}
	// every cell of depth d sorts before every cell of depth d+1
	if (Cell{0, 11}).Uniq() >= (Cell{1, 0}).Uniq() {
		t.Fatalf("uniq ordering broken between depth 0 and 1")
	}
	if _, err := FromUniq(3); err == nil {
		t.Fatalf("expected error for uniq 3")
	}
}

func TestHierarchy_ParentChildrenAncestor(t *testing.T) {
	c := Cell{Depth: 5, Index: 4097}
	p, ok := c.Parent()
	if !ok || p != (Cell{4, 1024}) {
		t.Fatalf("parent=%s ok=%v", p, ok)
	}
	found := false
	for _, k := range p.Children() {
		if k == c {
			found = true
		}
		if !p.IsAncestorOf(k) {
			t.Fatalf("%s must be ancestor of %s", p, k)
		}
	}
	if !found {
		t.Fatalf("children of %s do not include %s", p, c)
	}
	if got := c.Ancestor(5); got != (Cell{0, 4}) {
		t.Fatalf("base ancestor=%s want 0/4", got)
	}
	if got := c.Ancestor(9); got.Depth != 0 {
		t.Fatalf("ancestor must stop at depth 0, got %s", got)
	}
	if _, ok := (Cell{0, 3}).Parent(); ok {
		t.Fatalf("depth 0 has no parent")
	}
	if c.IsAncestorOf(c) {
		t.Fatalf("a cell is not its own strict ancestor")
	}
}

func TestChildrenAt_ContiguousNestedRange(t *testing.T) {
	c := Cell{Depth: 2, Index: 7}
	kids := c.ChildrenAt(2)
	if len(kids) != 16 {
		t.Fatalf("len=%d want 16", len(kids))
	}
	for i, k := range kids {
		if k.Depth != 4 || k.Index != 7*16+uint64(i) {
			t.Fatalf("kid %d = %s", i, k)
		}
		if k.TextureCell(2) != c {
			t.Fatalf("texture cell of %s = %s want %s", k, k.TextureCell(2), c)
		}
	}
	if got := c.ChildrenAt(0); len(got) != 1 || got[0] != c {
		t.Fatalf("ChildrenAt(0)=%v", got)
	}
}

func TestXY_RoundTripAndOffset(t *testing.T) {
	for idx := range uint64(NumCells(3)) {
		c := Cell{Depth: 3, Index: idx}
		x, y := c.XY()
		if x >= 8 || y >= 8 {
			t.Fatalf("xy out of base cell for %s: %d,%d", c, x, y)
		}
		if back := FromXY(3, c.BaseCell(), x, y); back != c {
			t.Fatalf("FromXY(%d,%d)=%s want %s", x, y, back, c)
		}
	}
	c := FromXY(4, 5, 11, 6)
	x, y := c.OffsetIn(c.Ancestor(2))
	if x != 3 || y != 2 {
		t.Fatalf("offset=(%d,%d) want (3,2)", x, y)
	}
}

func TestPredicates(t *testing.T) {
	if !(Cell{1, 3}).IsOnPole() {
		t.Fatalf("1/3 touches the north pole")
	}
	if !(Cell{1, 32}).IsOnPole() {
		t.Fatalf("1/32 touches the south pole")
	}
	if (Cell{1, 16}).IsOnPole() {
		t.Fatalf("equatorial cells never touch a pole")
	}
	if !(Cell{1, 1}).IsBaseCellSideCorner() || !(Cell{1, 2}).IsBaseCellSideCorner() {
		t.Fatalf("1/1 and 1/2 sit on the east/west corners of base cell 0")
	}
	if (Cell{1, 0}).IsBaseCellSideCorner() {
		t.Fatalf("1/0 is the south corner")
	}
	inner := FromXY(3, 0, 3, 4)
	if inner.IsOnBaseCellEdges() {
		t.Fatalf("%s is interior", inner)
	}
	if !FromXY(3, 0, 0, 4).IsOnBaseCellEdges() {
		t.Fatalf("x=0 is on the base edge")
	}
	if !(Cell{2, 0}).IsPolarBase() || (Cell{2, 4 * 16}).IsPolarBase() {
		t.Fatalf("polar base detection broken")
	}
}

func TestVertices_BaseCells(t *testing.T) {
	tl := TransitionLatitude
	cases := []struct {
		cell Cell
		want [4]LonLat
	}{
		{Cell{0, 0}, [4]LonLat{{math.Pi / 4, 0}, {math.Pi / 2, tl}, {math.Pi / 4, math.Pi / 2}, {0, tl}}},
		{Cell{0, 4}, [4]LonLat{{0, -tl}, {math.Pi / 4, 0}, {0, tl}, {7 * math.Pi / 4, 0}}},
		{Cell{0, 8}, [4]LonLat{{math.Pi / 4, -math.Pi / 2}, {math.Pi / 2, -tl}, {math.Pi / 4, 0}, {0, -tl}}},
	}
	for _, tc := range cases {
		got := tc.cell.Vertices()
		for i := range got {
			if !almostLonLat(got[i], tc.want[i]) {
				t.Fatalf("%s vertex %d = %+v want %+v", tc.cell, i, got[i], tc.want[i])
			}
		}
	}
}

func TestApproxRadius_BoundsEdgeMidpoints(t *testing.T) {
	for idx := range uint64(NumCells(2)) {
		c := Cell{Depth: 2, Index: idx}
		ctr := c.Center()
		r := c.ApproxRadius()
		for _, uv := range [][2]float64{{0.5, 0}, {1, 0.5}, {0.5, 1}, {0, 0.5}} {
			p := c.At(uv[0], uv[1])
			if d := AngularDistance(ctr, p); d > r {
				t.Fatalf("%s edge point %v at %g outside radius %g", c, uv, d, r)
			}
		}
	}
}

func almostLonLat(a, b LonLat) bool {
	const eps = 1e-9
	if math.Abs(a.Lat-b.Lat) > eps {
		return false
	}
	// longitude is meaningless at the poles
	if math.Abs(math.Abs(a.Lat)-math.Pi/2) < eps {
		return true
	}
	d := math.Abs(a.Lon - b.Lon)
	return d < eps || math.Abs(d-2*math.Pi) < eps
}
