package tessellate

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/mohammed-shakir/hipsview/internal/atlas"
	"github.com/mohammed-shakir/hipsview/internal/coosys"
	"github.com/mohammed-shakir/hipsview/internal/healpix"
)

// orthographic view looking at (lon 0, lat 0), width px wide
func ortho(apertureDeg, width float64) Projector {
	s := (width / 2) / math.Sin(apertureDeg*math.Pi/360)
	return ProjectorFunc(func(v r3.Vec) (float64, float64, bool) {
		if v.Z <= 0 {
			return 0, 0, false
		}
		return width/2 + s*v.X, width/2 - s*v.Y, true
	})
}

func deg(d float64) float64 { return d * math.Pi / 180 }

func TestSubdivisionDepth_MinimumMeshDepth(t *testing.T) {
	tess := New(DefaultConfig())
	p := ortho(180, 1024)
	for _, c := range []healpix.Cell{{Depth: 0, Index: 4}, {Depth: 1, Index: 17}, {Depth: 0, Index: 6}} {
		n := tess.SubdivisionDepth(c, p)
		if c.Depth+n < 3 {
			t.Fatalf("%s: depth %d + %d below the minimum mesh depth", c, c.Depth, n)
		}
	}
}

func TestSubdivisionDepth_SmallCellNotSplit(t *testing.T) {
	tess := New(DefaultConfig())
	c := healpix.FromXY(6, 4, 32, 32)
	if n := tess.SubdivisionDepth(c, ortho(180, 1024)); n != 0 {
		t.Fatalf("tiny cell split %d times", n)
	}
}

func TestSubdivisionDepth_HiddenVertexNoSplit(t *testing.T) {
	tess := New(DefaultConfig())
	// base cell 6 faces away from the camera
	c := healpix.FromXY(4, 6, 8, 8)
	if n := tess.SubdivisionDepth(c, ortho(1, 1024)); n != 0 {
		t.Fatalf("cell behind the camera split %d times", n)
	}
}

func TestSubdivisionDepth_CappedByMaxSubdivision(t *testing.T) {
	tess := New(DefaultConfig())
	c := healpix.FromXY(3, 4, 4, 4)
	if n := tess.SubdivisionDepth(c, ortho(0.01, 1024)); n != 4 {
		t.Fatalf("got %d want the cap 4", n)
	}
	capped := New(Config{MaxCellDepth: 5})
	if n := capped.SubdivisionDepth(c, ortho(0.01, 1024)); n != 2 {
		t.Fatalf("max cell depth 5: got %d want 2", n)
	}
}

func TestSubdivisionDepth_MonotoneInAperture(t *testing.T) {
	tess := New(DefaultConfig())
	cells := []healpix.Cell{
		healpix.FromXY(3, 4, 4, 4),
		healpix.FromXY(3, 4, 2, 5),
		{Depth: 0, Index: 4},
	}
	for _, c := range cells {
		prev := uint8(0)
		for ap := 180.0; ap >= 0.5; ap /= 1.5 {
			n := tess.SubdivisionDepth(c, ortho(ap, 1280))
			if n < prev {
				t.Fatalf("%s: aperture %.2f gave %d after %d at a wider aperture", c, ap, n, prev)
			}
			prev = n
		}
	}
}

func TestRefine_Interior(t *testing.T) {
	tess := New(DefaultConfig())
	c := healpix.FromXY(3, 5, 3, 3)
	got := tess.Refine(c, 1, deg(60))
	if len(got) != 4 {
		t.Fatalf("interior equatorial cell: %d cells want 4", len(got))
	}
	for _, g := range got {
		if g.Depth != 4 || !c.IsAncestorOf(g) {
			t.Fatalf("bad child %s", g)
		}
	}
}

func TestRefine_DistortedCells(t *testing.T) {
	tess := New(DefaultConfig())
	cases := []struct {
		name     string
		cell     healpix.Cell
		aperture float64
		want     int
	}{
		{"pole", healpix.FromXY(3, 0, 7, 7), deg(60), 4},
		{"side corner wide view", healpix.FromXY(3, 0, 0, 7), deg(20), 16},
		{"side corner narrow view on frontier", healpix.FromXY(3, 0, 0, 7), deg(10), 4},
		{"high latitude base edge", healpix.FromXY(3, 0, 7, 4), deg(60), 4},
		{"low latitude base edge", healpix.FromXY(3, 0, 0, 3), deg(60), 1},
		{"equatorial corner", healpix.FromXY(3, 5, 0, 7), deg(60), 1},
	}
	for _, tc := range cases {
		got := tess.Refine(tc.cell, 0, tc.aperture)
		if len(got) != tc.want {
			t.Fatalf("%s: %d cells want %d", tc.name, len(got), tc.want)
		}
	}
}

func TestMesh_QuadsAndUV(t *testing.T) {
	tess := New(DefaultConfig())
	c := healpix.FromXY(3, 5, 3, 3)
	from := atlas.UV{U0: 0, V0: 0, U1: 1, V1: 1, Slice: 2}
	to := atlas.PlaceholderUV

	var m Mesh
	tess.Mesh(&m, c, 1, deg(60), from, to, 1.5)
	if m.Quads() != 4 || len(m.Indices) != 24 {
		t.Fatalf("quads=%d indices=%d", m.Quads(), len(m.Indices))
	}
	want := []uint32{0, 1, 2, 0, 2, 3}
	for i, w := range want {
		if m.Indices[i] != w || m.Indices[6+i] != w+4 {
			t.Fatalf("indices=%v", m.Indices[:12])
		}
	}
	for _, v := range m.Vertices {
		n := math.Sqrt(float64(v.Pos[0]*v.Pos[0] + v.Pos[1]*v.Pos[1] + v.Pos[2]*v.Pos[2]))
		if math.Abs(n-1) > 1e-5 {
			t.Fatalf("vertex not on the unit sphere: %v", v.Pos)
		}
		if v.Start != 1.5 || v.UVTo != [3]float32{-1, -1, -1} {
			t.Fatalf("vertex=%+v", v)
		}
	}

	// first sub-quad is the south quarter of c
	s := c.Vertices()[0]
	p := coosys.LonLatToXYZ(s.Lon, s.Lat)
	v0 := m.Vertices[0]
	if math.Abs(float64(v0.Pos[0])-p.X) > 1e-6 || math.Abs(float64(v0.Pos[2])-p.Z) > 1e-6 {
		t.Fatalf("first vertex %v want %v", v0.Pos, p)
	}
	if v0.UVFrom != [3]float32{0, 0, 2} || m.Vertices[2].UVFrom != [3]float32{0.5, 0.5, 2} {
		t.Fatalf("uv from: S=%v N=%v", v0.UVFrom, m.Vertices[2].UVFrom)
	}

	capBefore := cap(m.Vertices)
	m.Reset()
	if len(m.Vertices) != 0 || cap(m.Vertices) != capBefore {
		t.Fatalf("reset must keep the buffer")
	}
}

func TestNew_ZeroConfigUsesDefaults(t *testing.T) {
	if got := New(Config{}).Config(); got != DefaultConfig() {
		t.Fatalf("config = %+v, want %+v", got, DefaultConfig())
	}
	if got := New(Config{FrontierOffset: -1}).Config().FrontierOffset; got != -1 {
		t.Fatalf("negative frontier offset must disable the band, got %d", got)
	}
	base := healpix.Cell{Depth: 0, Index: 4}
	if n := New(Config{}).SubdivisionDepth(base, ortho(0.01, 1024)); n < 3 {
		t.Fatalf("base cell subdivided %d levels, want at least 3", n)
	}
}
