// Package tessellate turns HEALPix cells into screen-adaptive quad meshes.
// Cells whose projected diagonals are too long are split, and cells sitting
// on the most distorted parts of the pixelization get extra levels.
package tessellate

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/mohammed-shakir/hipsview/internal/atlas"
	"github.com/mohammed-shakir/hipsview/internal/coosys"
	"github.com/mohammed-shakir/hipsview/internal/healpix"
)

// Projector maps a unit vector to screen pixels. ok is false when the point
// is behind the camera or outside the projection.
type Projector interface {
	Project(v r3.Vec) (x, y float64, ok bool)
}

type ProjectorFunc func(v r3.Vec) (float64, float64, bool)

func (f ProjectorFunc) Project(v r3.Vec) (float64, float64, bool) { return f(v) }

type Config struct {
	// DiagonalThreshold2 is the squared on-screen diagonal, in pixels, above
	// which a cell is split.
	DiagonalThreshold2 float64
	MaxSubdivision     uint8
	MaxCellDepth       uint8
	// MinMeshDepth is the shallowest depth of emitted quads; zero means 3.
	MinMeshDepth uint8
	// WideAperture (radians) enables the extra corner refinement.
	WideAperture float64
	// FrontierOffset is the half width, in cells, of the refined band along
	// the polar base cell frontier. Zero means 1, negative disables the band.
	FrontierOffset int
}

func DefaultConfig() Config {
	return Config{
		DiagonalThreshold2: 220 * 220,
		MaxSubdivision:     4,
		MaxCellDepth:       healpix.MaxDepth,
		MinMeshDepth:       3,
		WideAperture:       15 * math.Pi / 180,
		FrontierOffset:     1,
	}
}

type Tessellator struct {
	cfg Config
}

func New(cfg Config) *Tessellator {
	d := DefaultConfig()
	if cfg.DiagonalThreshold2 <= 0 {
		cfg.DiagonalThreshold2 = d.DiagonalThreshold2
	}
	if cfg.MaxSubdivision == 0 {
		cfg.MaxSubdivision = d.MaxSubdivision
	}
	if cfg.MaxCellDepth == 0 || cfg.MaxCellDepth > healpix.MaxDepth {
		cfg.MaxCellDepth = d.MaxCellDepth
	}
	if cfg.MinMeshDepth == 0 {
		cfg.MinMeshDepth = d.MinMeshDepth
	}
	if cfg.WideAperture <= 0 {
		cfg.WideAperture = d.WideAperture
	}
	if cfg.FrontierOffset == 0 {
		cfg.FrontierOffset = d.FrontierOffset
	}
	return &Tessellator{cfg: cfg}
}

func (t *Tessellator) Config() Config { return t.cfg }

// SubdivisionDepth returns how many levels cell must be split so that no
// quad spans more than the diagonal threshold on screen. The result always
// brings the mesh down to at least MinMeshDepth.
func (t *Tessellator) SubdivisionDepth(cell healpix.Cell, p Projector) uint8 {
	n := t.subdivide(cell, cell.Depth, p)
	if d := cell.Depth + n; d < t.cfg.MinMeshDepth {
		n += t.cfg.MinMeshDepth - d
	}
	return n
}

func (t *Tessellator) subdivide(cell healpix.Cell, d0 uint8, p Projector) uint8 {
	if cell.Depth-d0 >= t.cfg.MaxSubdivision || cell.Depth >= t.cfg.MaxCellDepth || !t.tooLarge(cell, p) {
		return 0
	}
	var best uint8
	for _, ch := range cell.Children() {
		best = max(best, t.subdivide(ch, d0, p))
	}
	return 1 + best
}

func (t *Tessellator) tooLarge(cell healpix.Cell, p Projector) bool {
	var xs, ys [4]float64
	for i, v := range cell.Vertices() {
		x, y, ok := p.Project(coosys.LonLatToXYZ(v.Lon, v.Lat))
		if !ok {
			return false
		}
		xs[i], ys[i] = x, y
	}
	d1 := sq(xs[0]-xs[2]) + sq(ys[0]-ys[2])
	d2 := sq(xs[1]-xs[3]) + sq(ys[1]-ys[3])
	return d1 > t.cfg.DiagonalThreshold2 || d2 > t.cfg.DiagonalThreshold2
}

func sq(v float64) float64 { return v * v }

// Refine splits cell levels times, then adds levels to the children lying
// where the pixelization is most distorted. aperture is in radians.
func (t *Tessellator) Refine(cell healpix.Cell, levels uint8, aperture float64) []healpix.Cell {
	children := cell.ChildrenAt(levels)
	out := make([]healpix.Cell, 0, len(children))
	for _, ch := range children {
		extra := t.extraLevels(ch, aperture)
		if ch.Depth+extra > t.cfg.MaxCellDepth {
			extra = t.cfg.MaxCellDepth - ch.Depth
		}
		out = append(out, ch.ChildrenAt(extra)...)
	}
	return out
}

func (t *Tessellator) extraLevels(ch healpix.Cell, aperture float64) uint8 {
	polar := ch.IsPolarBase()
	// the depth-3 ancestor sits next to a vertex shared by only 3 base cells
	corner := ch.Depth >= 3 && ch.Ancestor(ch.Depth-3).IsBaseCellSideCorner()

	x, y := ch.XY()
	diag := int(x) + int(y) - int(ch.NSide()) + 1
	frontier := polar && diag >= -t.cfg.FrontierOffset && diag <= t.cfg.FrontierOffset

	switch {
	case aperture >= t.cfg.WideAperture && polar && corner:
		return 2
	case frontier && corner:
		return 1
	case ch.IsOnPole():
		return 1
	case ch.IsOnBaseCellEdges() && math.Abs(ch.Center().Lat) >= healpix.TransitionLatitude:
		return 1
	default:
		return 0
	}
}

// Vertex is one corner of a mesh quad. Pos is in the survey frame.
type Vertex struct {
	Pos    [3]float32
	UVFrom [3]float32
	UVTo   [3]float32
	Start  float32
}

// Mesh accumulates quads. Its buffers are kept across Reset calls.
type Mesh struct {
	Vertices []Vertex
	Indices  []uint32
}

func (m *Mesh) Reset() {
	m.Vertices = m.Vertices[:0]
	m.Indices = m.Indices[:0]
}

func (m *Mesh) Quads() int { return len(m.Vertices) / 4 }

// Mesh appends the refined quads of cell to m. from and to locate the cell
// in the blended-from and blended-to textures; start is the blend start time.
func (t *Tessellator) Mesh(m *Mesh, cell healpix.Cell, levels uint8, aperture float64, from, to atlas.UV, start float32) {
	for _, sub := range t.Refine(cell, levels, aperture) {
		n := float64(uint64(1) << uint(sub.Depth-cell.Depth))
		ox, oy := sub.OffsetIn(cell)
		base := uint32(len(m.Vertices))
		// S, E, N, W
		corners := [4][2]float64{{0, 0}, {1, 0}, {1, 1}, {0, 1}}
		for _, c := range corners {
			ll := sub.At(c[0], c[1])
			p := coosys.LonLatToXYZ(ll.Lon, ll.Lat)
			fx := (float64(ox) + c[0]) / n
			fy := (float64(oy) + c[1]) / n
			m.Vertices = append(m.Vertices, Vertex{
				Pos:    [3]float32{float32(p.X), float32(p.Y), float32(p.Z)},
				UVFrom: from.At(fx, fy),
				UVTo:   to.At(fx, fy),
				Start:  start,
			})
		}
		m.Indices = append(m.Indices,
			base, base+1, base+2,
			base, base+2, base+3,
		)
	}
}
