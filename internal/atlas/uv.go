package atlas

import "github.com/mohammed-shakir/hipsview/internal/healpix"

// UV locates the part of an atlas slot that covers one cell. Coordinates are
// normalized to the slice, Slice is the layer index.
type UV struct {
	U0, V0 float32
	U1, V1 float32
	Slice  float32
}

// PlaceholderUV marks geometry drawn without texture data.
var PlaceholderUV = UV{U0: -1, V0: -1, U1: -1, V1: -1, Slice: -1}

func (uv UV) IsPlaceholder() bool { return uv.Slice < 0 }

// At interpolates the texture coordinate of the cell-local point (x, y).
// Texture columns follow the cell y axis and rows the x axis.
func (uv UV) At(x, y float64) [3]float32 {
	if uv.IsPlaceholder() {
		return [3]float32{-1, -1, -1}
	}
	return [3]float32{
		uv.U0 + (uv.U1-uv.U0)*float32(y),
		uv.V0 + (uv.V1-uv.V0)*float32(x),
		uv.Slice,
	}
}

// UVFor returns the coordinates of cell inside slot s. The slot cell must be
// cell or one of its ancestors.
func (c *Cache) UVFor(cell healpix.Cell, s *Slot) UV {
	per := c.side * c.side
	slice := s.index / per
	local := s.index % per
	col, row := local%c.side, local/c.side

	var i, j uint32
	n := uint32(1)
	if cell.Depth > s.cell.Depth {
		n = 1 << uint(cell.Depth-s.cell.Depth)
		i, j = cell.OffsetIn(s.cell)
	}
	side := float32(c.side)
	fn := float32(n)
	return UV{
		U0:    (float32(col) + float32(j)/fn) / side,
		U1:    (float32(col) + float32(j+1)/fn) / side,
		V0:    (float32(row) + float32(i)/fn) / side,
		V1:    (float32(row) + float32(i+1)/fn) / side,
		Slice: float32(slice),
	}
}
