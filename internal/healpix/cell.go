// Package healpix implements the nested HEALPix cell addressing used to key
// survey tiles: hierarchy navigation, uniq numbering and the topological
// predicates the tessellator relies on.
package healpix

import (
	"errors"
	"fmt"
	"math/bits"
)

// MaxDepth is the deepest order addressable with a 64-bit nested index.
const MaxDepth = 29

// NumBaseCells is the number of depth 0 cells.
const NumBaseCells = 12

var ErrInvalidCell = errors.New("healpix: invalid cell")

// Cell is a node (depth, nested index) of the HEALPix hierarchy.
type Cell struct {
	Depth uint8
	Index uint64
}

func NewCell(depth uint8, index uint64) (Cell, error) {
	if depth > MaxDepth {
		return Cell{}, fmt.Errorf("%w: depth %d exceeds %d", ErrInvalidCell, depth, MaxDepth)
	}
	if index >= NumCells(depth) {
		return Cell{}, fmt.Errorf("%w: index %d out of range at depth %d", ErrInvalidCell, index, depth)
	}
	return Cell{Depth: depth, Index: index}, nil
}

// NumCells returns 12·4^depth.
func NumCells(depth uint8) uint64 {
	return NumBaseCells << (2 * uint(depth))
}

// FromUniq decodes a uniq number produced by Cell.Uniq.
func FromUniq(u uint64) (Cell, error) {
	if u < 4 {
		return Cell{}, fmt.Errorf("%w: uniq %d", ErrInvalidCell, u)
	}
	depth := (bits.Len64(u) - 3) / 2
	if depth > MaxDepth {
		return Cell{}, fmt.Errorf("%w: uniq %d too deep", ErrInvalidCell, u)
	}
	d := uint8(depth)
	return NewCell(d, u-(4<<(2*uint(d))))
}

func (c Cell) String() string {
	return fmt.Sprintf("%d/%d", c.Depth, c.Index)
}

func (c Cell) Valid() bool {
	return c.Depth <= MaxDepth && c.Index < NumCells(c.Depth)
}

// Uniq packs depth and index in one integer: 4·4^depth + index.
func (c Cell) Uniq() uint64 {
	return (4 << (2 * uint(c.Depth))) + c.Index
}

func (c Cell) NSide() uint32 {
	return 1 << c.Depth
}

// BaseCell returns the index of the depth 0 ancestor.
func (c Cell) BaseCell() uint8 {
	return uint8(c.Index >> (2 * uint(c.Depth)))
}

// Parent returns the depth-1 cell containing c; ok is false at depth 0.
func (c Cell) Parent() (Cell, bool) {
	if c.Depth == 0 {
		return c, false
	}
	return Cell{Depth: c.Depth - 1, Index: c.Index >> 2}, true
}

// Ancestor goes up delta levels, stopping at depth 0.
func (c Cell) Ancestor(delta uint8) Cell {
	if delta > c.Depth {
		delta = c.Depth
	}
	return Cell{Depth: c.Depth - delta, Index: c.Index >> (2 * uint(delta))}
}

// IsAncestorOf reports whether c strictly contains o.
func (c Cell) IsAncestorOf(o Cell) bool {
	if o.Depth <= c.Depth {
		return false
	}
	return o.Ancestor(o.Depth-c.Depth) == c
}

// Children returns the four depth+1 cells in nested order.
func (c Cell) Children() [4]Cell {
	first := c.Index << 2
	d := c.Depth + 1
	return [4]Cell{
		{Depth: d, Index: first},
		{Depth: d, Index: first + 1},
		{Depth: d, Index: first + 2},
		{Depth: d, Index: first + 3},
	}
}

// ChildrenAt returns the 4^delta descendants delta levels down, in nested order.
func (c Cell) ChildrenAt(delta uint8) []Cell {
	if delta == 0 {
		return []Cell{c}
	}
	shift := 2 * uint(delta)
	first := c.Index << shift
	n := uint64(1) << shift
	out := make([]Cell, n)
	for i := range n {
		out[i] = Cell{Depth: c.Depth + delta, Index: first + i}
	}
	return out
}

// TextureCell returns the ancestor grouping c with its siblings in one atlas
// slot, delta-depth levels up.
func (c Cell) TextureCell(deltaDepth uint8) Cell {
	return c.Ancestor(deltaDepth)
}

// TileCells returns the tiles packed in the slot of texture cell c.
func (c Cell) TileCells(deltaDepth uint8) []Cell {
	return c.ChildrenAt(deltaDepth)
}

// XY returns the position of c inside its base cell, x along the
// south-east edge and y along the south-west edge.
func (c Cell) XY() (x, y uint32) {
	local := c.Index & ((uint64(1) << (2 * uint(c.Depth))) - 1)
	return compact(local), compact(local >> 1)
}

// FromXY builds a cell from its base cell and in-base coordinates.
func FromXY(depth, base uint8, x, y uint32) Cell {
	idx := uint64(base)<<(2*uint(depth)) | spread(x) | spread(y)<<1
	return Cell{Depth: depth, Index: idx}
}

// OffsetIn returns the position of c inside ancestor a, in units of c.
func (c Cell) OffsetIn(a Cell) (x, y uint32) {
	delta := uint(0)
	if c.Depth > a.Depth {
		delta = uint(c.Depth - a.Depth)
	}
	mask := uint32(1)<<delta - 1
	cx, cy := c.XY()
	return cx & mask, cy & mask
}

// IsPolarBase reports whether c lies in one of the 8 polar base cells.
func (c Cell) IsPolarBase() bool {
	b := c.BaseCell()
	return b < 4 || b >= 8
}

// IsOnPole reports whether one vertex of c is a pole.
func (c Cell) IsOnPole() bool {
	x, y := c.XY()
	last := c.NSide() - 1
	switch b := c.BaseCell(); {
	case b < 4:
		return x == last && y == last
	case b >= 8:
		return x == 0 && y == 0
	default:
		return false
	}
}

// IsOnBaseCellEdges reports whether c shares an edge with its base cell.
func (c Cell) IsOnBaseCellEdges() bool {
	x, y := c.XY()
	last := c.NSide() - 1
	return x == 0 || y == 0 || x == last || y == last
}

// IsBaseCellSideCorner reports whether c touches the east or west corner of
// its base cell. Those are the vertices shared by only three base cells, where
// cells have 7 neighbours.
func (c Cell) IsBaseCellSideCorner() bool {
	x, y := c.XY()
	last := c.NSide() - 1
	return (x == 0 && y == last) || (x == last && y == 0)
}

func compact(v uint64) uint32 {
	v &= 0x5555555555555555
	v = (v | v>>1) & 0x3333333333333333
	v = (v | v>>2) & 0x0F0F0F0F0F0F0F0F
	v = (v | v>>4) & 0x00FF00FF00FF00FF
	v = (v | v>>8) & 0x0000FFFF0000FFFF
	v = (v | v>>16) & 0x00000000FFFFFFFF
	return uint32(v)
}

func spread(x uint32) uint64 {
	v := uint64(x)
	v = (v | v<<16) & 0x0000FFFF0000FFFF
	v = (v | v<<8) & 0x00FF00FF00FF00FF
	v = (v | v<<4) & 0x0F0F0F0F0F0F0F0F
	v = (v | v<<2) & 0x3333333333333333
	v = (v | v<<1) & 0x5555555555555555
	return v
}
