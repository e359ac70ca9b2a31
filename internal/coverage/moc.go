// Package coverage represents the sky footprint of a survey as a
// multi-order coverage map: a sorted set of cell ranges at the deepest
// HEALPix depth.
package coverage

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/hipsview/internal/healpix"
)

// Range is a half-open interval of depth-29 cell indices.
type Range struct {
	Lo, Hi uint64
}

type MOC struct {
	depth  uint8
	ranges []Range
}

func shift(d uint8) uint { return 2 * uint(healpix.MaxDepth-d) }

func cellRange(c healpix.Cell) Range {
	s := shift(c.Depth)
	return Range{Lo: c.Index << s, Hi: (c.Index + 1) << s}
}

// FullSky covers every cell.
func FullSky() *MOC {
	return &MOC{ranges: []Range{{Lo: 0, Hi: healpix.NumCells(healpix.MaxDepth)}}}
}

func FromCells(cells []healpix.Cell) *MOC {
	m := &MOC{}
	rs := make([]Range, 0, len(cells))
	for _, c := range cells {
		if !c.Valid() {
			continue
		}
		m.depth = max(m.depth, c.Depth)
		rs = append(rs, cellRange(c))
	}
	m.ranges = normalize(rs)
	return m
}

// FromUniq builds a MOC from NUNIQ encoded cells, the layout of MOC FITS
// tables.
func FromUniq(uniqs []uint64) (*MOC, error) {
	cells := make([]healpix.Cell, 0, len(uniqs))
	for _, u := range uniqs {
		c, err := healpix.FromUniq(u)
		if err != nil {
			return nil, fmt.Errorf("moc uniq %d: %w", u, err)
		}
		cells = append(cells, c)
	}
	return FromCells(cells), nil
}

// ParseASCII reads the ASCII serialization, e.g. "3/1-3,5 4/100".
func ParseASCII(s string) (*MOC, error) {
	var rs []Range
	depth := -1
	m := &MOC{}
	for _, tok := range strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' || r == '\n' || r == '\t' }) {
		if d, rest, ok := strings.Cut(tok, "/"); ok {
			n, err := strconv.Atoi(d)
			if err != nil || n < 0 || n > healpix.MaxDepth {
				return nil, fmt.Errorf("moc: bad depth %q", d)
			}
			depth = n
			m.depth = max(m.depth, uint8(n))
			tok = rest
		}
		if tok == "" {
			continue
		}
		if depth < 0 {
			return nil, fmt.Errorf("moc: index %q before any depth", tok)
		}
		lo, hi, isRange := strings.Cut(tok, "-")
		first, err := strconv.ParseUint(lo, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("moc: bad index %q", tok)
		}
		last := first
		if isRange {
			if last, err = strconv.ParseUint(hi, 10, 64); err != nil || last < first {
				return nil, fmt.Errorf("moc: bad range %q", tok)
			}
		}
		if _, err := healpix.NewCell(uint8(depth), last); err != nil {
			return nil, fmt.Errorf("moc: %w", err)
		}
		sh := shift(uint8(depth))
		rs = append(rs, Range{Lo: first << sh, Hi: (last + 1) << sh})
	}
	m.ranges = normalize(rs)
	return m, nil
}

func normalize(rs []Range) []Range {
	if len(rs) == 0 {
		return nil
	}
	slices.SortFunc(rs, func(a, b Range) int {
		switch {
		case a.Lo < b.Lo:
			return -1
		case a.Lo > b.Lo:
			return 1
		default:
			return 0
		}
	})
	out := rs[:1]
	for _, r := range rs[1:] {
		last := &out[len(out)-1]
		if r.Lo <= last.Hi {
			last.Hi = max(last.Hi, r.Hi)
			continue
		}
		out = append(out, r)
	}
	return out
}

// Depth is the deepest order the coverage was declared at.
func (m *MOC) Depth() uint8 { return m.depth }

func (m *MOC) Ranges() []Range { return m.ranges }

func (m *MOC) Empty() bool { return len(m.ranges) == 0 }

// first range ending after lo
func (m *MOC) search(lo uint64) int {
	i, _ := slices.BinarySearchFunc(m.ranges, lo, func(r Range, v uint64) int {
		if r.Hi <= v {
			return -1
		}
		return 1
	})
	return i
}

// IntersectsCell reports whether any part of c is covered. A nil MOC covers
// the whole sky.
func (m *MOC) IntersectsCell(c healpix.Cell) bool {
	if m == nil {
		return true
	}
	r := cellRange(c)
	i := m.search(r.Lo)
	return i < len(m.ranges) && m.ranges[i].Lo < r.Hi
}

// ContainsCell reports whether c is entirely covered.
func (m *MOC) ContainsCell(c healpix.Cell) bool {
	if m == nil {
		return true
	}
	r := cellRange(c)
	i := m.search(r.Lo)
	return i < len(m.ranges) && m.ranges[i].Lo <= r.Lo && m.ranges[i].Hi >= r.Hi
}

// Cells expands the coverage into cells of at most depth, coarsest first
// within each range.
func (m *MOC) Cells(depth uint8) []healpix.Cell {
	var out []healpix.Cell
	s := shift(depth)
	for _, r := range m.ranges {
		lo := (r.Lo + (1<<s - 1)) >> s
		hi := r.Hi >> s
		for i := lo; i < hi; i++ {
			out = append(out, healpix.Cell{Depth: depth, Index: i})
		}
	}
	return out
}

// Coverage returns the covered fraction of the sphere.
func (m *MOC) Coverage() float64 {
	var n uint64
	for _, r := range m.ranges {
		n += r.Hi - r.Lo
	}
	return float64(n) / float64(healpix.NumCells(healpix.MaxDepth))
}

func (m *MOC) String() string {
	var b strings.Builder
	for d := uint8(0); d <= m.depth; d++ {
		var idx []string
		for _, c := range m.cellsExactly(d) {
			idx = append(idx, strconv.FormatUint(c.Index, 10))
		}
		if len(idx) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%d/%s", d, strings.Join(idx, ","))
	}
	return b.String()
}

// cells of depth d in the minimal decomposition
func (m *MOC) cellsExactly(d uint8) []healpix.Cell {
	var out []healpix.Cell
	s := shift(d)
	for _, r := range m.ranges {
		for i := (r.Lo + (1<<s - 1)) >> s; (i+1)<<s <= r.Hi; i++ {
			c := healpix.Cell{Depth: d, Index: i}
			if p, ok := c.Parent(); ok && d > 0 {
				pr := cellRange(p)
				if pr.Lo >= r.Lo && pr.Hi <= r.Hi {
					continue
				}
			}
			out = append(out, c)
		}
	}
	return out
}
