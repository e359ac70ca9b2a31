// Package hotness tracks how often sky regions are requested. Scores order
// the fetch queue so that regions the user keeps returning to load first.
package hotness

import "github.com/mohammed-shakir/hipsview/internal/healpix"

type Interface interface {
	Inc(cell healpix.Cell)
	Score(cell healpix.Cell) float64
	Reset(cells ...healpix.Cell)
}

// RegionDelta is how many levels above a tile its hotness region sits.
const RegionDelta = 2

// Region returns the cell whose hotness is credited for a request of c.
func Region(c healpix.Cell) healpix.Cell {
	return c.Ancestor(RegionDelta)
}
