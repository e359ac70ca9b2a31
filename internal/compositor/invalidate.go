package compositor

import (
	"log/slog"

	"github.com/mohammed-shakir/hipsview/internal/healpix"
	"github.com/mohammed-shakir/hipsview/internal/query"
)

// Invalidate unbinds the textures overlapping cells so the next frames
// request them again. It returns the tile queries whose cached bytes are now
// outdated: the listed cells themselves and the tiles of every dropped
// texture. Pinned base textures are kept.
func (c *Compositor) Invalidate(cells ...healpix.Cell) []query.Query {
	dd := c.survey.DeltaDepth
	seen := map[string]struct{}{}
	var out []query.Query
	add := func(tile healpix.Cell) {
		if tile.Depth < c.survey.MinDepthTile() || tile.Depth > c.survey.MaxDepthTile() {
			return
		}
		q := query.NewTile(tile, c.cfg.Channel, c.survey)
		if _, dup := seen[q.ID()]; dup {
			return
		}
		seen[q.ID()] = struct{}{}
		delete(c.failed, q.ID())
		out = append(out, q)
	}

	for _, cell := range cells {
		if !cell.Valid() {
			continue
		}
		add(cell)
		for _, tex := range c.atlas.Invalidate(cell) {
			c.evicted(tex)
			for _, tile := range tex.TileCells(dd) {
				add(tile)
			}
		}
	}
	if len(out) > 0 {
		c.log.Info("textures invalidated", slog.Int("cells", len(cells)), slog.Int("tiles", len(out)))
	}
	return out
}

// InvalidateAll drops every unpinned texture of the survey.
func (c *Compositor) InvalidateAll() []query.Query {
	cells := make([]healpix.Cell, healpix.NumBaseCells)
	for i := range cells {
		cells[i] = healpix.Cell{Index: uint64(i)}
	}
	clear(c.failed)
	return c.Invalidate(cells...)
}
