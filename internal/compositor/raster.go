package compositor

import (
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/mohammed-shakir/hipsview/internal/atlas"
	"github.com/mohammed-shakir/hipsview/internal/coosys"
	"github.com/mohammed-shakir/hipsview/internal/healpix"
	"github.com/mohammed-shakir/hipsview/internal/tessellate"
)

// drawSource is what one visible cell is drawn from.
type drawSource struct {
	from, to atlas.UV
	start    float32
}

// Projector maps survey frame positions to the screen of v.
func (c *Compositor) Projector(v View) tessellate.Projector {
	from, to := c.survey.Frame, v.Frame()
	return tessellate.ProjectorFunc(func(p r3.Vec) (float64, float64, bool) {
		return v.Project(coosys.Apply(from, to, p))
	})
}

// rebuild regenerates the raster mesh of the visible cells.
func (c *Compositor) rebuild(v View, now time.Time) {
	c.mesh.Reset()
	c.subdiv = 0
	if len(c.cells) == 0 {
		return
	}

	// one subdivision level for the whole view keeps neighbouring cells
	// from showing cracks
	proj := c.Projector(v)
	for _, cell := range c.cells {
		c.subdiv = max(c.subdiv, c.tess.SubdivisionDepth(cell, proj))
	}

	aperture := v.Aperture()
	for _, cell := range c.cells {
		src, ok := c.resolve(cell, now)
		if !ok {
			continue
		}
		c.tess.Mesh(&c.mesh, cell, c.subdiv, aperture, src.from, src.to, src.start)
	}
}

// resolve picks the textures cell blends between. A bound slot blends in
// over its nearest resident ancestor; a missing one borrows the ancestor,
// itself blending over the next one up. Opaque surveys draw a black
// placeholder when nothing is resident; others leave a gap.
func (c *Compositor) resolve(cell healpix.Cell, now time.Time) (drawSource, bool) {
	if c.moc != nil && !c.moc.IntersectsCell(cell) {
		return c.placeholder()
	}

	if exact, ok := c.atlas.Lookup(cell); ok {
		to := c.atlas.UVFor(cell, exact)
		from := to
		if anc, ok := c.atlas.NearestResidentAncestor(cell); ok {
			from = c.atlas.UVFor(cell, anc)
		}
		return drawSource{from: from, to: to, start: c.blendTime(exact.EffectiveStartTime(now))}, true
	}

	anc, ok := c.atlas.NearestResidentAncestor(cell)
	if !ok {
		return c.placeholder()
	}
	to := c.atlas.UVFor(cell, anc)
	from := to
	if grand, ok := c.atlas.NearestResidentAncestor(anc.Cell()); ok {
		from = c.atlas.UVFor(cell, grand)
	}
	return drawSource{from: from, to: to, start: c.blendTime(anc.EffectiveStartTime(now))}, true
}

func (c *Compositor) placeholder() (drawSource, bool) {
	if !c.survey.Opaque() {
		return drawSource{}, false
	}
	return drawSource{
		from: atlas.PlaceholderUV,
		to:   atlas.PlaceholderUV,
		// before the epoch: never animated
		start: -float32(c.cfg.BlendDuration.Seconds()),
	}, true
}
