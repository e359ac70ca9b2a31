package compositor

import (
	"errors"
	"log/slog"
	"time"

	"github.com/mohammed-shakir/hipsview/internal/atlas"
	"github.com/mohammed-shakir/hipsview/internal/healpix"
	"github.com/mohammed-shakir/hipsview/internal/query"
	"github.com/mohammed-shakir/hipsview/internal/survey"
)

// collectRequests walks the visible tiles, grouped by texture, keeps the
// atlas priorities of everything drawn this frame and lists the tiles that
// still have to be fetched.
func (c *Compositor) collectRequests(v View, tileDepth uint8, now time.Time) {
	c.requests = c.requests[:0]
	clear(c.seen)

	dd := c.survey.DeltaDepth
	var textures []healpix.Cell
	for _, tile := range v.CellsInView(tileDepth, c.survey.Frame) {
		tex := tile.TextureCell(dd)
		if _, dup := c.seen[tex]; dup {
			continue
		}
		c.seen[tex] = struct{}{}
		textures = append(textures, tex)
		// protects the slot, or the ancestor drawn in its place
		c.atlas.Touch(tex)
	}

	for _, tex := range textures {
		reserved := false
		for _, tile := range tex.TileCells(dd) {
			if c.moc != nil && !c.moc.IntersectsCell(tile) {
				continue
			}
			if c.atlas.ContainsTile(tile) {
				continue
			}
			q := query.NewTile(tile, c.cfg.Channel, c.survey)
			if _, ok := c.inflight[q.ID()]; ok {
				continue
			}
			if at, ok := c.failed[q.ID()]; ok && now.Sub(at) < c.cfg.RetryAfter {
				continue
			}
			if !reserved {
				if _, err := c.atlas.ReserveSlotFor(tex, now); err != nil {
					if errors.Is(err, atlas.ErrNoSlot) {
						c.log.Warn("atlas full, requests deferred", slog.String("texture", tex.String()))
						return
					}
					c.log.Error("reserve slot", slog.String("texture", tex.String()), slog.Any("err", err))
					break
				}
				reserved = true
			}
			delete(c.failed, q.ID())
			c.inflight[q.ID()] = inflight{texture: tex, requested: now}
			c.requests = append(c.requests, q)
		}
	}
}

// InitialRequests lists the survey wide resources to fetch once: the Allsky
// mosaic that fills the base textures, the coverage map and, for FITS
// surveys, the pixel scaling metadata.
func (c *Compositor) InitialRequests() []query.Query {
	qs := []query.Query{
		query.NewAllsky(c.survey, c.cfg.Channel),
		query.NewCoverage(c.survey),
	}
	if c.survey.Format == survey.FormatFITS {
		qs = append(qs, query.NewPixelMetadata(c.survey))
	}
	for _, q := range qs {
		c.inflight[q.ID()] = inflight{}
	}
	return qs
}
