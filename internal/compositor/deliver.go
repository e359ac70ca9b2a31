package compositor

import (
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/mohammed-shakir/hipsview/internal/atlas"
	"github.com/mohammed-shakir/hipsview/internal/decode"
	"github.com/mohammed-shakir/hipsview/internal/fetch"
	"github.com/mohammed-shakir/hipsview/internal/healpix"
	"github.com/mohammed-shakir/hipsview/internal/query"
)

// Deliver integrates a completed fetch. Tiles the server does not publish
// are stored empty so they are never asked for again; other failures are
// retried once RetryAfter has passed.
func (c *Compositor) Deliver(res fetch.Result, now time.Time) error {
	id := res.Query.ID()
	if f, ok := c.inflight[id]; ok {
		// a newer request for the same tile keeps its mark
		if _, tile := res.Query.(query.Tile); !tile || f.requested.Equal(res.RequestTime) {
			delete(c.inflight, id)
		}
	}

	if res.Err != nil && !res.NotFound() {
		c.failed[id] = now
		c.log.Warn("fetch failed",
			slog.String("query", id),
			slog.String("kind", res.Query.Kind().String()),
			slog.Any("err", res.Err),
		)
		return nil
	}

	switch q := res.Query.(type) {
	case query.Tile:
		return c.deliverTile(q, res)
	case query.Allsky:
		if res.NotFound() {
			return nil
		}
		return c.deliverAllsky(res, now)
	case query.Coverage:
		if res.MOC != nil {
			c.moc = res.MOC
			c.log.Info("coverage loaded", slog.Float64("sky_fraction", res.MOC.Coverage()))
		}
	case query.PixelMetadata:
		if res.Meta != nil {
			c.meta = res.Meta
		}
	}
	return nil
}

func (c *Compositor) deliverTile(q query.Tile, res fetch.Result) error {
	if c.atlas.ContainsTile(q.Cell) {
		return nil
	}
	img := res.Image
	if res.NotFound() {
		img = c.emptyTile()
	}
	out, err := c.atlas.IntegrateTile(q.Cell, img, res.RequestTime)
	if err != nil {
		return fmt.Errorf("deliver %s: %w", q.Cell, err)
	}
	if out == atlas.IntegrationStale {
		c.log.Debug("late tile dropped", slog.String("tile", q.Cell.String()))
	}
	return nil
}

// emptyTile stands in for tiles the server does not publish: opaque black
// for surveys without alpha, nil (transparent) otherwise.
func (c *Compositor) emptyTile() image.Image {
	if !c.survey.Opaque() {
		return nil
	}
	if c.black == nil {
		size := c.atlas.TileSize()
		img := image.NewRGBA(image.Rect(0, 0, size, size))
		xdraw.Draw(img, img.Bounds(), image.NewUniform(color.Black), image.Point{}, xdraw.Src)
		c.black = img
	}
	return c.black
}

// deliverAllsky fills and pins the twelve base textures. They stay resident
// so every cell always has an ancestor to fall back on.
func (c *Compositor) deliverAllsky(res fetch.Result, now time.Time) error {
	if res.Image == nil {
		return nil
	}
	tiles, err := decode.SplitAllsky(res.Image)
	if err != nil {
		return fmt.Errorf("deliver allsky: %w", err)
	}
	size := c.atlas.TextureSize()
	for b := range uint8(healpix.NumBaseCells) {
		cell := healpix.Cell{Depth: 0, Index: uint64(b)}
		s, ok := c.atlas.Lookup(cell)
		if ok && s.IsFull() {
			c.atlas.Pin(cell)
			continue
		}
		if !ok {
			if _, err := c.atlas.ReserveSlotFor(cell, now); err != nil {
				return fmt.Errorf("deliver allsky: %w", err)
			}
			s, _ = c.atlas.Lookup(cell)
		}
		tex, err := decode.ComposeBase(tiles, b, size)
		if err != nil {
			return fmt.Errorf("deliver allsky: %w", err)
		}
		if _, err := c.atlas.IntegrateTexture(cell, tex, s.Requested()); err != nil {
			return fmt.Errorf("deliver allsky: %w", err)
		}
		c.atlas.Pin(cell)
	}
	return nil
}
