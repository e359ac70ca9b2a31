// Package snapshot renders the raster mesh as a wireframe image for
// debugging tessellation and texture fallback.
package snapshot

import (
	"fmt"
	"image/color"
	"io"

	"github.com/fogleman/gg"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/mohammed-shakir/hipsview/internal/tessellate"
)

type Options struct {
	Width, Height int
	Background    color.Color
	// Textured quads sample atlas data; Placeholder quads have none.
	Textured    color.Color
	Placeholder color.Color
	LineWidth   float64
}

func DefaultOptions(width, height int) Options {
	return Options{
		Width:       width,
		Height:      height,
		Background:  color.Black,
		Textured:    color.RGBA{R: 80, G: 220, B: 120, A: 255},
		Placeholder: color.RGBA{R: 120, G: 120, B: 120, A: 255},
		LineWidth:   1,
	}
}

// Render projects every quad of m and strokes its outline. Quads with a
// corner off screen are skipped. The result is written as PNG.
func Render(w io.Writer, m *tessellate.Mesh, p tessellate.Projector, opts Options) error {
	if opts.Width <= 0 || opts.Height <= 0 {
		return fmt.Errorf("snapshot: invalid size %dx%d", opts.Width, opts.Height)
	}
	dc := gg.NewContext(opts.Width, opts.Height)
	dc.SetColor(opts.Background)
	dc.Clear()
	dc.SetLineWidth(opts.LineWidth)

	var xs, ys [4]float64
	for q := range m.Quads() {
		quad := m.Vertices[4*q : 4*q+4]
		visible := true
		for i, vx := range quad {
			pos := r3.Vec{X: float64(vx.Pos[0]), Y: float64(vx.Pos[1]), Z: float64(vx.Pos[2])}
			x, y, ok := p.Project(pos)
			if !ok {
				visible = false
				break
			}
			xs[i], ys[i] = x, y
		}
		if !visible {
			continue
		}
		dc.MoveTo(xs[0], ys[0])
		for i := 1; i < 4; i++ {
			dc.LineTo(xs[i], ys[i])
		}
		dc.ClosePath()
		if quad[0].UVTo[2] < 0 {
			dc.SetColor(opts.Placeholder)
		} else {
			dc.SetColor(opts.Textured)
		}
		dc.Stroke()
	}

	if err := dc.EncodePNG(w); err != nil {
		return fmt.Errorf("snapshot: encode: %w", err)
	}
	return nil
}
