package decode

import (
	"fmt"
	"image"

	xdraw "golang.org/x/image/draw"

	"github.com/mohammed-shakir/hipsview/internal/healpix"
)

const (
	// AllskyDepth is the depth of the tiles packed in an Allsky image.
	AllskyDepth      = 3
	AllskyPerRow     = 27
	allskyTiles      = 12 * 64
	tilesPerBaseSide = 8
)

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// SplitAllsky cuts an Allsky image into its 768 depth-3 tiles, in nested
// index order. Tiles are laid out 27 per row.
func SplitAllsky(img image.Image) ([]image.Image, error) {
	b := img.Bounds()
	size := b.Dx() / AllskyPerRow
	rows := (allskyTiles + AllskyPerRow - 1) / AllskyPerRow
	if size == 0 || b.Dy() < rows*size {
		return nil, fmt.Errorf("decode allsky: %dx%d image too small", b.Dx(), b.Dy())
	}
	out := make([]image.Image, allskyTiles)
	for i := range allskyTiles {
		x := b.Min.X + (i%AllskyPerRow)*size
		y := b.Min.Y + (i/AllskyPerRow)*size
		r := image.Rect(x, y, x+size, y+size)
		if si, ok := img.(subImager); ok {
			out[i] = si.SubImage(r)
			continue
		}
		dst := image.NewRGBA(image.Rect(0, 0, size, size))
		xdraw.Draw(dst, dst.Bounds(), img, r.Min, xdraw.Src)
		out[i] = dst
	}
	return out, nil
}

// ComposeBase assembles the 64 depth-3 tiles of base cell into one texture
// of size pixels. Texture columns follow the cell y axis and rows the x axis.
func ComposeBase(tiles []image.Image, base uint8, size int) (*image.RGBA, error) {
	if len(tiles) != allskyTiles {
		return nil, fmt.Errorf("decode allsky: got %d tiles, want %d", len(tiles), allskyTiles)
	}
	if base >= healpix.NumBaseCells || size < tilesPerBaseSide {
		return nil, fmt.Errorf("decode allsky: bad base %d or size %d", base, size)
	}
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	step := size / tilesPerBaseSide
	first := uint64(base) * 64
	for k := range uint64(64) {
		c := healpix.Cell{Depth: AllskyDepth, Index: first + k}
		x, y := c.OffsetIn(healpix.Cell{Depth: 0, Index: uint64(base)})
		r := image.Rect(int(y)*step, int(x)*step, int(y+1)*step, int(x+1)*step)
		src := tiles[first+k]
		xdraw.ApproxBiLinear.Scale(dst, r, src, src.Bounds(), xdraw.Src, nil)
	}
	return dst, nil
}
