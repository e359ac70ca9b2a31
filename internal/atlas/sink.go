package atlas

import (
	"fmt"
	"image"
	"image/color"

	xdraw "golang.org/x/image/draw"
)

// Sink receives the pixels of integrated tiles. x and y are the pixel offset
// of the tile inside the slot texture, size its side in pixels.
type Sink interface {
	WriteTile(slot, x, y, size int, img image.Image) error
}

type nopSink struct{}

func (nopSink) WriteTile(int, int, int, int, image.Image) error { return nil }

// ImageSink keeps the atlas in memory as one RGBA image per slice.
type ImageSink struct {
	side        int
	textureSize int
	slices      []*image.RGBA
}

func NewImageSink(slotsPerSide, slices, textureSize int) *ImageSink {
	s := &ImageSink{side: slotsPerSide, textureSize: textureSize}
	px := slotsPerSide * textureSize
	for range slices {
		s.slices = append(s.slices, image.NewRGBA(image.Rect(0, 0, px, px)))
	}
	return s
}

// SlotOrigin returns the slice and top-left pixel of a slot.
func (s *ImageSink) SlotOrigin(slot int) (slice int, p image.Point) {
	per := s.side * s.side
	slice = slot / per
	local := slot % per
	return slice, image.Pt((local%s.side)*s.textureSize, (local/s.side)*s.textureSize)
}

func (s *ImageSink) WriteTile(slot, x, y, size int, img image.Image) error {
	slice, origin := s.SlotOrigin(slot)
	if slice >= len(s.slices) {
		return fmt.Errorf("atlas sink: slot %d out of range", slot)
	}
	if x < 0 || y < 0 || x+size > s.textureSize || y+size > s.textureSize {
		return fmt.Errorf("atlas sink: tile %dpx at (%d,%d) exceeds texture %dpx", size, x, y, s.textureSize)
	}
	dst := image.Rect(origin.X+x, origin.Y+y, origin.X+x+size, origin.Y+y+size)
	if img == nil {
		xdraw.Draw(s.slices[slice], dst, image.NewUniform(color.Transparent), image.Point{}, xdraw.Src)
		return nil
	}
	if img.Bounds().Dx() == size && img.Bounds().Dy() == size {
		xdraw.Draw(s.slices[slice], dst, img, img.Bounds().Min, xdraw.Src)
		return nil
	}
	xdraw.ApproxBiLinear.Scale(s.slices[slice], dst, img, img.Bounds(), xdraw.Src, nil)
	return nil
}

// Slice returns the pixels of one atlas slice.
func (s *ImageSink) Slice(i int) *image.RGBA {
	if i < 0 || i >= len(s.slices) {
		return nil
	}
	return s.slices[i]
}
