// Package colormap maps normalized survey values to display colors for
// surveys that store raw numbers (FITS tiles).
package colormap

import (
	"fmt"
	"image/color"
	"sort"
	"strings"
)

// Colormap maps t in [0, 1] to a color.
type Colormap struct {
	name   string
	colors []color.RGBA
}

func (c Colormap) Name() string { return c.name }

// At linearly interpolates between the control colors.
func (c Colormap) At(t float64) color.RGBA {
	if t <= 0 {
		return c.colors[0]
	}
	if t >= 1 {
		return c.colors[len(c.colors)-1]
	}
	idx := t * float64(len(c.colors)-1)
	lower := int(idx)
	upper := min(lower+1, len(c.colors)-1)
	return interpolate(c.colors[lower], c.colors[upper], idx-float64(lower))
}

// LUT samples the colormap into n RGBA texels, the layout uploaded as a
// 1-D lookup texture.
func (c Colormap) LUT(n int, reversed bool) []byte {
	out := make([]byte, 0, 4*n)
	for i := range n {
		t := float64(i) / float64(max(n-1, 1))
		if reversed {
			t = 1 - t
		}
		px := c.At(t)
		out = append(out, px.R, px.G, px.B, px.A)
	}
	return out
}

func interpolate(c1, c2 color.RGBA, t float64) color.RGBA {
	return color.RGBA{
		R: uint8(float64(c1.R) + t*(float64(c2.R)-float64(c1.R))),
		G: uint8(float64(c1.G) + t*(float64(c2.G)-float64(c1.G))),
		B: uint8(float64(c1.B) + t*(float64(c2.B)-float64(c1.B))),
		A: 255,
	}
}

var (
	Grayscale = Colormap{name: "grayscale", colors: []color.RGBA{{0, 0, 0, 255}, {255, 255, 255, 255}}}

	// matplotlib viridis
	Viridis = Colormap{name: "viridis", colors: []color.RGBA{
		{68, 1, 84, 255},
		{72, 35, 116, 255},
		{64, 67, 135, 255},
		{52, 94, 141, 255},
		{41, 120, 142, 255},
		{32, 144, 140, 255},
		{34, 167, 132, 255},
		{68, 190, 112, 255},
		{121, 209, 81, 255},
		{189, 222, 38, 255},
		{253, 231, 37, 255},
	}}

	Inferno = Colormap{name: "inferno", colors: []color.RGBA{
		{0, 0, 4, 255},
		{40, 11, 84, 255},
		{101, 21, 110, 255},
		{159, 42, 99, 255},
		{212, 72, 66, 255},
		{245, 125, 21, 255},
		{250, 193, 39, 255},
		{252, 255, 164, 255},
	}}

	Magma = Colormap{name: "magma", colors: []color.RGBA{
		{0, 0, 4, 255},
		{28, 16, 68, 255},
		{79, 18, 123, 255},
		{129, 37, 129, 255},
		{181, 54, 122, 255},
		{229, 80, 100, 255},
		{251, 135, 97, 255},
		{254, 194, 135, 255},
		{252, 253, 191, 255},
	}}
)

var registry = map[string]Colormap{}

func init() {
	for _, c := range []Colormap{Grayscale, Viridis, Inferno, Magma} {
		registry[c.name] = c
	}
}

// Lookup finds a colormap by name, case-insensitively.
func Lookup(name string) (Colormap, error) {
	c, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Colormap{}, fmt.Errorf("unknown colormap %q (have %s)", name, strings.Join(Names(), ", "))
	}
	return c, nil
}

func Names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
