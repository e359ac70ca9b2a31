// Package camera implements an orthographic sky camera looking outward from
// the center of the celestial sphere.
package camera

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/mohammed-shakir/hipsview/internal/coosys"
	"github.com/mohammed-shakir/hipsview/internal/healpix"
)

const (
	DefaultAperture    = math.Pi
	DefaultTextureSize = 512
	minAperture        = 1e-7
)

type Camera struct {
	lon, lat    float64
	aperture    float64
	width       int
	height      int
	frame       coosys.Frame
	textureSize int

	center, east, north r3.Vec
}

func New(width, height int, frame coosys.Frame) *Camera {
	c := &Camera{
		aperture:    DefaultAperture,
		width:       max(width, 1),
		height:      max(height, 1),
		frame:       frame,
		textureSize: DefaultTextureSize,
	}
	c.update()
	return c
}

// SetCenter points the camera at (lon, lat), radians in the camera frame.
func (c *Camera) SetCenter(lon, lat float64) {
	c.lon = lon
	c.lat = math.Max(-math.Pi/2, math.Min(math.Pi/2, lat))
	c.update()
}

// SetAperture sets the horizontal field of view in radians.
func (c *Camera) SetAperture(a float64) {
	c.aperture = math.Max(minAperture, a)
}

func (c *Camera) SetViewport(width, height int) {
	c.width, c.height = max(width, 1), max(height, 1)
}

func (c *Camera) SetFrame(f coosys.Frame)    { c.frame = f }
func (c *Camera) SetTextureSize(px int)      { c.textureSize = max(px, 1) }
func (c *Camera) Center() (lon, lat float64) { return c.lon, c.lat }
func (c *Camera) Aperture() float64          { return c.aperture }
func (c *Camera) Frame() coosys.Frame        { return c.frame }
func (c *Camera) Viewport() (w, h int)       { return c.width, c.height }

func (c *Camera) update() {
	sl, cl := math.Sincos(c.lon)
	sb, cb := math.Sincos(c.lat)
	c.center = r3.Vec{X: cb * sl, Y: sb, Z: cb * cl}
	c.east = r3.Vec{X: cl, Y: 0, Z: -sl}
	c.north = r3.Vec{X: -sb * sl, Y: cb, Z: -sb * cl}
}

// scale is the number of pixels per unit of the projection plane.
func (c *Camera) scale() float64 {
	half := math.Min(c.aperture, math.Pi) / 2
	return float64(c.width) / 2 / math.Sin(half)
}

// Project maps a unit vector in the camera frame to pixels, x to the right
// and y down. East is on the left, as seen from inside the sphere.
func (c *Camera) Project(v r3.Vec) (x, y float64, ok bool) {
	if r3.Dot(v, c.center) <= 0 {
		return 0, 0, false
	}
	s := c.scale()
	x = float64(c.width)/2 - s*r3.Dot(v, c.east)
	y = float64(c.height)/2 - s*r3.Dot(v, c.north)
	return x, y, true
}

// Unproject is the inverse of Project; ok is false off the visible disk.
func (c *Camera) Unproject(x, y float64) (r3.Vec, bool) {
	s := c.scale()
	e := (float64(c.width)/2 - x) / s
	n := (float64(c.height)/2 - y) / s
	rr := e*e + n*n
	if rr > 1 {
		return r3.Vec{}, false
	}
	d := math.Sqrt(1 - rr)
	v := r3.Add(r3.Add(r3.Scale(e, c.east), r3.Scale(n, c.north)), r3.Scale(d, c.center))
	return v, true
}

// Radius is the angular distance from the view center to the farthest
// visible point.
func (c *Camera) Radius() float64 {
	diag := math.Hypot(float64(c.width), float64(c.height)) / float64(c.width)
	r := math.Sin(math.Min(c.aperture, math.Pi)/2) * diag
	if r >= 1 {
		return math.Pi / 2
	}
	return math.Asin(r)
}

// TextureDepth is the shallowest depth whose textures are at least as
// detailed as the screen.
func (c *Camera) TextureDepth() uint8 {
	pixel := math.Min(c.aperture, math.Pi) / float64(c.width)
	base := math.Sqrt(math.Pi/3) / float64(c.textureSize)
	d := math.Ceil(math.Log2(base / pixel))
	switch {
	case d < 0 || math.IsNaN(d):
		return 0
	case d > healpix.MaxDepth:
		return healpix.MaxDepth
	default:
		return uint8(d)
	}
}

// CellsInView returns the cells of depth, expressed in frame, that may
// intersect the view. The result is in nested order.
func (c *Camera) CellsInView(depth uint8, frame coosys.Frame) []healpix.Cell {
	lon, lat := coosys.XYZToLonLat(coosys.Apply(c.frame, frame, c.center))
	center := healpix.LonLat{Lon: lon, Lat: lat}
	radius := c.Radius()

	var out []healpix.Cell
	var walk func(cell healpix.Cell)
	walk = func(cell healpix.Cell) {
		if healpix.AngularDistance(center, cell.Center()) > radius+cell.ApproxRadius() {
			return
		}
		if cell.Depth == depth {
			out = append(out, cell)
			return
		}
		for _, ch := range cell.Children() {
			walk(ch)
		}
	}
	for b := range uint64(healpix.NumBaseCells) {
		walk(healpix.Cell{Depth: 0, Index: b})
	}
	return out
}
