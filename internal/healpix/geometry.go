package healpix

import "math"

// TransitionLatitude separates the equatorial zone from the polar caps.
var TransitionLatitude = math.Asin(2.0 / 3.0)

// LonLat is a position on the sphere in radians, lon in [0, 2π).
type LonLat struct {
	Lon float64
	Lat float64
}

// base cell placement in the projection plane (ring and longitude index, in
// units of one base cell half-width)
var (
	baseRow = [NumBaseCells]int{2, 2, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4}
	baseCol = [NumBaseCells]int{1, 3, 5, 7, 0, 2, 4, 6, 1, 3, 5, 7}
)

// Vertices returns the south, east, north and west corners of c.
func (c Cell) Vertices() [4]LonLat {
	return [4]LonLat{
		c.At(0, 0),
		c.At(1, 0),
		c.At(1, 1),
		c.At(0, 1),
	}
}

func (c Cell) Center() LonLat {
	return c.At(0.5, 0.5)
}

// At maps cell-local coordinates (u along x, v along y, both in [0,1]) to the
// sphere.
func (c Cell) At(u, v float64) LonLat {
	x, y := c.XY()
	n := float64(c.NSide())
	fu := (float64(x) + u) / n
	fv := (float64(y) + v) / n
	b := c.BaseCell()
	px := float64(baseCol[b]) + fu - fv
	py := float64(3-baseRow[b]) + fu + fv - 1
	return deproject(px, py)
}

// deproject inverts the HEALPix projection; px in [-1, 8], py in [-2, 2].
func deproject(px, py float64) LonLat {
	if px < 0 {
		px += 8
	}
	ay := math.Abs(py)
	if ay <= 1 {
		return LonLat{Lon: normLon(px * math.Pi / 4), Lat: math.Asin(py * 2 / 3)}
	}
	sigma := 2 - ay
	z := 1 - sigma*sigma/3
	if py < 0 {
		z = -z
	}
	col := 2*math.Floor(px/2) + 1
	lon := col
	if sigma > 0 {
		lon = col + (px-col)/sigma
	}
	return LonLat{Lon: normLon(lon * math.Pi / 4), Lat: math.Asin(clamp(z, -1, 1))}
}

func normLon(lon float64) float64 {
	lon = math.Mod(lon, 2*math.Pi)
	if lon < 0 {
		lon += 2 * math.Pi
	}
	return lon
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// ApproxRadius bounds the angular distance from the center of c to any of its
// boundary points.
func (c Cell) ApproxRadius() float64 {
	ctr := c.Center()
	r := 0.0
	for _, v := range c.Vertices() {
		r = math.Max(r, AngularDistance(ctr, v))
	}
	// keep a margin: callers prune view descent with this bound
	return r * 1.5
}

// AngularDistance returns the great-circle distance between a and b.
func AngularDistance(a, b LonLat) float64 {
	sdLat := math.Sin((b.Lat - a.Lat) / 2)
	sdLon := math.Sin((b.Lon - a.Lon) / 2)
	h := sdLat*sdLat + math.Cos(a.Lat)*math.Cos(b.Lat)*sdLon*sdLon
	return 2 * math.Asin(math.Min(1, math.Sqrt(h)))
}
