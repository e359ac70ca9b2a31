// Package coosys holds the rotations between the two supported celestial
// reference frames and the lon/lat <-> unit vector conversions used by the
// renderer.
package coosys

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

type Frame int

const (
	ICRS Frame = iota
	GAL
)

func (f Frame) String() string {
	switch f {
	case GAL:
		return "galactic"
	default:
		return "equatorial"
	}
}

// ParseFrame accepts the hips_frame spellings found in survey properties.
func ParseFrame(s string) (Frame, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "equatorial", "icrs", "icrsd", "j2000", "fk5", "c":
		return ICRS, nil
	case "galactic", "gal", "g":
		return GAL, nil
	default:
		return ICRS, fmt.Errorf("unknown frame %q", s)
	}
}

// row-major, in the renderer axis convention (see LonLatToXYZ)
var (
	gal2icrs = r3.NewMat([]float64{
		-0.44482972122205372312012370920248, -0.19807633727507056817237662907031, -0.87343705195577915249273984034980,
		0.74698218398450941835110635824212, 0.45598381369115237931077906137440, -0.48383507361641838378786914298189,
		0.49410943719710765017955928850141, -0.86766613755716255824577781583414, -0.05487565771261968232908806948676,
	})
	icrs2gal = r3.NewMat([]float64{
		-0.44482972122205372312012370920248, 0.74698218398450941835110635824212, 0.49410943719710765017955928850141,
		-0.19807633727507056817237662907031, 0.45598381369115237931077906137440, -0.86766613755716255824577781583414,
		-0.87343705195577915249273984034980, -0.48383507361641838378786914298189, -0.05487565771261968232908806948676,
	})
	identity = r3.NewMat([]float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})
)

// Rotation returns the matrix taking vectors expressed in from to vectors
// expressed in to. The returned matrix is shared and must not be modified.
func Rotation(from, to Frame) *r3.Mat {
	switch {
	case from == GAL && to == ICRS:
		return gal2icrs
	case from == ICRS && to == GAL:
		return icrs2gal
	default:
		return identity
	}
}

// Apply rotates v from one frame to the other.
func Apply(from, to Frame, v r3.Vec) r3.Vec {
	if from == to {
		return v
	}
	return Rotation(from, to).MulVec(v)
}

// ColumnMajor flattens m for upload as a mat3 uniform.
func ColumnMajor(m *r3.Mat) [9]float32 {
	var out [9]float32
	for c := range 3 {
		for r := range 3 {
			out[c*3+r] = float32(m.At(r, c))
		}
	}
	return out
}

// LonLatToXYZ maps (lon, lat) in radians to a unit vector with
// x = cos(lat)·sin(lon), y = sin(lat), z = cos(lat)·cos(lon).
func LonLatToXYZ(lon, lat float64) r3.Vec {
	cl := math.Cos(lat)
	return r3.Vec{X: cl * math.Sin(lon), Y: math.Sin(lat), Z: cl * math.Cos(lon)}
}

// XYZToLonLat is the inverse of LonLatToXYZ; lon is in [0, 2π).
func XYZToLonLat(v r3.Vec) (lon, lat float64) {
	n := r3.Norm(v)
	if n == 0 {
		return 0, 0
	}
	lon = math.Atan2(v.X, v.Z)
	if lon < 0 {
		lon += 2 * math.Pi
	}
	lat = math.Asin(math.Max(-1, math.Min(1, v.Y/n)))
	return lon, lat
}
