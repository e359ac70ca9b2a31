package coosys

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func deg(r float64) float64 { return r * 180 / math.Pi }

func rad(d float64) float64 { return d * math.Pi / 180 }

func almostEq(t *testing.T, got, want, eps float64) {
	t.Helper()
	if math.Abs(got-want) > eps {
		t.Fatalf("got=%g want=%g (eps=%g)", got, want, eps)
	}
}

func TestICRSToGalactic_Origin(t *testing.T) {
	v := Apply(ICRS, GAL, LonLatToXYZ(0, 0))
	lon, lat := XYZToLonLat(v)
	almostEq(t, deg(lon), 96.33723581, 1e-3)
	almostEq(t, deg(lat), -60.18845577, 1e-3)
}

func TestGalacticToICRS_Origin(t *testing.T) {
	v := Apply(GAL, ICRS, LonLatToXYZ(0, 0))
	lon, lat := XYZToLonLat(v)
	almostEq(t, deg(lon), 266.40506655, 1e-3)
	almostEq(t, deg(lat), -28.93616241, 1e-3)
}

func TestRoundTrip_AndIdentity(t *testing.T) {
	in := LonLatToXYZ(rad(123.4), rad(-12.5))
	out := Apply(GAL, ICRS, Apply(ICRS, GAL, in))
	if d := r3.Norm(r3.Sub(in, out)); d > 1e-12 {
		t.Fatalf("round trip drift %g", d)
	}
	if got := Apply(GAL, GAL, in); got != in {
		t.Fatalf("same-frame apply must be the identity")
	}
	m := ColumnMajor(Rotation(ICRS, ICRS))
	want := [9]float32{1, 0, 0, 0, 1, 0, 0, 0, 1}
	if m != want {
		t.Fatalf("identity column-major=%v", m)
	}
}

func TestParseFrame(t *testing.T) {
	cases := map[string]Frame{"equatorial": ICRS, "ICRSd": ICRS, "galactic": GAL, "": ICRS}
	for in, want := range cases {
		got, err := ParseFrame(in)
		if err != nil || got != want {
			t.Fatalf("ParseFrame(%q)=%v,%v want %v", in, got, err, want)
		}
	}
	if _, err := ParseFrame("ecliptic"); err == nil {
		t.Fatalf("expected error for unsupported frame")
	}
}
