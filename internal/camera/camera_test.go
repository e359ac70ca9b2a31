package camera

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/mohammed-shakir/hipsview/internal/coosys"
	"github.com/mohammed-shakir/hipsview/internal/healpix"
)

func deg(d float64) float64 { return d * math.Pi / 180 }

func TestProject_CenterAndBackside(t *testing.T) {
	c := New(800, 600, coosys.ICRS)
	c.SetCenter(deg(30), deg(10))
	x, y, ok := c.Project(coosys.LonLatToXYZ(deg(30), deg(10)))
	if !ok || math.Abs(x-400) > 1e-9 || math.Abs(y-300) > 1e-9 {
		t.Fatalf("center projects to (%v,%v,%v)", x, y, ok)
	}
	if _, _, ok := c.Project(coosys.LonLatToXYZ(deg(210), deg(-10))); ok {
		t.Fatalf("antipode must not be visible")
	}
}

func TestProject_Orientation(t *testing.T) {
	c := New(800, 600, coosys.ICRS)
	c.SetAperture(deg(10))
	x, _, _ := c.Project(coosys.LonLatToXYZ(deg(1), 0))
	if x >= 400 {
		t.Fatalf("east must be on the left, x=%v", x)
	}
	_, y, _ := c.Project(coosys.LonLatToXYZ(0, deg(1)))
	if y >= 300 {
		t.Fatalf("north must be up, y=%v", y)
	}
}

func TestUnprojectRoundTrip(t *testing.T) {
	c := New(1024, 768, coosys.ICRS)
	c.SetCenter(deg(120), deg(-40))
	c.SetAperture(deg(60))
	for _, p := range [][2]float64{{512, 384}, {100, 200}, {900, 700}} {
		v, ok := c.Unproject(p[0], p[1])
		if !ok {
			t.Fatalf("unproject %v failed", p)
		}
		if math.Abs(r3.Norm(v)-1) > 1e-9 {
			t.Fatalf("not a unit vector: %v", v)
		}
		x, y, ok := c.Project(v)
		if !ok || math.Abs(x-p[0]) > 1e-6 || math.Abs(y-p[1]) > 1e-6 {
			t.Fatalf("round trip %v -> (%v,%v)", p, x, y)
		}
	}
}

func TestTextureDepth(t *testing.T) {
	c := New(1024, 768, coosys.ICRS)
	if d := c.TextureDepth(); d != 0 {
		t.Fatalf("full sky depth=%d want 0", d)
	}
	c.SetAperture(deg(1))
	if d := c.TextureDepth(); d != 7 {
		t.Fatalf("1 degree depth=%d want 7", d)
	}
	prev := uint8(0)
	for ap := 180.0; ap > 1e-4; ap /= 2 {
		c.SetAperture(deg(ap))
		d := c.TextureDepth()
		if d < prev {
			t.Fatalf("depth decreased while zooming in: %d after %d", d, prev)
		}
		prev = d
	}
}

func TestCellsInView_Narrow(t *testing.T) {
	c := New(1024, 768, coosys.ICRS)
	c.SetAperture(deg(1))
	target := healpix.LonLat{Lon: 0, Lat: 0}

	cells := c.CellsInView(6, coosys.ICRS)
	if len(cells) == 0 || len(cells) > 64 {
		t.Fatalf("cells=%d", len(cells))
	}
	found := false
	for _, cell := range cells {
		if cell.Depth != 6 {
			t.Fatalf("wrong depth %s", cell)
		}
		if healpix.AngularDistance(cell.Center(), target) <= cell.ApproxRadius()/1.5+1e-9 {
			found = true
		}
		if healpix.AngularDistance(cell.Center(), target) > deg(10) {
			t.Fatalf("far cell %s returned", cell)
		}
	}
	if !found {
		t.Fatalf("cell under the view center missing")
	}
}

func TestCellsInView_FullSkyHemisphere(t *testing.T) {
	c := New(1024, 1024, coosys.ICRS)
	cells := c.CellsInView(0, coosys.ICRS)
	if len(cells) < 6 || len(cells) > 12 {
		t.Fatalf("base cells in view=%d", len(cells))
	}
}

func TestCellsInView_OtherFrame(t *testing.T) {
	c := New(1024, 768, coosys.ICRS)
	// galactic center
	c.SetCenter(deg(266.40499), deg(-28.93617))
	c.SetAperture(deg(2))
	cells := c.CellsInView(5, coosys.GAL)
	target := healpix.LonLat{Lon: 0, Lat: 0}
	for _, cell := range cells {
		if healpix.AngularDistance(cell.Center(), target) <= cell.ApproxRadius()/1.5+1e-9 {
			return
		}
	}
	t.Fatalf("galactic cell at (0,0) not among %d cells", len(cells))
}
