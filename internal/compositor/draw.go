package compositor

import (
	"errors"
	"fmt"
	"time"

	"github.com/mohammed-shakir/hipsview/internal/coosys"
	"github.com/mohammed-shakir/hipsview/internal/healpix"
	"github.com/mohammed-shakir/hipsview/internal/tessellate"
)

// MaxTextureUnits is the number of samplers one draw call may bind.
const MaxTextureUnits = 16

var ErrTextureUnits = errors.New("compositor: out of texture units")

// Shader names the vertex and fragment stages of a draw call.
type Shader struct {
	Vertex   string
	Fragment string
}

func (s Shader) String() string { return s.Vertex + "+" + s.Fragment }

// TextureMeta describes one base texture to the raytracer.
type TextureMeta struct {
	Uniq  uint64  `json:"uniq"`
	Slot  int     `json:"slot"`
	Empty bool    `json:"empty"`
	Start float32 `json:"start"`
}

// DrawCall is everything a renderer needs to draw the layer this frame.
// Raster calls carry the mesh; raytrace calls carry base texture metadata.
type DrawCall struct {
	Mode     Mode
	Shader   Shader
	Vertices []tessellate.Vertex
	Indices  []uint32
	Textures []TextureMeta
	Uniforms []Uniform
}

// Bindings flattens the uniform contributions in declaration order.
func (d *DrawCall) Bindings() []Binding {
	var out []Binding
	for _, u := range d.Uniforms {
		out = append(out, u.Bindings()...)
	}
	return out
}

// Binding is one named shader uniform value.
type Binding struct {
	Name  string
	Value any
}

// Uniform is the closed set of draw call state contributions: Camera, Color,
// ColormapLUT and Textures.
type Uniform interface {
	Bindings() []Binding
	sealed()
}

type Camera struct {
	// Rotation maps view frame vectors to the survey frame, column major.
	Rotation [9]float32
	Aperture float32
	Width    int
	Height   int
	Time     float32
}

func (Camera) sealed() {}

func (u Camera) Bindings() []Binding {
	return []Binding{
		{"model", u.Rotation},
		{"aperture", u.Aperture},
		{"viewport", [2]int{u.Width, u.Height}},
		{"current_time", u.Time},
	}
}

type Color struct {
	Opacity       float32
	NoTileColor   [4]float32
	BlendDuration float32
	// scaling of raw FITS values, identity for colored surveys
	Scale    float32
	Offset   float32
	Blank    float32
	HasBlank bool
	MinCut   float32
	MaxCut   float32
}

func (Color) sealed() {}

func (u Color) Bindings() []Binding {
	return []Binding{
		{"opacity", u.Opacity},
		{"no_tile_color", u.NoTileColor},
		{"blend_duration", u.BlendDuration},
		{"scale", u.Scale},
		{"offset", u.Offset},
		{"blank", u.Blank},
		{"has_blank", u.HasBlank},
		{"min_cut", u.MinCut},
		{"max_cut", u.MaxCut},
	}
}

type ColormapLUT struct {
	Name     string
	Reversed bool
	LUT      []byte
	Unit     int
}

func (ColormapLUT) sealed() {}

func (u ColormapLUT) Bindings() []Binding {
	return []Binding{
		{"colormap", u.Unit},
		{"colormap_reversed", u.Reversed},
	}
}

type Textures struct {
	Units        []int
	SlotsPerSide int
	Slices       int
	Metas        []TextureMeta
}

func (Textures) sealed() {}

func (u Textures) Bindings() []Binding {
	out := []Binding{
		{"tex", u.Units},
		{"slots_per_side", u.SlotsPerSide},
		{"num_slices", u.Slices},
	}
	for i, m := range u.Metas {
		p := fmt.Sprintf("textures[%d].", i)
		out = append(out,
			Binding{p + "uniq", m.Uniq},
			Binding{p + "texture_idx", m.Slot},
			Binding{p + "empty", m.Empty},
			Binding{p + "start_time", m.Start},
		)
	}
	out = append(out, Binding{"num_textures", len(u.Metas)})
	return out
}

// unitAllocator hands out texture units for one draw call.
type unitAllocator struct {
	next, limit int
}

func newUnitAllocator(limit int) *unitAllocator {
	return &unitAllocator{limit: limit}
}

func (a *unitAllocator) take(n int) ([]int, error) {
	if a.next+n > a.limit {
		return nil, fmt.Errorf("%w: need %d, %d left", ErrTextureUnits, n, a.limit-a.next)
	}
	out := make([]int, n)
	for i := range out {
		out[i] = a.next
		a.next++
	}
	return out, nil
}

// shader picks the program by projection path, channel and colormap.
func (c *Compositor) shader(mode Mode) Shader {
	prefix, vert := "hips_rasterizer_", "hips_rasterizer_raster.vert"
	if mode == Raytrace {
		prefix, vert = "hips_raytracer_", "hips_raytracer_raytracer.vert"
	}
	ch := c.survey.Channel
	var frag string
	switch {
	case ch.Colored() && c.cmap == nil:
		frag = "color.frag"
	case ch.Colored():
		frag = "color_to_colormap.frag"
	case ch.Unsigned():
		frag = "grayscale_to_colormap_u.frag"
	case ch.Integer():
		frag = "grayscale_to_colormap_i.frag"
	default:
		frag = "grayscale_to_colormap.frag"
	}
	return Shader{Vertex: vert, Fragment: prefix + frag}
}

func (c *Compositor) uniforms(v View, now time.Time, metas []TextureMeta) ([]Uniform, error) {
	units := newUnitAllocator(MaxTextureUnits)
	slices, err := units.take(c.atlas.Slices())
	if err != nil {
		return nil, err
	}

	w, h := v.Viewport()
	out := []Uniform{
		Camera{
			Rotation: coosys.ColumnMajor(coosys.Rotation(v.Frame(), c.survey.Frame)),
			Aperture: float32(v.Aperture()),
			Width:    w,
			Height:   h,
			Time:     c.blendTime(now),
		},
		c.colorUniform(),
	}
	if c.cmap != nil {
		u, err := units.take(1)
		if err != nil {
			return nil, err
		}
		out = append(out, ColormapLUT{
			Name:     c.cmap.Name(),
			Reversed: c.cfg.ReversedColormap,
			LUT:      c.lut,
			Unit:     u[0],
		})
	}
	out = append(out, Textures{
		Units:        slices,
		SlotsPerSide: c.atlas.SlotsPerSide(),
		Slices:       c.atlas.Slices(),
		Metas:        metas,
	})
	return out, nil
}

func (c *Compositor) colorUniform() Color {
	u := Color{
		Opacity:       float32(c.cfg.Opacity),
		BlendDuration: float32(c.cfg.BlendDuration.Seconds()),
		Scale:         1,
		MaxCut:        1,
	}
	if c.survey.Opaque() {
		u.NoTileColor = [4]float32{0, 0, 0, 1}
	}
	if m := c.meta; m != nil {
		u.Scale, u.Offset = float32(m.BScale), float32(m.BZero)
		u.Blank, u.HasBlank = float32(m.Blank), m.HasBlank
		u.MinCut, u.MaxCut = m.Min, m.Max
	}
	return u
}

func (c *Compositor) rasterDraw(v View, now time.Time) (*DrawCall, error) {
	us, err := c.uniforms(v, now, nil)
	if err != nil {
		return nil, err
	}
	return &DrawCall{
		Mode:     Raster,
		Shader:   c.shader(Raster),
		Vertices: c.mesh.Vertices,
		Indices:  c.mesh.Indices,
		Uniforms: us,
	}, nil
}

// raytraceDraw describes the base textures; the fragment stage looks them
// up per pixel.
func (c *Compositor) raytraceDraw(v View, now time.Time) (*DrawCall, error) {
	c.textures = c.textures[:0]
	for b := range uint64(healpix.NumBaseCells) {
		if len(c.textures) >= c.cfg.MaxRaytraceTextures {
			break
		}
		cell := healpix.Cell{Depth: 0, Index: b}
		c.atlas.Touch(cell)
		m := TextureMeta{Uniq: cell.Uniq(), Slot: -1, Empty: true}
		if s, ok := c.atlas.Lookup(cell); ok {
			m.Slot = s.Index()
			m.Empty = !s.IsFull()
			m.Start = c.blendTime(s.EffectiveStartTime(now))
		}
		c.textures = append(c.textures, m)
	}
	us, err := c.uniforms(v, now, c.textures)
	if err != nil {
		return nil, err
	}
	return &DrawCall{
		Mode:     Raytrace,
		Shader:   c.shader(Raytrace),
		Textures: c.textures,
		Uniforms: us,
	}, nil
}
