// Package compositor drives one survey layer frame by frame: it decides
// which tiles to request, keeps the atlas priorities current, rebuilds the
// raster mesh when the view or the atlas changed and describes the draw call
// for the selected projection mode.
//
// A Compositor is not safe for concurrent use. Frame and Deliver must be
// called from the same goroutine.
package compositor

import (
	"fmt"
	"image"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/mohammed-shakir/hipsview/internal/atlas"
	"github.com/mohammed-shakir/hipsview/internal/colormap"
	"github.com/mohammed-shakir/hipsview/internal/coosys"
	"github.com/mohammed-shakir/hipsview/internal/core/observability"
	"github.com/mohammed-shakir/hipsview/internal/coverage"
	"github.com/mohammed-shakir/hipsview/internal/decode"
	"github.com/mohammed-shakir/hipsview/internal/healpix"
	"github.com/mohammed-shakir/hipsview/internal/query"
	"github.com/mohammed-shakir/hipsview/internal/survey"
	"github.com/mohammed-shakir/hipsview/internal/tessellate"
)

// View is the camera the compositor renders through.
type View interface {
	CellsInView(depth uint8, frame coosys.Frame) []healpix.Cell
	Project(v r3.Vec) (x, y float64, ok bool)
	Aperture() float64
	TextureDepth() uint8
	Frame() coosys.Frame
	Viewport() (w, h int)
}

// Canceler drops queued fetches; fetch.Fetcher implements it.
type Canceler interface {
	Cancel(id string) bool
}

type Mode int

const (
	Raster Mode = iota
	Raytrace
)

func (m Mode) String() string {
	if m == Raytrace {
		return "raytrace"
	}
	return "raster"
}

// NativeColormap draws colored tiles with their own colors.
const NativeColormap = "native"

type Config struct {
	// FullSkyAperture switches to raytracing above it, in radians.
	FullSkyAperture     float64
	MaxRaytraceTextures int
	BlendDuration       time.Duration
	Channel             int
	Colormap            string
	ReversedColormap    bool
	Opacity             float64
	// RetryAfter delays a new request for a tile whose fetch failed.
	RetryAfter   time.Duration
	Tessellation tessellate.Config
}

func DefaultConfig() Config {
	return Config{
		FullSkyAperture:     110 * math.Pi / 180,
		MaxRaytraceTextures: healpix.NumBaseCells,
		BlendDuration:       500 * time.Millisecond,
		Opacity:             1,
		RetryAfter:          5 * time.Second,
		Tessellation:        tessellate.DefaultConfig(),
	}
}

type Option func(*Compositor)

func WithCanceler(c Canceler) Option { return func(cp *Compositor) { cp.canceler = c } }

// WithLogger sets the compositor and atlas logger; nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(cp *Compositor) {
		if l != nil {
			cp.log = l
		}
	}
}

// WithAtlasOptions forwards options to the atlas the compositor owns.
func WithAtlasOptions(opts ...atlas.Option) Option {
	return func(cp *Compositor) { cp.atlasOpts = append(cp.atlasOpts, opts...) }
}

// WithEpoch sets the origin of the blend timestamps sent to shaders.
func WithEpoch(t time.Time) Option { return func(cp *Compositor) { cp.epoch = t } }

type inflight struct {
	texture   healpix.Cell
	requested time.Time
}

type Compositor struct {
	survey   survey.Config
	cfg      Config
	atlas    *atlas.Cache
	tess     *tessellate.Tessellator
	canceler Canceler
	log      *slog.Logger
	epoch    time.Time

	atlasOpts []atlas.Option

	moc  *coverage.MOC
	meta *decode.Meta
	cmap *colormap.Colormap
	lut  []byte
	// black is the shared stand-in for missing tiles of opaque surveys
	black *image.RGBA

	inflight map[string]inflight
	failed   map[string]time.Time

	cells     []healpix.Cell
	mesh      tessellate.Mesh
	subdiv    uint8
	requests  []query.Tile
	seen      map[healpix.Cell]struct{}
	textures  []TextureMeta
	lastStats FrameStats
}

// New builds the compositor of one survey and the atlas it draws from.
func New(sc survey.Config, cfg Config, opts ...Option) (*Compositor, error) {
	def := DefaultConfig()
	if cfg.FullSkyAperture <= 0 {
		cfg.FullSkyAperture = def.FullSkyAperture
	}
	if cfg.MaxRaytraceTextures <= 0 {
		cfg.MaxRaytraceTextures = def.MaxRaytraceTextures
	}
	if cfg.BlendDuration <= 0 {
		cfg.BlendDuration = def.BlendDuration
	}
	if cfg.Opacity <= 0 {
		cfg.Opacity = def.Opacity
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = def.RetryAfter
	}
	if cfg.Tessellation == (tessellate.Config{}) {
		cfg.Tessellation = def.Tessellation
	}
	if cfg.Colormap == "" {
		cfg.Colormap = NativeColormap
		if !sc.Channel.Colored() {
			cfg.Colormap = "grayscale"
		}
	}

	c := &Compositor{
		survey:   sc,
		cfg:      cfg,
		tess:     tessellate.New(cfg.Tessellation),
		log:      slog.New(slog.DiscardHandler),
		epoch:    time.Now(),
		inflight: map[string]inflight{},
		failed:   map[string]time.Time{},
		seen:     map[healpix.Cell]struct{}{},
	}
	for _, o := range opts {
		o(c)
	}
	if err := c.SetColormap(cfg.Colormap, cfg.ReversedColormap); err != nil {
		return nil, err
	}

	aopts := append([]atlas.Option{atlas.WithLogger(c.log), atlas.WithOnEvict(c.evicted)}, c.atlasOpts...)
	a, err := atlas.New(sc, aopts...)
	if err != nil {
		return nil, fmt.Errorf("compositor %s: %w", sc.ID, err)
	}
	c.atlas = a
	return c, nil
}

func (c *Compositor) Atlas() *atlas.Cache     { return c.atlas }
func (c *Compositor) Survey() survey.Config   { return c.survey }
func (c *Compositor) Coverage() *coverage.MOC { return c.moc }
func (c *Compositor) LastStats() FrameStats   { return c.lastStats }
func (c *Compositor) Config() Config          { return c.cfg }

// LastMesh is the raster mesh of the latest rebuild. It is overwritten by
// the next rebuild.
func (c *Compositor) LastMesh() *tessellate.Mesh { return &c.mesh }

// SetColormap selects how values map to colors; "native" keeps tile colors.
func (c *Compositor) SetColormap(name string, reversed bool) error {
	if name == NativeColormap {
		if !c.survey.Channel.Colored() {
			return fmt.Errorf("compositor: %s tiles need a colormap", c.survey.Channel)
		}
		c.cmap, c.lut = nil, nil
		c.cfg.Colormap, c.cfg.ReversedColormap = name, reversed
		return nil
	}
	cm, err := colormap.Lookup(name)
	if err != nil {
		return fmt.Errorf("compositor: %w", err)
	}
	c.cmap = &cm
	c.lut = cm.LUT(256, reversed)
	c.cfg.Colormap, c.cfg.ReversedColormap = name, reversed
	return nil
}

// ModeFor selects the projection path from the aperture alone.
func (c *Compositor) ModeFor(aperture float64) Mode {
	if aperture > c.cfg.FullSkyAperture {
		return Raytrace
	}
	return Raster
}

type FrameStats struct {
	Mode         string        `json:"mode"`
	TextureDepth uint8         `json:"texture_depth"`
	TileDepth    uint8         `json:"tile_depth"`
	Cells        int           `json:"cells"`
	Requests     int           `json:"requests"`
	InFlight     int           `json:"in_flight"`
	Rebuilt      bool          `json:"rebuilt"`
	Subdivision  uint8         `json:"subdivision"`
	Quads        int           `json:"quads"`
	Vertices     int           `json:"vertices"`
	Duration     time.Duration `json:"duration_ns"`
}

// Result is what one frame produced. Requests and the draw call buffers are
// reused by the next frame.
type Result struct {
	Mode        Mode
	Requests    []query.Tile
	RequestTime time.Time
	Draw        *DrawCall
	Rebuilt     bool
}

// Frame advances the atlas to a new frame, emits the tile requests the view
// needs and describes how to draw it.
func (c *Compositor) Frame(v View, now time.Time) (Result, error) {
	start := time.Now()
	c.atlas.BeginFrame()

	mode := c.ModeFor(v.Aperture())
	texDepth, tileDepth := c.depths(v, mode)
	c.collectRequests(v, tileDepth, now)

	res := Result{Mode: mode, Requests: c.requests, RequestTime: now}
	stats := FrameStats{
		Mode:         mode.String(),
		TextureDepth: texDepth,
		TileDepth:    tileDepth,
		Requests:     len(c.requests),
	}

	var err error
	switch mode {
	case Raytrace:
		res.Draw, err = c.raytraceDraw(v, now)
	default:
		cells := v.CellsInView(texDepth, c.survey.Frame)
		changed := c.setCells(cells)
		available := c.atlas.TakeAvailable()
		if changed || available {
			c.rebuild(v, now)
			res.Rebuilt = true
		}
		res.Draw, err = c.rasterDraw(v, now)
		stats.Cells = len(c.cells)
		stats.Subdivision = c.subdiv
		stats.Quads = c.mesh.Quads()
		stats.Vertices = len(c.mesh.Vertices)
	}
	if err != nil {
		return Result{}, err
	}

	stats.Rebuilt = res.Rebuilt
	stats.InFlight = len(c.inflight)
	stats.Duration = time.Since(start)
	c.lastStats = stats
	observability.ObserveFrame(stats.Mode, stats.Duration.Seconds(), stats.Vertices)
	return res, nil
}

// depths returns the texture depth drawn and the tile depth requested.
func (c *Compositor) depths(v View, mode Mode) (uint8, uint8) {
	if mode == Raytrace {
		// the raytracer samples base textures only
		return 0, min(c.survey.DeltaDepth, c.survey.MaxDepthTile())
	}
	tex := min(v.TextureDepth(), c.survey.MaxDepthTexture())
	tile := tex + c.survey.DeltaDepth
	tile = max(tile, c.survey.MinDepthTile())
	tile = min(tile, c.survey.MaxDepthTile())
	return tex, tile
}

// setCells stores the visible texture cells and reports whether they changed.
func (c *Compositor) setCells(cells []healpix.Cell) bool {
	changed := len(cells) != len(c.cells)
	if !changed {
		for i := range cells {
			if cells[i] != c.cells[i] {
				changed = true
				break
			}
		}
	}
	c.cells = append(c.cells[:0], cells...)
	return changed
}

func (c *Compositor) blendTime(t time.Time) float32 {
	return float32(t.Sub(c.epoch).Seconds())
}

// InFlight reports whether a request for q is outstanding.
func (c *Compositor) InFlight(q query.Query) bool {
	_, ok := c.inflight[q.ID()]
	return ok
}

// Release forgets the in-flight mark of a request the caller could not
// submit, so the next frame asks again.
func (c *Compositor) Release(q query.Query) {
	delete(c.inflight, q.ID())
}

// evicted forgets the requests whose destination slot was just reused:
// those collected this frame are dropped and queued fetches are canceled.
func (c *Compositor) evicted(texture healpix.Cell) {
	dd := c.survey.DeltaDepth
	n := 0
	for _, q := range c.requests {
		if q.Cell.TextureCell(dd) == texture {
			delete(c.inflight, q.ID())
			continue
		}
		c.requests[n] = q
		n++
	}
	c.requests = c.requests[:n]

	if c.canceler == nil {
		return
	}
	for _, tile := range texture.TileCells(dd) {
		id := query.NewTile(tile, c.cfg.Channel, c.survey).ID()
		if f, ok := c.inflight[id]; ok && f.texture == texture && c.canceler.Cancel(id) {
			delete(c.inflight, id)
		}
	}
}
