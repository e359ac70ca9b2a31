// Package survey turns HiPS survey properties into the immutable
// configuration shared by the query builder, the tile atlas and the
// compositor.
package survey

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/hipsview/internal/coosys"
)

var ErrUnsupportedFormat = errors.New("survey: unsupported image format")

// MaxTextureSize bounds the side of one atlas slot in pixels.
const MaxTextureSize = 512

type ImageFormat int

const (
	FormatJPEG ImageFormat = iota
	FormatPNG
	FormatWebP
	FormatFITS
)

func (f ImageFormat) Ext() string {
	switch f {
	case FormatPNG:
		return "png"
	case FormatWebP:
		return "webp"
	case FormatFITS:
		return "fits"
	default:
		return "jpg"
	}
}

func (f ImageFormat) String() string {
	if f == FormatJPEG {
		return "jpeg"
	}
	return f.Ext()
}

// ChannelType is the pixel layout of the atlas texture.
type ChannelType int

const (
	RGBA8U ChannelType = iota
	RGB8U
	R8UI
	R16I
	R32I
	R32F
)

func (c ChannelType) String() string {
	switch c {
	case RGB8U:
		return "rgb8u"
	case R8UI:
		return "r8ui"
	case R16I:
		return "r16i"
	case R32I:
		return "r32i"
	case R32F:
		return "r32f"
	default:
		return "rgba8u"
	}
}

// Colored reports whether tiles carry display colors rather than raw values.
func (c ChannelType) Colored() bool {
	return c == RGBA8U || c == RGB8U
}

// Integer reports whether the texture stores signed integers.
func (c ChannelType) Integer() bool {
	return c == R16I || c == R32I
}

// Unsigned reports whether the texture stores unsigned integers.
func (c ChannelType) Unsigned() bool {
	return c == R8UI
}

// Config describes one survey and the atlas geometry derived from it.
type Config struct {
	ID      string
	RootURL string
	Format  ImageFormat
	Bitpix  int
	Channel ChannelType
	Frame   coosys.Frame

	TileSize    int
	TextureSize int
	// DeltaDepth is log2(TextureSize/TileSize): tiles are packed 4^DeltaDepth
	// per atlas slot.
	DeltaDepth      uint8
	TilesPerTexture int
	MinOrder        uint8
	MaxOrder        uint8
	CubeDepth       int
}

// MaxDepthTexture is the deepest texture cell depth.
func (c Config) MaxDepthTexture() uint8 {
	return c.MaxOrder - c.DeltaDepth
}

// MinDepthTile is the shallowest tile depth that maps onto a texture cell.
func (c Config) MinDepthTile() uint8 {
	return max(c.MinOrder, c.DeltaDepth)
}

// MaxDepthTile is the deepest tile order published by the survey.
func (c Config) MaxDepthTile() uint8 {
	return c.MaxOrder
}

// Opaque reports whether missing data must be drawn black instead of
// transparent.
func (c Config) Opaque() bool {
	return c.Channel == RGB8U
}

// Properties are the raw key/value pairs of a HiPS properties file.
type Properties map[string]string

// ParseProperties reads "key = value" lines, skipping blanks and # comments.
func ParseProperties(r io.Reader) (Properties, error) {
	out := Properties{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read properties: %w", err)
	}
	return out, nil
}

func (p Properties) intValue(k string) (int, bool) {
	v, ok := p[k]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

// Options override what the properties file says.
type Options struct {
	ID      string
	RootURL string
	// Format requests one of the published formats; empty picks the best one.
	Format string
}

// New validates properties and derives the atlas geometry. An unrecognized
// format is fatal: no partial configuration is returned.
func New(p Properties, opts Options) (Config, error) {
	cfg := Config{}

	cfg.ID = firstNonEmpty(opts.ID, p["creator_did"], p["hips_creator_did"], p["publisher_did"])
	cfg.RootURL = strings.TrimRight(firstNonEmpty(opts.RootURL, p["hips_service_url"]), "/")
	if cfg.RootURL == "" {
		return Config{}, errors.New("survey: missing service url")
	}
	if cfg.ID == "" {
		cfg.ID = cfg.RootURL
	}

	maxOrder, ok := p.intValue("hips_order")
	if !ok || maxOrder < 0 || maxOrder > 29 {
		return Config{}, fmt.Errorf("survey %s: invalid hips_order %q", cfg.ID, p["hips_order"])
	}
	cfg.MaxOrder = uint8(maxOrder)
	if minOrder, ok := p.intValue("hips_order_min"); ok && minOrder >= 0 && minOrder <= maxOrder {
		cfg.MinOrder = uint8(minOrder)
	}

	cfg.TileSize = 512
	if w, ok := p.intValue("hips_tile_width"); ok && w > 0 && w&(w-1) == 0 {
		cfg.TileSize = w
	}

	frame, err := coosys.ParseFrame(p["hips_frame"])
	if err != nil {
		return Config{}, fmt.Errorf("survey %s: %w", cfg.ID, err)
	}
	if p["hips_body"] != "" {
		frame = coosys.ICRS
	}
	cfg.Frame = frame
	cfg.CubeDepth, _ = p.intValue("hips_cube_depth")
	cfg.Bitpix, _ = p.intValue("hips_pixel_bitpix")

	format, err := chooseFormat(acceptedFormats(p), opts.Format)
	if err != nil {
		return Config{}, fmt.Errorf("survey %s: %w", cfg.ID, err)
	}
	cfg.Format = format
	cfg.Channel, err = channelFor(format, cfg.Bitpix)
	if err != nil {
		return Config{}, fmt.Errorf("survey %s: %w", cfg.ID, err)
	}

	tex := max(MaxTextureSize, cfg.TileSize)
	if full := cfg.TileSize << cfg.MaxOrder; full < tex {
		tex = full
	}
	cfg.TextureSize = tex
	cfg.DeltaDepth = uint8(bits.TrailingZeros(uint(tex / cfg.TileSize)))
	if cfg.DeltaDepth > cfg.MaxOrder {
		cfg.DeltaDepth = cfg.MaxOrder
	}
	cfg.TilesPerTexture = 1 << (2 * uint(cfg.DeltaDepth))
	return cfg, nil
}

func acceptedFormats(p Properties) []string {
	raw := p["hips_tile_format"]
	if strings.TrimSpace(raw) == "" {
		raw = "jpeg"
	}
	return strings.Fields(strings.ToLower(raw))
}

func parseFormat(s string) (ImageFormat, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "jpeg", "jpg":
		return FormatJPEG, true
	case "png":
		return FormatPNG, true
	case "webp":
		return FormatWebP, true
	case "fits":
		return FormatFITS, true
	default:
		return 0, false
	}
}

func chooseFormat(accepted []string, requested string) (ImageFormat, error) {
	has := map[ImageFormat]bool{}
	for _, a := range accepted {
		if f, ok := parseFormat(a); ok {
			has[f] = true
		}
	}
	if requested != "" {
		f, ok := parseFormat(requested)
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, requested)
		}
		if has[f] {
			return f, nil
		}
	}
	for _, f := range []ImageFormat{FormatWebP, FormatPNG, FormatJPEG, FormatFITS} {
		if has[f] {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: %v", ErrUnsupportedFormat, accepted)
}

func channelFor(f ImageFormat, bitpix int) (ChannelType, error) {
	switch f {
	case FormatJPEG:
		return RGB8U, nil
	case FormatPNG, FormatWebP:
		return RGBA8U, nil
	}
	switch bitpix {
	case 8:
		return R8UI, nil
	case 16:
		return R16I, nil
	case 32:
		return R32I, nil
	case -32:
		return R32F, nil
	default:
		return 0, fmt.Errorf("%w: fits bitpix %d", ErrUnsupportedFormat, bitpix)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
