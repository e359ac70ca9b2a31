package decode

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"math"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/hipsview/internal/coverage"
)

const (
	blockSize = 2880
	cardSize  = 80
)

// Header holds the cards of one HDU. String values are unquoted.
type Header map[string]string

func (h Header) Int(k string) (int, bool) {
	v, ok := h[k]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

func (h Header) Float(k string) (float64, bool) {
	v, ok := h[k]
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.Replace(v, "D", "E", 1), 64)
	return f, err == nil
}

// readHeader parses cards from data until END; it returns the header and
// the offset of the data unit.
func readHeader(data []byte) (Header, int, error) {
	h := Header{}
	for off := 0; off+cardSize <= len(data); off += cardSize {
		card := string(data[off : off+cardSize])
		key := strings.TrimSpace(card[:8])
		if key == "END" {
			end := off + cardSize
			return h, (end + blockSize - 1) / blockSize * blockSize, nil
		}
		if card[8:10] != "= " {
			continue
		}
		h[key] = cardValue(card[10:])
	}
	return nil, 0, fmt.Errorf("decode fits: header without END")
}

func cardValue(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "'") {
		if end := strings.Index(s[1:], "'"); end >= 0 {
			return strings.TrimSpace(s[1 : end+1])
		}
		return strings.Trim(s, "'")
	}
	if i := strings.Index(s, "/"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// FloatImage is a single channel FITS image with physical values
// (BSCALE and BZERO applied). Blank pixels are NaN. Row 0 is the top row.
type FloatImage struct {
	Rect   image.Rectangle
	Pix    []float32
	Bitpix int
	Header Header
	// Min and Max are the display cuts used by At.
	Min, Max float32
}

func (f *FloatImage) ColorModel() color.Model { return color.Gray16Model }
func (f *FloatImage) Bounds() image.Rectangle { return f.Rect }

func (f *FloatImage) Value(x, y int) float32 {
	if !(image.Point{X: x, Y: y}.In(f.Rect)) {
		return float32(math.NaN())
	}
	return f.Pix[(y-f.Rect.Min.Y)*f.Rect.Dx()+(x-f.Rect.Min.X)]
}

func (f *FloatImage) At(x, y int) color.Color {
	v := f.Value(x, y)
	if v != v || f.Max <= f.Min {
		return color.Gray16{}
	}
	t := (v - f.Min) / (f.Max - f.Min)
	t = float32(math.Max(0, math.Min(1, float64(t))))
	return color.Gray16{Y: uint16(t * 65535)}
}

// FITS decodes the primary image HDU.
func FITS(data []byte) (*FloatImage, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	h, off, err := readHeader(data)
	if err != nil {
		return nil, err
	}
	if h["SIMPLE"] != "T" {
		return nil, fmt.Errorf("decode fits: not a primary HDU")
	}
	bitpix, _ := h.Int("BITPIX")
	naxis, _ := h.Int("NAXIS")
	w, _ := h.Int("NAXIS1")
	ht, _ := h.Int("NAXIS2")
	if naxis < 2 || w <= 0 || ht <= 0 {
		return nil, fmt.Errorf("decode fits: unsupported axes NAXIS=%d %dx%d", naxis, w, ht)
	}
	size := 0
	switch bitpix {
	case 8:
		size = 1
	case 16:
		size = 2
	case 32, -32:
		size = 4
	default:
		return nil, fmt.Errorf("decode fits: unsupported BITPIX %d", bitpix)
	}
	n := w * ht
	if len(data) < off+n*size {
		return nil, fmt.Errorf("decode fits: truncated data unit (%d < %d)", len(data)-off, n*size)
	}

	bscale, ok := h.Float("BSCALE")
	if !ok {
		bscale = 1
	}
	bzero, _ := h.Float("BZERO")
	blank, hasBlank := h.Int("BLANK")

	img := &FloatImage{Rect: image.Rect(0, 0, w, ht), Pix: make([]float32, n), Bitpix: bitpix, Header: h}
	raw := data[off:]
	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for i := range n {
		var v float64
		isBlank := false
		switch bitpix {
		case 8:
			r := int(raw[i])
			isBlank = hasBlank && r == blank
			v = float64(r)
		case 16:
			r := int(int16(binary.BigEndian.Uint16(raw[2*i:])))
			isBlank = hasBlank && r == blank
			v = float64(r)
		case 32:
			r := int(int32(binary.BigEndian.Uint32(raw[4*i:])))
			isBlank = hasBlank && r == blank
			v = float64(r)
		case -32:
			v = float64(math.Float32frombits(binary.BigEndian.Uint32(raw[4*i:])))
			isBlank = math.IsNaN(v)
		}
		// FITS rows go upward
		row, col := ht-1-i/w, i%w
		idx := row*w + col
		if isBlank {
			img.Pix[idx] = float32(math.NaN())
			continue
		}
		p := float32(bzero + bscale*v)
		img.Pix[idx] = p
		lo, hi = min(lo, p), max(hi, p)
	}
	img.Min, img.Max = lo, hi
	if v, ok := h.Float("DATAMIN"); ok {
		img.Min = float32(v)
	}
	if v, ok := h.Float("DATAMAX"); ok {
		img.Max = float32(v)
	}
	return img, nil
}

// Meta summarizes the value scaling of a FITS survey.
type Meta struct {
	Bitpix   int
	BScale   float64
	BZero    float64
	Blank    float64
	HasBlank bool
	Min      float32
	Max      float32
}

// PixelMeta reads the scaling cards of a FITS image.
func PixelMeta(data []byte) (Meta, error) {
	img, err := FITS(data)
	if err != nil {
		return Meta{}, err
	}
	m := Meta{Bitpix: img.Bitpix, BScale: 1, Min: img.Min, Max: img.Max}
	if v, ok := img.Header.Float("BSCALE"); ok {
		m.BScale = v
	}
	m.BZero, _ = img.Header.Float("BZERO")
	m.Blank, m.HasBlank = img.Header.Float("BLANK")
	return m, nil
}

// MOC decodes a FITS coverage map: a BINTABLE extension whose first column
// holds NUNIQ cells as 32 or 64 bit integers.
func MOC(data []byte) (*coverage.MOC, error) {
	_, off, err := readHeader(data)
	if err != nil {
		return nil, err
	}
	if off >= len(data) {
		return nil, fmt.Errorf("decode moc: missing table extension")
	}
	h, dataOff, err := readHeader(data[off:])
	if err != nil {
		return nil, err
	}
	if h["XTENSION"] != "BINTABLE" {
		return nil, fmt.Errorf("decode moc: expected BINTABLE, got %q", h["XTENSION"])
	}
	rowBytes, _ := h.Int("NAXIS1")
	rows, _ := h.Int("NAXIS2")
	var width int
	switch strings.TrimLeft(strings.ToUpper(h["TFORM1"]), "1") {
	case "J":
		width = 4
	case "K":
		width = 8
	default:
		return nil, fmt.Errorf("decode moc: unsupported TFORM1 %q", h["TFORM1"])
	}
	if rowBytes < width {
		rowBytes = width
	}
	table := data[off+dataOff:]
	if len(table) < rows*rowBytes {
		return nil, fmt.Errorf("decode moc: truncated table")
	}
	uniqs := make([]uint64, 0, rows)
	for r := range rows {
		cell := table[r*rowBytes:]
		if width == 4 {
			uniqs = append(uniqs, uint64(binary.BigEndian.Uint32(cell)))
		} else {
			uniqs = append(uniqs, binary.BigEndian.Uint64(cell))
		}
	}
	return coverage.FromUniq(uniqs)
}
