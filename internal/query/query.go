// Package query derives the identity and URL of every resource a survey
// publishes. All constructors are pure.
package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/hipsview/internal/healpix"
	"github.com/mohammed-shakir/hipsview/internal/survey"
)

type Kind int

const (
	KindTile Kind = iota
	KindAllsky
	KindPixelMetadata
	KindCoverage
)

func (k Kind) String() string {
	switch k {
	case KindAllsky:
		return "allsky"
	case KindPixelMetadata:
		return "pixel_metadata"
	case KindCoverage:
		return "coverage"
	default:
		return "tile"
	}
}

// Query is a request for one survey resource.
type Query interface {
	ID() string
	URL() string
	Kind() Kind
	Hash() uint64
	Survey() string
}

type base struct {
	id     string
	url    string
	survey string
}

func (b base) ID() string     { return b.id }
func (b base) URL() string    { return b.url }
func (b base) Hash() uint64   { return xxhash.Sum64String(b.id) }
func (b base) Survey() string { return b.survey }

// Tile is one HiPS tile image.
type Tile struct {
	base
	Cell    healpix.Cell
	Channel int
	Format  survey.ImageFormat
}

func (Tile) Kind() Kind { return KindTile }

// NewTile builds the query of cell. Channel selects a slice of a cube survey;
// 0 means no channel suffix.
func NewTile(cell healpix.Cell, channel int, cfg survey.Config) Tile {
	ext := cfg.Format.Ext()
	dir := (cell.Index / 10000) * 10000

	var u strings.Builder
	u.WriteString(cfg.RootURL)
	u.WriteString("/Norder")
	u.WriteString(strconv.Itoa(int(cell.Depth)))
	u.WriteString("/Dir")
	u.WriteString(strconv.FormatUint(dir, 10))
	u.WriteString("/Npix")
	u.WriteString(strconv.FormatUint(cell.Index, 10))
	u.WriteString(channelSuffix(channel))
	u.WriteByte('.')
	u.WriteString(ext)

	id := fmt.Sprintf("%s|Norder%d|Npix%d|ch%d|%s", cfg.ID, cell.Depth, cell.Index, channel, ext)
	return Tile{
		base:    base{id: id, url: u.String(), survey: cfg.ID},
		Cell:    cell,
		Channel: channel,
		Format:  cfg.Format,
	}
}

// Allsky packs every depth-3 tile of the survey in one image.
type Allsky struct {
	base
	Channel int
	Format  survey.ImageFormat
}

func (Allsky) Kind() Kind { return KindAllsky }

func NewAllsky(cfg survey.Config, channel int) Allsky {
	ext := cfg.Format.Ext()
	return Allsky{
		base: base{
			id:     fmt.Sprintf("%s|Allsky|ch%d|%s", cfg.ID, channel, ext),
			url:    fmt.Sprintf("%s/Norder3/Allsky%s.%s", cfg.RootURL, channelSuffix(channel), ext),
			survey: cfg.ID,
		},
		Channel: channel,
		Format:  cfg.Format,
	}
}

// PixelMetadata probes the blank value and scaling of a FITS survey from its
// Allsky header.
type PixelMetadata struct {
	base
	Format survey.ImageFormat
}

func (PixelMetadata) Kind() Kind { return KindPixelMetadata }

func NewPixelMetadata(cfg survey.Config) PixelMetadata {
	ext := cfg.Format.Ext()
	return PixelMetadata{
		base: base{
			id:     fmt.Sprintf("%s|Allsky|%s", cfg.ID, ext),
			url:    fmt.Sprintf("%s/Norder3/Allsky.%s", cfg.RootURL, ext),
			survey: cfg.ID,
		},
		Format: cfg.Format,
	}
}

// Coverage is the MOC footprint of the survey.
type Coverage struct {
	base
}

func (Coverage) Kind() Kind { return KindCoverage }

func NewCoverage(cfg survey.Config) Coverage {
	return Coverage{base: base{
		id:     cfg.ID + "|Moc",
		url:    cfg.RootURL + "/Moc.fits",
		survey: cfg.ID,
	}}
}

func channelSuffix(channel int) string {
	if channel <= 0 {
		return ""
	}
	return "_" + strconv.Itoa(channel)
}
