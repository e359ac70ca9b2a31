// Package invalidation consumes survey update events from Kafka and drops
// the affected tiles from the atlas and the fetch caches.
package invalidation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mohammed-shakir/hipsview/internal/coverage"
	"github.com/mohammed-shakir/hipsview/internal/healpix"
)

const (
	OpUpdate = "update"
	OpPurge  = "purge"
)

// Event announces that tiles of a survey were republished. An update names
// the changed cells, either as uniq numbers or as an ASCII MOC; a purge
// drops the whole survey.
type Event struct {
	Version int       `json:"version"`
	Op      string    `json:"op"`
	Survey  string    `json:"survey"`
	TS      time.Time `json:"ts"`
	// Seq orders events of one survey; replays with a lower or equal Seq
	// are skipped. Zero disables the check.
	Seq   uint64   `json:"seq,omitempty"`
	Cells []uint64 `json:"cells,omitempty"`
	MOC   string   `json:"moc,omitempty"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return errors.New("version must be 1")
	}
	if strings.TrimSpace(e.Survey) == "" {
		return errors.New("survey is required")
	}
	if e.TS.IsZero() {
		return errors.New("ts is required")
	}
	hasCells, hasMOC := len(e.Cells) > 0, strings.TrimSpace(e.MOC) != ""
	switch e.Op {
	case OpUpdate:
		if hasCells == hasMOC {
			return errors.New("exactly one of cells or moc is required")
		}
	case OpPurge:
		if hasCells || hasMOC {
			return errors.New("purge takes no cells")
		}
	default:
		return errors.New("op must be update|purge")
	}
	return nil
}

// HealpixCells resolves the cells of an update. MOC events are expanded at
// their own depth; past maxDepth they are widened to the maxDepth cells they
// touch.
func (e Event) HealpixCells(maxDepth uint8) ([]healpix.Cell, error) {
	if len(e.Cells) > 0 {
		out := make([]healpix.Cell, 0, len(e.Cells))
		for _, u := range e.Cells {
			c, err := healpix.FromUniq(u)
			if err != nil {
				return nil, fmt.Errorf("cell %d: %w", u, err)
			}
			out = append(out, c)
		}
		return out, nil
	}
	if strings.TrimSpace(e.MOC) == "" {
		return nil, nil
	}
	m, err := coverage.ParseASCII(e.MOC)
	if err != nil {
		return nil, fmt.Errorf("moc: %w", err)
	}
	if m.Depth() <= maxDepth {
		return m.Cells(m.Depth()), nil
	}
	shift := 2 * uint(healpix.MaxDepth-maxDepth)
	var out []healpix.Cell
	for _, r := range m.Ranges() {
		lo, hi := r.Lo>>shift, (r.Hi+(1<<shift-1))>>shift
		for i := lo; i < hi; i++ {
			c := healpix.Cell{Depth: maxDepth, Index: i}
			if n := len(out); n > 0 && out[n-1] == c {
				continue
			}
			out = append(out, c)
		}
	}
	return out, nil
}
