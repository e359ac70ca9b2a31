package atlas

import (
	"errors"
	"fmt"
	"time"

	"github.com/mohammed-shakir/hipsview/internal/healpix"
)

var ErrDuplicateTile = errors.New("atlas: tile already integrated")

type State int

const (
	Empty State = iota
	Partial
	Full
)

func (s State) String() string {
	switch s {
	case Partial:
		return "partial"
	case Full:
		return "full"
	default:
		return "empty"
	}
}

// Slot is one fixed region of the atlas. It is bound to a texture cell and
// fills up as the tiles of that cell arrive.
type Slot struct {
	index    int
	capacity int
	now      func() time.Time

	bound     bool
	cell      healpix.Cell
	members   map[healpix.Cell]struct{}
	fill      int
	full      bool
	completed time.Time
	requested time.Time
	touched   uint64
	pinned    bool
}

func newSlot(index, capacity int, now func() time.Time) *Slot {
	return &Slot{index: index, capacity: capacity, now: now}
}

// bind resets the slot to an empty texture for cell.
func (s *Slot) bind(cell healpix.Cell, requested time.Time) {
	s.bound = true
	s.cell = cell
	clear(s.members)
	s.fill = 0
	s.full = false
	s.completed = time.Time{}
	s.requested = requested
	s.pinned = false
}

func (s *Slot) unbind() {
	s.bind(healpix.Cell{}, time.Time{})
	s.bound = false
	s.touched = 0
}

// integrate records the arrival of tile. A tile equal to the bound cell
// covers the whole texture at once. It reports whether the slot became full.
func (s *Slot) integrate(tile healpix.Cell) (bool, error) {
	if s.full {
		return false, fmt.Errorf("%w: slot %d (%s) is full, got %s", ErrDuplicateTile, s.index, s.cell, tile)
	}
	if tile == s.cell {
		s.markFull()
		return true, nil
	}
	if _, dup := s.members[tile]; dup {
		return false, fmt.Errorf("%w: slot %d (%s) already has %s", ErrDuplicateTile, s.index, s.cell, tile)
	}
	if s.members == nil {
		s.members = make(map[healpix.Cell]struct{}, s.capacity)
	}
	s.members[tile] = struct{}{}
	s.fill++
	if s.fill >= s.capacity {
		s.markFull()
		return true, nil
	}
	return false, nil
}

func (s *Slot) markFull() {
	s.full = true
	s.fill = s.capacity
	clear(s.members)
	s.completed = s.now()
}

func (s *Slot) Index() int           { return s.index }
func (s *Slot) Cell() healpix.Cell   { return s.cell }
func (s *Slot) Fill() int            { return s.fill }
func (s *Slot) IsFull() bool         { return s.full }
func (s *Slot) Pinned() bool         { return s.pinned }
func (s *Slot) Requested() time.Time { return s.requested }

func (s *Slot) State() State {
	switch {
	case s.full:
		return Full
	case s.fill > 0:
		return Partial
	default:
		return Empty
	}
}

// Covers reports whether tile has already been written into the slot.
func (s *Slot) Covers(tile healpix.Cell) bool {
	if !s.bound {
		return false
	}
	if s.full {
		return tile == s.cell || s.cell.IsAncestorOf(tile)
	}
	_, ok := s.members[tile]
	return ok
}

// EffectiveStartTime is the instant the texture became drawable. A texture
// still filling reports now so blends keep restarting until it completes.
func (s *Slot) EffectiveStartTime(now time.Time) time.Time {
	if s.full {
		return s.completed
	}
	return now
}
