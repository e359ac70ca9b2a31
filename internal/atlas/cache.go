// Package atlas manages the fixed pool of texture slots that holds the
// resident part of a survey. A Cache is owned by the frame loop and is not
// safe for concurrent use.
package atlas

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/mohammed-shakir/hipsview/internal/core/observability"
	"github.com/mohammed-shakir/hipsview/internal/healpix"
	"github.com/mohammed-shakir/hipsview/internal/survey"
)

var ErrNoSlot = errors.New("atlas: no evictable slot")

const (
	DefaultSlotsPerSide = 8
	DefaultSlices       = 3
)

type Option func(*Cache)

func WithLayout(slotsPerSide, slices int) Option {
	return func(c *Cache) {
		if slotsPerSide > 0 {
			c.side = slotsPerSide
		}
		if slices > 0 {
			c.slices = slices
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.log = l
		}
	}
}

// WithOnEvict registers fn to be called with the texture cell of every
// evicted slot.
func WithOnEvict(fn func(healpix.Cell)) Option {
	return func(c *Cache) {
		prev := c.onEvict
		if prev == nil {
			c.onEvict = fn
			return
		}
		c.onEvict = func(cell healpix.Cell) {
			prev(cell)
			fn(cell)
		}
	}
}

func WithSink(s Sink) Option {
	return func(c *Cache) {
		if s != nil {
			c.sink = s
		}
	}
}

// Integration is the outcome of handing a decoded tile to the cache.
type Integration int

const (
	IntegrationStored Integration = iota
	IntegrationCompleted
	IntegrationStale
)

func (i Integration) String() string {
	switch i {
	case IntegrationCompleted:
		return "completed"
	case IntegrationStale:
		return "stale"
	default:
		return "stored"
	}
}

type Cache struct {
	side        int
	slices      int
	tileSize    int
	textureSize int
	deltaDepth  uint8

	now     func() time.Time
	log     *slog.Logger
	sink    Sink
	onEvict func(healpix.Cell)

	slots     []*Slot
	byCell    map[healpix.Cell]int
	frame     uint64
	available bool

	evictions    uint64
	staleDrops   uint64
	integrations uint64
}

// New builds the atlas of a survey. The survey configuration must already be
// validated: the slot geometry comes from its texture and tile sizes.
func New(cfg survey.Config, opts ...Option) (*Cache, error) {
	if cfg.TileSize <= 0 || cfg.TextureSize < cfg.TileSize {
		return nil, fmt.Errorf("atlas: invalid geometry tile=%d texture=%d", cfg.TileSize, cfg.TextureSize)
	}
	c := &Cache{
		side:        DefaultSlotsPerSide,
		slices:      DefaultSlices,
		tileSize:    cfg.TileSize,
		textureSize: cfg.TextureSize,
		deltaDepth:  cfg.DeltaDepth,
		now:         time.Now,
		log:         slog.New(slog.DiscardHandler),
		sink:        nopSink{},
	}
	for _, o := range opts {
		o(c)
	}
	capacity := 1 << (2 * uint(c.deltaDepth))
	n := c.side * c.side * c.slices
	c.slots = make([]*Slot, n)
	for i := range c.slots {
		c.slots[i] = newSlot(i, capacity, c.now)
	}
	c.byCell = make(map[healpix.Cell]int, n)
	c.publishGauges()
	return c, nil
}

func (c *Cache) Len() int             { return len(c.slots) }
func (c *Cache) SlotsPerSide() int    { return c.side }
func (c *Cache) Slices() int          { return c.slices }
func (c *Cache) DeltaDepth() uint8    { return c.deltaDepth }
func (c *Cache) TextureSize() int     { return c.textureSize }
func (c *Cache) TileSize() int        { return c.tileSize }
func (c *Cache) Frame() uint64        { return c.frame }
func (c *Cache) Slot(i int) *Slot     { return c.slots[i] }
func (c *Cache) TilesPerTexture() int { return 1 << (2 * uint(c.deltaDepth)) }

// BeginFrame starts a new frame. Slots touched before this call become
// evictable again.
func (c *Cache) BeginFrame() {
	c.frame++
}

// Lookup returns the slot bound to exactly cell.
func (c *Cache) Lookup(cell healpix.Cell) (*Slot, bool) {
	i, ok := c.byCell[cell]
	if !ok {
		return nil, false
	}
	return c.slots[i], true
}

// NearestResidentAncestor returns the closest strict ancestor of cell whose
// slot is full.
func (c *Cache) NearestResidentAncestor(cell healpix.Cell) (*Slot, bool) {
	p, ok := cell.Parent()
	for ok {
		if s, found := c.Lookup(p); found && s.IsFull() {
			return s, true
		}
		p, ok = p.Parent()
	}
	return nil, false
}

// Resident reports whether cell can be drawn from the atlas, either from its
// own full slot or from a full ancestor.
func (c *Cache) Resident(cell healpix.Cell) bool {
	if s, ok := c.Lookup(cell); ok && s.IsFull() {
		return true
	}
	_, ok := c.NearestResidentAncestor(cell)
	return ok
}

// Touch marks the slot of cell as used by the current frame. When that slot
// is missing or not full, the nearest resident ancestor drawn in its place is
// touched too.
func (c *Cache) Touch(cell healpix.Cell) bool {
	touched := false
	s, ok := c.Lookup(cell)
	if ok {
		s.touched = c.frame
		touched = true
	}
	if !ok || !s.IsFull() {
		if a, found := c.NearestResidentAncestor(cell); found {
			a.touched = c.frame
			touched = true
		}
	}
	return touched
}

// Pin keeps the slot of cell out of eviction for the lifetime of the binding.
func (c *Cache) Pin(cell healpix.Cell) bool {
	s, ok := c.Lookup(cell)
	if ok {
		s.pinned = true
	}
	return ok
}

// ReserveSlotFor binds a slot to texture cell. An already bound cell keeps
// its slot.
func (c *Cache) ReserveSlotFor(cell healpix.Cell, requested time.Time) (int, error) {
	if i, ok := c.byCell[cell]; ok {
		c.slots[i].touched = c.frame
		return i, nil
	}
	victim := c.pickVictim(true)
	if victim == nil {
		victim = c.pickVictim(false)
	}
	if victim == nil {
		return -1, fmt.Errorf("%w: %d slots pinned", ErrNoSlot, len(c.slots))
	}
	if victim.bound {
		old := victim.cell
		delete(c.byCell, old)
		c.evictions++
		observability.IncAtlasEviction()
		c.log.Debug("atlas slot evicted",
			slog.Int("slot", victim.index),
			slog.String("cell", old.String()),
			slog.String("state", victim.State().String()),
		)
		if c.onEvict != nil {
			c.onEvict(old)
		}
	}
	victim.bind(cell, requested)
	victim.touched = c.frame
	c.byCell[cell] = victim.index
	c.publishGauges()
	return victim.index, nil
}

// Invalidate unbinds every unpinned slot whose texture overlaps cell and
// returns the dropped texture cells. Tiles still in flight for them will be
// discarded as stale.
func (c *Cache) Invalidate(cell healpix.Cell) []healpix.Cell {
	var dropped []healpix.Cell
	for _, s := range c.slots {
		if !s.bound || s.pinned {
			continue
		}
		if s.cell != cell && !s.cell.IsAncestorOf(cell) && !cell.IsAncestorOf(s.cell) {
			continue
		}
		dropped = append(dropped, s.cell)
		delete(c.byCell, s.cell)
		s.unbind()
	}
	if len(dropped) > 0 {
		c.available = true
		c.publishGauges()
	}
	return dropped
}

// pickVictim orders candidates by: never bound, not partial, least recently
// touched, oldest request.
func (c *Cache) pickVictim(skipTouched bool) *Slot {
	var best *Slot
	for _, s := range c.slots {
		if s.pinned {
			continue
		}
		if skipTouched && s.bound && s.touched == c.frame && c.frame > 0 {
			continue
		}
		if best == nil || evictBefore(s, best) {
			best = s
		}
	}
	return best
}

func evictBefore(a, b *Slot) bool {
	if a.bound != b.bound {
		return !a.bound
	}
	if !a.bound {
		return a.index < b.index
	}
	ap, bp := a.State() == Partial, b.State() == Partial
	if ap != bp {
		return !ap
	}
	if a.touched != b.touched {
		return a.touched < b.touched
	}
	if !a.requested.Equal(b.requested) {
		return a.requested.Before(b.requested)
	}
	return a.index < b.index
}

// IntegrateTile writes a decoded tile into the slot of its texture cell.
// Tiles whose slot was evicted or rebound after the request are dropped.
func (c *Cache) IntegrateTile(tile healpix.Cell, img image.Image, requested time.Time) (Integration, error) {
	return c.integrate(tile.TextureCell(c.deltaDepth), tile, img, requested)
}

// IntegrateTexture fills the slot of texture cell with one image covering the
// whole texture.
func (c *Cache) IntegrateTexture(cell healpix.Cell, img image.Image, requested time.Time) (Integration, error) {
	return c.integrate(cell, cell, img, requested)
}

func (c *Cache) integrate(texture, tile healpix.Cell, img image.Image, requested time.Time) (Integration, error) {
	i, ok := c.byCell[texture]
	if !ok || requested.Before(c.slots[i].requested) {
		c.staleDrops++
		observability.IncAtlasStaleDrop()
		c.log.Debug("atlas stale tile dropped", slog.String("tile", tile.String()))
		return IntegrationStale, nil
	}
	s := c.slots[i]
	completed, err := s.integrate(tile)
	if err != nil {
		c.log.Error("atlas integrate", slog.Any("err", err))
		return IntegrationStored, fmt.Errorf("integrate %s: %w", tile, err)
	}

	x, y, size := 0, 0, c.textureSize
	if tile != texture {
		ox, oy := tile.OffsetIn(texture)
		// texture columns follow y, rows follow x
		x, y, size = int(oy)*c.tileSize, int(ox)*c.tileSize, c.tileSize
	}
	if err := c.sink.WriteTile(i, x, y, size, img); err != nil {
		c.log.Warn("atlas sink write", slog.Int("slot", i), slog.Any("err", err))
	}

	c.integrations++
	c.available = true
	observability.IncAtlasIntegration()
	c.publishGauges()
	if completed {
		return IntegrationCompleted, nil
	}
	return IntegrationStored, nil
}

// ContainsTile reports whether tile is already stored in the atlas.
func (c *Cache) ContainsTile(tile healpix.Cell) bool {
	s, ok := c.Lookup(tile.TextureCell(c.deltaDepth))
	return ok && s.Covers(tile)
}

// TakeAvailable reports whether new texture data arrived since the last call.
func (c *Cache) TakeAvailable() bool {
	a := c.available
	c.available = false
	return a
}

type SlotInfo struct {
	Index       int       `json:"index"`
	Cell        string    `json:"cell,omitempty"`
	Uniq        uint64    `json:"uniq,omitempty"`
	State       string    `json:"state"`
	Fill        int       `json:"fill"`
	Pinned      bool      `json:"pinned,omitempty"`
	LastTouched uint64    `json:"last_touched"`
	Requested   time.Time `json:"requested,omitzero"`
	Completed   time.Time `json:"completed,omitzero"`
}

// Snapshot returns a copy of every slot's bookkeeping.
func (c *Cache) Snapshot() []SlotInfo {
	out := make([]SlotInfo, 0, len(c.slots))
	for _, s := range c.slots {
		info := SlotInfo{
			Index:       s.index,
			State:       s.State().String(),
			Fill:        s.fill,
			Pinned:      s.pinned,
			LastTouched: s.touched,
		}
		if s.bound {
			info.Cell = s.cell.String()
			info.Uniq = s.cell.Uniq()
			info.Requested = s.requested
			info.Completed = s.completed
		}
		out = append(out, info)
	}
	return out
}

type Stats struct {
	Slots        int    `json:"slots"`
	Full         int    `json:"full"`
	Partial      int    `json:"partial"`
	Empty        int    `json:"empty"`
	Pinned       int    `json:"pinned"`
	Frame        uint64 `json:"frame"`
	Evictions    uint64 `json:"evictions"`
	StaleDrops   uint64 `json:"stale_drops"`
	Integrations uint64 `json:"integrations"`
}

func (c *Cache) Stats() Stats {
	st := Stats{
		Slots:        len(c.slots),
		Frame:        c.frame,
		Evictions:    c.evictions,
		StaleDrops:   c.staleDrops,
		Integrations: c.integrations,
	}
	for _, s := range c.slots {
		switch s.State() {
		case Full:
			st.Full++
		case Partial:
			st.Partial++
		default:
			st.Empty++
		}
		if s.pinned {
			st.Pinned++
		}
	}
	return st
}

func (c *Cache) publishGauges() {
	st := c.Stats()
	observability.SetAtlasSlots(st.Full, st.Partial, st.Empty)
}
