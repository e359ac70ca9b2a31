// Package fetch downloads and decodes survey resources off the frame thread.
//
// Requests are queued by priority and served by a fixed pool of workers.
// Bytes come from an in-process cache, then an optional shared store, then
// the HiPS server. Completed results are delivered on a channel that the
// frame loop drains.
package fetch

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/hipsview/internal/coverage"
	"github.com/mohammed-shakir/hipsview/internal/decode"
	"github.com/mohammed-shakir/hipsview/internal/healpix"
	"github.com/mohammed-shakir/hipsview/internal/hotness"
	"github.com/mohammed-shakir/hipsview/internal/logger"
	"github.com/mohammed-shakir/hipsview/internal/query"
	"github.com/mohammed-shakir/hipsview/internal/tileevents"
)

var (
	// ErrNotFound marks a resource the server does not publish. Missing
	// tiles are drawn empty rather than retried.
	ErrNotFound  = errors.New("fetch: not found")
	ErrQueueFull = errors.New("fetch: queue full")
	ErrClosed    = errors.New("fetch: closed")
	ErrTooLarge  = errors.New("fetch: resource too large")
)

// Request asks for one resource. RequestTime is echoed in the result so the
// atlas can tell whether the slot it was reserved for still exists.
type Request struct {
	Query       query.Query
	RequestTime time.Time
}

func (r Request) depth() uint8 {
	if t, ok := r.Query.(query.Tile); ok {
		return t.Cell.Depth
	}
	// survey wide resources go first
	return 0
}

func (r Request) region() (healpix.Cell, bool) {
	if t, ok := r.Query.(query.Tile); ok {
		return hotness.Region(t.Cell), true
	}
	return healpix.Cell{}, false
}

type Result struct {
	Query       query.Query
	Image       image.Image
	MOC         *coverage.MOC
	Meta        *decode.Meta
	RequestTime time.Time
	Tier        string
	Err         error
}

// NotFound reports whether the resource is absent upstream.
func (r Result) NotFound() bool { return errors.Is(r.Err, ErrNotFound) }

// Payload is a decoded resource; exactly one field is set.
type Payload struct {
	Image image.Image
	MOC   *coverage.MOC
	Meta  *decode.Meta
}

type Config struct {
	Workers int
	// Queue bounds pending requests and the results buffer.
	Queue        int
	Timeout      time.Duration
	StoreTimeout time.Duration
	TTL          time.Duration
	DecodedLRU   int
	L1CacheMB    int
	// MaxBody bounds one download in bytes; zero means 64 MiB.
	MaxBody int64
}

type Option func(*Fetcher)

func WithHTTPClient(c *http.Client) Option { return func(f *Fetcher) { f.client = c } }
func WithStore(s Store) Option             { return func(f *Fetcher) { f.l2 = s } }
func WithHotness(h hotness.Interface) Option {
	return func(f *Fetcher) { f.hot = h }
}
func WithLogger(l *slog.Logger) Option { return func(f *Fetcher) { f.log = l } }

// Fetcher is safe for concurrent use.
type Fetcher struct {
	client       *http.Client
	log          *slog.Logger
	l1           *bigcache.BigCache
	l2           Store
	hot          hotness.Interface
	fill         FillPolicy
	decoded      *lru.Cache[uint64, Payload]
	group        singleflight.Group
	workers      int
	maxQueue     int
	timeout      time.Duration
	storeTimeout time.Duration
	ttl          time.Duration
	maxBody      int64

	mu      sync.Mutex
	pending queue
	byID    map[string]*item
	seq     uint64
	closed  bool
	wake    chan struct{}

	results chan Result
	wg      sync.WaitGroup
	started bool
	stop    context.CancelFunc
}

func New(cfg Config, opts ...Option) (*Fetcher, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 256
	}
	if cfg.DecodedLRU <= 0 {
		cfg.DecodedLRU = 256
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = defaultMaxBody
	}

	f := &Fetcher{
		client:       http.DefaultClient,
		log:          slog.New(slog.DiscardHandler),
		workers:      cfg.Workers,
		maxQueue:     cfg.Queue,
		timeout:      cfg.Timeout,
		storeTimeout: cfg.StoreTimeout,
		ttl:          cfg.TTL,
		maxBody:      cfg.MaxBody,
		byID:         map[string]*item{},
		wake:         make(chan struct{}, 1),
		results:      make(chan Result, cfg.Queue),
	}
	for _, o := range opts {
		o(f)
	}

	dec, err := lru.New[uint64, Payload](cfg.DecodedLRU)
	if err != nil {
		return nil, fmt.Errorf("fetch: decoded cache: %w", err)
	}
	f.decoded = dec

	if cfg.L1CacheMB > 0 {
		l1cfg := bigcache.DefaultConfig(cfg.TTL)
		l1cfg.Shards = 64
		l1cfg.CleanWindow = cfg.TTL / 2
		l1cfg.MaxEntriesInWindow = 10000
		l1cfg.MaxEntrySize = 256 * 1024
		l1cfg.HardMaxCacheSize = cfg.L1CacheMB
		l1cfg.Verbose = false
		l1, err := bigcache.New(context.Background(), l1cfg)
		if err != nil {
			return nil, fmt.Errorf("fetch: l1 cache: %w", err)
		}
		f.l1 = l1
	}
	return f, nil
}

// Submit queues r unless the same resource is already queued.
func (f *Fetcher) Submit(r Request) error {
	if r.Query == nil {
		return errors.New("fetch: nil query")
	}
	region, hasRegion := r.region()
	if hasRegion && f.hot != nil {
		f.hot.Inc(region)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if _, ok := f.byID[r.Query.ID()]; ok {
		return nil
	}
	if len(f.pending) >= f.maxQueue {
		return ErrQueueFull
	}
	it := &item{req: r, seq: f.seq}
	f.seq++
	if hasRegion && f.hot != nil {
		it.score = f.hot.Score(region)
	}
	heap.Push(&f.pending, it)
	f.byID[r.Query.ID()] = it

	select {
	case f.wake <- struct{}{}:
	default:
	}
	return nil
}

// Cancel drops a queued request that no worker picked up yet. In-flight
// downloads run to completion.
func (f *Fetcher) Cancel(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.byID[id]
	if !ok {
		return false
	}
	f.pending.remove(it)
	delete(f.byID, id)
	return true
}

func (f *Fetcher) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func (f *Fetcher) Results() <-chan Result { return f.results }

// Start launches the dispatcher and the workers. They stop when ctx is done
// or Close is called.
func (f *Fetcher) Start(ctx context.Context) {
	f.mu.Lock()
	if f.started || f.closed {
		f.mu.Unlock()
		return
	}
	f.started = true
	ctx, f.stop = context.WithCancel(ctx)
	f.mu.Unlock()

	jobs := make(chan Request)

	f.wg.Add(f.workers)
	for range f.workers {
		go func() {
			defer f.wg.Done()
			for req := range jobs {
				res := f.do(ctx, req)
				select {
				case f.results <- res:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer close(jobs)
		for {
			req, ok := f.next(ctx)
			if !ok {
				return
			}
			select {
			case jobs <- req:
			case <-ctx.Done():
				return
			}
		}
	}()
}

// next blocks until a request is queued or ctx is done.
func (f *Fetcher) next(ctx context.Context) (Request, bool) {
	for {
		f.mu.Lock()
		if f.pending.Len() > 0 {
			it := heap.Pop(&f.pending).(*item)
			delete(f.byID, it.req.Query.ID())
			f.mu.Unlock()
			return it.req, true
		}
		f.mu.Unlock()

		select {
		case <-f.wake:
		case <-ctx.Done():
			return Request{}, false
		}
	}
}

// Close stops the workers and releases the caches. Results already sent stay
// readable; the channel is not closed.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	stop := f.stop
	f.mu.Unlock()

	if stop != nil {
		stop()
	}
	f.wg.Wait()
	if f.l1 != nil {
		if err := f.l1.Close(); err != nil {
			return fmt.Errorf("fetch: close l1: %w", err)
		}
	}
	return nil
}

func (f *Fetcher) do(ctx context.Context, r Request) Result {
	res := Result{Query: r.Query, RequestTime: r.RequestTime}
	ctx = logger.WithResource(ctx, r.Query.ID())
	p, tier, err := f.Fetch(ctx, r.Query)
	res.Tier = tier
	res.Err = err
	res.Image, res.MOC, res.Meta = p.Image, p.MOC, p.Meta
	if err != nil && !errors.Is(err, ErrNotFound) {
		f.log.WarnContext(logger.WithTier(ctx, tier), "fetch failed", "err", err)
	}
	publish(r.Query, tier, err)
	return res
}

// Fetch loads and decodes q synchronously, sharing concurrent loads of the
// same resource.
func (f *Fetcher) Fetch(ctx context.Context, q query.Query) (Payload, string, error) {
	if p, ok := f.decoded.Get(q.Hash()); ok {
		return p, TierDecoded, nil
	}

	type loaded struct {
		p    Payload
		tier string
	}
	v, err, _ := f.group.Do(q.ID(), func() (any, error) {
		b, tier, err := f.load(ctx, q)
		if err != nil {
			return loaded{tier: tier}, err
		}
		p, err := decodePayload(q, b)
		if err != nil {
			return loaded{tier: tier}, err
		}
		f.decoded.Add(q.Hash(), p)
		return loaded{p: p, tier: tier}, nil
	})
	l, _ := v.(loaded)
	if err != nil {
		return Payload{}, l.tier, err
	}
	return l.p, l.tier, nil
}

func decodePayload(q query.Query, b []byte) (Payload, error) {
	switch q := q.(type) {
	case query.Tile:
		img, err := decode.Image(q.Format, b)
		if err != nil {
			return Payload{}, fmt.Errorf("decode %s: %w", q.ID(), err)
		}
		return Payload{Image: img}, nil
	case query.Allsky:
		img, err := decode.Image(q.Format, b)
		if err != nil {
			return Payload{}, fmt.Errorf("decode %s: %w", q.ID(), err)
		}
		return Payload{Image: img}, nil
	case query.PixelMetadata:
		m, err := decode.PixelMeta(b)
		if err != nil {
			return Payload{}, fmt.Errorf("decode %s: %w", q.ID(), err)
		}
		return Payload{Meta: &m}, nil
	case query.Coverage:
		m, err := decode.MOC(b)
		if err != nil {
			return Payload{}, fmt.Errorf("decode %s: %w", q.ID(), err)
		}
		return Payload{MOC: m}, nil
	default:
		return Payload{}, fmt.Errorf("decode %s: unknown query kind %v", q.ID(), q.Kind())
	}
}

func publish(q query.Query, tier string, err error) {
	ev := tileevents.Event{Survey: q.Survey(), Kind: q.Kind().String(), Tier: tier}
	if t, ok := q.(query.Tile); ok {
		ev.Depth, ev.Index = t.Cell.Depth, t.Cell.Index
		ev.Region = hotness.Region(t.Cell).Uniq()
	}
	if err != nil {
		ev.Error = err.Error()
	}
	tileevents.Publish(ev)
}
