// hipsprefetch warms the tile byte caches of one survey: it downloads every
// tile down to a depth, restricted to the survey coverage, so viewers
// sharing the Redis store start from cached bytes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mohammed-shakir/hipsview/internal/cache/redisstore"
	"github.com/mohammed-shakir/hipsview/internal/core/config"
	"github.com/mohammed-shakir/hipsview/internal/core/httpclient"
	"github.com/mohammed-shakir/hipsview/internal/coverage"
	"github.com/mohammed-shakir/hipsview/internal/fetch"
	"github.com/mohammed-shakir/hipsview/internal/healpix"
	"github.com/mohammed-shakir/hipsview/internal/logger"
	"github.com/mohammed-shakir/hipsview/internal/query"
	"github.com/mohammed-shakir/hipsview/internal/survey"
)

// checkBatch is how many tiles are checked against the shared store per
// round trip.
const checkBatch = 256

func main() {
	os.Exit(run())
}

type tally struct {
	mu       sync.Mutex
	tiers    map[string]int
	missing  int
	failures int
}

func (t *tally) add(tier string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case errors.Is(err, fetch.ErrNotFound):
		t.missing++
	case err != nil:
		t.failures++
	default:
		t.tiers[tier]++
	}
}

func run() int {
	surveyFlag := flag.String("survey", "", "survey id from the catalog")
	depth := flag.Uint("depth", 3, "deepest tile order to fetch")
	workers := flag.Int("workers", 0, "concurrent downloads (default FETCH_WORKERS)")
	force := flag.Bool("force", false, "fetch tiles the shared store already holds")
	flag.Parse()

	cfg := config.FromEnv()
	if *surveyFlag != "" {
		cfg.Survey = strings.TrimSpace(*surveyFlag)
	}
	if *workers <= 0 {
		*workers = cfg.Fetch.Workers
	}

	zl := logger.Build(logger.Config{Level: cfg.LogLevel, Console: cfg.LogConsole, Survey: cfg.Survey, Component: "prefetch"}, os.Stderr)
	log := logger.NewSlog(&zl)

	catalog, err := survey.LoadCatalog(cfg.SurveysFile)
	if err != nil {
		log.Error("load survey catalog", "err", err)
		return 1
	}
	entry, ok := catalog.Find(cfg.Survey)
	if !ok {
		log.Error("survey not in catalog", "survey", cfg.Survey)
		return 1
	}
	sc, err := entry.Config()
	if err != nil {
		log.Error("survey configuration", "err", err)
		return 1
	}
	maxDepth := min(uint8(min(*depth, healpix.MaxDepth)), sc.MaxOrder)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []fetch.Option{fetch.WithHTTPClient(httpclient.NewOutbound(cfg.Fetch.Timeout)), fetch.WithLogger(log)}
	store, err := redisstore.New(ctx, cfg.Redis.Addr)
	if err != nil {
		log.Warn("redis unavailable, only the local caches are warmed", "addr", cfg.Redis.Addr, "err", err)
	} else {
		defer func() { _ = store.Close() }()
		opts = append(opts, fetch.WithStore(store))
	}
	f, err := fetch.New(fetch.Config{
		Timeout:      cfg.Fetch.Timeout,
		StoreTimeout: cfg.Redis.OpTimeout,
		TTL:          cfg.Redis.TTL,
		DecodedLRU:   cfg.Fetch.DecodedLRU,
	}, opts...)
	if err != nil {
		log.Error("fetcher setup failed", "err", err)
		return 1
	}

	moc := coverage.FullSky()
	if p, _, err := f.Fetch(ctx, query.NewCoverage(sc)); err == nil && p.MOC != nil {
		moc = p.MOC
	} else if err != nil {
		log.Warn("no coverage, fetching the whole sky", "err", err)
	}

	start := time.Now()
	jobs := make(chan healpix.Cell, *workers)
	res := &tally{tiers: map[string]int{}}
	var wg sync.WaitGroup
	for range *workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				_, tier, err := f.Fetch(ctx, query.NewTile(c, 0, sc))
				res.add(tier, err)
			}
		}()
	}

	queued, cached := 0, 0
	batch := make([]healpix.Cell, 0, checkBatch)
	flush := func() {
		todo := batch
		if store != nil && !*force {
			var err error
			if todo, err = uncached(ctx, store, sc, batch); err != nil {
				log.Warn("store check failed, fetching the whole batch", "err", err)
				todo = batch
			}
		}
		cached += len(batch) - len(todo)
		for _, c := range todo {
			select {
			case jobs <- c:
				queued++
			case <-ctx.Done():
				return
			}
		}
		batch = batch[:0]
	}
	for d := sc.MinOrder; d <= maxDepth && ctx.Err() == nil; d++ {
		for i := range healpix.NumCells(d) {
			c := healpix.Cell{Depth: d, Index: i}
			if !moc.IntersectsCell(c) {
				continue
			}
			if batch = append(batch, c); len(batch) == checkBatch {
				flush()
			}
		}
	}
	flush()
	close(jobs)
	wg.Wait()

	fmt.Printf("survey %s: %d tiles to order %d in %s\n", sc.ID, queued, maxDepth, time.Since(start).Round(time.Millisecond))
	for _, tier := range []string{fetch.TierDecoded, fetch.TierL1, fetch.TierL2, fetch.TierHTTP} {
		fmt.Printf("  %-8s %d\n", tier, res.tiers[tier])
	}
	fmt.Printf("  missing %d, failed %d, already stored %d\n", res.missing, res.failures, cached)
	if res.failures > 0 {
		return 1
	}
	return 0
}

// uncached drops the cells whose tiles the shared store already holds.
func uncached(ctx context.Context, store *redisstore.Client, sc survey.Config, cells []healpix.Cell) ([]healpix.Cell, error) {
	byKey := make(map[string]healpix.Cell, len(cells))
	ks := make([]string, len(cells))
	for i, c := range cells {
		ks[i] = fetch.StoreKey(query.NewTile(c, 0, sc))
		byKey[ks[i]] = c
	}
	missing, err := store.Missing(ctx, ks)
	if err != nil {
		return nil, err
	}
	out := make([]healpix.Cell, len(missing))
	for i, k := range missing {
		out[i] = byKey[k]
	}
	return out, nil
}
