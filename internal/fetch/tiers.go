package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/allegro/bigcache/v3"

	"github.com/mohammed-shakir/hipsview/internal/cache/keys"
	"github.com/mohammed-shakir/hipsview/internal/core/observability"
	"github.com/mohammed-shakir/hipsview/internal/logger"
	"github.com/mohammed-shakir/hipsview/internal/query"
)

const (
	TierL1   = "l1"
	TierL2   = "l2"
	TierHTTP = "http"

	// TierDecoded is a hit in the decoded payload cache.
	TierDecoded = "decoded"
)

// defaultMaxBody bounds one downloaded resource; Allsky FITS files are the
// largest.
const defaultMaxBody = 64 << 20

// Store is the shared byte tier, usually redisstore.Client.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

// StoreKey is the cache key of q in the byte tiers.
func StoreKey(q query.Query) string {
	return keys.Key(q.Survey(), q.Kind().String(), q.ID())
}

// load walks the byte tiers and fills the faster ones on the way back.
func (f *Fetcher) load(ctx context.Context, q query.Query) ([]byte, string, error) {
	key := StoreKey(q)

	if f.l1 != nil {
		start := time.Now()
		b, err := f.l1.Get(key)
		switch {
		case err == nil:
			observability.IncTierHit(TierL1)
			observability.ObserveFetch(TierL1, time.Since(start).Seconds())
			return b, TierL1, nil
		case errors.Is(err, bigcache.ErrEntryNotFound):
			observability.IncTierMiss(TierL1)
		default:
			f.log.WarnContext(logger.WithTier(ctx, TierL1), "get failed", "key", key, "err", err)
		}
	}

	if f.l2 != nil {
		start := time.Now()
		sctx, cancel := f.storeContext(ctx)
		b, ok, err := f.l2.Get(sctx, key)
		cancel()
		switch {
		case err != nil:
			f.log.WarnContext(logger.WithTier(ctx, TierL2), "get failed", "key", key, "err", err)
		case ok:
			observability.IncTierHit(TierL2)
			observability.ObserveFetch(TierL2, time.Since(start).Seconds())
			f.fillL1(key, b)
			return b, TierL2, nil
		default:
			observability.IncTierMiss(TierL2)
		}
	}

	start := time.Now()
	b, err := f.download(ctx, q.URL())
	if err != nil {
		return nil, TierHTTP, err
	}
	observability.ObserveFetch(TierHTTP, time.Since(start).Seconds())
	f.fillL1(key, b)
	if ttl, ok := f.storeTTL(q); ok && f.l2 != nil {
		sctx, cancel := f.storeContext(ctx)
		if err := f.l2.Set(sctx, key, b, ttl); err != nil {
			f.log.WarnContext(logger.WithTier(ctx, TierL2), "set failed", "key", key, "ttl", ttl, "err", err)
		}
		cancel()
	}
	return b, TierHTTP, nil
}

func (f *Fetcher) fillL1(key string, b []byte) {
	if f.l1 == nil {
		return
	}
	if err := f.l1.Set(key, b); err != nil {
		f.log.Debug("l1 set failed", "key", key, "err", err)
	}
}

func (f *Fetcher) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, f.storeTimeout)
}

func (f *Fetcher) download(ctx context.Context, url string) ([]byte, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", url, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		observability.IncFetchError("transport")
		return nil, fmt.Errorf("get %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		observability.IncFetchError("not_found")
		return nil, fmt.Errorf("get %s: %w", url, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		observability.IncFetchError("status")
		return nil, fmt.Errorf("get %s: unexpected status %d", url, resp.StatusCode)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		observability.IncFetchError("read")
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if int64(len(b)) > f.maxBody {
		observability.IncFetchError("too_large")
		return nil, fmt.Errorf("get %s: %w (limit %d bytes)", url, ErrTooLarge, f.maxBody)
	}
	if len(b) == 0 {
		observability.IncFetchError("empty")
		return nil, fmt.Errorf("get %s: %w", url, ErrNotFound)
	}
	return b, nil
}

type deleter interface {
	Del(ctx context.Context, keys ...string) error
}

type purger interface {
	Purge(ctx context.Context, pattern string) (int, error)
}

// Forget drops the cached bytes and decoded payloads of qs from every tier.
func (f *Fetcher) Forget(ctx context.Context, qs ...query.Query) error {
	if len(qs) == 0 {
		return nil
	}
	ks := make([]string, 0, len(qs))
	for _, q := range qs {
		key := StoreKey(q)
		ks = append(ks, key)
		f.decoded.Remove(q.Hash())
		if f.l1 != nil {
			if err := f.l1.Delete(key); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
				f.log.Debug("l1 delete failed", "key", key, "err", err)
			}
		}
	}
	d, ok := f.l2.(deleter)
	if !ok {
		return nil
	}
	sctx, cancel := f.storeContext(ctx)
	defer cancel()
	if err := d.Del(sctx, ks...); err != nil {
		return fmt.Errorf("forget %d keys: %w", len(ks), err)
	}
	return nil
}

// ForgetSurvey empties the in-process tiers and purges the survey from the
// shared store. It returns how many shared keys were removed.
func (f *Fetcher) ForgetSurvey(ctx context.Context, survey string) (int, error) {
	f.decoded.Purge()
	if f.l1 != nil {
		if err := f.l1.Reset(); err != nil {
			f.log.Warn("l1 reset failed", "err", err)
		}
	}
	p, ok := f.l2.(purger)
	if !ok {
		return 0, nil
	}
	n, err := p.Purge(ctx, keys.SurveyPattern(survey))
	if err != nil {
		return n, fmt.Errorf("forget survey %s: %w", survey, err)
	}
	return n, nil
}
