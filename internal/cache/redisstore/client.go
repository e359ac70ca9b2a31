// Package redisstore is the shared second tier of the tile byte cache.
// Values are zstd frames; values written uncompressed by other tools are
// read back as stored.
package redisstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mohammed-shakir/hipsview/internal/core/observability"
)

const scanBatch = 256

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

type Option func(*redis.Options)

// WithPool sizes the connection pool.
func WithPool(size, minIdle int) Option {
	return func(o *redis.Options) {
		o.PoolSize, o.MinIdleConns = size, minIdle
	}
}

// WithTimeouts sets the dial timeout and the per command read and write
// timeouts.
func WithTimeouts(dial, io time.Duration) Option {
	return func(o *redis.Options) {
		o.DialTimeout, o.ReadTimeout, o.WriteTimeout = dial, io, io
	}
}

type Client struct {
	rdb *redis.Client
	zc  codec
}

type codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newCodec() (codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return codec{}, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return codec{}, fmt.Errorf("zstd decoder: %w", err)
	}
	return codec{enc: enc, dec: dec}, nil
}

func (z codec) pack(v []byte) []byte { return z.enc.EncodeAll(v, make([]byte, 0, len(v)/2)) }

func (z codec) unpack(raw []byte) ([]byte, error) {
	if !bytes.HasPrefix(raw, zstdMagic) {
		return raw, nil
	}
	v, err := z.dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return v, nil
}

func (z codec) close() {
	z.enc.Close()
	z.dec.Close()
}

// New connects and pings addr; the client is unusable if the ping fails.
func New(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("redisstore: empty address")
	}
	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     32,
		MinIdleConns: 2,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
	for _, o := range opts {
		o(ro)
	}
	rdb := redis.NewClient(ro)

	done := timed("ping")
	if err := done(rdb.Ping(ctx).Err()); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redisstore: ping %s: %w", addr, err)
	}
	zc, err := newCodec()
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redisstore: %w", err)
	}
	return &Client{rdb: rdb, zc: zc}, nil
}

// timed starts the latency histogram of op; the returned func records the
// outcome and passes err through.
func timed(op string) func(error) error {
	start := time.Now()
	return func(err error) error {
		observability.ObserveCacheOp(op, err, time.Since(start).Seconds())
		return err
	}
}

// Get returns the value of key; ok is false when the key is missing.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	done := timed("get")
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		_ = done(nil)
		return nil, false, nil
	}
	if err := done(err); err != nil {
		return nil, false, fmt.Errorf("redis GET %q: %w", key, err)
	}
	v, err := c.zc.unpack(raw)
	if err != nil {
		return nil, false, fmt.Errorf("redis GET %q: %w", key, err)
	}
	return v, true, nil
}

func (c *Client) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	done := timed("set")
	if err := done(c.rdb.Set(ctx, key, c.zc.pack(val), ttl).Err()); err != nil {
		return fmt.Errorf("redis SET %q: %w", key, err)
	}
	return nil
}

// Missing returns the keys absent from the store, in input order. The
// EXISTS checks go out in one pipeline.
func (c *Client) Missing(ctx context.Context, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	done := timed("exists")
	cmds := make([]*redis.IntCmd, len(keys))
	_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.Exists(ctx, k)
		}
		return nil
	})
	if err := done(err); err != nil {
		return nil, fmt.Errorf("redis EXISTS %d keys: %w", len(keys), err)
	}
	var out []string
	for i, cmd := range cmds {
		if cmd.Val() == 0 {
			out = append(out, keys[i])
		}
	}
	return out, nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	done := timed("del")
	if err := done(c.rdb.Del(ctx, keys...).Err()); err != nil {
		return fmt.Errorf("redis DEL %d keys: %w", len(keys), err)
	}
	return nil
}

// Purge unlinks every key matching pattern and returns how many went away.
func (c *Client) Purge(ctx context.Context, pattern string) (int, error) {
	done := timed("purge")
	n := 0
	batch := make([]string, 0, scanBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := c.rdb.Unlink(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis UNLINK %d keys: %w", len(batch), err)
		}
		n += len(batch)
		batch = batch[:0]
		return nil
	}

	it := c.rdb.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for it.Next(ctx) {
		batch = append(batch, it.Val())
		if len(batch) == scanBatch {
			if err := flush(); err != nil {
				return n, done(err)
			}
		}
	}
	if err := it.Err(); err != nil {
		return n, done(fmt.Errorf("redis SCAN %q: %w", pattern, err))
	}
	return n, done(flush())
}

func (c *Client) Close() error {
	c.zc.close()
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("redisstore: close: %w", err)
	}
	return nil
}
