// Package logger builds the zerolog loggers of the viewer and carries
// request scoped fields through contexts.
package logger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	// SampleN keeps one event in N; zero or less logs everything.
	SampleN   int
	Survey    string
	Component string
}

type fieldKey int

const (
	requestIDField fieldKey = iota
	componentField
	resourceField
	tierField
	numFields
)

var fieldNames = [numFields]string{
	requestIDField: "request_id",
	componentField: "component",
	resourceField:  "resource",
	tierField:      "tier",
}

func with(ctx context.Context, k fieldKey, v string) context.Context {
	if v == "" {
		return ctx
	}
	return context.WithValue(ctx, k, v)
}

// WithRequestID tags ctx with reqID, generating one when empty.
func WithRequestID(ctx context.Context, reqID string) context.Context {
	if reqID == "" {
		reqID = NewID()
	}
	return with(ctx, requestIDField, reqID)
}

func WithComponent(ctx context.Context, component string) context.Context {
	return with(ctx, componentField, component)
}

// WithResource tags ctx with the id of the survey resource being loaded.
func WithResource(ctx context.Context, id string) context.Context {
	return with(ctx, resourceField, id)
}

// WithTier records which fetch tier the work is on.
func WithTier(ctx context.Context, tier string) context.Context {
	return with(ctx, tierField, tier)
}

// contextFields calls fn for every field set on ctx, in a fixed order.
func contextFields(ctx context.Context, fn func(name, value string)) {
	if ctx == nil {
		return
	}
	for k := fieldKey(0); k < numFields; k++ {
		if s, ok := ctx.Value(k).(string); ok && s != "" {
			fn(fieldNames[k], s)
		}
	}
}

func NewID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Build configures the zerolog globals and returns the root logger.
// Unknown levels fall back to info.
func Build(cfg Config, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "timestamp"
	zerolog.MessageFieldName = "msg"

	lvl, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}
	l := zerolog.New(out)
	if cfg.SampleN > 1 {
		l = l.Sample(&zerolog.BasicSampler{N: uint32(min(cfg.SampleN, 1<<30))})
	}

	lc := l.With().Timestamp()
	if cfg.Survey != "" {
		lc = lc.Str("survey", cfg.Survey)
	}
	if cfg.Component != "" {
		lc = lc.Str("component", cfg.Component)
	}
	return lc.Logger()
}

// FromContext returns a child of parent carrying the fields set on ctx.
func FromContext(ctx context.Context, parent *zerolog.Logger) *zerolog.Logger {
	base := zerolog.Nop()
	if parent != nil {
		base = *parent
	}
	lc := base.With()
	contextFields(ctx, func(name, value string) {
		lc = lc.Str(name, value)
	})
	l := lc.Logger()
	return &l
}
