// Package logger builds the zerolog logger and its slog bridge, and carries
// request-scoped fields through context.
package logger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level     string
	Console   bool
	SampleN   int
	Component string
	Version   string
}

type ctxKey string

const (
	ctxReqIDKey  ctxKey = "request_id"
	ctxComponent ctxKey = "component"
	ctxResource  ctxKey = "resource"
	ctxTaskHash  ctxKey = "task_hash"
)

// fields lists the context keys copied onto every record, in output order.
var fields = []ctxKey{ctxReqIDKey, ctxComponent, ctxResource, ctxTaskHash}

func WithRequestID(ctx context.Context, reqID string) context.Context {
	if reqID == "" {
		reqID = NewID()
	}
	return context.WithValue(ctx, ctxReqIDKey, reqID)
}

func RequestID(ctx context.Context) string {
	s, _ := ctx.Value(ctxReqIDKey).(string)
	return s
}

func WithComponent(ctx context.Context, component string) context.Context {
	return with(ctx, ctxComponent, component)
}

// WithResource tags records with the "<host>/<item>_<layer>" being served.
func WithResource(ctx context.Context, resource string) context.Context {
	return with(ctx, ctxResource, resource)
}

func WithTaskHash(ctx context.Context, hash string) context.Context {
	return with(ctx, ctxTaskHash, hash)
}

func with(ctx context.Context, k ctxKey, v string) context.Context {
	if v == "" {
		return ctx
	}
	return context.WithValue(ctx, k, v)
}

func NewID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// sampler thins debug and info records to one in n. Warnings and errors are
// always kept.
func sampler(n int) zerolog.Sampler {
	if n <= 1 {
		return nil
	}
	every := uint32(min(n, math.MaxUint32))
	return zerolog.LevelSampler{
		DebugSampler: &zerolog.BasicSampler{N: every},
		InfoSampler:  &zerolog.BasicSampler{N: every},
	}
}

func Build(cfg Config, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "timestamp"
	zerolog.LevelFieldName = "level"
	zerolog.MessageFieldName = "msg"

	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	base := zerolog.New(out)

	if sm := sampler(cfg.SampleN); sm != nil {
		base = base.Sample(sm)
	}

	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	ctx := base.With().Timestamp()
	if cfg.Component != "" {
		ctx = ctx.Str("component", cfg.Component)
	}
	if cfg.Version != "" {
		ctx = ctx.Str("version", cfg.Version)
	}
	return ctx.Logger()
}

// ParseLevel maps a config level name onto zerolog. Unknown or empty names
// are info; trace is treated as debug.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	switch {
	case err != nil, lvl == zerolog.NoLevel:
		return zerolog.InfoLevel
	case lvl < zerolog.DebugLevel:
		return zerolog.DebugLevel
	}
	return lvl
}

// FromContext returns a child of parent carrying the context fields.
func FromContext(ctx context.Context, parent *zerolog.Logger) *zerolog.Logger {
	var base zerolog.Logger
	if parent == nil {
		base = zerolog.New(io.Discard)
	} else {
		base = *parent
	}
	w := base.With()
	for _, k := range fields {
		if s, ok := ctx.Value(k).(string); ok && s != "" {
			w = w.Str(string(k), s)
		}
	}
	l := w.Logger()
	return &l
}
