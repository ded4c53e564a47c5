// Package expiration reads and sets the explicit expiration of a cached
// resource.
package expiration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/mohammed-shakir/geo-export-cache/internal/cache/infostore"
	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
	"github.com/mohammed-shakir/geo-export-cache/internal/pipeline"
	"github.com/mohammed-shakir/geo-export-cache/internal/queue"
)

// Outcome tells an updated expiration from one that seeded a new fill.
type Outcome int

const (
	Updated Outcome = iota + 1
	Accepted
)

type Filler interface {
	CacheResource(ctx context.Context, o pipeline.CacheOptions) (<-chan queue.Outcome, error)
}

type Service struct {
	info infostore.Store
	fill Filler
	now  func() time.Time
	log  *slog.Logger
}

func New(info infostore.Store, fill Filler, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{info: info, fill: fill, now: time.Now, log: log.With("component", "expiration")}
}

// Get returns the expiration of id, or the zero time when none is set.
func (s *Service) Get(ctx context.Context, id model.Identity) (time.Time, error) {
	doc, err := s.info.GetInfo(ctx, id.Table())
	if err != nil {
		return time.Time{}, err
	}
	if doc.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return doc.ExpiresAt.UTC(), nil
}

// Set parses raw and stores it as the expiration of id. A resource that was
// never cached is filled with the expiration as its seed; the result is then
// Accepted instead of Updated.
func (s *Service) Set(ctx context.Context, id model.Identity, raw any) (time.Time, Outcome, error) {
	t, err := Parse(raw)
	if err != nil {
		return time.Time{}, 0, err
	}
	if t.Before(s.now()) {
		return t, 0, fmt.Errorf("%w: %s", model.ErrInPast, t.Format(time.RFC3339))
	}

	_, err = s.info.GetInfo(ctx, id.Table())
	switch {
	case errors.Is(err, model.ErrNotFound):
		if _, err := s.fill.CacheResource(ctx, pipeline.CacheOptions{Identity: id, ExpiresAt: &t}); err != nil {
			return t, 0, err
		}
		s.log.Info("expiration seeded a cache fill", "resource", id.String(), "expires_at", t)
		return t, Accepted, nil
	case err != nil:
		return t, 0, err
	}

	if err := s.info.UpdateInfo(ctx, id.Table(), model.InfoPatch{ExpiresAt: &t}); err != nil {
		return t, 0, err
	}
	s.log.Info("expiration updated", "resource", id.String(), "expires_at", t)
	return t, Updated, nil
}

// msThreshold separates unix milliseconds from unix seconds: 1e11 seconds
// is past the year 5000.
const msThreshold = 1e11

// jsDate is the layout of Date.prototype.toString without the zone name.
const jsDate = "Mon Jan 02 2006 15:04:05 GMT-0700"

// Parse reads an expiration given as unix seconds or milliseconds, a year,
// or a date string.
func Parse(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case float64:
		return fromNumber(v)
	case int:
		return fromNumber(float64(v))
	case int64:
		return fromNumber(float64(v))
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return time.Time{}, invalid(raw)
		}
		return fromNumber(f)
	case string:
		return fromString(v)
	default:
		return time.Time{}, invalid(raw)
	}
}

func invalid(raw any) error {
	return fmt.Errorf("%w: unparseable expiration %v", model.ErrInvalidInput, raw)
}

func fromNumber(f float64) (time.Time, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return time.Time{}, invalid(f)
	}
	if f > msThreshold {
		return time.UnixMilli(int64(f)).UTC(), nil
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

func fromString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, invalid(s)
	}
	if isDigits(s) {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, invalid(s)
		}
		if len(s) <= 4 {
			return time.Date(int(n), time.January, 1, 0, 0, 0, 0, time.UTC), nil
		}
		return fromNumber(float64(n))
	}

	// "Tue May 21 2024 10:00:00 GMT+0200 (Central European Summer Time)"
	if i := strings.Index(s, " ("); i > 0 && strings.HasSuffix(s, ")") {
		s = s[:i]
	}
	if t, err := time.Parse(jsDate, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	return t.UTC(), nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
