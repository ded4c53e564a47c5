// Package infostore persists Info Documents.
//
// Top-level fields live in the hash info:<table>; each generating
// sub-status is its own field of info:<table>:gen, so concurrent builds of
// different fingerprints never overwrite each other.
package infostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mohammed-shakir/geo-export-cache/internal/cache/keys"
	"github.com/mohammed-shakir/geo-export-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
)

type Store interface {
	// GetInfo returns model.ErrNotFound when no document exists for table.
	GetInfo(ctx context.Context, table string) (*model.InfoDocument, error)
	UpdateInfo(ctx context.Context, table string, p model.InfoPatch) error
	SetGenerating(ctx context.Context, table string, fp model.Fingerprint, g model.Generating) error
	Drop(ctx context.Context, table string) error
}

const (
	fStatus        = "status"
	fType          = "type"
	fName          = "name"
	fRetrievedAt   = "retrieved_at"
	fExpiresAt     = "expires_at"
	fModified      = "modified"
	fError         = "error"
	fGeohashStatus = "geohash_status"
)

type redisInfoStore struct {
	cli *redisstore.Client
}

func NewRedisStore(cli *redisstore.Client) Store {
	return &redisInfoStore{cli: cli}
}

func (s *redisInfoStore) GetInfo(ctx context.Context, table string) (*model.InfoDocument, error) {
	m, err := s.cli.HGetAll(ctx, keys.Info(table))
	if err != nil {
		return nil, fmt.Errorf("infostore get %q: %w", table, err)
	}
	if len(m) == 0 {
		return nil, model.ErrNotFound
	}
	doc, err := decodeInfo(m)
	if err != nil {
		return nil, fmt.Errorf("infostore decode %q: %w", table, err)
	}

	gen, err := s.cli.HGetAll(ctx, keys.Generating(table))
	if err != nil {
		return nil, fmt.Errorf("infostore get generating %q: %w", table, err)
	}
	if len(gen) > 0 {
		doc.Generating = make(map[model.Fingerprint]model.Generating, len(gen))
		for fp, raw := range gen {
			var g model.Generating
			if err := json.Unmarshal([]byte(raw), &g); err != nil {
				return nil, fmt.Errorf("infostore decode generating %q/%s: %w", table, fp, err)
			}
			doc.Generating[model.Fingerprint(fp)] = g
		}
	}
	return doc, nil
}

func (s *redisInfoStore) UpdateInfo(ctx context.Context, table string, p model.InfoPatch) error {
	fields, err := encodePatch(p)
	if err != nil {
		return fmt.Errorf("infostore encode patch %q: %w", table, err)
	}
	if err := s.cli.HSet(ctx, keys.Info(table), fields); err != nil {
		return fmt.Errorf("infostore update %q: %w", table, err)
	}
	if p.ClearError && p.Error == nil {
		if err := s.cli.HDel(ctx, keys.Info(table), fError); err != nil {
			return fmt.Errorf("infostore clear error %q: %w", table, err)
		}
	}
	return nil
}

func (s *redisInfoStore) SetGenerating(ctx context.Context, table string, fp model.Fingerprint, g model.Generating) error {
	b, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("infostore encode generating: %w", err)
	}
	if err := s.cli.HSet(ctx, keys.Generating(table), map[string]any{string(fp): b}); err != nil {
		return fmt.Errorf("infostore set generating %q/%s: %w", table, fp, err)
	}
	return nil
}

func (s *redisInfoStore) Drop(ctx context.Context, table string) error {
	if err := s.cli.Del(ctx, keys.Info(table), keys.Generating(table)); err != nil {
		return fmt.Errorf("infostore drop %q: %w", table, err)
	}
	return nil
}

func encodePatch(p model.InfoPatch) (map[string]any, error) {
	f := make(map[string]any, 8)
	if p.Status != nil {
		f[fStatus] = string(*p.Status)
	}
	if p.Type != nil {
		f[fType] = *p.Type
	}
	if p.Name != nil {
		f[fName] = *p.Name
	}
	if p.RetrievedAt != nil {
		f[fRetrievedAt] = millis(*p.RetrievedAt)
	}
	if p.ExpiresAt != nil {
		f[fExpiresAt] = millis(*p.ExpiresAt)
	}
	if p.Modified != nil {
		f[fModified] = millis(*p.Modified)
	}
	if p.GeohashStatus != nil {
		f[fGeohashStatus] = *p.GeohashStatus
	}
	if p.Error != nil {
		b, err := json.Marshal(p.Error)
		if err != nil {
			return nil, err
		}
		f[fError] = b
	}
	return f, nil
}

func decodeInfo(m map[string]string) (*model.InfoDocument, error) {
	doc := &model.InfoDocument{
		Status:        model.CacheStatus(m[fStatus]),
		Type:          m[fType],
		Name:          m[fName],
		GeohashStatus: m[fGeohashStatus],
	}
	var err error
	if doc.RetrievedAt, err = parseMillis(m[fRetrievedAt]); err != nil {
		return nil, fmt.Errorf("%s: %w", fRetrievedAt, err)
	}
	if doc.Modified, err = parseMillis(m[fModified]); err != nil {
		return nil, fmt.Errorf("%s: %w", fModified, err)
	}
	if raw := m[fExpiresAt]; raw != "" {
		t, err := parseMillis(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fExpiresAt, err)
		}
		doc.ExpiresAt = &t
	}
	if raw := m[fError]; raw != "" {
		var be model.BuildError
		if err := json.Unmarshal([]byte(raw), &be); err != nil {
			return nil, fmt.Errorf("%s: %w", fError, err)
		}
		doc.Error = &be
	}
	return doc, nil
}

func millis(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func parseMillis(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, errors.New("not a millisecond timestamp: " + s)
	}
	return time.UnixMilli(n).UTC(), nil
}
