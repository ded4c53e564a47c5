// Package featurestore keeps the raw feature rows of a cached resource.
package featurestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mohammed-shakir/geo-export-cache/internal/cache/keys"
	"github.com/mohammed-shakir/geo-export-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
)

type Store interface {
	// Put replaces all rows of table.
	Put(ctx context.Context, table string, rows []model.Record) error
	Count(ctx context.Context, table string) (int, error)
	Rows(ctx context.Context, table string) ([]model.Record, error)
	Drop(ctx context.Context, table string) error
}

type redisFeatureStore struct {
	cli *redisstore.Client
}

func NewRedisStore(cli *redisstore.Client) Store {
	return &redisFeatureStore{cli: cli}
}

func (s *redisFeatureStore) Put(ctx context.Context, table string, rows []model.Record) error {
	vals := make([][]byte, 0, len(rows))
	for i := range rows {
		b, err := json.Marshal(&rows[i])
		if err != nil {
			return fmt.Errorf("featurestore encode row %d of %q: %w", i, table, err)
		}
		vals = append(vals, b)
	}
	if err := s.cli.ReplaceList(ctx, keys.Rows(table), vals); err != nil {
		return fmt.Errorf("featurestore put %q: %w", table, err)
	}
	return nil
}

func (s *redisFeatureStore) Count(ctx context.Context, table string) (int, error) {
	n, err := s.cli.LLen(ctx, keys.Rows(table))
	if err != nil {
		return 0, fmt.Errorf("featurestore count %q: %w", table, err)
	}
	return int(n), nil
}

func (s *redisFeatureStore) Rows(ctx context.Context, table string) ([]model.Record, error) {
	raw, err := s.cli.LRange(ctx, keys.Rows(table), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("featurestore rows %q: %w", table, err)
	}
	out := make([]model.Record, 0, len(raw))
	for i, b := range raw {
		var r model.Record
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, fmt.Errorf("featurestore decode row %d of %q: %w", i, table, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *redisFeatureStore) Drop(ctx context.Context, table string) error {
	if err := s.cli.Del(ctx, keys.Rows(table)); err != nil {
		return fmt.Errorf("featurestore drop %q: %w", table, err)
	}
	return nil
}

// Memory is an in-process Store for tests and single-node runs without Redis.
type Memory struct {
	mu     sync.RWMutex
	tables map[string][]model.Record
}

func NewMemory() *Memory {
	return &Memory{tables: make(map[string][]model.Record)}
}

func (m *Memory) Put(_ context.Context, table string, rows []model.Record) error {
	cp := make([]model.Record, len(rows))
	copy(cp, rows)
	m.mu.Lock()
	m.tables[table] = cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) Count(_ context.Context, table string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tables[table]), nil
}

func (m *Memory) Rows(_ context.Context, table string) ([]model.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.tables[table]
	out := make([]model.Record, len(rows))
	copy(out, rows)
	return out, nil
}

func (m *Memory) Drop(_ context.Context, table string) error {
	m.mu.Lock()
	delete(m.tables, table)
	m.mu.Unlock()
	return nil
}
