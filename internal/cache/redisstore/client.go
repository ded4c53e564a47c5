// Package redisstore wraps Redis client operations used by the metadata
// store, the row store and the redis artifact backend.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mohammed-shakir/geo-export-cache/internal/core/observability"
)

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.ReadTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.WriteTimeout = d }
}

type Client struct {
	rdb *redis.Client
}

func New(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     32,
		MinIdleConns: 2,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)

	start := time.Now()
	err := rdb.Ping(ctx).Err()
	observability.ObserveCacheOp("ping", err, time.Since(start).Seconds())
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Redis exposes the underlying client for libraries that need it (redsync).
func (c *Client) Redis() *redis.Client { return c.rdb }

func (c *Client) Ping(ctx context.Context) error {
	start := time.Now()
	err := c.rdb.Ping(ctx).Err()
	observe("ping", start, err)
	return err
}

func observe(op string, start time.Time, err error) {
	if errors.Is(err, redis.Nil) {
		err = nil
	}
	observability.ObserveCacheOp(op, err, time.Since(start).Seconds())
}

// Get returns the value and whether the key existed.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	b, err := c.rdb.Get(ctx, key).Bytes()
	observe("get", start, err)
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis GET %q: %w", key, err)
	}
	return b, true, nil
}

func (c *Client) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	start := time.Now()
	err := c.rdb.Set(ctx, key, val, ttl).Err()
	observe("set", start, err)
	if err != nil {
		return fmt.Errorf("redis SET %q: %w", key, err)
	}
	return nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	start := time.Now()
	err := c.rdb.Del(ctx, keys...).Err()
	observe("del", start, err)
	if err != nil {
		return fmt.Errorf("redis DEL %d keys: %w", len(keys), err)
	}
	return nil
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	n, err := c.rdb.Exists(ctx, key).Result()
	observe("exists", start, err)
	if err != nil {
		return false, fmt.Errorf("redis EXISTS %q: %w", key, err)
	}
	return n > 0, nil
}

func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	start := time.Now()
	m, err := c.rdb.HGetAll(ctx, key).Result()
	observe("hgetall", start, err)
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL %q: %w", key, err)
	}
	return m, nil
}

// HGet returns the field value and whether it existed.
func (c *Client) HGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	start := time.Now()
	b, err := c.rdb.HGet(ctx, key, field).Bytes()
	observe("hget", start, err)
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis HGET %q %q: %w", key, field, err)
	}
	return b, true, nil
}

// HSet writes only the given fields; other fields of the hash are kept.
func (c *Client) HSet(ctx context.Context, key string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	start := time.Now()
	err := c.rdb.HSet(ctx, key, fields).Err()
	observe("hset", start, err)
	if err != nil {
		return fmt.Errorf("redis HSET %q (%d fields): %w", key, len(fields), err)
	}
	return nil
}

func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	start := time.Now()
	err := c.rdb.HDel(ctx, key, fields...).Err()
	observe("hdel", start, err)
	if err != nil {
		return fmt.Errorf("redis HDEL %q: %w", key, err)
	}
	return nil
}

// ReplaceList swaps the list at key for vals in one MULTI/EXEC.
func (c *Client) ReplaceList(ctx context.Context, key string, vals [][]byte) error {
	start := time.Now()
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		const chunk = 512
		for i := 0; i < len(vals); i += chunk {
			end := min(i+chunk, len(vals))
			args := make([]any, 0, end-i)
			for _, v := range vals[i:end] {
				args = append(args, v)
			}
			p.RPush(ctx, key, args...)
		}
		return nil
	})
	observe("replace_list", start, err)
	if err != nil {
		return fmt.Errorf("redis replace list %q (%d items): %w", key, len(vals), err)
	}
	return nil
}

func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	start := time.Now()
	n, err := c.rdb.LLen(ctx, key).Result()
	observe("llen", start, err)
	if err != nil {
		return 0, fmt.Errorf("redis LLEN %q: %w", key, err)
	}
	return n, nil
}

func (c *Client) LRange(ctx context.Context, key string, from, to int64) ([][]byte, error) {
	start := time.Now()
	vals, err := c.rdb.LRange(ctx, key, from, to).Result()
	observe("lrange", start, err)
	if err != nil {
		return nil, fmt.Errorf("redis LRANGE %q: %w", key, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// ScanKeys walks the keyspace with SCAN and returns every key matching pattern.
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	start := time.Now()
	var (
		out    []string
		cursor uint64
	)
	for {
		ks, next, err := c.rdb.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			observe("scan", start, err)
			return nil, fmt.Errorf("redis SCAN %q: %w", pattern, err)
		}
		out = append(out, ks...)
		if next == 0 {
			break
		}
		cursor = next
	}
	observe("scan", start, nil)
	return out, nil
}

func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}
