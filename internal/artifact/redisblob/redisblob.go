// Package redisblob stores artifacts as Redis hashes, for deployments that
// share Redis between nodes but have no shared disk.
package redisblob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/geo-export-cache/internal/artifact"
	"github.com/mohammed-shakir/geo-export-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
)

func init() {
	artifact.Register("redis", func(o artifact.Options) (artifact.Backend, error) {
		if o.Redis == nil {
			return nil, errors.New("redisblob: redis client is required")
		}
		return New(o.Redis), nil
	})
}

const (
	prefix    = "blob:"
	fData     = "data"
	fSize     = "size"
	fModified = "modified"
)

type Backend struct {
	cli *redisstore.Client
	now func() time.Time
}

func New(cli *redisstore.Client) *Backend {
	return &Backend{cli: cli, now: time.Now}
}

func key(dir, name string) string {
	rel := artifact.CleanRel(dir)
	if rel == "" {
		return prefix + name
	}
	return prefix + rel + "/" + name
}

func (b *Backend) Exists(ctx context.Context, dir, name string) (bool, string, artifact.FileMeta, error) {
	k := key(dir, name)
	m, err := b.cli.HGetAll(ctx, k)
	if err != nil {
		return false, "", artifact.FileMeta{}, err
	}
	if len(m) == 0 {
		return false, "", artifact.FileMeta{}, nil
	}
	return true, "redis://" + k, decodeMeta(m), nil
}

func (b *Backend) Write(ctx context.Context, dir, name string, data []byte) (artifact.FileMeta, error) {
	meta := artifact.FileMeta{Size: int64(len(data)), LastModified: b.now().UTC().Truncate(time.Millisecond)}
	err := b.cli.HSet(ctx, key(dir, name), map[string]any{
		fData:     data,
		fSize:     strconv.FormatInt(meta.Size, 10),
		fModified: strconv.FormatInt(meta.LastModified.UnixMilli(), 10),
	})
	if err != nil {
		return artifact.FileMeta{}, err
	}
	return meta, nil
}

func (b *Backend) Open(ctx context.Context, dir, name string) (io.ReadCloser, artifact.FileMeta, error) {
	m, err := b.cli.HGetAll(ctx, key(dir, name))
	if err != nil {
		return nil, artifact.FileMeta{}, err
	}
	if len(m) == 0 {
		return nil, artifact.FileMeta{}, model.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader([]byte(m[fData]))), decodeMeta(m), nil
}

func (b *Backend) Remove(ctx context.Context, dir, name string) error {
	return b.cli.Del(ctx, key(dir, name))
}

func (b *Backend) RemoveDir(ctx context.Context, dir string) error {
	rel := artifact.CleanRel(dir)
	if rel == "" {
		return errors.New("redisblob: refusing to remove the root directory")
	}
	ks, err := b.cli.ScanKeys(ctx, escapeGlob(prefix+rel+"/")+"*")
	if err != nil {
		return err
	}
	return b.cli.Del(ctx, ks...)
}

// List returns the direct children of dir.
func (b *Backend) List(ctx context.Context, dir string) ([]artifact.Entry, error) {
	base := prefix
	if rel := artifact.CleanRel(dir); rel != "" {
		base += rel + "/"
	}
	ks, err := b.cli.ScanKeys(ctx, escapeGlob(base)+"*")
	if err != nil {
		return nil, err
	}
	out := make([]artifact.Entry, 0, len(ks))
	for _, k := range ks {
		name := strings.TrimPrefix(k, base)
		if strings.Contains(name, "/") {
			continue
		}
		m, err := b.cli.HGetAll(ctx, k)
		if err != nil {
			return nil, err
		}
		if len(m) == 0 {
			continue
		}
		out = append(out, artifact.Entry{Name: name, FileMeta: decodeMeta(m)})
	}
	return out, nil
}

func decodeMeta(m map[string]string) artifact.FileMeta {
	size, _ := strconv.ParseInt(m[fSize], 10, 64)
	ms, _ := strconv.ParseInt(m[fModified], 10, 64)
	return artifact.FileMeta{Size: size, LastModified: time.UnixMilli(ms).UTC()}
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
