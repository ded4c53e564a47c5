// Package localfs stores artifacts on the local filesystem.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mohammed-shakir/geo-export-cache/internal/artifact"
	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
)

func init() {
	artifact.Register("local", func(o artifact.Options) (artifact.Backend, error) {
		return New(o.Root)
	})
}

type Backend struct {
	root string
}

func New(root string) (*Backend, error) {
	if root == "" {
		return nil, errors.New("localfs: root directory is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("localfs: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("localfs: create root: %w", err)
	}
	return &Backend{root: abs}, nil
}

func (b *Backend) abs(dir, name string) string {
	return filepath.Join(b.root, filepath.FromSlash(artifact.CleanRel(dir)), filepath.Base(name))
}

func (b *Backend) Exists(ctx context.Context, dir, name string) (bool, string, artifact.FileMeta, error) {
	if err := ctx.Err(); err != nil {
		return false, "", artifact.FileMeta{}, err
	}
	p := b.abs(dir, name)
	fi, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, "", artifact.FileMeta{}, nil
	}
	if err != nil {
		return false, "", artifact.FileMeta{}, err
	}
	if fi.IsDir() {
		return false, "", artifact.FileMeta{}, nil
	}
	return true, "file://" + filepath.ToSlash(p), meta(fi), nil
}

// Write goes through a temp file in the target directory and a rename, so
// readers never observe a partial artifact.
func (b *Backend) Write(ctx context.Context, dir, name string, data []byte) (artifact.FileMeta, error) {
	if err := ctx.Err(); err != nil {
		return artifact.FileMeta{}, err
	}
	p := b.abs(dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return artifact.FileMeta{}, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return artifact.FileMeta{}, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return artifact.FileMeta{}, err
	}
	if err := tmp.Close(); err != nil {
		return artifact.FileMeta{}, err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return artifact.FileMeta{}, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return artifact.FileMeta{}, err
	}
	return meta(fi), nil
}

func (b *Backend) Open(ctx context.Context, dir, name string) (io.ReadCloser, artifact.FileMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, artifact.FileMeta{}, err
	}
	f, err := os.Open(b.abs(dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, artifact.FileMeta{}, model.ErrNotFound
	}
	if err != nil {
		return nil, artifact.FileMeta{}, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, artifact.FileMeta{}, err
	}
	return f, meta(fi), nil
}

func (b *Backend) Remove(ctx context.Context, dir, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(b.abs(dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (b *Backend) RemoveDir(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rel := artifact.CleanRel(dir)
	if rel == "" {
		return errors.New("localfs: refusing to remove the root directory")
	}
	return os.RemoveAll(filepath.Join(b.root, filepath.FromSlash(rel)))
}

func (b *Backend) List(ctx context.Context, dir string) ([]artifact.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	des, err := os.ReadDir(filepath.Join(b.root, filepath.FromSlash(artifact.CleanRel(dir))))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]artifact.Entry, 0, len(des))
	for _, de := range des {
		if de.IsDir() || strings.HasPrefix(de.Name(), ".tmp-") {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, artifact.Entry{Name: de.Name(), FileMeta: meta(fi)})
	}
	return out, nil
}

func meta(fi fs.FileInfo) artifact.FileMeta {
	return artifact.FileMeta{Size: fi.Size(), LastModified: fi.ModTime().UTC()}
}
