// Package artifact is the facade over the blob store holding exports,
// geohash aggregates and lock markers.
package artifact

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
	"github.com/mohammed-shakir/geo-export-cache/internal/core/observability"
)

type FileMeta struct {
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	Digest       string    `json:"digest,omitempty"`
}

type Entry struct {
	Name string
	FileMeta
}

// Backend is implemented by storage drivers. Missing files are reported
// through the bool of Exists and model.ErrNotFound from Open; Remove and
// RemoveDir on missing paths succeed.
type Backend interface {
	Exists(ctx context.Context, dir, name string) (bool, string, FileMeta, error)
	Write(ctx context.Context, dir, name string, data []byte) (FileMeta, error)
	Open(ctx context.Context, dir, name string) (io.ReadCloser, FileMeta, error)
	Remove(ctx context.Context, dir, name string) error
	RemoveDir(ctx context.Context, dir string) error
	List(ctx context.Context, dir string) ([]Entry, error)
}

// Location addresses one artifact.
type Location struct {
	Dir  string
	Name string
}

func (l Location) Path() string { return path.Join(l.Dir, l.Name) }

// Store wraps a Backend with digests, metrics and logging.
type Store struct {
	b   Backend
	log *slog.Logger
}

func NewStore(b Backend, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{b: b, log: log.With("component", "artifact")}
}

// Exists reports whether loc is present, with a backend reference usable
// for url-only responses.
func (s *Store) Exists(ctx context.Context, loc Location) (bool, string, FileMeta, error) {
	ok, ref, meta, err := s.b.Exists(ctx, loc.Dir, loc.Name)
	observability.ObserveArtifactOp("exists", err)
	if err != nil {
		return false, "", FileMeta{}, fmt.Errorf("artifact exists %s: %w", loc.Path(), err)
	}
	return ok, ref, meta, nil
}

// Write stores data at loc and returns its metadata with a blake3 digest.
func (s *Store) Write(ctx context.Context, loc Location, data []byte) (FileMeta, error) {
	meta, err := s.b.Write(ctx, loc.Dir, loc.Name, data)
	observability.ObserveArtifactOp("write", err)
	if err != nil {
		return FileMeta{}, fmt.Errorf("artifact write %s: %w", loc.Path(), err)
	}
	meta.Digest = Digest(data)
	s.log.Debug("artifact written", "path", loc.Path(), "size", meta.Size)
	return meta, nil
}

func (s *Store) Open(ctx context.Context, loc Location) (io.ReadCloser, FileMeta, error) {
	rc, meta, err := s.b.Open(ctx, loc.Dir, loc.Name)
	if errors.Is(err, model.ErrNotFound) {
		observability.ObserveArtifactOp("open", nil)
		return nil, FileMeta{}, err
	}
	observability.ObserveArtifactOp("open", err)
	if err != nil {
		return nil, FileMeta{}, fmt.Errorf("artifact open %s: %w", loc.Path(), err)
	}
	return rc, meta, nil
}

// Read loads the whole artifact at loc.
func (s *Store) Read(ctx context.Context, loc Location) ([]byte, FileMeta, error) {
	rc, meta, err := s.Open(ctx, loc)
	if err != nil {
		return nil, FileMeta{}, err
	}
	defer func() { _ = rc.Close() }()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, FileMeta{}, fmt.Errorf("artifact read %s: %w", loc.Path(), err)
	}
	return b, meta, nil
}

// Copy duplicates from into to.
func (s *Store) Copy(ctx context.Context, from, to Location) (FileMeta, error) {
	b, _, err := s.Read(ctx, from)
	if err != nil {
		return FileMeta{}, err
	}
	return s.Write(ctx, to, b)
}

func (s *Store) Remove(ctx context.Context, loc Location) error {
	err := s.b.Remove(ctx, loc.Dir, loc.Name)
	observability.ObserveArtifactOp("remove", err)
	if err != nil {
		return fmt.Errorf("artifact remove %s: %w", loc.Path(), err)
	}
	return nil
}

// RemoveDir removes dir and everything below it.
func (s *Store) RemoveDir(ctx context.Context, dir string) error {
	err := s.b.RemoveDir(ctx, dir)
	observability.ObserveArtifactOp("remove_dir", err)
	if err != nil {
		return fmt.Errorf("artifact remove dir %s: %w", dir, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, dir string) ([]Entry, error) {
	es, err := s.b.List(ctx, dir)
	observability.ObserveArtifactOp("list", err)
	if err != nil {
		return nil, fmt.Errorf("artifact list %s: %w", dir, err)
	}
	return es, nil
}

func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// CleanRel normalizes a backend-relative path. Leading ".." elements are
// dropped, so the result never leaves the backend root.
func CleanRel(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}
