package lock

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mohammed-shakir/geo-export-cache/internal/artifact"
	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
)

const DefaultMarkerDir = "export_cache_locks"

// ArtifactMarkers keeps one small file per held task in the artifact store.
type ArtifactMarkers struct {
	store *artifact.Store
	dir   string
	now   func() time.Time
}

func NewArtifactMarkers(store *artifact.Store, dir string) *ArtifactMarkers {
	if dir == "" {
		dir = DefaultMarkerDir
	}
	return &ArtifactMarkers{store: store, dir: dir, now: time.Now}
}

func (a *ArtifactMarkers) loc(h model.TaskHash) artifact.Location {
	return artifact.Location{Dir: a.dir, Name: string(h)}
}

func (a *ArtifactMarkers) Exists(ctx context.Context, h model.TaskHash) (bool, error) {
	ok, _, _, err := a.store.Exists(ctx, a.loc(h))
	return ok, err
}

type marker struct {
	Locked bool      `json:"locked"`
	At     time.Time `json:"at"`
}

func (a *ArtifactMarkers) Put(ctx context.Context, h model.TaskHash) error {
	b, err := json.Marshal(marker{Locked: true, At: a.now().UTC()})
	if err != nil {
		return err
	}
	_, err = a.store.Write(ctx, a.loc(h), b)
	return err
}

func (a *ArtifactMarkers) Remove(ctx context.Context, h model.TaskHash) error {
	return a.store.Remove(ctx, a.loc(h))
}

// Sweep removes markers last written before now-maxAge. A crashed process
// leaves its markers behind; nothing else clears them.
func (a *ArtifactMarkers) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	es, err := a.store.List(ctx, a.dir)
	if err != nil {
		return 0, err
	}
	cutoff := a.now().Add(-maxAge)
	n := 0
	for _, e := range es {
		if !e.LastModified.Before(cutoff) {
			continue
		}
		if err := a.store.Remove(ctx, artifact.Location{Dir: a.dir, Name: e.Name}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
