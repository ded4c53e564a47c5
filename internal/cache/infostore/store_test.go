package infostore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mohammed-shakir/geo-export-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
)

func newMini(t *testing.T) (*redisstore.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	cli, err := redisstore.New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })
	return cli, mr
}

func stores(t *testing.T) map[string]Store {
	cli, _ := newMini(t)
	return map[string]Store{
		"redis":  NewRedisStore(cli),
		"memory": NewMemory(),
	}
}

func TestGetInfo_MissingIsNotFound(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetInfo(context.Background(), "nope_0")
			if !errors.Is(err, model.ErrNotFound) {
				t.Fatalf("err=%v, want ErrNotFound", err)
			}
		})
	}
}

func TestUpdateInfo_PartialPatchesMerge(t *testing.T) {
	retrieved := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	expires := retrieved.Add(24 * time.Hour)

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.UpdateInfo(ctx, "abc_0", model.InfoPatch{
				Status:      model.Ptr(model.CacheCached),
				Type:        model.Ptr("CSV"),
				Name:        model.Ptr("cities"),
				RetrievedAt: &retrieved,
			}); err != nil {
				t.Fatalf("UpdateInfo: %v", err)
			}
			if err := s.UpdateInfo(ctx, "abc_0", model.InfoPatch{ExpiresAt: &expires}); err != nil {
				t.Fatalf("UpdateInfo expires: %v", err)
			}

			doc, err := s.GetInfo(ctx, "abc_0")
			if err != nil {
				t.Fatalf("GetInfo: %v", err)
			}
			if doc.Status != model.CacheCached || doc.Type != "CSV" || doc.Name != "cities" {
				t.Fatalf("unexpected doc %+v", doc)
			}
			if !doc.RetrievedAt.Equal(retrieved) {
				t.Fatalf("RetrievedAt=%v want %v", doc.RetrievedAt, retrieved)
			}
			if doc.ExpiresAt == nil || !doc.ExpiresAt.Equal(expires) {
				t.Fatalf("ExpiresAt=%v want %v", doc.ExpiresAt, expires)
			}
			if doc.Generating != nil {
				t.Fatalf("expected no generating entries, got %v", doc.Generating)
			}
		})
	}
}

func TestUpdateInfo_ErrorSetAndClear(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			be := &model.BuildError{Message: "upstream down", Code: 502, Kind: model.KindCache, At: time.Now().UTC()}
			if err := s.UpdateInfo(ctx, "abc_0", model.InfoPatch{Status: model.Ptr(model.CacheFailed), Error: be}); err != nil {
				t.Fatalf("UpdateInfo: %v", err)
			}
			doc, _ := s.GetInfo(ctx, "abc_0")
			if doc.Error == nil || doc.Error.Code != 502 || doc.Error.Message != "upstream down" {
				t.Fatalf("error not persisted: %+v", doc.Error)
			}

			if err := s.UpdateInfo(ctx, "abc_0", model.InfoPatch{Status: model.Ptr(model.CacheCached), ClearError: true}); err != nil {
				t.Fatalf("UpdateInfo clear: %v", err)
			}
			doc, _ = s.GetInfo(ctx, "abc_0")
			if doc.Error != nil || doc.Status != model.CacheCached {
				t.Fatalf("error not cleared: %+v", doc)
			}
		})
	}
}

func TestSetGenerating_ConcurrentFingerprintsDoNotClobber(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.UpdateInfo(ctx, "abc_0", model.InfoPatch{Status: model.Ptr(model.CacheCached)}); err != nil {
				t.Fatalf("UpdateInfo: %v", err)
			}

			fps := []model.Fingerprint{"aaaa", "bbbb", "cccc", "dddd"}
			var wg sync.WaitGroup
			for _, fp := range fps {
				wg.Add(1)
				go func(fp model.Fingerprint) {
					defer wg.Done()
					_ = s.SetGenerating(ctx, "abc_0", fp, model.Generating{Status: model.SubProgress, Format: "csv"})
				}(fp)
			}
			wg.Wait()

			if err := s.SetGenerating(ctx, "abc_0", "aaaa", model.Generating{Status: model.SubFinished}); err != nil {
				t.Fatalf("SetGenerating: %v", err)
			}

			doc, err := s.GetInfo(ctx, "abc_0")
			if err != nil {
				t.Fatalf("GetInfo: %v", err)
			}
			if len(doc.Generating) != len(fps) {
				t.Fatalf("generating entries=%d want %d: %v", len(doc.Generating), len(fps), doc.Generating)
			}
			if g, _ := doc.Sub("aaaa"); g.Status != model.SubFinished {
				t.Fatalf("aaaa status=%q want finished", g.Status)
			}
			if g, _ := doc.Sub("cccc"); g.Status != model.SubProgress {
				t.Fatalf("cccc status=%q want progress", g.Status)
			}
		})
	}
}

func TestSetGenerating_WithoutDocumentStaysNotFound(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = s.SetGenerating(ctx, "ghost_0", "aaaa", model.Generating{Status: model.SubQueued})
			if _, err := s.GetInfo(ctx, "ghost_0"); !errors.Is(err, model.ErrNotFound) {
				t.Fatalf("err=%v, want ErrNotFound", err)
			}
		})
	}
}

func TestDrop_RemovesDocumentAndGenerating(t *testing.T) {
	cli, mr := newMini(t)
	s := NewRedisStore(cli)
	ctx := context.Background()

	_ = s.UpdateInfo(ctx, "abc_0", model.InfoPatch{Status: model.Ptr(model.CacheCached)})
	_ = s.SetGenerating(ctx, "abc_0", "aaaa", model.Generating{Status: model.SubFinished})

	if err := s.Drop(ctx, "abc_0"); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if mr.Exists("info:abc_0") || mr.Exists("info:abc_0:gen") {
		t.Fatalf("keys survived Drop: %v", mr.Keys())
	}
	if _, err := s.GetInfo(ctx, "abc_0"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}

func TestGetInfo_CorruptTimestampIsError(t *testing.T) {
	cli, mr := newMini(t)
	s := NewRedisStore(cli)

	mr.HSet("info:abc_0", "status", "Cached", "retrieved_at", "yesterday")
	if _, err := s.GetInfo(context.Background(), "abc_0"); err == nil || errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected decode error, got %v", err)
	}
}
