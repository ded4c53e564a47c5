package redisblob

import (
	"context"
	"errors"
	"io"
	"sort"
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

func TestRoundTrip(t *testing.T) {
	cli, mr := newMini(t)
	b := New(cli)
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }
	ctx := context.Background()

	meta, err := b.Write(ctx, "export/abc_0/fp1", "cities.csv", []byte("id\n1\n"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if meta.Size != 5 || !meta.LastModified.Equal(fixed) {
		t.Fatalf("unexpected meta %+v", meta)
	}
	if !mr.Exists("blob:export/abc_0/fp1/cities.csv") {
		t.Fatalf("blob key missing; keys=%v", mr.Keys())
	}

	ok, ref, got, err := b.Exists(ctx, "export/abc_0/fp1", "cities.csv")
	if err != nil || !ok || ref != "redis://blob:export/abc_0/fp1/cities.csv" {
		t.Fatalf("Exists ok=%v ref=%q err=%v", ok, ref, err)
	}
	if !got.LastModified.Equal(fixed) || got.Size != 5 {
		t.Fatalf("Exists meta %+v", got)
	}

	rc, _, err := b.Open(ctx, "export/abc_0/fp1", "cities.csv")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "id\n1\n" {
		t.Fatalf("data=%q", data)
	}

	if _, _, err := b.Open(ctx, "export/abc_0/fp1", "nope.csv"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Open missing err=%v", err)
	}
}

func TestListDirectChildrenAndRemoveDir(t *testing.T) {
	cli, _ := newMini(t)
	b := New(cli)
	ctx := context.Background()

	for _, p := range [][2]string{
		{"export_cache_locks", "aaa"},
		{"export_cache_locks", "bbb"},
		{"export_cache_locks/nested", "ccc"},
		{"geohash/abc_0", "fp.json"},
	} {
		if _, err := b.Write(ctx, p[0], p[1], []byte("{}")); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	es, err := b.List(ctx, "export_cache_locks")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	names := make([]string, 0, len(es))
	for _, e := range es {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "aaa" || names[1] != "bbb" {
		t.Fatalf("List names=%v", names)
	}

	if err := b.RemoveDir(ctx, "export_cache_locks"); err != nil {
		t.Fatalf("RemoveDir: %v", err)
	}
	if es, _ := b.List(ctx, "export_cache_locks/nested"); len(es) != 0 {
		t.Fatalf("nested entries survived: %v", es)
	}
	if ok, _, _, _ := b.Exists(ctx, "geohash/abc_0", "fp.json"); !ok {
		t.Fatalf("unrelated blob removed")
	}
}

func TestEscapeGlob(t *testing.T) {
	if got := escapeGlob("blob:a*b?[c]"); got != `blob:a\*b\?\[c\]` {
		t.Fatalf("escapeGlob=%s", got)
	}
}
