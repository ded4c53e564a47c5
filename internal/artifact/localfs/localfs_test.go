package localfs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWrite_NoTempFilesLeftAndOverwrite(t *testing.T) {
	root := t.TempDir()
	b, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if _, err := b.Write(ctx, "geohash/abc_0", "fp.json", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := b.Write(ctx, "geohash/abc_0", "fp.json", []byte(`{"a":2}`)); err != nil {
		t.Fatalf("Write overwrite: %v", err)
	}

	des, err := os.ReadDir(filepath.Join(root, "geohash", "abc_0"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(des) != 1 || des[0].Name() != "fp.json" {
		t.Fatalf("unexpected dir content: %v", des)
	}
	got, _ := os.ReadFile(filepath.Join(root, "geohash", "abc_0", "fp.json"))
	if string(got) != `{"a":2}` {
		t.Fatalf("content=%s", got)
	}
}

func TestPaths_StayInsideRoot(t *testing.T) {
	root := t.TempDir()
	b, _ := New(root)

	if _, err := b.Write(context.Background(), "../../outside", "../x.txt", []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	p := filepath.Join(root, "outside", "x.txt")
	if _, err := os.Stat(p); err != nil {
		t.Fatalf("expected file under root at %s: %v", p, err)
	}
	if err := b.RemoveDir(context.Background(), ".."); err == nil {
		t.Fatalf("expected refusal to remove root")
	}
}

func TestRemoveAndListMissing(t *testing.T) {
	b, _ := New(t.TempDir())
	ctx := context.Background()

	if err := b.Remove(ctx, "nope", "x.csv"); err != nil {
		t.Fatalf("Remove missing: %v", err)
	}
	es, err := b.List(ctx, "nope")
	if err != nil || len(es) != 0 {
		t.Fatalf("List missing=%v err=%v", es, err)
	}
	ok, ref, _, err := b.Exists(ctx, "nope", "x.csv")
	if err != nil || ok || ref != "" {
		t.Fatalf("Exists missing ok=%v ref=%q err=%v", ok, ref, err)
	}
}

func TestCanceledContext(t *testing.T) {
	b, _ := New(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Write(ctx, "d", "f", []byte("x")); err == nil || !strings.Contains(err.Error(), "canceled") {
		t.Fatalf("expected canceled error, got %v", err)
	}
}
