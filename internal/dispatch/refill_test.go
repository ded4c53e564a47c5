package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohammed-shakir/geo-export-cache/internal/artifact"
	"github.com/mohammed-shakir/geo-export-cache/internal/artifact/localfs"
	"github.com/mohammed-shakir/geo-export-cache/internal/cache/featurestore"
	"github.com/mohammed-shakir/geo-export-cache/internal/cache/infostore"
	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
	"github.com/mohammed-shakir/geo-export-cache/internal/lock"
	"github.com/mohammed-shakir/geo-export-cache/internal/pipeline"
	"github.com/mohammed-shakir/geo-export-cache/internal/queue"
	"github.com/mohammed-shakir/geo-export-cache/internal/status"
	"github.com/mohammed-shakir/geo-export-cache/internal/upstream"
)

// mutableUpstream serves one named row and a modification time that the
// test moves forward.
type mutableUpstream struct {
	mu       sync.Mutex
	name     string
	modified time.Time
}

func (u *mutableUpstream) publish(name string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.name = name
	u.modified = time.Now().UTC()
}

func (u *mutableUpstream) ItemMetadata(_ context.Context, _, item string) (upstream.ItemMetadata, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return upstream.ItemMetadata{ID: item, Title: "Cities", Type: "CSV", Modified: u.modified}, nil
}

func (u *mutableUpstream) FetchData(context.Context, model.Identity, model.Query) ([]model.Record, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	g, _ := json.Marshal(map[string]any{"type": "Point", "coordinates": []float64{18.06, 59.33}})
	return []model.Record{{ID: "1", Geometry: g, Properties: map[string]any{"name": u.name}}}, nil
}

func TestExpired_RefillServesFreshExport(t *testing.T) {
	ctx := context.Background()
	be, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("localfs: %v", err)
	}
	art := artifact.NewStore(be, nil)
	q := queue.New(lock.NewManager(lock.NewArtifactMarkers(art, ""), nil), queue.Config{Workers: 1}, nil)
	t.Cleanup(func() {
		c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Close(c)
	})

	info := infostore.NewMemory()
	up := &mutableUpstream{name: "before", modified: time.Now().Add(-24 * time.Hour).UTC()}
	p := pipeline.New(pipeline.Config{
		Layout: artifact.Layout{ExportDir: "latest-export", GeohashDir: "geohash"},
	}, pipeline.Deps{Info: info, Rows: featurestore.NewMemory(), Upstream: up, Artifacts: art, Queue: q})
	d, err := New(Config{}, status.NewResolver(info, up, nil, nil), p, art, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// serve repeats the request until a file comes back and returns its body.
	serve := func() string {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			res, err := d.Perform(ctx, csvRequest())
			if err != nil {
				t.Fatalf("Perform: %v", err)
			}
			if res.Kind == KindFile {
				rr := httptest.NewRecorder()
				d.Emit(rr, httptest.NewRequest(http.MethodGet, "/x", nil), res)
				return rr.Body.String()
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatalf("no file served before deadline")
		return ""
	}

	if body := serve(); !strings.Contains(body, "before") {
		t.Fatalf("first export=%q", body)
	}

	time.Sleep(5 * time.Millisecond)
	up.publish("after")

	body := serve()
	if strings.Contains(body, "before") || !strings.Contains(body, "after") {
		t.Fatalf("export after refill=%q, want upstream's new rows", body)
	}
}
