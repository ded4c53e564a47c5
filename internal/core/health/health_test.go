package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/mohammed-shakir/geo-export-cache/internal/cache/redisstore"
)

func TestLiveness_Handler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	Liveness()(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	ct := rr.Header().Get("Content-Type")
	if !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content-type=%q want text/plain", ct)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "ok" {
		t.Fatalf("body=%q want ok", got)
	}
}

type consumer struct{ ready bool }

func (c consumer) Readiness() (bool, []int32) {
	if !c.ready {
		return false, nil
	}
	return true, []int32{0, 2}
}

func probe(t *testing.T, c Checks) (int, readyResp) {
	t.Helper()
	rr := httptest.NewRecorder()
	Readiness(c)(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var out readyResp
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rr.Code, out
}

func TestReadiness_RedisAndConsumer(t *testing.T) {
	mr := miniredis.RunT(t)
	cli, err := redisstore.New(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })

	code, out := probe(t, Checks{Deps: map[string]Pinger{"redis": cli}, Consumer: consumer{ready: true}})
	if code != http.StatusOK || out.Status != "ready" || len(out.Partitions) != 2 {
		t.Fatalf("code=%d out=%+v", code, out)
	}

	mr.Close()
	code, out = probe(t, Checks{Deps: map[string]Pinger{"redis": cli}})
	if code != http.StatusServiceUnavailable || out.Checks["redis"] == "ok" {
		t.Fatalf("code=%d out=%+v", code, out)
	}
}

func TestReadiness_UnassignedConsumer(t *testing.T) {
	code, out := probe(t, Checks{
		Deps:     map[string]Pinger{"artifacts": PingFunc(func(context.Context) error { return nil })},
		Consumer: consumer{},
	})
	if code != http.StatusServiceUnavailable || out.Checks["consumer"] != "unassigned" || out.Checks["artifacts"] != "ok" {
		t.Fatalf("code=%d out=%+v", code, out)
	}
}

func TestReadiness_FailingDependency(t *testing.T) {
	code, out := probe(t, Checks{Deps: map[string]Pinger{"db": PingFunc(func(context.Context) error { return errors.New("down") })}})
	if code != http.StatusServiceUnavailable || out.Checks["db"] != "down" {
		t.Fatalf("code=%d out=%+v", code, out)
	}
}
