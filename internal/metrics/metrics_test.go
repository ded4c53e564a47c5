package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func scrape(t *testing.T, p *Provider) (int, string) {
	t.Helper()
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rr.Code, rr.Body.String()
}

func TestProvider_StandardCollectorsAndBuildInfo(t *testing.T) {
	p := Init(Config{Enabled: true, Build: BuildInfo{Version: "1.2.0", Revision: "abc123", Branch: "main"}})

	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "export_smoke", Help: "smoke"})
	p.Registerer().MustRegister(g)
	g.Set(42)

	code, body := scrape(t, p)
	if code != http.StatusOK {
		t.Fatalf("status=%d want 200", code)
	}
	for _, want := range []string{
		"go_goroutines",
		"export_smoke 42",
		`exportcache_build_info{branch="main",build_date="",go_version="`,
		`revision="abc123",version="1.2.0"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in payload:\n%s", want, body)
		}
	}
}

func TestProvider_DefaultVersion(t *testing.T) {
	_, body := scrape(t, Init(Config{Enabled: true}))
	if !strings.Contains(body, `version="dev"`) {
		t.Fatalf("missing default version:\n%s", body)
	}
}

func TestProvider_Disabled(t *testing.T) {
	p := Init(Config{})
	if p.Enabled() || p.Registerer() != nil {
		t.Fatalf("disabled provider exposes a registerer")
	}
	if code, _ := scrape(t, p); code != http.StatusNotFound {
		t.Fatalf("status=%d want 404", code)
	}
}
