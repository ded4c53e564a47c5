// Package metrics owns the Prometheus registry served on /metrics.
package metrics

import (
	"net/http"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type BuildInfo struct {
	Version   string
	Revision  string
	Branch    string
	BuildDate string
}

type Config struct {
	Enabled bool
	Build   BuildInfo
}

// Provider is a private registry. A disabled Provider registers nothing,
// hands out a nil Registerer and serves 404.
type Provider struct {
	reg *prometheus.Registry
	on  bool
}

func Init(cfg Config) *Provider {
	p := &Provider{reg: prometheus.NewRegistry(), on: cfg.Enabled}
	if !p.on {
		return p
	}
	p.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	v := cfg.Build
	if v.Version == "" {
		v.Version = "dev"
	}
	build := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "exportcache_build_info",
		Help: "Build info for this binary (value is always 1).",
		ConstLabels: prometheus.Labels{
			"version":    v.Version,
			"revision":   v.Revision,
			"branch":     v.Branch,
			"build_date": v.BuildDate,
			"go_version": runtime.Version(),
		},
	})
	build.Set(1)
	p.reg.MustRegister(build)
	return p
}

func (p *Provider) Enabled() bool { return p.on }

func (p *Provider) Handler() http.Handler {
	if !p.on {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{
		Registry:      p.reg,
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Registerer returns nil when the Provider is disabled; collectors built on
// a nil Registerer stay unregistered.
func (p *Provider) Registerer() prometheus.Registerer {
	if !p.on {
		return nil
	}
	return p.reg
}
