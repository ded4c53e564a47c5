// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

type ReadinessReporter interface {
	Readiness() (ready bool, partitions []int32)
}

// Pinger checks a dependency; a nil error means reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Checks struct {
	// Deps are pinged on every probe.
	Deps map[string]Pinger
	// Consumer, when set, must report an assignment.
	Consumer ReadinessReporter
	Timeout  time.Duration
}

type readyResp struct {
	Status     string            `json:"status"`
	Checks     map[string]string `json:"checks,omitempty"`
	Partitions []int32           `json:"partitions,omitempty"`
}

func Readiness(c Checks) http.HandlerFunc {
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), c.Timeout)
		defer cancel()

		out := readyResp{Status: "ready", Checks: map[string]string{}}
		ready := true
		for name, p := range c.Deps {
			if err := p.Ping(ctx); err != nil {
				ready = false
				out.Checks[name] = err.Error()
				continue
			}
			out.Checks[name] = "ok"
		}
		if c.Consumer != nil {
			ok, parts := c.Consumer.Readiness()
			if ok {
				out.Checks["consumer"] = "ok"
				out.Partitions = parts
			} else {
				ready = false
				out.Checks["consumer"] = "unassigned"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			out.Status = "not_ready"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
