// Package pipeline builds the derived artifacts of a cached resource:
// first-time fills, format exports and density aggregates.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mohammed-shakir/geo-export-cache/internal/artifact"
	"github.com/mohammed-shakir/geo-export-cache/internal/cache/featurestore"
	"github.com/mohammed-shakir/geo-export-cache/internal/cache/infostore"
	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
	"github.com/mohammed-shakir/geo-export-cache/internal/density"
	"github.com/mohammed-shakir/geo-export-cache/internal/jobevents"
	"github.com/mohammed-shakir/geo-export-cache/internal/queue"
	"github.com/mohammed-shakir/geo-export-cache/internal/upstream"
)

type Config struct {
	Layout artifact.Layout
	// PromoteUnfiltered copies finished unfiltered exports to the latest path.
	PromoteUnfiltered bool
	Density           density.Options
}

type Deps struct {
	Info      infostore.Store
	Rows      featurestore.Store
	Upstream  upstream.Client
	Artifacts *artifact.Store
	Queue     *queue.Queue
	Events    jobevents.Publisher
	Log       *slog.Logger
}

type Pipeline struct {
	cfg    Config
	info   infostore.Store
	rows   featurestore.Store
	up     upstream.Client
	art    *artifact.Store
	q      *queue.Queue
	events jobevents.Publisher
	now    func() time.Time
	log    *slog.Logger
}

func New(cfg Config, d Deps) *Pipeline {
	if d.Events == nil {
		d.Events = jobevents.Nop{}
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	return &Pipeline{
		cfg:    cfg,
		info:   d.Info,
		rows:   d.Rows,
		up:     d.Upstream,
		art:    d.Artifacts,
		q:      d.Queue,
		events: d.Events,
		now:    time.Now,
		log:    d.Log.With("component", "pipeline"),
	}
}

func (p *Pipeline) Layout() artifact.Layout { return p.cfg.Layout }

// Count returns the number of stored rows of id.
func (p *Pipeline) Count(ctx context.Context, id model.Identity) (int, error) {
	return p.rows.Count(ctx, id.Table())
}

// Wait blocks for the outcome of a submitted task or until ctx ends. The
// task keeps running after ctx ends.
func Wait(ctx context.Context, ch <-chan queue.Outcome) (queue.Outcome, error) {
	select {
	case o := <-ch:
		return o, nil
	case <-ctx.Done():
		return queue.Outcome{}, ctx.Err()
	}
}

// tracker records the generating sub-status of one build and mirrors each
// transition as a job event.
type tracker struct {
	p     *Pipeline
	id    model.Identity
	fp    model.Fingerprint
	jobID string
	g     model.Generating
}

func (p *Pipeline) track(id model.Identity, fp model.Fingerprint, kind model.TaskKind, format string) *tracker {
	now := p.now().UTC()
	return &tracker{
		p:     p,
		id:    id,
		fp:    fp,
		jobID: jobevents.NewJobID(),
		g:     model.Generating{Kind: kind, Format: format, StartedAt: now, UpdatedAt: now},
	}
}

// set writes the transition. Metadata write failures are logged only;
// a build never fails because its progress could not be recorded.
func (t *tracker) set(ctx context.Context, s model.SubStatus, err error) {
	t.g.Status = s
	t.g.UpdatedAt = t.p.now().UTC()
	if err != nil {
		t.g.Error = err.Error()
	}
	if t.fp != "" {
		if werr := t.p.info.SetGenerating(ctx, t.id.Table(), t.fp, t.g); werr != nil {
			t.p.log.Warn("record build status failed", "resource", t.id.String(), "fingerprint", t.fp, "status", s, "err", werr)
		}
	}
	t.p.events.Publish(jobevents.Event{
		JobID:       t.jobID,
		Kind:        t.g.Kind,
		Host:        t.id.Host,
		Item:        t.id.Item,
		Layer:       t.id.Layer,
		Fingerprint: string(t.fp),
		Status:      s,
		Error:       t.g.Error,
		TS:          t.g.UpdatedAt,
	})
}

func (t *tracker) fail(ctx context.Context, err error) queue.Outcome {
	be := model.NewBuildError(t.g.Kind, err, t.p.now())
	t.set(ctx, model.SubFail, be)
	return queue.Outcome{Err: be}
}

// source returns the rows a build works on. Filtered queries are evaluated
// by the upstream; unfiltered ones read the stored copy.
func (p *Pipeline) source(ctx context.Context, id model.Identity, q model.Query) ([]model.Record, error) {
	if q.Filtered() {
		return p.up.FetchData(ctx, id, q)
	}
	rows, err := p.rows.Rows(ctx, id.Table())
	if err != nil {
		return nil, err
	}
	return project(rows, q.Fields), nil
}

func project(rows []model.Record, fields []string) []model.Record {
	if len(fields) == 0 {
		return rows
	}
	out := make([]model.Record, len(rows))
	for i, r := range rows {
		props := make(map[string]any, len(fields))
		for _, f := range fields {
			if v, ok := r.Properties[f]; ok {
				props[f] = v
			}
		}
		out[i] = model.Record{ID: r.ID, Geometry: r.Geometry, Properties: props}
	}
	return out
}

// DropResource removes the stored rows and the Info Document of id. With
// force it also removes every export and geohash artifact.
func (p *Pipeline) DropResource(ctx context.Context, id model.Identity, force bool) error {
	var errs []error
	if err := p.rows.Drop(ctx, id.Table()); err != nil {
		errs = append(errs, err)
	}
	if err := p.info.Drop(ctx, id.Table()); err != nil {
		errs = append(errs, err)
	}
	if force {
		for _, dir := range p.cfg.Layout.Roots(id) {
			if err := p.art.RemoveDir(ctx, dir); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("drop %s: %w", id, err)
	}
	p.log.Info("resource dropped", "resource", id.String(), "force", force)
	return nil
}
