package pipeline

import (
	"context"
	"encoding/json"

	"github.com/mohammed-shakir/geo-export-cache/internal/artifact"
	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
	"github.com/mohammed-shakir/geo-export-cache/internal/density"
	"github.com/mohammed-shakir/geo-export-cache/internal/queue"
)

type GeohashOptions struct {
	Identity    model.Identity
	Query       model.Query
	Fingerprint model.Fingerprint
}

func (p *Pipeline) GeohashLocation(o GeohashOptions) artifact.Location {
	return p.cfg.Layout.Geohash(o.Identity, o.Fingerprint)
}

// BuildGeohash aggregates feature density for o. Without a where clause the
// aggregate is built in the background: the resource is marked with
// GeohashStatus Processing and a nil aggregate is returned at once. With a
// where clause the call waits for the aggregate and returns it.
func (p *Pipeline) BuildGeohash(ctx context.Context, o GeohashOptions) (density.Aggregate, error) {
	desc := model.TaskDescriptor{Identity: o.Identity, Fingerprint: o.Fingerprint, Kind: model.KindGeohash}
	t := p.track(o.Identity, o.Fingerprint, model.KindGeohash, "json")

	if !o.Query.Filtered() {
		if err := p.info.UpdateInfo(ctx, o.Identity.Table(), model.InfoPatch{GeohashStatus: model.Ptr(model.GeohashProcessing)}); err != nil {
			p.log.Warn("mark geohash processing failed", "resource", o.Identity.String(), "err", err)
		}
		_, err := queue.Admitted(p.q.Submit(ctx, desc, func(ctx context.Context, store bool) queue.Outcome {
			res := p.runGeohash(ctx, t, o, store)
			if store {
				p.clearGeohashStatus(ctx, o.Identity)
			}
			return res
		}))
		if err != nil {
			p.clearGeohashStatus(ctx, o.Identity)
			return nil, err
		}
		return nil, nil
	}

	res, err := Wait(ctx, p.q.Submit(ctx, desc, func(ctx context.Context, store bool) queue.Outcome {
		return p.runGeohash(ctx, t, o, store)
	}))
	if err != nil {
		return nil, err
	}
	if res.Err != nil {
		return nil, res.Err
	}
	agg, _ := res.Data.(density.Aggregate)
	return agg, nil
}

func (p *Pipeline) clearGeohashStatus(ctx context.Context, id model.Identity) {
	if err := p.info.UpdateInfo(ctx, id.Table(), model.InfoPatch{GeohashStatus: model.Ptr("")}); err != nil {
		p.log.Warn("clear geohash status failed", "resource", id.String(), "err", err)
	}
}

func (p *Pipeline) runGeohash(ctx context.Context, t *tracker, o GeohashOptions, store bool) queue.Outcome {
	loc := p.GeohashLocation(o)

	if !store {
		if body, _, err := p.art.Read(ctx, loc); err == nil {
			var agg density.Aggregate
			if err := json.Unmarshal(body, &agg); err == nil {
				return queue.Outcome{Data: agg}
			}
		}
	}

	if store {
		t.set(ctx, model.SubStart, nil)
	}
	rows, err := p.source(ctx, o.Identity, o.Query)
	if err != nil {
		if store {
			return t.fail(ctx, err)
		}
		return queue.Outcome{Err: model.NewBuildError(model.KindGeohash, err, p.now())}
	}

	opts := p.cfg.Density
	if o.Query.Precision > 0 {
		opts.Precision = o.Query.Precision
	}
	if o.Query.Scheme != "" {
		opts.Scheme = o.Query.Scheme
	}
	agg, err := density.Build(rows, opts)
	if err != nil {
		if store {
			return t.fail(ctx, err)
		}
		return queue.Outcome{Err: model.NewBuildError(model.KindGeohash, err, p.now())}
	}
	if !store {
		return queue.Outcome{Data: agg}
	}

	t.set(ctx, model.SubProgress, nil)
	body, err := json.Marshal(agg)
	if err != nil {
		return t.fail(ctx, err)
	}
	meta, err := p.art.Write(ctx, loc, body)
	if err != nil {
		return t.fail(ctx, err)
	}
	t.g.Digest = meta.Digest
	t.set(ctx, model.SubFinished, nil)
	p.log.Info("geohash written", "resource", o.Identity.String(), "fingerprint", o.Fingerprint, "cells", len(agg))
	return queue.Outcome{Data: agg}
}
