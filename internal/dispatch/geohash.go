package dispatch

import (
	"context"
	"net/http"
	"strconv"

	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
	"github.com/mohammed-shakir/geo-export-cache/internal/pipeline"
	"github.com/mohammed-shakir/geo-export-cache/internal/status"
)

// PerformGeohash serves the density aggregate requested by req.
//
// An existing aggregate is always returned at once. When the resource was
// refreshed after the aggregate was written, the aggregate is marked stale
// and one background rebuild is scheduled for that refresh. An expired
// resource is dropped with its artifacts by Finish, after the served copy
// has been written.
func (d *Dispatcher) PerformGeohash(ctx context.Context, req Request) (Result, error) {
	return d.performGeohash(ctx, req, 0)
}

// Geohash is PerformGeohash followed by Emit and Finish.
func (d *Dispatcher) Geohash(w http.ResponseWriter, r *http.Request, req Request) {
	res, err := d.PerformGeohash(r.Context(), req)
	defer res.Finish(r.Context())
	if req.Silent {
		return
	}
	if err != nil {
		EmitError(w, err)
		return
	}
	d.Emit(w, r, res)
}

func (d *Dispatcher) geohashOptions(req Request) pipeline.GeohashOptions {
	return pipeline.GeohashOptions{Identity: req.Identity, Query: req.Query, Fingerprint: req.Fingerprint}
}

func (d *Dispatcher) performGeohash(ctx context.Context, req Request, hop int) (Result, error) {
	opts := d.geohashOptions(req)
	loc := d.b.GeohashLocation(opts)
	ok, ref, meta, err := d.art.Exists(ctx, loc)
	if err != nil {
		return Result{}, err
	}
	st, info, err := d.res.Resolve(ctx, req.Identity, req.Fingerprint)
	if err != nil {
		return Result{}, err
	}

	if ok {
		stale := info != nil && info.RetrievedAt.After(meta.LastModified)
		_, expired := st.(status.Expired)
		g, _ := info.Sub(req.Fingerprint)
		res := Result{
			Kind:        KindFile,
			Code:        http.StatusOK,
			Location:    loc,
			Meta:        meta,
			Ref:         ref,
			URLOnly:     req.URLOnly,
			ContentType: "application/json",
			Digest:      g.Digest,
			Stale:       stale || expired,
			WrittenAt:   meta.LastModified,
		}
		if stale && d.firstDetection(loc.Path(), info) {
			d.refreshGeohash(ctx, req)
		}
		if expired {
			res.after = func(ctx context.Context) { d.dropInBackground(ctx, req.Identity) }
		}
		return res, nil
	}

	if info != nil && info.GeohashStatus == model.GeohashProcessing {
		return Result{Kind: KindAccepted, Code: http.StatusAccepted, Body: map[string]string{"status": statusProcessing}}, nil
	}
	return status.Visit[step](st, geohashVisitor{d: d, ctx: ctx, req: req, info: info, hop: hop}).unpack()
}

// firstDetection reports whether this staleness of the artifact at p has not
// been seen before.
func (d *Dispatcher) firstDetection(p string, info *model.InfoDocument) bool {
	key := p + "@" + strconv.FormatInt(info.RetrievedAt.UnixMilli(), 10)
	seen, _ := d.stale.ContainsOrAdd(key, struct{}{})
	return !seen
}

// refreshGeohash rebuilds the aggregate on the silent path; the caller has
// already been answered with the stale copy.
func (d *Dispatcher) refreshGeohash(ctx context.Context, req Request) {
	silent := req
	silent.Silent = true
	bg := context.WithoutCancel(ctx)
	d.log.Info("stale geohash, rebuilding", "resource", req.Identity.String(), "fingerprint", req.Fingerprint)
	go func() {
		if _, err := d.createGeohash(bg, silent); err != nil {
			d.log.Warn("geohash refresh failed", "resource", req.Identity.String(), "fingerprint", req.Fingerprint, "err", err)
		}
	}()
}

func (d *Dispatcher) dropInBackground(ctx context.Context, id model.Identity) {
	if err := d.b.DropResource(ctx, id, true); err != nil {
		d.log.Error("drop expired resource failed", "resource", id.String(), "err", err)
	}
}

func (d *Dispatcher) createGeohash(ctx context.Context, req Request) (Result, error) {
	agg, err := d.b.BuildGeohash(ctx, d.geohashOptions(req))
	if err != nil {
		return Result{}, err
	}
	if agg == nil {
		return Result{Kind: KindAccepted, Code: http.StatusAccepted, Body: map[string]string{"status": statusGenerating}}, nil
	}
	return Result{Kind: KindAggregate, Code: http.StatusOK, Body: agg}, nil
}

type geohashVisitor struct {
	d    *Dispatcher
	ctx  context.Context
	req  Request
	info *model.InfoDocument
	hop  int
}

func (v geohashVisitor) Unavailable(status.Unavailable) step {
	return done(v.d.fill(v.ctx, v.req))
}

func (v geohashVisitor) Processing(status.Processing) step {
	return done(v.d.processing(v.ctx, v.req, v.info, nil), nil)
}

// Expired data still aggregates; the refreshed copy arrives through the
// stale check on a later request.
func (v geohashVisitor) Expired(status.Expired) step {
	return done(v.d.createGeohash(v.ctx, v.req))
}

func (v geohashVisitor) Failed(f status.Failed) step {
	return done(v.d.failed(v.ctx, v.req, v.info, f, v.hop, v.d.performGeohash))
}

func (v geohashVisitor) Cached(status.Cached) step {
	return done(v.d.createGeohash(v.ctx, v.req))
}
