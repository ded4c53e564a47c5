// Package dispatch turns a resolved resource status into a response.
//
// Perform drives every side effect of a request (fills, drops, builds) and
// returns a Result; Emit writes a Result to the client. Silent requests stop
// after Perform.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/geo-export-cache/internal/artifact"
	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
	"github.com/mohammed-shakir/geo-export-cache/internal/density"
	"github.com/mohammed-shakir/geo-export-cache/internal/export"
	"github.com/mohammed-shakir/geo-export-cache/internal/pipeline"
	"github.com/mohammed-shakir/geo-export-cache/internal/queue"
	"github.com/mohammed-shakir/geo-export-cache/internal/status"
)

const DefaultFailureWindow = 30 * time.Minute

// Resolver classifies a resource; status.Resolver is the production one.
type Resolver interface {
	Resolve(ctx context.Context, id model.Identity, fp model.Fingerprint) (status.Status, *model.InfoDocument, error)
}

// Builder is the part of the pipeline the dispatcher drives.
type Builder interface {
	Count(ctx context.Context, id model.Identity) (int, error)
	CacheResource(ctx context.Context, o pipeline.CacheOptions) (<-chan queue.Outcome, error)
	BuildExport(ctx context.Context, o pipeline.ExportOptions) (pipeline.JobStatus, error)
	BuildGeohash(ctx context.Context, o pipeline.GeohashOptions) (density.Aggregate, error)
	DropResource(ctx context.Context, id model.Identity, force bool) error
	ExportLocation(o pipeline.ExportOptions, enc export.Encoder) artifact.Location
	GeohashLocation(o pipeline.GeohashOptions) artifact.Location
}

// Request is one immutable dispatch request.
type Request struct {
	Identity    model.Identity
	Query       model.Query
	Fingerprint model.Fingerprint
	// Silent requests run side effects only; nothing is emitted.
	Silent bool
	// URLOnly answers ready artifacts with their reference instead of bytes.
	URLOnly bool
}

// Config tunes a Dispatcher. Zero fields take their defaults.
type Config struct {
	// FailureWindow is how long a failed fill is served as a failure before
	// the resource is dropped and rebuilt.
	FailureWindow time.Duration
	// StaleEntries bounds the memory of stale geohash artifacts already
	// scheduled for a rebuild.
	StaleEntries int
}

type Dispatcher struct {
	cfg   Config
	res   Resolver
	b     Builder
	art   *artifact.Store
	stale *lru.Cache[string, struct{}]
	now   func() time.Time
	log   *slog.Logger
}

func New(cfg Config, res Resolver, b Builder, art *artifact.Store, log *slog.Logger) (*Dispatcher, error) {
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = DefaultFailureWindow
	}
	if cfg.StaleEntries <= 0 {
		cfg.StaleEntries = 4096
	}
	if log == nil {
		log = slog.Default()
	}
	stale, err := lru.New[string, struct{}](cfg.StaleEntries)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		cfg:   cfg,
		res:   res,
		b:     b,
		art:   art,
		stale: stale,
		now:   time.Now,
		log:   log.With("component", "dispatch"),
	}, nil
}

// ResolveAndRespond performs req and, unless it is silent, emits the result.
func (d *Dispatcher) ResolveAndRespond(w http.ResponseWriter, r *http.Request, req Request) {
	res, err := d.Perform(r.Context(), req)
	if req.Silent {
		if err != nil {
			d.log.Warn("silent request failed", "resource", req.Identity.String(), "fingerprint", req.Fingerprint, "err", err)
		}
		return
	}
	if err != nil {
		EmitError(w, err)
		return
	}
	d.Emit(w, r, res)
}

// Perform resolves the export requested by req and drives the matching side
// effects.
func (d *Dispatcher) Perform(ctx context.Context, req Request) (Result, error) {
	return d.perform(ctx, req, 0)
}

func (d *Dispatcher) perform(ctx context.Context, req Request, hop int) (Result, error) {
	st, info, err := d.res.Resolve(ctx, req.Identity, req.Fingerprint)
	if err != nil {
		return Result{}, err
	}
	d.log.Debug("resolved", "resource", req.Identity.String(), "fingerprint", req.Fingerprint, "status", st.String(), "hop", hop)
	return status.Visit[step](st, exportVisitor{d: d, ctx: ctx, req: req, info: info, hop: hop}).unpack()
}

type step struct {
	res Result
	err error
}

func (s step) unpack() (Result, error) { return s.res, s.err }

func done(res Result, err error) step { return step{res: res, err: err} }

type exportVisitor struct {
	d    *Dispatcher
	ctx  context.Context
	req  Request
	info *model.InfoDocument
	hop  int
}

func (v exportVisitor) Unavailable(status.Unavailable) step {
	return done(v.d.fill(v.ctx, v.req))
}

func (v exportVisitor) Processing(status.Processing) step {
	return done(v.d.processing(v.ctx, v.req, v.info, nil), nil)
}

func (v exportVisitor) Expired(e status.Expired) step {
	return done(v.d.expired(v.ctx, v.req, e, v.hop, v.d.perform))
}

func (v exportVisitor) Failed(f status.Failed) step {
	return done(v.d.failed(v.ctx, v.req, v.info, f, v.hop, v.d.perform))
}

func (v exportVisitor) Cached(status.Cached) step {
	return done(v.d.cached(v.ctx, v.req, v.info))
}

// cached serves the export when it exists, reports an in-flight or failed
// build, and otherwise admits a new build.
func (d *Dispatcher) cached(ctx context.Context, req Request, info *model.InfoDocument) (Result, error) {
	enc, err := export.For(req.Query.Format)
	if err != nil {
		return Result{}, err
	}
	opts := pipeline.ExportOptions{
		Identity:    req.Identity,
		Query:       req.Query,
		Fingerprint: req.Fingerprint,
		Name:        info.Name,
	}
	loc := d.b.ExportLocation(opts, enc)
	ok, ref, meta, err := d.art.Exists(ctx, loc)
	if err != nil {
		return Result{}, err
	}
	g, _ := info.Sub(req.Fingerprint)
	if ok {
		return Result{
			Kind:        KindFile,
			Code:        http.StatusOK,
			Location:    loc,
			Meta:        meta,
			Ref:         ref,
			URLOnly:     req.URLOnly,
			ContentType: enc.ContentType(),
			Download:    true,
			Digest:      g.Digest,
		}, nil
	}

	switch {
	case g.Status.InFlight():
		return d.processing(ctx, req, info, nil), nil
	case g.Status == model.SubFail:
		return d.processing(ctx, req, info, errExportFailed), nil
	}

	js, err := d.b.BuildExport(ctx, opts)
	if err != nil {
		return Result{}, err
	}
	d.log.Info("export admitted", "resource", req.Identity.String(), "fingerprint", req.Fingerprint, "format", enc.Extension())
	now := d.now().UTC()
	queued := *info
	queued.Generating = map[model.Fingerprint]model.Generating{
		req.Fingerprint: {Status: js.Status, Kind: model.KindExport, Format: enc.Extension(), StartedAt: now, UpdatedAt: now},
	}
	return d.processing(ctx, req, &queued, nil), nil
}

var errExportFailed = &model.BuildError{Message: "Export job failed", Code: http.StatusInternalServerError, Kind: model.KindExport}

type performFunc func(ctx context.Context, req Request, hop int) (Result, error)

// expired drops the stale resource and resolves again. A resource still
// expired after one drop is answered as processing behind a fresh fill.
func (d *Dispatcher) expired(ctx context.Context, req Request, e status.Expired, hop int, again performFunc) (Result, error) {
	if hop > 0 {
		d.log.Warn("resource still expired after drop", "resource", req.Identity.String(), "reason", e.Reason)
		return d.fill(ctx, req)
	}
	if err := d.b.DropResource(ctx, req.Identity, true); err != nil {
		d.log.Error("drop expired resource failed", "resource", req.Identity.String(), "err", err)
	} else {
		d.log.Info("dropped expired resource", "resource", req.Identity.String(), "reason", e.Reason)
	}
	return again(ctx, req, hop+1)
}

// failed serves a recent failure as is. Older failures are dropped and the
// resource is rebuilt from scratch.
func (d *Dispatcher) failed(ctx context.Context, req Request, info *model.InfoDocument, f status.Failed, hop int, again performFunc) (Result, error) {
	if hop > 0 || d.now().Sub(f.RetrievedAt) <= d.cfg.FailureWindow {
		return d.processing(ctx, req, info, nil), nil
	}
	if err := d.b.DropResource(ctx, req.Identity, true); err != nil {
		d.log.Error("drop failed resource failed", "resource", req.Identity.String(), "err", err)
	} else {
		d.log.Info("reset failed resource", "resource", req.Identity.String(), "failed_at", f.RetrievedAt)
	}
	return again(ctx, req, hop+1)
}

// fill starts the first-time cache fill and answers without waiting for it.
func (d *Dispatcher) fill(ctx context.Context, req Request) (Result, error) {
	if _, err := d.b.CacheResource(ctx, pipeline.CacheOptions{Identity: req.Identity}); err != nil {
		return Result{}, err
	}
	return d.processing(ctx, req, nil, nil), nil
}

// processing builds the non-blocking status response. cause, or a failure
// recorded in info, turns it into a failure response.
func (d *Dispatcher) processing(ctx context.Context, req Request, info *model.InfoDocument, cause error) Result {
	body := &StatusBody{Status: statusProcessing, ProcessingTime: d.processingTime(info, req.Fingerprint)}
	if g, ok := info.Sub(req.Fingerprint); ok {
		body.Generating = &g
	}

	if cause != nil {
		body.Status = statusFailed
		body.Error = failureMessage(cause)
		return Result{Kind: KindFailed, Code: codeOf(cause, http.StatusBadGateway), Body: body}
	}
	// no rows to count before the first fill lands
	if info == nil || info.Status == model.CacheNone {
		return Result{Kind: KindProcessing, Code: http.StatusAccepted, Body: body}
	}

	count, err := d.b.Count(ctx, req.Identity)
	if err != nil {
		d.log.Error("count rows failed", "resource", req.Identity.String(), "err", err)
	} else {
		body.Count = &count
	}

	code := http.StatusAccepted
	switch {
	case info.Error != nil && info.Error.Message != "":
		body.Error = info.Error
		code = http.StatusBadGateway
	case body.Generating != nil && body.Generating.Status == model.SubFail:
		body.Error = errExportFailed.Message
		code = http.StatusInternalServerError
	}
	if body.Error != nil {
		body.Status = statusFailed
		return Result{Kind: KindFailed, Code: code, Body: body}
	}
	return Result{Kind: KindProcessing, Code: code, Body: body}
}

// processingTime is the age in seconds of the in-flight build, or of the
// document when no build is recorded.
func (d *Dispatcher) processingTime(info *model.InfoDocument, fp model.Fingerprint) float64 {
	now := d.now()
	if g, ok := info.Sub(fp); ok && !g.StartedAt.IsZero() {
		return now.Sub(g.StartedAt).Seconds()
	}
	if info != nil && !info.RetrievedAt.IsZero() {
		return now.Sub(info.RetrievedAt).Seconds()
	}
	return 0
}

func codeOf(err error, fallback int) int {
	var be *model.BuildError
	if errors.As(err, &be) && be.Code > 0 {
		return be.Code
	}
	var ue *model.UpstreamError
	if errors.As(err, &ue) {
		return http.StatusBadGateway
	}
	return fallback
}

func failureMessage(err error) any {
	var be *model.BuildError
	if errors.As(err, &be) {
		return be.Message
	}
	return err.Error()
}
