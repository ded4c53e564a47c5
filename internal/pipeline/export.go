package pipeline

import (
	"bytes"
	"context"

	"github.com/mohammed-shakir/geo-export-cache/internal/artifact"
	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
	"github.com/mohammed-shakir/geo-export-cache/internal/export"
	"github.com/mohammed-shakir/geo-export-cache/internal/queue"
)

type ExportOptions struct {
	Identity    model.Identity
	Query       model.Query
	Fingerprint model.Fingerprint
	// Name is the dataset name used for the file name.
	Name string
}

// ExportResult is the Data of a finished export outcome. Body is set only
// when the run did not own the write.
type ExportResult struct {
	Location artifact.Location
	Meta     artifact.FileMeta
	Body     []byte
}

// JobStatus is returned as soon as a build is queued.
type JobStatus struct {
	Fingerprint model.Fingerprint
	Status      model.SubStatus
	done        <-chan queue.Outcome
}

// Wait blocks until the build finishes or ctx ends.
func (j JobStatus) Wait(ctx context.Context) (queue.Outcome, error) {
	return Wait(ctx, j.done)
}

// ExportLocation is where the export for o is written.
func (p *Pipeline) ExportLocation(o ExportOptions, enc export.Encoder) artifact.Location {
	return p.cfg.Layout.Export(o.Identity, o.Fingerprint, o.Name, enc.Extension())
}

// BuildExport submits the export and, when this submission owns the task
// lock, records it as queued. The artifact is written once, at completion,
// by the owning run. A duplicate run leaves the recorded status to the owner
// and only answers its caller. A submission the queue refuses clears the
// queued status again.
func (p *Pipeline) BuildExport(ctx context.Context, o ExportOptions) (JobStatus, error) {
	enc, err := export.For(o.Query.Format)
	if err != nil {
		return JobStatus{}, err
	}

	t := p.track(o.Identity, o.Fingerprint, model.KindExport, enc.Extension())
	var owned bool
	desc := model.TaskDescriptor{Identity: o.Identity, Fingerprint: o.Fingerprint, Kind: model.KindExport}
	ch, err := queue.Admitted(p.q.SubmitAdmit(ctx, desc, func(own bool) {
		owned = own
		if own {
			t.set(ctx, model.SubQueued, nil)
		}
	}, func(ctx context.Context, store bool) queue.Outcome {
		return p.runExport(ctx, t, o, enc, store)
	}))
	if err != nil {
		if owned {
			t.set(ctx, model.SubNone, nil)
		}
		return JobStatus{}, err
	}
	return JobStatus{Fingerprint: o.Fingerprint, Status: model.SubQueued, done: ch}, nil
}

func (p *Pipeline) runExport(ctx context.Context, t *tracker, o ExportOptions, enc export.Encoder, store bool) queue.Outcome {
	loc := p.ExportLocation(o, enc)

	// Another run owns the write and the recorded status. Answer from the
	// artifact when it exists, else encode a private copy.
	if !store {
		if body, meta, err := p.art.Read(ctx, loc); err == nil {
			return queue.Outcome{Data: ExportResult{Location: loc, Meta: meta, Body: body}}
		}
		rows, err := p.source(ctx, o.Identity, o.Query)
		if err != nil {
			return queue.Outcome{Err: model.NewBuildError(model.KindExport, err, p.now())}
		}
		var buf bytes.Buffer
		if err := enc.Encode(&buf, rows); err != nil {
			return queue.Outcome{Err: model.NewBuildError(model.KindExport, err, p.now())}
		}
		return queue.Outcome{Data: ExportResult{Location: loc, Body: buf.Bytes()}}
	}

	t.set(ctx, model.SubStart, nil)
	rows, err := p.source(ctx, o.Identity, o.Query)
	if err != nil {
		return t.fail(ctx, err)
	}
	t.set(ctx, model.SubProgress, nil)

	var buf bytes.Buffer
	if err := enc.Encode(&buf, rows); err != nil {
		return t.fail(ctx, err)
	}
	meta, err := p.art.Write(ctx, loc, buf.Bytes())
	if err != nil {
		return t.fail(ctx, err)
	}
	t.g.Digest = meta.Digest
	t.set(ctx, model.SubFinished, nil)
	p.log.Info("export written", "resource", o.Identity.String(), "fingerprint", o.Fingerprint, "path", loc.Path(), "rows", len(rows))

	if !o.Query.Filtered() && p.cfg.PromoteUnfiltered {
		p.promote(ctx, o, loc, enc)
	}
	return queue.Outcome{Data: ExportResult{Location: loc, Meta: meta}}
}

// promote queues a copy of an unfiltered export to the latest path.
func (p *Pipeline) promote(ctx context.Context, o ExportOptions, from artifact.Location, enc export.Encoder) {
	to := p.cfg.Layout.Latest(o.Identity, o.Name, enc.Extension())
	desc := model.TaskDescriptor{Identity: o.Identity, Fingerprint: o.Fingerprint, Kind: model.KindCopy}
	p.q.Submit(ctx, desc, func(ctx context.Context, store bool) queue.Outcome {
		if !store {
			return queue.Outcome{}
		}
		meta, err := p.art.Copy(ctx, from, to)
		if err != nil {
			p.log.Warn("copy to latest failed", "resource", o.Identity.String(), "from", from.Path(), "to", to.Path(), "err", err)
			return queue.Outcome{Err: model.NewBuildError(model.KindCopy, err, p.now())}
		}
		return queue.Outcome{Data: ExportResult{Location: to, Meta: meta}}
	})
}
