package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
	"github.com/mohammed-shakir/geo-export-cache/internal/queue"
)

type CacheOptions struct {
	Identity model.Identity
	// ExpiresAt seeds the expiration of the new Info Document.
	ExpiresAt *time.Time
}

// CacheResource fills id from the upstream through the build queue. The
// outcome carries the new Info Document. An upstream failure is persisted
// as a Failed document so later requests see it.
//
// A submission that finds the fill already running answers with the
// current document. Its ExpiresAt is applied once the running fill has
// stored the resource.
func (p *Pipeline) CacheResource(ctx context.Context, o CacheOptions) (<-chan queue.Outcome, error) {
	desc := model.TaskDescriptor{Identity: o.Identity, Kind: model.KindCache}
	return queue.Admitted(p.q.Submit(ctx, desc, func(ctx context.Context, store bool) queue.Outcome {
		if !store {
			if o.ExpiresAt != nil {
				go p.seedExpiration(ctx, o.Identity, *o.ExpiresAt)
			}
			return p.currentInfo(ctx, o.Identity)
		}
		return p.fill(ctx, o)
	}))
}

// seedWait bounds how long seedExpiration waits for another fill to land.
const seedWait = 2 * time.Minute

// seedExpiration waits for the fill owned elsewhere to store id and then
// sets its expiration. A failed fill is left as is.
func (p *Pipeline) seedExpiration(ctx context.Context, id model.Identity, at time.Time) {
	ctx, cancel := context.WithTimeout(ctx, seedWait)
	defer cancel()

	delay := 50 * time.Millisecond
	for {
		doc, err := p.info.GetInfo(ctx, id.Table())
		switch {
		case err == nil && doc.Status == model.CacheCached:
			if err := p.info.UpdateInfo(ctx, id.Table(), model.InfoPatch{ExpiresAt: &at}); err != nil {
				p.log.Warn("apply seeded expiration failed", "resource", id.String(), "err", err)
				return
			}
			p.log.Info("seeded expiration applied", "resource", id.String(), "expires_at", at)
			return
		case err == nil && doc.Status == model.CacheFailed:
			p.log.Warn("fill failed, seeded expiration dropped", "resource", id.String(), "expires_at", at)
			return
		case err != nil && !errors.Is(err, model.ErrNotFound):
			p.log.Warn("read info for seeded expiration", "resource", id.String(), "err", err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.log.Warn("fill did not land, seeded expiration dropped", "resource", id.String(), "expires_at", at)
			return
		case <-timer.C:
		}
		delay = min(2*delay, 2*time.Second)
	}
}

func (p *Pipeline) currentInfo(ctx context.Context, id model.Identity) queue.Outcome {
	doc, err := p.info.GetInfo(ctx, id.Table())
	if err != nil {
		return queue.Outcome{Err: err}
	}
	if doc.Status == model.CacheFailed && doc.Error != nil {
		return queue.Outcome{Err: doc.Error, Info: doc}
	}
	return queue.Outcome{Info: doc}
}

func (p *Pipeline) fill(ctx context.Context, o CacheOptions) queue.Outcome {
	id := o.Identity
	t := p.track(id, "", model.KindCache, "")
	t.set(ctx, model.SubStart, nil)

	md, err := p.up.ItemMetadata(ctx, id.Host, id.Item)
	if err != nil {
		return p.fillFailed(ctx, t, err)
	}
	rows, err := p.up.FetchData(ctx, id, model.Query{})
	if err != nil {
		return p.fillFailed(ctx, t, err)
	}
	t.set(ctx, model.SubProgress, nil)

	if err := p.rows.Put(ctx, id.Table(), rows); err != nil {
		return p.fillFailed(ctx, t, err)
	}

	now := p.now().UTC()
	patch := model.InfoPatch{
		Status:      model.Ptr(model.CacheCached),
		Type:        model.Ptr(md.Type),
		Name:        model.Ptr(md.Title),
		RetrievedAt: &now,
		Modified:    model.Ptr(md.Modified),
		ExpiresAt:   o.ExpiresAt,
		ClearError:  true,
	}
	if err := p.info.UpdateInfo(ctx, id.Table(), patch); err != nil {
		return p.fillFailed(ctx, t, err)
	}
	t.set(ctx, model.SubFinished, nil)
	p.log.Info("resource cached", "resource", id.String(), "rows", len(rows), "type", md.Type)

	doc, err := p.info.GetInfo(ctx, id.Table())
	if err != nil {
		return queue.Outcome{Err: err}
	}
	return queue.Outcome{Info: doc, Data: len(rows)}
}

func (p *Pipeline) fillFailed(ctx context.Context, t *tracker, cause error) queue.Outcome {
	res := t.fail(ctx, cause)
	var be *model.BuildError
	errors.As(res.Err, &be)

	now := p.now().UTC()
	patch := model.InfoPatch{
		Status:      model.Ptr(model.CacheFailed),
		RetrievedAt: &now,
		Error:       be,
	}
	if err := p.info.UpdateInfo(ctx, t.id.Table(), patch); err != nil {
		p.log.Error("record failed fill", "resource", t.id.String(), "err", err)
	}
	p.log.Warn("resource fill failed", "resource", t.id.String(), "err", cause)
	doc, _ := p.info.GetInfo(ctx, t.id.Table())
	res.Info = doc
	return res
}
