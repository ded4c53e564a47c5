package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/geo-export-cache/internal/cache/infostore"
	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
	"github.com/mohammed-shakir/geo-export-cache/internal/core/observability"
	"github.com/mohammed-shakir/geo-export-cache/internal/upstream"
)

var DefaultStalenessTypes = []string{"CSV", "Feature Collection", "GeoJson"}

const (
	ReasonExpiresAt = "expires_at"
	ReasonModified  = "modified"
)

// Resolver classifies a resource from its Info Document, asking the
// upstream for its modification time when the document carries no
// expiration. Concurrent upstream lookups for one item are shared.
type Resolver struct {
	info  infostore.Store
	up    upstream.Client
	types map[string]struct{}
	sf    singleflight.Group
	now   func() time.Time
	log   *slog.Logger
}

// NewResolver builds a Resolver. Resources whose type is in
// stalenessTypes and that carry no explicit expiration are compared
// against the upstream modification time.
func NewResolver(info infostore.Store, up upstream.Client, stalenessTypes []string, log *slog.Logger) *Resolver {
	if stalenessTypes == nil {
		stalenessTypes = DefaultStalenessTypes
	}
	if log == nil {
		log = slog.Default()
	}
	types := make(map[string]struct{}, len(stalenessTypes))
	for _, t := range stalenessTypes {
		types[normType(t)] = struct{}{}
	}
	return &Resolver{
		info:  info,
		up:    up,
		types: types,
		now:   time.Now,
		log:   log.With("component", "status"),
	}
}

func normType(t string) string { return strings.ToLower(strings.TrimSpace(t)) }

// Resolve classifies id for fingerprint fp. The returned document is nil
// only for Unavailable.
func (r *Resolver) Resolve(ctx context.Context, id model.Identity, fp model.Fingerprint) (Status, *model.InfoDocument, error) {
	doc, err := r.info.GetInfo(ctx, id.Table())
	if errors.Is(err, model.ErrNotFound) {
		observability.ObserveResolve(Unavailable{}.String())
		return Unavailable{}, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("resolve %s: %w", id, err)
	}

	s := r.classify(ctx, id, fp, doc)
	observability.ObserveResolve(s.String())
	return s, doc, nil
}

func (r *Resolver) classify(ctx context.Context, id model.Identity, fp model.Fingerprint, doc *model.InfoDocument) Status {
	if doc.Status == model.CacheFailed {
		return Failed{Err: doc.Error, RetrievedAt: doc.RetrievedAt}
	}
	if reason, ok := r.expired(ctx, id, doc); ok {
		return Expired{Reason: reason}
	}
	if g, ok := doc.Sub(fp); ok && g.Status.InFlight() {
		return Processing{Generating: g}
	}
	return Cached{}
}

func (r *Resolver) expired(ctx context.Context, id model.Identity, doc *model.InfoDocument) (string, bool) {
	if doc.ExpiresAt != nil {
		return ReasonExpiresAt, r.now().After(*doc.ExpiresAt)
	}
	if _, ok := r.types[normType(doc.Type)]; !ok {
		return "", false
	}

	key := id.Host + "/" + id.Item
	v, err, _ := r.sf.Do(key, func() (any, error) {
		return r.up.ItemMetadata(ctx, id.Host, id.Item)
	})
	if err != nil {
		r.log.Warn("upstream metadata lookup failed; treating as fresh", "resource", id.String(), "err", err)
		return "", false
	}
	md := v.(upstream.ItemMetadata)
	return ReasonModified, md.Modified.After(doc.RetrievedAt)
}
