package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/geo-export-cache/internal/cache/keys"
	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
	"github.com/mohammed-shakir/geo-export-cache/internal/dispatch"
	"github.com/mohammed-shakir/geo-export-cache/internal/expiration"
	mylog "github.com/mohammed-shakir/geo-export-cache/internal/logger"
)

// Exporter answers artifact requests.
type Exporter interface {
	ResolveAndRespond(w http.ResponseWriter, r *http.Request, req dispatch.Request)
	Geohash(w http.ResponseWriter, r *http.Request, req dispatch.Request)
}

type InfoReader interface {
	GetInfo(ctx context.Context, table string) (*model.InfoDocument, error)
}

type Expirations interface {
	Get(ctx context.Context, id model.Identity) (time.Time, error)
	Set(ctx context.Context, id model.Identity, raw any) (time.Time, expiration.Outcome, error)
}

type Dropper interface {
	DropResource(ctx context.Context, id model.Identity, force bool) error
}

type QueueStats interface {
	Len() int
	Working() int
}

type Handlers struct {
	Exports    Exporter
	Info       InfoReader
	Expiration Expirations
	Drop       Dropper
	Queue      QueueStats
	// KnownHost rejects unregistered upstream ids with 404; nil accepts all.
	KnownHost func(string) bool
	Log       *slog.Logger
}

// Mount registers the item routes on r.
func (h Handlers) Mount(r chi.Router) {
	if h.Log == nil {
		h.Log = slog.Default()
	}
	r.Get("/queue", h.queue)
	r.Route("/items/{host}/{item}/{layer}", func(r chi.Router) {
		r.Delete("/", h.drop)
		r.Get("/info", h.info)
		r.Get("/export/{format}", h.export)
		r.Get("/geohash", h.geohash)
		r.Get("/expiration", h.getExpiration)
		r.Put("/expiration", h.setExpiration)
		r.Post("/expiration", h.setExpiration)
	})
}

func (h Handlers) identity(w http.ResponseWriter, r *http.Request) (model.Identity, context.Context, bool) {
	id, err := ParseIdentity(r)
	if err != nil {
		dispatch.EmitError(w, err)
		return id, nil, false
	}
	if h.KnownHost != nil && !h.KnownHost(id.Host) {
		dispatch.EmitError(w, fmt.Errorf("%w: unknown host %q", model.ErrNotFound, id.Host))
		return id, nil, false
	}
	return id, mylog.WithResource(r.Context(), id.String()), true
}

func (h Handlers) export(w http.ResponseWriter, r *http.Request) {
	id, ctx, ok := h.identity(w, r)
	if !ok {
		return
	}
	q, err := ParseQuery(r)
	if err != nil {
		dispatch.EmitError(w, err)
		return
	}
	q.Format = strings.ToLower(strings.TrimSpace(chi.URLParam(r, "format")))
	req := dispatch.Request{
		Identity:    id,
		Query:       q,
		Fingerprint: keys.Fingerprint(q),
		URLOnly:     truthy(r.URL.Query().Get("url_only")),
	}
	h.Exports.ResolveAndRespond(w, r.WithContext(ctx), req)
}

func (h Handlers) geohash(w http.ResponseWriter, r *http.Request) {
	id, ctx, ok := h.identity(w, r)
	if !ok {
		return
	}
	q, err := ParseGeohashQuery(r)
	if err != nil {
		dispatch.EmitError(w, err)
		return
	}
	req := dispatch.Request{
		Identity:    id,
		Query:       q,
		Fingerprint: keys.Fingerprint(q),
		URLOnly:     truthy(r.URL.Query().Get("url_only")),
	}
	h.Exports.Geohash(w, r.WithContext(ctx), req)
}

func (h Handlers) info(w http.ResponseWriter, r *http.Request) {
	id, ctx, ok := h.identity(w, r)
	if !ok {
		return
	}
	doc, err := h.Info.GetInfo(ctx, id.Table())
	if err != nil {
		dispatch.EmitError(w, err)
		return
	}
	dispatch.WriteJSON(w, http.StatusOK, doc)
}

// drop removes the cached resource. Artifacts go with it unless force=false.
func (h Handlers) drop(w http.ResponseWriter, r *http.Request) {
	id, ctx, ok := h.identity(w, r)
	if !ok {
		return
	}
	force := true
	if v := r.URL.Query().Get("force"); v != "" {
		force = truthy(v)
	}
	if err := h.Drop.DropResource(ctx, id, force); err != nil {
		h.Log.ErrorContext(ctx, "drop resource failed", "force", force, "err", err)
		dispatch.EmitError(w, err)
		return
	}
	h.Log.InfoContext(ctx, "resource dropped", "force", force)
	dispatch.WriteJSON(w, http.StatusOK, map[string]any{"resource": id.String(), "dropped": true, "force": force})
}

type expirationBody struct {
	ExpiresAt *time.Time `json:"expires_at"`
	Status    string     `json:"status,omitempty"`
}

func (h Handlers) getExpiration(w http.ResponseWriter, r *http.Request) {
	id, ctx, ok := h.identity(w, r)
	if !ok {
		return
	}
	t, err := h.Expiration.Get(ctx, id)
	if err != nil {
		dispatch.EmitError(w, err)
		return
	}
	body := expirationBody{}
	if !t.IsZero() {
		body.ExpiresAt = &t
	}
	dispatch.WriteJSON(w, http.StatusOK, body)
}

func (h Handlers) setExpiration(w http.ResponseWriter, r *http.Request) {
	id, ctx, ok := h.identity(w, r)
	if !ok {
		return
	}
	raw, err := readExpiration(r)
	if err != nil {
		dispatch.EmitError(w, err)
		return
	}
	t, outcome, err := h.Expiration.Set(ctx, id, raw)
	if err != nil {
		dispatch.EmitError(w, err)
		return
	}
	if outcome == expiration.Accepted {
		dispatch.WriteJSON(w, http.StatusCreated, expirationBody{ExpiresAt: &t, Status: "Processing"})
		return
	}
	dispatch.WriteJSON(w, http.StatusOK, expirationBody{ExpiresAt: &t})
}

const maxBody = 64 << 10

// readExpiration takes expires_at from a JSON body, a form body or the query.
func readExpiration(r *http.Request) (any, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		var body struct {
			ExpiresAt any `json:"expires_at"`
		}
		dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
		dec.UseNumber()
		if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: decode body: %v", model.ErrInvalidInput, err)
		}
		if body.ExpiresAt != nil {
			return body.ExpiresAt, nil
		}
	} else {
		r.Body = http.MaxBytesReader(nil, r.Body, maxBody)
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("%w: parse form: %v", model.ErrInvalidInput, err)
		}
		if v := r.Form.Get("expires_at"); v != "" {
			return v, nil
		}
	}
	if v := r.URL.Query().Get("expires_at"); v != "" {
		return v, nil
	}
	return nil, fmt.Errorf("%w: expires_at is required", model.ErrInvalidInput)
}

func (h Handlers) queue(w http.ResponseWriter, _ *http.Request) {
	dispatch.WriteJSON(w, http.StatusOK, map[string]int{"length": h.Queue.Len(), "working": h.Queue.Working()})
}
