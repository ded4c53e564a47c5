package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/mohammed-shakir/geo-export-cache/internal/artifact"
	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
	"github.com/mohammed-shakir/geo-export-cache/internal/queue"
)

type Kind int

const (
	KindFile Kind = iota + 1
	KindProcessing
	KindFailed
	KindAccepted
	KindAggregate
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindProcessing:
		return "processing"
	case KindFailed:
		return "failed"
	case KindAccepted:
		return "accepted"
	case KindAggregate:
		return "aggregate"
	default:
		return "unknown"
	}
}

const (
	statusProcessing = "Processing"
	statusFailed     = "Failed"
	statusGenerating = "Generating Geohash"

	HeaderExpired = "X-Expired"
)

// Result is everything Emit needs to answer a request.
type Result struct {
	Kind Kind
	Code int

	// KindFile
	Location    artifact.Location
	Meta        artifact.FileMeta
	Ref         string
	URLOnly     bool
	ContentType string
	Download    bool
	Digest      string
	// Stale marks an artifact served while its rebuild runs; WrittenAt is
	// when the served copy was written.
	Stale     bool
	WrittenAt time.Time

	// JSON body of every other kind.
	Body any

	after func(context.Context)
}

// Finish starts the work deferred until res has been emitted. It does not
// wait for it.
func (res Result) Finish(ctx context.Context) {
	if res.after != nil {
		go res.after(context.WithoutCancel(ctx))
	}
}

// StatusBody is the JSON of processing and failure responses.
type StatusBody struct {
	Status         string            `json:"status"`
	ProcessingTime float64           `json:"processingTime"`
	Count          *int              `json:"count,omitempty"`
	Generating     *model.Generating `json:"generating,omitempty"`
	Error          any               `json:"error,omitempty"`
}

// Emit writes res to w.
func (d *Dispatcher) Emit(w http.ResponseWriter, r *http.Request, res Result) {
	if res.Kind != KindFile {
		WriteJSON(w, res.Code, res.Body)
		return
	}

	if res.Stale {
		w.Header().Set(HeaderExpired, res.WrittenAt.UTC().Format(http.TimeFormat))
		w.Header().Set("Access-Control-Allow-Headers", HeaderExpired)
		w.Header().Set("Access-Control-Expose-Headers", HeaderExpired)
	}
	if res.URLOnly {
		WriteJSON(w, http.StatusOK, map[string]string{"url": res.Ref})
		return
	}

	if res.Digest != "" {
		etag := strconv.Quote(res.Digest)
		w.Header().Set("ETag", etag)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	rc, meta, err := d.art.Open(r.Context(), res.Location)
	if err != nil {
		d.log.Error("open artifact failed", "path", res.Location.Path(), "err", err)
		EmitError(w, err)
		return
	}
	defer func() { _ = rc.Close() }()

	h := w.Header()
	h.Set("Content-Type", res.ContentType)
	if meta.Size > 0 {
		h.Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	}
	if !meta.LastModified.IsZero() {
		h.Set("Last-Modified", meta.LastModified.UTC().Format(http.TimeFormat))
	}
	if res.Download {
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": res.Location.Name}))
	}
	code := res.Code
	if code == 0 {
		code = http.StatusOK
	}
	w.WriteHeader(code)
	if _, err := io.Copy(w, rc); err != nil {
		d.log.Warn("stream artifact aborted", "path", res.Location.Path(), "err", err)
	}
}

// StatusOf maps an error returned by Perform to an HTTP status.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidInput), errors.Is(err, model.ErrInPast):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrFull), errors.Is(err, queue.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return codeOf(err, http.StatusInternalServerError)
}

// EmitError writes err as {"error": ...} with the status from StatusOf.
func EmitError(w http.ResponseWriter, err error) {
	WriteJSON(w, StatusOf(err), map[string]string{"error": err.Error()})
}

// WriteJSON writes v as the JSON body of a response with the given code.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
