// Package upstream talks to the geospatial data provider the cache sits in
// front of.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"resty.dev/v3"

	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
	"github.com/mohammed-shakir/geo-export-cache/internal/core/observability"
)

var ErrUnknownHost = errors.New("unknown upstream host")

// ItemMetadata is the provider's description of an item.
type ItemMetadata struct {
	ID       string
	Title    string
	Type     string
	Modified time.Time
}

type Client interface {
	ItemMetadata(ctx context.Context, host, item string) (ItemMetadata, error)
	FetchData(ctx context.Context, id model.Identity, q model.Query) ([]model.Record, error)
}

type HTTPClient struct {
	rc    *resty.Client
	hosts map[string]string
	log   *slog.Logger
}

// New builds a client over hc. hosts maps host ids to base URLs.
func New(hc *http.Client, hosts map[string]string, log *slog.Logger) *HTTPClient {
	if log == nil {
		log = slog.Default()
	}
	rc := resty.NewWithClient(hc).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "geo-export-cache")
	cleaned := make(map[string]string, len(hosts))
	for k, v := range hosts {
		cleaned[strings.TrimSpace(k)] = strings.TrimRight(strings.TrimSpace(v), "/")
	}
	return &HTTPClient{rc: rc, hosts: cleaned, log: log.With("component", "upstream")}
}

// Hosts returns the configured host ids, sorted.
func (c *HTTPClient) Hosts() []string {
	out := make([]string, 0, len(c.hosts))
	for k := range c.hosts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *HTTPClient) HasHost(host string) bool {
	_, ok := c.hosts[host]
	return ok
}

func (c *HTTPClient) Close() error { return c.rc.Close() }

type itemDoc struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Type     string `json:"type"`
	Modified int64  `json:"modified"`
}

func (c *HTTPClient) ItemMetadata(ctx context.Context, host, item string) (ItemMetadata, error) {
	const op = "item metadata"
	base, ok := c.hosts[host]
	if !ok {
		return ItemMetadata{}, &model.UpstreamError{Op: op, Err: fmt.Errorf("%w: %q", ErrUnknownHost, host)}
	}

	var doc itemDoc
	start := time.Now()
	resp, err := c.rc.R().
		SetContext(ctx).
		SetResult(&doc).
		Get(base + "/items/" + url.PathEscape(item))
	observability.ObserveUpstreamLatency(host, time.Since(start).Seconds())
	if err != nil {
		return ItemMetadata{}, &model.UpstreamError{Op: op, Err: err}
	}
	if err := statusErr(op, resp); err != nil {
		return ItemMetadata{}, err
	}
	return ItemMetadata{
		ID:       doc.ID,
		Title:    doc.Title,
		Type:     doc.Type,
		Modified: time.UnixMilli(doc.Modified).UTC(),
	}, nil
}

type featureCollection struct {
	Type     string    `json:"type"`
	Features []feature `json:"features"`
}

type feature struct {
	ID         json.RawMessage `json:"id"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

// FetchData pulls the rows of one layer. The provider evaluates where and
// geometry filters.
func (c *HTTPClient) FetchData(ctx context.Context, id model.Identity, q model.Query) ([]model.Record, error) {
	const op = "fetch data"
	base, ok := c.hosts[id.Host]
	if !ok {
		return nil, &model.UpstreamError{Op: op, Err: fmt.Errorf("%w: %q", ErrUnknownHost, id.Host)}
	}

	params := map[string]string{"f": "geojson", "where": "1=1", "outFields": "*"}
	if w := strings.TrimSpace(q.Where); w != "" {
		params["where"] = w
	}
	if g := strings.TrimSpace(q.Geometry); g != "" {
		params["geometry"] = g
	}
	if len(q.Fields) > 0 {
		params["outFields"] = strings.Join(q.Fields, ",")
	}

	var fc featureCollection
	start := time.Now()
	resp, err := c.rc.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&fc).
		Get(base + "/items/" + url.PathEscape(id.Item) + "/layers/" + strconv.Itoa(id.Layer) + "/query")
	observability.ObserveUpstreamLatency(id.Host, time.Since(start).Seconds())
	if err != nil {
		return nil, &model.UpstreamError{Op: op, Err: err}
	}
	if err := statusErr(op, resp); err != nil {
		return nil, err
	}

	out := make([]model.Record, 0, len(fc.Features))
	for _, f := range fc.Features {
		out = append(out, model.Record{ID: featureID(f.ID), Geometry: f.Geometry, Properties: f.Properties})
	}
	c.log.Debug("fetched rows", "resource", id.String(), "rows", len(out), "dur", time.Since(start).String())
	return out, nil
}

func statusErr(op string, resp *resty.Response) error {
	if !resp.IsError() {
		return nil
	}
	code := resp.StatusCode()
	msg := strings.TrimSpace(resp.String())
	if len(msg) > 256 {
		msg = msg[:256]
	}
	err := fmt.Errorf("%s", msg)
	if code == http.StatusNotFound {
		err = fmt.Errorf("%w: %s", model.ErrNotFound, msg)
	}
	return &model.UpstreamError{Op: op, Code: code, Err: err}
}

// featureID renders numeric and string ids alike.
func featureID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
