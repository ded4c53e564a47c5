// Package router parses item requests and maps them onto the dispatcher and
// the resource management operations.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
)

var errBadRequest = model.ErrInvalidInput

// ParseIdentity reads {host}, {item} and {layer} from the route.
func ParseIdentity(r *http.Request) (model.Identity, error) {
	host := strings.TrimSpace(chi.URLParam(r, "host"))
	item := strings.TrimSpace(chi.URLParam(r, "item"))
	if host == "" || item == "" {
		return model.Identity{}, fmt.Errorf("%w: host and item are required", errBadRequest)
	}
	if !safeSegment.MatchString(host) || !safeSegment.MatchString(item) {
		return model.Identity{}, fmt.Errorf("%w: host and item must be alphanumeric", errBadRequest)
	}
	layer := 0
	if raw := strings.TrimSpace(chi.URLParam(r, "layer")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return model.Identity{}, fmt.Errorf("%w: layer must be a non-negative integer", errBadRequest)
		}
		layer = n
	}
	return model.Identity{Host: host, Item: item, Layer: layer}, nil
}

var safeSegment = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,128}$`)

// ParseQuery reads the shaping parameters shared by exports and aggregates.
func ParseQuery(r *http.Request) (model.Query, error) {
	v := r.URL.Query()
	q := model.Query{}

	if w := strings.TrimSpace(v.Get("where")); w != "" {
		if !isSafeWhere(w) {
			return model.Query{}, fmt.Errorf("%w: invalid or disallowed where clause", errBadRequest)
		}
		q.Where = w
	}
	if g := strings.TrimSpace(v.Get("geometry")); g != "" {
		norm, err := parseGeometry(g)
		if err != nil {
			return model.Query{}, fmt.Errorf("%w: invalid geometry: %v", errBadRequest, err)
		}
		q.Geometry = norm
	}
	if f := strings.TrimSpace(v.Get("fields")); f != "" {
		for p := range strings.SplitSeq(f, ",") {
			if p = strings.TrimSpace(p); p != "" {
				if !safeSegment.MatchString(p) {
					return model.Query{}, fmt.Errorf("%w: invalid field %q", errBadRequest, p)
				}
				q.Fields = append(q.Fields, p)
			}
		}
	}
	return q, nil
}

// ParseGeohashQuery adds the aggregation parameters to ParseQuery.
func ParseGeohashQuery(r *http.Request) (model.Query, error) {
	q, err := ParseQuery(r)
	if err != nil {
		return q, err
	}
	q.Format = "geohash"
	v := r.URL.Query()
	if p := strings.TrimSpace(v.Get("precision")); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 15 {
			return model.Query{}, fmt.Errorf("%w: precision must be in [1,15]", errBadRequest)
		}
		q.Precision = n
	}
	if s := strings.ToLower(strings.TrimSpace(v.Get("scheme"))); s != "" {
		if s != "geohash" && s != "h3" {
			return model.Query{}, fmt.Errorf("%w: scheme must be geohash or h3", errBadRequest)
		}
		q.Scheme = s
	}
	return q, nil
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "t", "true", "y", "yes":
		return true
	}
	return false
}

// parseGeometry accepts an envelope "xmin,ymin,xmax,ymax" in EPSG:4326 or a
// GeoJSON Polygon/MultiPolygon, and returns it in a stable form.
func parseGeometry(raw string) (string, error) {
	if strings.HasPrefix(raw, "{") {
		p, err := parsePolygon(raw)
		if err != nil {
			return "", err
		}
		return p, nil
	}
	bb, err := parseEnvelope(raw)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%g,%g,%g,%g", bb[0], bb[1], bb[2], bb[3]), nil
}

func parseEnvelope(s string) ([4]float64, error) {
	var out [4]float64
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return out, errors.New("expected 4 comma-separated values: xmin,ymin,xmax,ymax")
	}
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return out, fmt.Errorf("value %d: %w", i+1, err)
		}
		out[i] = f
	}
	xMin, yMin, xMax, yMax := out[0], out[1], out[2], out[3]
	if !(xMin >= -180 && xMin <= 180 && xMax >= -180 && xMax <= 180) {
		return out, errors.New("longitude must be in [-180,180]")
	}
	if !(yMin >= -90 && yMin <= 90 && yMax >= -90 && yMax <= 90) {
		return out, errors.New("latitude must be in [-90,90]")
	}
	if xMax <= xMin || yMax <= yMin {
		return out, errors.New("coordinates must satisfy xmax>xmin and ymax>ymin")
	}
	return out, nil
}

func parsePolygon(raw string) (string, error) {
	var tmp struct {
		Type        string          `json:"type"`
		Coordinates json.RawMessage `json:"coordinates"`
	}
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return "", fmt.Errorf("parse json: %w", err)
	}
	t := strings.TrimSpace(tmp.Type)
	switch t {
	case "Polygon", "MultiPolygon":
	default:
		return "", fmt.Errorf(`unsupported GeoJSON "type": %q (must be Polygon or MultiPolygon)`, t)
	}
	if len(tmp.Coordinates) == 0 {
		return "", errors.New("coordinates are required")
	}
	b, err := json.Marshal(tmp)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var safeWherePattern = regexp.MustCompile(`^[\w\s\=\>\<\!\(\)\.\,\'\"\-\%\*\+\/:]+$`)

func isSafeWhere(s string) bool {
	if len(s) > 1000 || strings.Contains(s, "--") {
		return false
	}
	return safeWherePattern.MatchString(s)
}
