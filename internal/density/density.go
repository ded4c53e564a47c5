// Package density buckets feature centroids into geohash or H3 cells.
package density

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mmcloughlin/geohash"
	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
)

const (
	SchemeGeohash = "geohash"
	SchemeH3      = "h3"

	DefaultPrecision = 7
)

// Aggregate maps a cell id to the number of features whose centroid falls
// in it.
type Aggregate map[string]int

type Options struct {
	Scheme    string
	Precision int
	// Limit caps the number of cells. Precision is lowered until the
	// aggregate fits; zero disables the cap.
	Limit int
}

func (o Options) normalized() (Options, error) {
	o.Scheme = strings.ToLower(strings.TrimSpace(o.Scheme))
	if o.Scheme == "" {
		o.Scheme = SchemeGeohash
	}
	if o.Precision <= 0 {
		o.Precision = DefaultPrecision
	}
	switch o.Scheme {
	case SchemeGeohash:
		o.Precision = min(o.Precision, 12)
	case SchemeH3:
		o.Precision = min(o.Precision, 15)
	default:
		return o, fmt.Errorf("unsupported density scheme %q", o.Scheme)
	}
	return o, nil
}

type Point struct{ Lat, Lng float64 }

// Build aggregates rows. Rows without a usable geometry are skipped.
func Build(rows []model.Record, o Options) (Aggregate, error) {
	o, err := o.normalized()
	if err != nil {
		return nil, err
	}

	pts := make([]Point, 0, len(rows))
	for _, r := range rows {
		if p, ok := Centroid(r.Geometry); ok {
			pts = append(pts, p)
		}
	}

	minPrecision := 1
	if o.Scheme == SchemeH3 {
		minPrecision = 0
	}
	for prec := o.Precision; ; prec-- {
		agg, err := bucket(pts, o.Scheme, prec)
		if err != nil {
			return nil, err
		}
		if o.Limit <= 0 || len(agg) <= o.Limit || prec <= minPrecision {
			return agg, nil
		}
	}
}

func bucket(pts []Point, scheme string, prec int) (Aggregate, error) {
	agg := make(Aggregate)
	for _, p := range pts {
		switch scheme {
		case SchemeGeohash:
			agg[geohash.EncodeWithPrecision(p.Lat, p.Lng, uint(prec))]++
		case SchemeH3:
			c, err := h3.LatLngToCell(h3.LatLng{Lat: p.Lat, Lng: p.Lng}, prec)
			if err != nil {
				return nil, fmt.Errorf("h3 cell for %.6f,%.6f: %w", p.Lat, p.Lng, err)
			}
			agg[c.String()]++
		}
	}
	return agg, nil
}

var errNoCoords = errors.New("no coordinates")

// Centroid returns the mean of every position in a GeoJSON geometry.
func Centroid(raw json.RawMessage) (Point, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return Point{}, false
	}
	var g struct {
		Type        string            `json:"type"`
		Coordinates json.RawMessage   `json:"coordinates"`
		Geometries  []json.RawMessage `json:"geometries"`
	}
	if err := json.Unmarshal(raw, &g); err != nil {
		return Point{}, false
	}

	var sumLat, sumLng float64
	var n int
	if g.Type == "GeometryCollection" {
		for _, sub := range g.Geometries {
			if p, ok := Centroid(sub); ok {
				sumLat += p.Lat
				sumLng += p.Lng
				n++
			}
		}
	} else {
		var coords any
		if err := json.Unmarshal(g.Coordinates, &coords); err != nil {
			return Point{}, false
		}
		if err := walk(coords, func(lng, lat float64) {
			sumLat += lat
			sumLng += lng
			n++
		}); err != nil {
			return Point{}, false
		}
	}
	if n == 0 {
		return Point{}, false
	}
	return Point{Lat: sumLat / float64(n), Lng: sumLng / float64(n)}, true
}

// walk visits each [lng, lat] position of a nested coordinates array.
func walk(v any, fn func(lng, lat float64)) error {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return errNoCoords
	}
	if lng, ok := arr[0].(float64); ok {
		if len(arr) < 2 {
			return errNoCoords
		}
		lat, ok := arr[1].(float64)
		if !ok {
			return errNoCoords
		}
		fn(lng, lat)
		return nil
	}
	visited := false
	for _, sub := range arr {
		if err := walk(sub, fn); err == nil {
			visited = true
		}
	}
	if !visited {
		return errNoCoords
	}
	return nil
}
