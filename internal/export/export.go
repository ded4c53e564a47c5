// Package export renders feature rows into downloadable formats.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
)

type Encoder interface {
	ContentType() string
	Extension() string
	Encode(w io.Writer, rows []model.Record) error
}

// For returns the encoder for format, or an error naming the supported ones.
func For(format string) (Encoder, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "geojson", "json":
		return GeoJSON{}, nil
	case "csv":
		return CSV{}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported export format %q (supported: csv, geojson)", model.ErrInvalidInput, format)
	}
}

type GeoJSON struct{}

func (GeoJSON) ContentType() string { return "application/geo+json" }
func (GeoJSON) Extension() string   { return "geojson" }

type geoFeature struct {
	Type       string          `json:"type"`
	ID         string          `json:"id,omitempty"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

func (GeoJSON) Encode(w io.Writer, rows []model.Record) error {
	if _, err := io.WriteString(w, `{"type":"FeatureCollection","features":[`); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for i, r := range rows {
		if i > 0 {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		geom := r.Geometry
		if len(geom) == 0 {
			geom = json.RawMessage("null")
		}
		props := r.Properties
		if props == nil {
			props = map[string]any{}
		}
		if err := enc.Encode(geoFeature{Type: "Feature", ID: r.ID, Geometry: geom, Properties: props}); err != nil {
			return fmt.Errorf("encode feature %d: %w", i, err)
		}
	}
	_, err := io.WriteString(w, "]}\n")
	return err
}

// CSV writes one column per property key, sorted, with the feature id first.
type CSV struct{}

func (CSV) ContentType() string { return "text/csv; charset=utf-8" }
func (CSV) Extension() string   { return "csv" }

func (CSV) Encode(w io.Writer, rows []model.Record) error {
	seen := map[string]struct{}{}
	var cols []string
	for _, r := range rows {
		for k := range r.Properties {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)

	cw := csv.NewWriter(w)
	if err := cw.Write(append([]string{"id"}, cols...)); err != nil {
		return err
	}
	rec := make([]string, len(cols)+1)
	for _, r := range rows {
		rec[0] = r.ID
		for i, c := range cols {
			rec[i+1] = cell(r.Properties[c])
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func cell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case json.Number:
		return x.String()
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}
