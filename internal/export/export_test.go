package export

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
)

func rows() []model.Record {
	return []model.Record{
		{ID: "1", Geometry: json.RawMessage(`{"type":"Point","coordinates":[18.06,59.33]}`), Properties: map[string]any{"name": "Stockholm", "pop": 975551.0}},
		{ID: "2", Properties: map[string]any{"name": "Göteborg, Hisingen", "capital": false}},
	}
}

func TestFor(t *testing.T) {
	for format, ext := range map[string]string{"csv": "csv", "GeoJSON": "geojson", "json": "geojson"} {
		enc, err := For(format)
		if err != nil || enc.Extension() != ext {
			t.Fatalf("For(%q) ext=%v err=%v", format, enc, err)
		}
	}
	if _, err := For("shp"); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("For(shp) err=%v want ErrInvalidInput", err)
	}
}

func TestGeoJSON_ValidFeatureCollection(t *testing.T) {
	var buf bytes.Buffer
	if err := (GeoJSON{}).Encode(&buf, rows()); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			Type       string          `json:"type"`
			ID         string          `json:"id"`
			Geometry   json.RawMessage `json:"geometry"`
			Properties map[string]any  `json:"properties"`
		} `json:"features"`
	}
	if err := json.Unmarshal(buf.Bytes(), &fc); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if fc.Type != "FeatureCollection" || len(fc.Features) != 2 {
		t.Fatalf("unexpected collection %+v", fc)
	}
	if string(fc.Features[1].Geometry) != "null" || fc.Features[0].Properties["name"] != "Stockholm" {
		t.Fatalf("unexpected features %+v", fc.Features)
	}
}

func TestGeoJSON_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := (GeoJSON{}).Encode(&buf, nil); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if strings.TrimSpace(buf.String()) != `{"type":"FeatureCollection","features":[]}` {
		t.Fatalf("got %s", buf.String())
	}
}

func TestCSV_UnionOfColumnsAndQuoting(t *testing.T) {
	var buf bytes.Buffer
	if err := (CSV{}).Encode(&buf, rows()); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := "id,capital,name,pop\n" +
		"1,,Stockholm,975551\n" +
		"2,false,\"Göteborg, Hisingen\",\n"
	if buf.String() != want {
		t.Fatalf("csv mismatch:\n got=%q\nwant=%q", buf.String(), want)
	}
}
