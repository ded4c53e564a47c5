package keys

import (
	"regexp"
	"testing"

	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
)

func TestFingerprint_Determinism(t *testing.T) {
	q := model.Query{Format: "csv", Where: "name='Stockholm' AND type IN('city','town')"}
	if Fingerprint(q) != Fingerprint(q) {
		t.Fatalf("determinism failed")
	}
}

func TestFingerprint_SpacingAndOrderVariantsMatch(t *testing.T) {
	a := model.Query{
		Format:  " CSV ",
		Where:   "  name  =    'Stockholm'   AND  type IN('city','town')  ",
		Fields:  []string{"b", "a"},
		Options: map[string]string{"x": "1", "y": "2"},
	}
	b := model.Query{
		Format:  "csv",
		Where:   "name='Stockholm' AND type IN ( 'city' , 'town' )",
		Fields:  []string{"a", " b"},
		Options: map[string]string{"y": "2", "x": "1"},
	}
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatalf("normalized fingerprints differ:\n a=%s\n b=%s", Fingerprint(a), Fingerprint(b))
	}
	if !regexp.MustCompile(`^[0-9a-f]{16}$`).MatchString(string(Fingerprint(a))) {
		t.Fatalf("fingerprint is not 16 hex chars: %s", Fingerprint(a))
	}
}

func TestFingerprint_DifferentShapesDiffer(t *testing.T) {
	base := model.Query{Format: "csv", Where: "a=1 AND b=2"}
	cases := map[string]model.Query{
		"where order": {Format: "csv", Where: "b=2 AND a=1"},
		"format":      {Format: "geojson", Where: "a=1 AND b=2"},
		"geometry":    {Format: "csv", Where: "a=1 AND b=2", Geometry: "1,2,3,4"},
		"precision":   {Format: "csv", Where: "a=1 AND b=2", Precision: 5},
	}
	for name, q := range cases {
		if Fingerprint(q) == Fingerprint(base) {
			t.Fatalf("%s: expected different fingerprint", name)
		}
	}
}

func TestTaskHash_KindAndIdentityMatter(t *testing.T) {
	id := model.Identity{Host: "arcgis", Item: "abc", Layer: 0}
	export := model.TaskDescriptor{Identity: id, Fingerprint: "fp1", Kind: model.KindExport}
	copyTask := export
	copyTask.Kind = model.KindCopy
	otherLayer := export
	otherLayer.Identity.Layer = 1

	if TaskHash(export) != TaskHash(export) {
		t.Fatalf("task hash not deterministic")
	}
	if TaskHash(export) == TaskHash(copyTask) {
		t.Fatalf("kind must change the task hash")
	}
	if TaskHash(export) == TaskHash(otherLayer) {
		t.Fatalf("layer must change the task hash")
	}
}

func TestKeys_Sanitized(t *testing.T) {
	k := Info("weird item/é_0")
	if !regexp.MustCompile(`^[A-Za-z0-9:_\-]+$`).MatchString(k) {
		t.Fatalf("key contains disallowed characters: %s", k)
	}
	if Generating("abc_0") != "info:abc_0:gen" {
		t.Fatalf("unexpected generating key: %s", Generating("abc_0"))
	}
	if Rows("abc_0") != "rows:abc_0" {
		t.Fatalf("unexpected rows key: %s", Rows("abc_0"))
	}
}
