package invalidation

import (
	"encoding/json"
	"testing"
	"time"
)

func mustTS() time.Time { return time.Date(2025, 10, 26, 12, 30, 45, 0, time.UTC) }

func TestEvent_Validate(t *testing.T) {
	ok := Event{Version: 1, Op: OpUpdate, Host: "arcgis", Item: "abc", TS: mustTS()}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected: %v", err)
	}

	bad := map[string]Event{
		"version":  {Version: 2, Op: OpUpdate, Host: "arcgis", Item: "abc", TS: mustTS()},
		"op":       {Version: 1, Op: "insert", Host: "arcgis", Item: "abc", TS: mustTS()},
		"host":     {Version: 1, Op: OpUpdate, Item: "abc", TS: mustTS()},
		"item":     {Version: 1, Op: OpUpdate, Host: "arcgis", TS: mustTS()},
		"ts":       {Version: 1, Op: OpUpdate, Host: "arcgis", Item: "abc"},
		"negative": {Version: 1, Op: OpUpdate, Host: "arcgis", Item: "abc", TS: mustTS(), Layers: []int{-1}},
	}
	for name, ev := range bad {
		if err := ev.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestEvent_IdentitiesDefaultAndDedup(t *testing.T) {
	ev := Event{Host: "arcgis", Item: "abc"}
	ids := ev.Identities()
	if len(ids) != 1 || ids[0].Layer != 0 || ids[0].Table() != "abc_0" {
		t.Fatalf("default identities=%v", ids)
	}

	ev.Layers = []int{2, 1, 2}
	if ids := ev.Identities(); len(ids) != 2 || ids[0].Layer != 2 || ids[1].Layer != 1 {
		t.Fatalf("identities=%v", ids)
	}
}

func TestEvent_OrderPrefersModified(t *testing.T) {
	mod := mustTS().Add(-time.Hour)
	ev := Event{TS: mustTS(), Modified: mod}
	if ev.Order() != uint64(mod.UnixMilli()) {
		t.Fatalf("order=%d", ev.Order())
	}
	ev.Modified = time.Time{}
	if ev.Order() != uint64(mustTS().UnixMilli()) {
		t.Fatalf("order without modified=%d", ev.Order())
	}
}

func TestEvent_JSONShape(t *testing.T) {
	raw := `{"version":1,"op":"delete","host":"arcgis","item":"abc","layers":[0,3],"ts":"2025-10-26T12:30:45Z"}`
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := ev.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !ev.Forced() || len(ev.Identities()) != 2 {
		t.Fatalf("decoded event=%+v", ev)
	}
}
