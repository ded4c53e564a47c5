package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	return m
}

func TestSlogBridge_ContextFieldsAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "debug", Component: "export-cache"}, &buf)
	log := NewSlog(&zl).With("queue", "build")

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithResource(ctx, "arcgis/abc_0")
	ctx = WithTaskHash(ctx, "9f2c")
	log.InfoContext(ctx, "task queued", "depth", 3, "wait", 2*time.Second, "err", errors.New("boom"))

	m := decodeLine(t, &buf)
	want := map[string]any{
		"msg":        "task queued",
		"level":      "info",
		"component":  "export-cache",
		"request_id": "req-1",
		"resource":   "arcgis/abc_0",
		"task_hash":  "9f2c",
		"queue":      "build",
		"depth":      float64(3),
		"err":        "boom",
	}
	for k, v := range want {
		if m[k] != v {
			t.Errorf("%s=%v want %v", k, m[k], v)
		}
	}
	if _, ok := m["timestamp"]; !ok {
		t.Errorf("timestamp missing: %v", m)
	}
}

func TestSlogBridge_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "warn"}, &buf)
	t.Cleanup(func() { Build(Config{}, &bytes.Buffer{}) })
	log := NewSlog(&zl)

	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %q", buf.String())
	}
	log.Warn("kept")
	if m := decodeLine(t, &buf); m["level"] != "warn" {
		t.Fatalf("level=%v", m["level"])
	}
}

func TestSlogBridge_Groups(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{}, &buf)
	NewSlog(&zl).WithGroup("upstream").Info("fetched", "host", "arcgis")
	if m := decodeLine(t, &buf); m["upstream.host"] != "arcgis" {
		t.Fatalf("grouped attr missing: %v", m)
	}
}

func TestRequestID_GeneratedWhenEmpty(t *testing.T) {
	ctx := WithRequestID(context.Background(), "")
	if id := RequestID(ctx); len(id) != 16 {
		t.Fatalf("generated id=%q", id)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":       zerolog.InfoLevel,
		"bogus":  zerolog.InfoLevel,
		" WARN ": zerolog.WarnLevel,
		"error":  zerolog.ErrorLevel,
		"trace":  zerolog.DebugLevel,
		"debug":  zerolog.DebugLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestSampling_KeepsWarnings(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "info", SampleN: 1000}, &buf)
	for range 10 {
		zl.Info().Msg("export served")
	}
	infos := bytes.Count(buf.Bytes(), []byte(`"export served"`))
	for range 10 {
		zl.Warn().Msg("queue full")
	}
	if infos > 1 {
		t.Fatalf("info records=%d want at most 1 of 10", infos)
	}
	if n := bytes.Count(buf.Bytes(), []byte(`"queue full"`)); n != 10 {
		t.Fatalf("warn records=%d want 10", n)
	}
}
