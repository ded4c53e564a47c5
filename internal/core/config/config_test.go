package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFromEnv_Defaults(t *testing.T) {
	c := FromEnv()
	if c.QueueWorkers != 1 || c.FailureWindow != 30*time.Minute || !c.PromoteUnfiltered {
		t.Fatalf("defaults=%+v", c)
	}
	if c.Invalidation.Topic != "item-changes" || c.MetadataDriver != "redis" {
		t.Fatalf("defaults=%+v", c)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("QUEUE_WORKERS", "4")
	t.Setenv("FAILURE_WINDOW", "5m")
	t.Setenv("PROMOTE_UNFILTERED_TO_LATEST", "no")
	t.Setenv("UPSTREAM_HOSTS", "arcgis=https://www.arcgis.com/sharing/rest, bad , local=http://localhost:9000")
	t.Setenv("STALENESS_TYPES", "Feature Service, Map Service")
	t.Setenv("GEOHASH_PRECISION", "not-a-number")

	c := FromEnv()
	if c.QueueWorkers != 4 || c.FailureWindow != 5*time.Minute || c.PromoteUnfiltered {
		t.Fatalf("overrides not applied: %+v", c)
	}
	if len(c.UpstreamHosts) != 2 || c.UpstreamHosts["local"] != "http://localhost:9000" {
		t.Fatalf("hosts=%v", c.UpstreamHosts)
	}
	if len(c.StalenessTypes) != 2 || c.StalenessTypes[1] != "Map Service" {
		t.Fatalf("types=%v", c.StalenessTypes)
	}
	if c.GeohashPrecision != 7 {
		t.Fatalf("unparseable value should keep default, got %d", c.GeohashPrecision)
	}
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	p := filepath.Join(t.TempDir(), "cache.yaml")
	body := `
addr: ":9000"
queue_depth: 8
failure_window: 10m
artifact_driver: redis
upstream_hosts:
  arcgis: https://www.arcgis.com/sharing/rest
invalidation:
  enabled: true
  driver: kafka
`
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("QUEUE_DEPTH", "16")

	c, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Addr != ":9000" || c.FailureWindow != 10*time.Minute || c.ArtifactDriver != "redis" {
		t.Fatalf("yaml not applied: %+v", c)
	}
	if c.QueueDepth != 16 {
		t.Fatalf("env should win over yaml, got depth %d", c.QueueDepth)
	}
	if !c.Invalidation.Enabled || c.Invalidation.Driver != "kafka" || c.Invalidation.GroupID != "export-cache-invalidator" {
		t.Fatalf("invalidation=%+v", c.Invalidation)
	}
}

func TestLoad_ConfigFileEnv(t *testing.T) {
	p := filepath.Join(t.TempDir(), "c.yaml")
	_ = os.WriteFile(p, []byte("log_level: debug\n"), 0o600)
	t.Setenv("CONFIG_FILE", p)
	c, err := Load("")
	if err != nil || c.LogLevel != "debug" {
		t.Fatalf("c=%+v err=%v", c, err)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected missing file error")
	}

	p := filepath.Join(t.TempDir(), "bad.yaml")
	_ = os.WriteFile(p, []byte("queue_workers: 0\nlock_driver: zookeeper\n"), 0o600)
	_, err := Load(p)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"queue_workers", "lock_driver"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidate_RedisLockNeedsRedisMetadata(t *testing.T) {
	c := Defaults()
	c.LockDriver = "redis"
	c.MetadataDriver = "memory"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error")
	}
}
