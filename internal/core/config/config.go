// Package config loads service settings from defaults, an optional YAML file
// and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type InvalidationCfg struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"`
	Topic   string `yaml:"topic"`
	Brokers string `yaml:"brokers"`
	GroupID string `yaml:"group_id"`
}

type JobEventsCfg struct {
	Enabled bool   `yaml:"enabled"`
	Brokers string `yaml:"brokers"`
	Topic   string `yaml:"topic"`
}

type Config struct {
	Addr       string `yaml:"addr"`
	LogLevel   string `yaml:"log_level"`
	LogConsole bool   `yaml:"log_console"`
	LogSampleN int    `yaml:"log_sample_n"`

	RedisAddr      string        `yaml:"redis_addr"`
	MetadataDriver string        `yaml:"metadata_driver"`
	CacheOpTimeout time.Duration `yaml:"cache_op_timeout"`

	ArtifactDriver string `yaml:"artifact_driver"`
	ArtifactDir    string `yaml:"artifact_dir"`
	ExportDirName  string `yaml:"export_dir_name"`
	GeohashDirName string `yaml:"geohash_dir_name"`

	LockDriver string        `yaml:"lock_driver"`
	LockTTL    time.Duration `yaml:"lock_ttl"`

	QueueWorkers int `yaml:"queue_workers"`
	QueueDepth   int `yaml:"queue_depth"`

	FailureWindow     time.Duration `yaml:"failure_window"`
	PromoteUnfiltered bool          `yaml:"promote_unfiltered_to_latest"`

	UpstreamHosts   map[string]string `yaml:"upstream_hosts"`
	UpstreamTimeout time.Duration     `yaml:"upstream_timeout"`
	UpstreamMaxConn int               `yaml:"upstream_max_conns"`
	StalenessTypes  []string          `yaml:"staleness_types"`

	GeohashScheme    string `yaml:"geohash_scheme"`
	GeohashPrecision int    `yaml:"geohash_precision"`
	GeohashLimit     int    `yaml:"geohash_limit"`

	JanitorSchedule   string        `yaml:"janitor_schedule"`
	JanitorMaxLockAge time.Duration `yaml:"janitor_max_lock_age"`

	JobEvents      JobEventsCfg    `yaml:"job_events"`
	Invalidation   InvalidationCfg `yaml:"invalidation"`
	MetricsEnabled bool            `yaml:"metrics_enabled"`
	ShutdownGrace  time.Duration   `yaml:"shutdown_grace"`
}

func Defaults() Config {
	return Config{
		Addr:              ":8090",
		LogLevel:          "info",
		RedisAddr:         "localhost:6379",
		MetadataDriver:    "redis",
		CacheOpTimeout:    250 * time.Millisecond,
		ArtifactDriver:    "local",
		ArtifactDir:       "./data",
		ExportDirName:     "latest-export",
		GeohashDirName:    "geohash",
		LockDriver:        "artifact",
		LockTTL:           30 * time.Minute,
		QueueWorkers:      1,
		QueueDepth:        256,
		FailureWindow:     30 * time.Minute,
		PromoteUnfiltered: true,
		UpstreamHosts:     map[string]string{},
		UpstreamTimeout:   60 * time.Second,
		UpstreamMaxConn:   8,
		GeohashScheme:     "geohash",
		GeohashPrecision:  7,
		GeohashLimit:      10000,
		JanitorSchedule:   "*/5 * * * *",
		JanitorMaxLockAge: 2 * time.Hour,
		JobEvents: JobEventsCfg{
			Brokers: "localhost:9092",
			Topic:   "export-jobs",
		},
		Invalidation: InvalidationCfg{
			Driver:  "none",
			Topic:   "item-changes",
			Brokers: "localhost:9092",
			GroupID: "export-cache-invalidator",
		},
		MetricsEnabled: true,
		ShutdownGrace:  15 * time.Second,
	}
}

// FromEnv returns the defaults overridden by the environment.
func FromEnv() Config {
	c := Defaults()
	c.applyEnv()
	return c
}

// Load reads the YAML file at path over the defaults and then applies the
// environment. An empty path falls back to CONFIG_FILE.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	c := Defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	c.applyEnv()
	return c, c.Validate()
}

func (c *Config) applyEnv() {
	c.Addr = getenv("ADDR", c.Addr)
	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)
	c.LogConsole = getbool("LOG_CONSOLE", c.LogConsole)
	c.LogSampleN = getint("LOG_SAMPLE_N", c.LogSampleN)

	c.RedisAddr = getenv("REDIS_ADDR", c.RedisAddr)
	c.MetadataDriver = getenv("METADATA_DRIVER", c.MetadataDriver)
	c.CacheOpTimeout = getduration("CACHE_OP_TIMEOUT", c.CacheOpTimeout)

	c.ArtifactDriver = getenv("ARTIFACT_DRIVER", c.ArtifactDriver)
	c.ArtifactDir = getenv("ARTIFACT_DIR", c.ArtifactDir)
	c.ExportDirName = getenv("EXPORT_DIR_NAME", c.ExportDirName)
	c.GeohashDirName = getenv("GEOHASH_DIR_NAME", c.GeohashDirName)

	c.LockDriver = getenv("LOCK_DRIVER", c.LockDriver)
	c.LockTTL = getduration("LOCK_TTL", c.LockTTL)

	c.QueueWorkers = getint("QUEUE_WORKERS", c.QueueWorkers)
	c.QueueDepth = getint("QUEUE_DEPTH", c.QueueDepth)

	c.FailureWindow = getduration("FAILURE_WINDOW", c.FailureWindow)
	c.PromoteUnfiltered = getbool("PROMOTE_UNFILTERED_TO_LATEST", c.PromoteUnfiltered)

	if v := os.Getenv("UPSTREAM_HOSTS"); v != "" {
		c.UpstreamHosts = parseStringMap(v)
	}
	c.UpstreamTimeout = getduration("UPSTREAM_TIMEOUT", c.UpstreamTimeout)
	c.UpstreamMaxConn = getint("UPSTREAM_MAX_CONNS", c.UpstreamMaxConn)
	if v := os.Getenv("STALENESS_TYPES"); v != "" {
		c.StalenessTypes = splitList(v)
	}

	c.GeohashScheme = getenv("GEOHASH_SCHEME", c.GeohashScheme)
	c.GeohashPrecision = getint("GEOHASH_PRECISION", c.GeohashPrecision)
	c.GeohashLimit = getint("GEOHASH_LIMIT", c.GeohashLimit)

	c.JanitorSchedule = getenv("JANITOR_SCHEDULE", c.JanitorSchedule)
	c.JanitorMaxLockAge = getduration("JANITOR_MAX_LOCK_AGE", c.JanitorMaxLockAge)

	c.JobEvents.Enabled = getbool("JOB_EVENTS_ENABLED", c.JobEvents.Enabled)
	c.JobEvents.Brokers = getenv("KAFKA_BROKERS", c.JobEvents.Brokers)
	c.JobEvents.Topic = getenv("KAFKA_JOB_TOPIC", c.JobEvents.Topic)

	c.Invalidation.Enabled = getbool("INVALIDATION_ENABLED", c.Invalidation.Enabled)
	c.Invalidation.Driver = getenv("INVALIDATION_DRIVER", c.Invalidation.Driver)
	c.Invalidation.Topic = getenv("KAFKA_TOPIC", c.Invalidation.Topic)
	c.Invalidation.Brokers = getenv("KAFKA_BROKERS", c.Invalidation.Brokers)
	c.Invalidation.GroupID = getenv("KAFKA_GROUP_ID", c.Invalidation.GroupID)

	c.MetricsEnabled = getbool("METRICS_ENABLED", c.MetricsEnabled)
	c.ShutdownGrace = getduration("SHUTDOWN_GRACE", c.ShutdownGrace)
}

func (c Config) Validate() error {
	var errs []error
	switch c.MetadataDriver {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("metadata_driver %q: want redis|memory", c.MetadataDriver))
	}
	switch c.LockDriver {
	case "artifact", "redis":
	default:
		errs = append(errs, fmt.Errorf("lock_driver %q: want artifact|redis", c.LockDriver))
	}
	if c.LockDriver == "redis" && c.MetadataDriver != "redis" {
		errs = append(errs, errors.New("lock_driver redis requires metadata_driver redis"))
	}
	if c.QueueWorkers < 1 {
		errs = append(errs, fmt.Errorf("queue_workers must be >= 1, got %d", c.QueueWorkers))
	}
	if c.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("queue_depth must be >= 0, got %d", c.QueueDepth))
	}
	if c.FailureWindow <= 0 {
		errs = append(errs, errors.New("failure_window must be positive"))
	}
	if c.ExportDirName == "" || c.GeohashDirName == "" || c.ExportDirName == c.GeohashDirName {
		errs = append(errs, errors.New("export_dir_name and geohash_dir_name must be set and distinct"))
	}
	for id, u := range c.UpstreamHosts {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			errs = append(errs, fmt.Errorf("upstream host %s: %q is not an http(s) url", id, u))
		}
	}
	return errors.Join(errs...)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}

// parse "arcgis=https://host/sharing/rest,other=http://..." into map
func parseStringMap(s string) map[string]string {
	out := map[string]string{}
	for p := range strings.SplitSeq(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		v := strings.TrimSpace(kv[1])
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}
