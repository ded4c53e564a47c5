package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mileusna/crontab"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/geo-export-cache/internal/artifact"
	_ "github.com/mohammed-shakir/geo-export-cache/internal/artifact/localfs"
	_ "github.com/mohammed-shakir/geo-export-cache/internal/artifact/redisblob"
	"github.com/mohammed-shakir/geo-export-cache/internal/cache/featurestore"
	"github.com/mohammed-shakir/geo-export-cache/internal/cache/infostore"
	"github.com/mohammed-shakir/geo-export-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/geo-export-cache/internal/core/config"
	"github.com/mohammed-shakir/geo-export-cache/internal/core/health"
	"github.com/mohammed-shakir/geo-export-cache/internal/core/httpclient"
	"github.com/mohammed-shakir/geo-export-cache/internal/core/observability"
	"github.com/mohammed-shakir/geo-export-cache/internal/core/router"
	"github.com/mohammed-shakir/geo-export-cache/internal/core/server"
	"github.com/mohammed-shakir/geo-export-cache/internal/density"
	"github.com/mohammed-shakir/geo-export-cache/internal/dispatch"
	"github.com/mohammed-shakir/geo-export-cache/internal/expiration"
	"github.com/mohammed-shakir/geo-export-cache/internal/janitor"
	"github.com/mohammed-shakir/geo-export-cache/internal/jobevents"
	"github.com/mohammed-shakir/geo-export-cache/internal/lock"
	"github.com/mohammed-shakir/geo-export-cache/internal/logger"
	"github.com/mohammed-shakir/geo-export-cache/internal/metrics"
	"github.com/mohammed-shakir/geo-export-cache/internal/pipeline"
	"github.com/mohammed-shakir/geo-export-cache/internal/queue"
	"github.com/mohammed-shakir/geo-export-cache/internal/status"
	"github.com/mohammed-shakir/geo-export-cache/internal/upstream"
	"github.com/mohammed-shakir/geo-export-cache/pkg/invalidation/kafka"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("exportcache", pflag.ContinueOnError)
	cfgPath := flags.String("config", "", "path to a YAML config file (default $CONFIG_FILE)")
	addr := flags.String("addr", "", "listen address, overrides ADDR")
	level := flags.String("log-level", "", "debug|info|warn|error, overrides LOG_LEVEL")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 2
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *level != "" {
		cfg.LogLevel = *level
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Component: "exportcache",
		Version:   Version,
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, appLog); err != nil {
		appLog.Error("exportcache exited with error", "err", err)
		return 1
	}
	appLog.Info("exportcache stopped")
	return 0
}

func serve(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	prov := metrics.Init(metrics.Config{Enabled: cfg.MetricsEnabled, Build: metrics.BuildInfo{
		Version:   Version,
		Revision:  os.Getenv("BUILD_REVISION"),
		Branch:    os.Getenv("BUILD_BRANCH"),
		BuildDate: os.Getenv("BUILD_DATE"),
	}})
	observability.Init(prov.Registerer(), cfg.MetricsEnabled)

	log.Info("starting exportcache",
		"addr", cfg.Addr,
		"version", Version,
		"metadata", cfg.MetadataDriver,
		"artifacts", cfg.ArtifactDriver,
		"locks", cfg.LockDriver,
		"workers", cfg.QueueWorkers)

	var rcli *redisstore.Client
	if cfg.MetadataDriver == "redis" || cfg.ArtifactDriver == "redis" || cfg.LockDriver == "redis" {
		var opts []redisstore.Option
		// blobs need the client's default timeouts
		if cfg.ArtifactDriver != "redis" {
			opts = append(opts, redisstore.WithReadTimeout(cfg.CacheOpTimeout), redisstore.WithWriteTimeout(cfg.CacheOpTimeout))
		}
		c, err := redisstore.New(ctx, cfg.RedisAddr, opts...)
		if err != nil {
			return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		defer func() { _ = c.Close() }()
		rcli = c
	}

	var (
		info infostore.Store
		rows featurestore.Store
	)
	if cfg.MetadataDriver == "redis" {
		info, rows = infostore.NewRedisStore(rcli), featurestore.NewRedisStore(rcli)
	} else {
		log.Warn("metadata kept in memory; cache state is lost on restart")
		info, rows = infostore.NewMemory(), featurestore.NewMemory()
	}

	arts, err := artifact.Open(cfg.ArtifactDriver, artifact.Options{Root: cfg.ArtifactDir, Redis: rcli}, log)
	if err != nil {
		return err
	}

	var (
		markers      lock.MarkerStore
		sweepMarkers *lock.ArtifactMarkers
	)
	switch cfg.LockDriver {
	case "redis":
		markers = lock.NewRedisMarkers(rcli, cfg.LockTTL)
	default:
		sweepMarkers = lock.NewArtifactMarkers(arts, "")
		markers = sweepMarkers
	}
	locks := lock.NewManager(markers, log)
	q := queue.New(locks, queue.Config{Workers: cfg.QueueWorkers, Depth: cfg.QueueDepth}, log)

	up := upstream.New(httpclient.New(httpclient.Config{
		Timeout:         cfg.UpstreamTimeout,
		MaxConnsPerHost: cfg.UpstreamMaxConn,
	}), cfg.UpstreamHosts, log)
	defer func() { _ = up.Close() }()

	var events jobevents.Publisher = jobevents.Nop{}
	if cfg.JobEvents.Enabled {
		kp, err := jobevents.NewKafkaPublisher(splitList(cfg.JobEvents.Brokers), cfg.JobEvents.Topic, 0, log)
		if err != nil {
			return err
		}
		events = kp
	}
	defer func() { _ = events.Close() }()

	pipe := pipeline.New(pipeline.Config{
		Layout:            artifact.Layout{ExportDir: cfg.ExportDirName, GeohashDir: cfg.GeohashDirName},
		PromoteUnfiltered: cfg.PromoteUnfiltered,
		Density:           density.Options{Scheme: cfg.GeohashScheme, Precision: cfg.GeohashPrecision, Limit: cfg.GeohashLimit},
	}, pipeline.Deps{Info: info, Rows: rows, Upstream: up, Artifacts: arts, Queue: q, Events: events, Log: log})

	res := status.NewResolver(info, up, cfg.StalenessTypes, log)
	disp, err := dispatch.New(dispatch.Config{FailureWindow: cfg.FailureWindow}, res, pipe, arts, log)
	if err != nil {
		return err
	}
	exp := expiration.New(info, pipe, log)

	icfg := kafka.FromEnv()
	icfg.Enabled = cfg.Invalidation.Enabled
	icfg.Driver = kafka.Driver(cfg.Invalidation.Driver)
	icfg.Topic = cfg.Invalidation.Topic
	icfg.GroupID = cfg.Invalidation.GroupID
	icfg.Brokers = splitList(cfg.Invalidation.Brokers)
	inval := kafka.New(icfg, pipe, kafka.Options{Logger: log, Register: prov.Registerer()})

	ready := health.Checks{Deps: map[string]health.Pinger{}}
	if rcli != nil {
		ready.Deps["redis"] = rcli
	}
	if inval.Enabled() {
		ready.Consumer = inval
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := inval.Start(gctx); err != nil {
		return fmt.Errorf("invalidation: %w", err)
	}
	defer inval.Stop()

	if sweepMarkers != nil {
		ctab := crontab.New()
		defer ctab.Shutdown()
		j := janitor.New(janitor.Config{Schedule: cfg.JanitorSchedule, MaxAge: cfg.JanitorMaxLockAge}, sweepMarkers, log)
		if err := j.Start(gctx, ctab); err != nil {
			return err
		}
	}

	handlers := router.Handlers{
		Exports:    disp,
		Info:       info,
		Expiration: exp,
		Drop:       pipe,
		Queue:      q,
		KnownHost:  up.HasHost,
		Log:        log,
	}
	g.Go(func() error {
		return server.Run(gctx, server.Options{
			Addr:          cfg.Addr,
			Metrics:       prov.Handler(),
			Ready:         ready,
			ShutdownGrace: cfg.ShutdownGrace,
		}, handlers, log)
	})
	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := q.Close(drainCtx); err != nil {
			log.Warn("build queue did not drain", "err", err, "pending", q.Len(), "working", q.Working())
		}
		return nil
	})
	return g.Wait()
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
