// Package janitor clears task-lock markers left behind by crashed processes.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mileusna/crontab"
)

const (
	DefaultSchedule = "*/5 * * * *"
	DefaultMaxAge   = 2 * time.Hour
)

type Sweeper interface {
	Sweep(ctx context.Context, maxAge time.Duration) (int, error)
}

type Config struct {
	Schedule string
	MaxAge   time.Duration
}

type Janitor struct {
	cfg   Config
	sweep Sweeper
	log   *slog.Logger
}

func New(cfg Config, s Sweeper, log *slog.Logger) *Janitor {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if log == nil {
		log = slog.Default()
	}
	return &Janitor{cfg: cfg, sweep: s, log: log.With("component", "janitor")}
}

// Start sweeps once and then on every tick of the schedule.
func (j *Janitor) Start(ctx context.Context, ctab *crontab.Crontab) error {
	j.Run(ctx)
	if err := ctab.AddJob(j.cfg.Schedule, func() { j.Run(ctx) }); err != nil {
		return fmt.Errorf("janitor schedule %q: %w", j.cfg.Schedule, err)
	}
	j.log.Info("janitor scheduled", "schedule", j.cfg.Schedule, "max_age", j.cfg.MaxAge)
	return nil
}

// Run performs one sweep.
func (j *Janitor) Run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := j.sweep.Sweep(ctx, j.cfg.MaxAge)
	if err != nil {
		j.log.Warn("lock sweep failed", "removed", n, "err", err)
		return
	}
	if n > 0 {
		j.log.Info("stale locks removed", "removed", n)
	}
}
