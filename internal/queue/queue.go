// Package queue runs build tasks in FIFO order on a fixed set of workers.
//
// Every submitted task runs, locked or not. Only the submission that took
// the task lock runs with store=true; duplicates run with store=false so
// their callers still receive data without a second write.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohammed-shakir/geo-export-cache/internal/cache/keys"
	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
	"github.com/mohammed-shakir/geo-export-cache/internal/core/observability"
	"github.com/mohammed-shakir/geo-export-cache/internal/lock"
)

var (
	ErrClosed = errors.New("build queue closed")
	ErrFull   = errors.New("build queue full")
)

// Outcome is what a job hands back to whoever submitted it.
type Outcome struct {
	Err  error
	Info *model.InfoDocument
	Data any
}

// Job executes one build. store reports whether this run owns the task lock
// and may persist its result.
type Job func(ctx context.Context, store bool) Outcome

type Config struct {
	Workers int
	Depth   int
}

type item struct {
	desc     model.TaskDescriptor
	hash     model.TaskHash
	job      Job
	ctx      context.Context
	acquired bool
	out      chan Outcome
}

type Queue struct {
	locks *lock.Manager
	log   *slog.Logger

	mu     sync.RWMutex
	closed bool
	jobs   chan item

	working atomic.Int32
	wg      sync.WaitGroup
}

func New(locks *lock.Manager, cfg Config, log *slog.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	q := &Queue{
		locks: locks,
		log:   log.With("component", "queue"),
		jobs:  make(chan item, cfg.Depth),
	}
	q.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go q.worker()
	}
	return q
}

// Submit enqueues job for desc and returns a channel receiving exactly one
// Outcome. It never waits for the build itself. The job runs on a context
// detached from ctx's cancellation.
func (q *Queue) Submit(ctx context.Context, desc model.TaskDescriptor, job Job) <-chan Outcome {
	return q.SubmitAdmit(ctx, desc, nil, job)
}

// SubmitAdmit is Submit with admit called once the lock decision is made,
// before any worker can pick the task up. owned reports whether this
// submission holds the task lock. admit is not called when the queue is
// closed.
func (q *Queue) SubmitAdmit(ctx context.Context, desc model.TaskDescriptor, admit func(owned bool), job Job) <-chan Outcome {
	out := make(chan Outcome, 1)
	it := item{
		desc: desc,
		hash: keys.TaskHash(desc),
		job:  job,
		ctx:  context.WithoutCancel(ctx),
		out:  out,
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		out <- Outcome{Err: ErrClosed}
		close(out)
		return out
	}

	it.acquired = q.locks.TryAcquire(ctx, desc)
	if admit != nil {
		admit(it.acquired)
	}
	select {
	case q.jobs <- it:
		observability.SetQueueDepth(len(q.jobs))
		q.log.Debug("task queued", "task_hash", it.hash, "kind", desc.Kind, "store", it.acquired)
	default:
		if it.acquired {
			q.locks.Release(it.ctx, desc)
		}
		q.log.Warn("build queue full, task rejected", "task_hash", it.hash, "kind", desc.Kind)
		out <- Outcome{Err: ErrFull}
		close(out)
	}
	return out
}

// Admitted returns ErrFull or ErrClosed when the queue refused the
// submission behind ch. Otherwise it returns a channel that still delivers
// the task's outcome.
func Admitted(ch <-chan Outcome) (<-chan Outcome, error) {
	select {
	case o, ok := <-ch:
		if ok && (errors.Is(o.Err, ErrFull) || errors.Is(o.Err, ErrClosed)) {
			return nil, o.Err
		}
		again := make(chan Outcome, 1)
		if ok {
			again <- o
		}
		close(again)
		return again, nil
	default:
		return ch, nil
	}
}

// Len is the number of tasks waiting for a worker.
func (q *Queue) Len() int { return len(q.jobs) }

// Working is the number of tasks currently executing.
func (q *Queue) Working() int { return int(q.working.Load()) }

// Close stops accepting tasks and waits for queued ones to finish or ctx
// to end.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("build queue drain: %w", ctx.Err())
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for it := range q.jobs {
		observability.SetQueueDepth(len(q.jobs))
		q.run(it)
	}
}

func (q *Queue) run(it item) {
	q.working.Add(1)
	start := time.Now()
	res := q.exec(it)
	q.working.Add(-1)

	if it.acquired {
		q.locks.Release(it.ctx, it.desc)
	}
	observability.ObserveBuild(string(it.desc.Kind), res.Err, time.Since(start).Seconds())
	if res.Err != nil {
		q.log.Warn("task failed", "task_hash", it.hash, "kind", it.desc.Kind, "resource", it.desc.Identity.String(), "err", res.Err)
	} else {
		q.log.Debug("task done", "task_hash", it.hash, "kind", it.desc.Kind, "dur", time.Since(start).String())
	}

	it.out <- res
	close(it.out)
}

func (q *Queue) exec(it item) (res Outcome) {
	defer func() {
		if r := recover(); r != nil {
			res = Outcome{Err: model.NewBuildError(it.desc.Kind, fmt.Errorf("panic: %v", r), time.Now())}
		}
	}()
	return it.job(it.ctx, it.acquired)
}
