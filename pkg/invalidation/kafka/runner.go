package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
	"github.com/mohammed-shakir/geo-export-cache/internal/invalidation"
)

// Dropper removes a cached resource. force also removes its artifacts.
type Dropper interface {
	DropResource(ctx context.Context, id model.Identity, force bool) error
}

type Runner struct {
	log    *slog.Logger
	cfg    InvalidationConfig
	drop   Dropper
	ms     *metricSet
	ver    *versionTable
	parts  assignment
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
}

func New(cfg InvalidationConfig, d Dropper, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		log:  opts.Logger.With("component", "invalidation"),
		cfg:  cfg,
		drop: d,
		ms:   newMetricSet(opts.Register),
		ver:  newVersionTable(defaultVersionEntries),
	}
}

// Enabled reports whether Start will consume.
func (r *Runner) Enabled() bool { return r.cfg.Driver == DriverKafka && r.cfg.Enabled }

// Start joins the consumer group and consumes in the background until ctx
// ends or Stop is called. A disabled Runner returns nil at once.
func (r *Runner) Start(ctx context.Context) error {
	if !r.Enabled() {
		r.log.Info("invalidation runner disabled", "driver", r.cfg.Driver, "enabled", r.cfg.Enabled)
		return nil
	}
	if r.drop == nil {
		return errors.New("invalidation runner: no dropper")
	}
	cfg, err := r.cfg.consumerConfig()
	if err != nil {
		return err
	}
	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("consumer group: %w", err)
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(2)
	go r.consume(ctx, group)
	go r.logGroupErrors(group)

	r.log.Info("invalidation runner started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers)
	return nil
}

const (
	minConsumeBackoff = 500 * time.Millisecond
	maxConsumeBackoff = 30 * time.Second
)

// consume rejoins the group after every rebalance. Failed sessions back off
// exponentially up to maxConsumeBackoff.
func (r *Runner) consume(ctx context.Context, group sarama.ConsumerGroup) {
	defer r.wg.Done()
	defer func() {
		if err := group.Close(); err != nil {
			r.log.Error("consumer group close", "err", err)
		}
	}()

	h := claimHandler{r: r}
	backoff := minConsumeBackoff
	for ctx.Err() == nil {
		err := group.Consume(ctx, []string{r.cfg.Topic}, h)
		if err == nil {
			backoff = minConsumeBackoff
			continue
		}
		r.log.Error("consume session failed", "err", err, "retry_in", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = min(2*backoff, maxConsumeBackoff)
	}
}

func (r *Runner) logGroupErrors(group sarama.ConsumerGroup) {
	defer r.wg.Done()
	for err := range group.Errors() {
		r.log.Error("consumer group error", "err", err)
	}
}

func (r *Runner) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
	r.log.Info("invalidation runner stopped")
}

// Readiness reports whether the group currently holds partitions of the
// topic, and which.
func (r *Runner) Readiness() (ready bool, partitions []int32) {
	return r.parts.snapshot()
}

// assignment is the set of partitions claimed in the current session.
type assignment struct {
	mu    sync.RWMutex
	parts []int32
	held  bool
}

func (a *assignment) set(claims map[string][]int32) {
	var parts []int32
	for _, ps := range claims {
		parts = append(parts, ps...)
	}
	slices.Sort(parts)
	a.mu.Lock()
	a.parts, a.held = parts, true
	a.mu.Unlock()
}

func (a *assignment) clear() {
	a.mu.Lock()
	a.parts, a.held = nil, false
	a.mu.Unlock()
}

func (a *assignment) snapshot() (bool, []int32) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.held, slices.Clone(a.parts)
}

// handleMessage decodes one change event and drops every resource it names.
// Malformed events are counted and skipped so one bad record cannot stall
// the partition.
func (r *Runner) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()

	if !msg.Timestamp.IsZero() {
		r.ms.lag.WithLabelValues(strconv.Itoa(int(msg.Partition))).Set(time.Since(msg.Timestamp).Seconds())
	}

	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		r.ms.messages.WithLabelValues(resultMalformed).Inc()
		r.log.Warn("invalidation decode failed", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if ev.TS.IsZero() {
		ev.TS = msg.Timestamp
	}
	if err := ev.Validate(); err != nil {
		r.ms.messages.WithLabelValues(resultMalformed).Inc()
		r.log.Warn("invalidation event rejected", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}

	err := r.apply(ctx, ev)
	r.observe(ev.Op, err, time.Since(start))
	return err
}

func (r *Runner) observe(op string, err error, dur time.Duration) {
	if op == "" {
		op = "unknown"
	}
	res := resultOK
	if err != nil {
		res = resultError
	}
	r.ms.messages.WithLabelValues(res).Inc()
	r.ms.duration.WithLabelValues(op).Observe(dur.Seconds())
}

func (r *Runner) apply(ctx context.Context, ev invalidation.Event) error {
	force := ev.Forced()
	version := ev.Order()

	var errs []error
	for _, id := range ev.Identities() {
		key := id.String()
		if !r.ver.claim(key, version) {
			r.ms.actions.WithLabelValues(actionDuplicate).Inc()
			continue
		}
		if err := r.drop.DropResource(ctx, id, force); err != nil {
			r.ver.release(key, version)
			errs = append(errs, fmt.Errorf("drop %s: %w", key, err))
			continue
		}
		action := actionDrop
		if force {
			action = actionDropForce
		}
		r.ms.actions.WithLabelValues(action).Inc()
		r.log.Info("resource invalidated", "resource", key, "op", ev.Op, "force", force)
	}
	return errors.Join(errs...)
}

// claimHandler marks a message only after its event was applied, so a failed
// drop is redelivered after the next rebalance.
type claimHandler struct{ r *Runner }

func (h claimHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.r.parts.set(sess.Claims())
	return nil
}

func (h claimHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.r.parts.clear()
	return nil
}

func (h claimHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := h.r.handleMessage(sess.Context(), msg); err != nil {
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
