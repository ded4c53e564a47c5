package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
	"github.com/mohammed-shakir/geo-export-cache/internal/invalidation"
)

type drop struct {
	id    model.Identity
	force bool
}

type fakeDropper struct {
	mu    sync.Mutex
	drops []drop
	err   error
}

func (f *fakeDropper) DropResource(_ context.Context, id model.Identity, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.drops = append(f.drops, drop{id, force})
	return nil
}

func (f *fakeDropper) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.drops)
}

func newRunner(t *testing.T, d Dropper) (*Runner, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	cfg := InvalidationConfig{Enabled: true, Driver: DriverKafka}
	return New(cfg, d, Options{Register: reg}), reg
}

func message(t *testing.T, ev invalidation.Event) *sarama.ConsumerMessage {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: "item-changes", Partition: 0, Offset: 1, Timestamp: time.Now().UTC(), Value: b}
}

func TestUpdateEvent_DropsEachLayerOnce(t *testing.T) {
	fd := &fakeDropper{}
	r, _ := newRunner(t, fd)
	ctx := context.Background()

	ev := invalidation.Event{
		Version:  1,
		Op:       invalidation.OpUpdate,
		Host:     "arcgis",
		Item:     "abc",
		Layers:   []int{0, 1},
		Modified: time.Now().Add(-time.Minute).UTC(),
		TS:       time.Now().UTC(),
	}
	msg := message(t, ev)
	if err := r.handleMessage(ctx, msg); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if got := fd.Count(); got != 2 {
		t.Fatalf("drops=%d want 2", got)
	}
	for _, d := range fd.drops {
		if d.force {
			t.Fatalf("update dropped artifacts: %+v", d)
		}
	}

	// redelivery of the same version is skipped
	if err := r.handleMessage(ctx, msg); err != nil {
		t.Fatalf("second handleMessage: %v", err)
	}
	if got := fd.Count(); got != 2 {
		t.Fatalf("drops after duplicate=%d want still 2", got)
	}
	if got := testutil.ToFloat64(r.ms.actions.WithLabelValues(actionDuplicate)); got != 2 {
		t.Fatalf("duplicates=%v want 2", got)
	}

	// a newer modification applies again
	ev.Modified = ev.Modified.Add(time.Second)
	if err := r.handleMessage(ctx, message(t, ev)); err != nil {
		t.Fatalf("newer handleMessage: %v", err)
	}
	if got := fd.Count(); got != 4 {
		t.Fatalf("drops after newer version=%d want 4", got)
	}
}

func TestDeleteEvent_Forces(t *testing.T) {
	fd := &fakeDropper{}
	r, _ := newRunner(t, fd)

	ev := invalidation.Event{Version: 1, Op: invalidation.OpDelete, Host: "arcgis", Item: "abc", TS: time.Now().UTC()}
	if err := r.handleMessage(context.Background(), message(t, ev)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if len(fd.drops) != 1 || !fd.drops[0].force || fd.drops[0].id.Table() != "abc_0" {
		t.Fatalf("drops=%+v", fd.drops)
	}
}

func TestMalformedEvent_SkippedAndCounted(t *testing.T) {
	fd := &fakeDropper{}
	r, _ := newRunner(t, fd)

	bad := &sarama.ConsumerMessage{Value: []byte(`{not json`), Timestamp: time.Now()}
	if err := r.handleMessage(context.Background(), bad); err != nil {
		t.Fatalf("malformed event should not stall the partition: %v", err)
	}
	invalid := message(t, invalidation.Event{Version: 1, Op: "truncate", Host: "arcgis", Item: "abc", TS: time.Now()})
	if err := r.handleMessage(context.Background(), invalid); err != nil {
		t.Fatalf("invalid event should not stall the partition: %v", err)
	}
	if fd.Count() != 0 {
		t.Fatalf("rejected events dropped resources")
	}
	if got := testutil.ToFloat64(r.ms.messages.WithLabelValues(resultMalformed)); got != 2 {
		t.Fatalf("error count=%v want 2", got)
	}
}

func TestMissingTimestamp_UsesMessageTime(t *testing.T) {
	fd := &fakeDropper{}
	r, _ := newRunner(t, fd)

	msg := &sarama.ConsumerMessage{
		Value:     []byte(`{"version":1,"op":"update","host":"arcgis","item":"abc"}`),
		Timestamp: time.Now().UTC(),
	}
	if err := r.handleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if fd.Count() != 1 {
		t.Fatalf("drops=%d want 1", fd.Count())
	}
}

func TestDropFailure_IsRetriedOnRedelivery(t *testing.T) {
	fd := &fakeDropper{err: errors.New("redis down")}
	r, _ := newRunner(t, fd)
	ev := invalidation.Event{Version: 1, Op: invalidation.OpUpdate, Host: "arcgis", Item: "abc", TS: time.Now().UTC()}
	msg := message(t, ev)

	if err := r.handleMessage(context.Background(), msg); err == nil {
		t.Fatalf("expected drop error")
	}
	fd.mu.Lock()
	fd.err = nil
	fd.mu.Unlock()
	if err := r.handleMessage(context.Background(), msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if fd.Count() != 1 {
		t.Fatalf("drops=%d want 1 after retry", fd.Count())
	}
}

func TestStart_DisabledIsNoop(t *testing.T) {
	r := New(InvalidationConfig{Driver: DriverNone}, &fakeDropper{}, Options{})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ok, _ := r.Readiness(); ok {
		t.Fatalf("disabled runner reports ready")
	}
	r.Stop()
}

func TestConsumerConfig_SASL(t *testing.T) {
	c := InvalidationConfig{SASL: SASLConfig{Enable: true, Mechanism: "OAUTHBEARER"}}
	if _, err := c.consumerConfig(); err == nil {
		t.Fatalf("expected unsupported mechanism error")
	}
	c.SASL.Mechanism = "plain"
	cfg, err := c.consumerConfig()
	if err != nil || !cfg.Net.SASL.Enable || cfg.Net.SASL.Mechanism != sarama.SASLTypePlaintext {
		t.Fatalf("plain sasl not applied: %v", err)
	}
}

func TestConsumerConfig_Offsets(t *testing.T) {
	cfg, err := InvalidationConfig{InitialOldest: true}.consumerConfig()
	if err != nil || cfg.Consumer.Offsets.Initial != sarama.OffsetOldest {
		t.Fatalf("initial offset=%d err=%v", cfg.Consumer.Offsets.Initial, err)
	}
	if !cfg.Consumer.Return.Errors {
		t.Fatalf("group errors not returned")
	}
}

func TestAssignment(t *testing.T) {
	var a assignment
	if ok, _ := a.snapshot(); ok {
		t.Fatalf("empty assignment reports ready")
	}
	a.set(map[string][]int32{"item-changes": {3, 1}, "other": {2}})
	ok, parts := a.snapshot()
	if !ok || len(parts) != 3 || parts[0] != 1 || parts[2] != 3 {
		t.Fatalf("ok=%v parts=%v", ok, parts)
	}
	a.clear()
	if ok, _ := a.snapshot(); ok {
		t.Fatalf("cleared assignment reports ready")
	}
}
