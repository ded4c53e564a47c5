// Package lock keeps build tasks from running twice at once, within one
// process and across processes sharing a marker store.
package lock

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mohammed-shakir/geo-export-cache/internal/cache/keys"
	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
	"github.com/mohammed-shakir/geo-export-cache/internal/core/observability"
)

// MarkerStore persists lock markers visible to other processes.
type MarkerStore interface {
	Exists(ctx context.Context, h model.TaskHash) (bool, error)
	Put(ctx context.Context, h model.TaskHash) error
	Remove(ctx context.Context, h model.TaskHash) error
}

type Manager struct {
	mu      sync.Mutex
	local   map[model.TaskHash]struct{}
	markers MarkerStore
	log     *slog.Logger
}

func NewManager(markers MarkerStore, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		local:   make(map[model.TaskHash]struct{}),
		markers: markers,
		log:     log.With("component", "lock"),
	}
}

// IsLocked is true when this process holds the task or a marker exists.
// A failing marker lookup reads as unlocked.
func (m *Manager) IsLocked(ctx context.Context, t model.TaskDescriptor) bool {
	h := keys.TaskHash(t)
	m.mu.Lock()
	_, held := m.local[h]
	m.mu.Unlock()
	if held {
		return true
	}
	ok, err := m.markers.Exists(ctx, h)
	observability.ObserveLockOp("check", err)
	if err != nil {
		m.log.Warn("lock marker lookup failed", "task_hash", h, "kind", t.Kind, "err", err)
		return false
	}
	return ok
}

// Acquire sets the in-process flag, then persists the marker. A persist
// failure is logged and the in-process flag still holds.
func (m *Manager) Acquire(ctx context.Context, t model.TaskDescriptor) {
	h := keys.TaskHash(t)
	m.mu.Lock()
	m.local[h] = struct{}{}
	m.mu.Unlock()
	m.persist(ctx, h, t.Kind)
}

// TryAcquire acquires t unless it is already locked here or elsewhere.
func (m *Manager) TryAcquire(ctx context.Context, t model.TaskDescriptor) bool {
	h := keys.TaskHash(t)
	m.mu.Lock()
	if _, held := m.local[h]; held {
		m.mu.Unlock()
		return false
	}
	m.local[h] = struct{}{}
	m.mu.Unlock()

	ok, err := m.markers.Exists(ctx, h)
	observability.ObserveLockOp("check", err)
	if err != nil {
		m.log.Warn("lock marker lookup failed", "task_hash", h, "kind", t.Kind, "err", err)
	}
	if ok {
		m.mu.Lock()
		delete(m.local, h)
		m.mu.Unlock()
		return false
	}
	m.persist(ctx, h, t.Kind)
	return true
}

// Release clears the flag and the marker whether or not they were set.
func (m *Manager) Release(ctx context.Context, t model.TaskDescriptor) {
	h := keys.TaskHash(t)
	m.mu.Lock()
	delete(m.local, h)
	m.mu.Unlock()

	err := m.markers.Remove(ctx, h)
	observability.ObserveLockOp("release", err)
	if err != nil {
		m.log.Warn("lock marker removal failed", "task_hash", h, "kind", t.Kind, "err", err)
	}
}

// Held reports the number of tasks locked by this process.
func (m *Manager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.local)
}

func (m *Manager) persist(ctx context.Context, h model.TaskHash, kind model.TaskKind) {
	err := m.markers.Put(ctx, h)
	observability.ObserveLockOp("persist", err)
	if err != nil {
		m.log.Error("lock marker persist failed", "task_hash", h, "kind", kind, "err", err)
	}
}
