package kafka

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultVersionEntries = 8192

// versionTable remembers the newest change order applied per resource.
type versionTable struct {
	mu   sync.Mutex
	seen *lru.Cache[string, uint64]
}

func newVersionTable(size int) *versionTable {
	if size <= 0 {
		size = defaultVersionEntries
	}
	c, _ := lru.New[string, uint64](size)
	return &versionTable{seen: c}
}

// claim records order for resource and reports whether it is newer than
// anything claimed before. Equal orders are duplicates.
func (t *versionTable) claim(resource string, order uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.seen.Get(resource); ok && order <= last {
		return false
	}
	t.seen.Add(resource, order)
	return true
}

// release gives back a claim whose drop failed so a redelivery can retry it.
// A newer claim made in between is kept.
func (t *versionTable) release(resource string, order uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.seen.Peek(resource); ok && last == order {
		t.seen.Remove(resource)
	}
}
