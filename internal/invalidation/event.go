// Package invalidation defines the upstream change events that evict cached
// resources.
package invalidation

import (
	"fmt"
	"strings"
	"time"

	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
)

// Event announces that an upstream item changed.
type Event struct {
	Version int    `json:"version"`
	Op      string `json:"op"`
	Host    string `json:"host"`
	Item    string `json:"item"`
	// Layers lists the affected layers; empty means layer 0.
	Layers []int `json:"layers,omitempty"`
	// Modified is the upstream modification time; it orders events per item.
	Modified time.Time `json:"modified,omitempty"`
	TS       time.Time `json:"ts"`
	// Force also removes exports and aggregates. Deletes always force.
	Force bool `json:"force,omitempty"`
}

const (
	OpUpdate = "update"
	OpDelete = "delete"
)

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	switch e.Op {
	case OpUpdate, OpDelete:
	default:
		return fmt.Errorf("op must be update|delete")
	}
	if strings.TrimSpace(e.Host) == "" {
		return fmt.Errorf("host is required")
	}
	if strings.TrimSpace(e.Item) == "" {
		return fmt.Errorf("item is required")
	}
	for _, l := range e.Layers {
		if l < 0 {
			return fmt.Errorf("layer %d out of range", l)
		}
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	return nil
}

// Identities returns the resources the event touches.
func (e Event) Identities() []model.Identity {
	layers := e.Layers
	if len(layers) == 0 {
		layers = []int{0}
	}
	out := make([]model.Identity, 0, len(layers))
	seen := make(map[int]struct{}, len(layers))
	for _, l := range layers {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, model.Identity{Host: strings.TrimSpace(e.Host), Item: strings.TrimSpace(e.Item), Layer: l})
	}
	return out
}

// Forced reports whether artifacts go together with the metadata.
func (e Event) Forced() bool { return e.Force || e.Op == OpDelete }

// Order is the dedupe version of the event: the upstream modification time
// when known, else the event time.
func (e Event) Order() uint64 {
	t := e.Modified
	if t.IsZero() {
		t = e.TS
	}
	return uint64(t.UnixMilli())
}
