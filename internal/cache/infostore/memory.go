package infostore

import (
	"context"
	"maps"
	"sync"

	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
)

// Memory is an in-process Store. Returned documents are copies.
type Memory struct {
	mu   sync.Mutex
	docs map[string]*model.InfoDocument
	gen  map[string]map[model.Fingerprint]model.Generating
}

func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string]*model.InfoDocument),
		gen:  make(map[string]map[model.Fingerprint]model.Generating),
	}
}

func (m *Memory) GetInfo(_ context.Context, table string) (*model.InfoDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[table]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *d
	if d.ExpiresAt != nil {
		cp.ExpiresAt = model.Ptr(*d.ExpiresAt)
	}
	if d.Error != nil {
		cp.Error = model.Ptr(*d.Error)
	}
	if g := m.gen[table]; len(g) > 0 {
		cp.Generating = maps.Clone(g)
	}
	return &cp, nil
}

func (m *Memory) UpdateInfo(_ context.Context, table string, p model.InfoPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[table]
	if !ok {
		d = &model.InfoDocument{}
		m.docs[table] = d
	}
	if p.Status != nil {
		d.Status = *p.Status
	}
	if p.Type != nil {
		d.Type = *p.Type
	}
	if p.Name != nil {
		d.Name = *p.Name
	}
	if p.RetrievedAt != nil {
		d.RetrievedAt = p.RetrievedAt.UTC()
	}
	if p.ExpiresAt != nil {
		d.ExpiresAt = model.Ptr(p.ExpiresAt.UTC())
	}
	if p.Modified != nil {
		d.Modified = p.Modified.UTC()
	}
	if p.GeohashStatus != nil {
		d.GeohashStatus = *p.GeohashStatus
	}
	switch {
	case p.Error != nil:
		d.Error = model.Ptr(*p.Error)
	case p.ClearError:
		d.Error = nil
	}
	return nil
}

func (m *Memory) SetGenerating(_ context.Context, table string, fp model.Fingerprint, g model.Generating) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.gen[table]
	if !ok {
		sub = make(map[model.Fingerprint]model.Generating)
		m.gen[table] = sub
	}
	sub[fp] = g
	return nil
}

func (m *Memory) Drop(_ context.Context, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, table)
	delete(m.gen, table)
	return nil
}
