// Package memstore provides an in-memory implementation of workflow.Store.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/linnemanlabs/warden/internal/workflow"
)

// Store holds workflow instances in memory. Suitable for dev/testing.
type Store struct {
	mu        sync.RWMutex
	instances map[string]*workflow.Instance // workflow ID -> instance
	byAlert   map[string]string             // alert ID -> workflow ID
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		instances: make(map[string]*workflow.Instance),
		byAlert:   make(map[string]string),
	}
}

// Get retrieves a workflow instance by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*workflow.Instance, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, false, nil
	}
	return copyInstance(inst), true, nil
}

// GetByAlert retrieves the workflow started for a given alert ID. Returns a copy.
func (s *Store) GetByAlert(_ context.Context, alertID string) (*workflow.Instance, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byAlert[alertID]
	if !ok {
		return nil, false, nil
	}
	return copyInstance(s.instances[id]), true, nil
}

// List returns up to limit instances, most recently created first.
func (s *Store) List(_ context.Context, limit int) ([]*workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*workflow.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, copyInstance(inst))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Put stores a copy of the workflow instance.
func (s *Store) Put(_ context.Context, inst *workflow.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID] = copyInstance(inst)
	if inst.Alert != nil {
		s.byAlert[inst.Alert.ID] = inst.ID
	}
	return nil
}

func copyInstance(inst *workflow.Instance) *workflow.Instance {
	cp := *inst
	if inst.Trace != nil {
		cp.Trace = make([]workflow.StageTrace, len(inst.Trace))
		copy(cp.Trace, inst.Trace)
	}
	if inst.Verdict != nil {
		v := *inst.Verdict
		cp.Verdict = &v
	}
	if inst.Error != nil {
		e := *inst.Error
		cp.Error = &e
	}
	return &cp
}
