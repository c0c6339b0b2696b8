package store

import (
	"context"
	"sort"
	"sync"

	"detection-engine/internal/rule"
)

// MemoryInstanceStore keeps rule instances in process. It is seeded from rule
// YAML files.
type MemoryInstanceStore struct {
	mu        sync.RWMutex
	instances map[string]*rule.Instance
}

// NewMemoryInstanceStore creates a store holding copies of instances.
func NewMemoryInstanceStore(instances ...*rule.Instance) *MemoryInstanceStore {
	s := &MemoryInstanceStore{instances: make(map[string]*rule.Instance)}
	for _, inst := range instances {
		s.Put(inst)
	}
	return s
}

// Put inserts or replaces an instance.
func (s *MemoryInstanceStore) Put(inst *rule.Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID] = copyInstance(inst)
}

// Get returns a copy of the instance with id.
func (s *MemoryInstanceStore) Get(_ context.Context, id string) (*rule.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, WrapNotFoundError("Get", "rule_instances", id)
	}
	return copyInstance(inst), nil
}

// List returns copies of every instance ordered by id.
func (s *MemoryInstanceStore) List(_ context.Context) ([]*rule.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*rule.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, copyInstance(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveRun records the outcome of a run. A nil State leaves the stored state
// unchanged.
func (s *MemoryInstanceStore) SaveRun(_ context.Context, id string, rec rule.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return WrapNotFoundError("SaveRun", "rule_instances", id)
	}
	ranAt := rec.RanAt
	inst.LastRunAt = &ranAt
	inst.Health = rec.Health
	if rec.State != nil {
		inst.State = rec.State.Clone()
	}
	return nil
}

func copyInstance(inst *rule.Instance) *rule.Instance {
	out := *inst
	out.State = inst.State.Clone()
	out.Tags = append([]string(nil), inst.Tags...)
	out.Actions = append([]rule.Action(nil), inst.Actions...)
	if inst.LastRunAt != nil {
		t := *inst.LastRunAt
		out.LastRunAt = &t
	}
	return &out
}
