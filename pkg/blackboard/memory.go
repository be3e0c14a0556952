package blackboard

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// MemoryBackend is a process-local Backend.
// Stored artifacts are cloned on the way in and out.
type MemoryBackend struct {
	mu   sync.RWMutex
	byID map[string]*Artifact
	log  []*Artifact
	seq  int64
}

// NewMemoryBackend creates an empty in-memory store.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{byID: make(map[string]*Artifact)}
}

// Append stores a copy of a and assigns the next sequence number.
func (m *MemoryBackend) Append(_ context.Context, a *Artifact) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[a.ID]; exists {
		return 0, errDuplicateID(a.ID)
	}
	m.seq++
	stored := a.Clone()
	stored.Seq = m.seq
	if stored.ConsumedBy == nil {
		stored.ConsumedBy = []string{}
	}
	m.byID[stored.ID] = stored
	m.log = append(m.log, stored)
	return m.seq, nil
}

// Get returns a copy of the artifact.
func (m *MemoryBackend) Get(_ context.Context, id string) (*Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

// Scan returns copies of artifacts after afterSeq.
func (m *MemoryBackend) Scan(_ context.Context, afterSeq int64, types []string, limit int) ([]*Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start := sort.Search(len(m.log), func(i int) bool { return m.log[i].Seq > afterSeq })
	out := make([]*Artifact, 0, min(limit, len(m.log)-start))
	for _, a := range m.log[start:] {
		if len(types) > 0 && !slices.Contains(types, a.Type) {
			continue
		}
		out = append(out, a.Clone())
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkConsumed adds agentID to the artifact's consumed-by set.
func (m *MemoryBackend) MarkConsumed(_ context.Context, id, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	if !slices.Contains(a.ConsumedBy, agentID) {
		a.ConsumedBy = append(a.ConsumedBy, agentID)
	}
	return nil
}

// Ping always succeeds.
func (m *MemoryBackend) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryBackend) Close() error { return nil }

// Len returns the number of stored artifacts.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.log)
}
