package subscription

import (
	"fmt"
	"sync"
)

// Registry holds the subscriptions of a run. Subscriptions are registered at
// setup time and never removed while the run is active.
type Registry struct {
	mu      sync.RWMutex
	ordered []*Subscription
	byID    map[string]*Subscription
	byType  map[string][]*Subscription
	counts  map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*Subscription),
		byType: make(map[string][]*Subscription),
		counts: make(map[string]int),
	}
}

// Register validates s, assigns its ID and indexes it by consumed type.
// The registry keeps its own copy; later changes to s have no effect.
func (r *Registry) Register(s *Subscription) (*Subscription, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil subscription", ErrInvalidSubscription)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *s
	if stored.Mode == "" {
		stored.Mode = ModeEvents
	}
	r.counts[stored.AgentID]++
	stored.ID = fmt.Sprintf("%s#%d", stored.AgentID, r.counts[stored.AgentID])

	r.ordered = append(r.ordered, &stored)
	r.byID[stored.ID] = &stored
	seen := make(map[string]bool, len(stored.ConsumedTypes))
	for _, t := range stored.ConsumedTypes {
		if seen[t] {
			continue
		}
		seen[t] = true
		r.byType[t] = append(r.byType[t], &stored)
	}
	return &stored, nil
}

// ListForType returns the subscriptions consuming t in registration order.
func (r *Registry) ListForType(t string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Subscription(nil), r.byType[t]...)
}

// Get returns the subscription with the given ID.
func (r *Registry) Get(id string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// ForAgent returns the subscriptions owned by agentID.
func (r *Registry) ForAgent(agentID string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Subscription
	for _, s := range r.ordered {
		if s.AgentID == agentID {
			out = append(out, s)
		}
	}
	return out
}

// All returns every subscription in registration order.
func (r *Registry) All() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Subscription(nil), r.ordered...)
}

// Len returns the number of registered subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ordered)
}
