package orchestrator

import (
	"sort"
	"sync"
	"time"

	"github.com/dyluth/flock/pkg/subscription"
)

// AgentStats counts one agent's invocation outcomes.
type AgentStats struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Failure records one failed invocation. Failures never abort a run.
type Failure struct {
	AgentID        string                  `json:"agent_id"`
	SubscriptionID string                  `json:"subscription_id"`
	Reason         subscription.FireReason `json:"reason"`
	Kind           string                  `json:"kind"`
	TriggerIDs     []string                `json:"trigger_ids"`
	Err            error                   `json:"-"`
	At             time.Time               `json:"at"`
}

// RunSummary reports what a run did.
type RunSummary struct {
	mu sync.Mutex

	Passes       int                    `json:"passes"`
	Invocations  int                    `json:"invocations"`
	Succeeded    int                    `json:"succeeded"`
	Failed       int                    `json:"failed"`
	Published    int                    `json:"published"`
	Rejected     int                    `json:"rejected"`
	JoinsExpired int                    `json:"joins_expired"`
	Deferred     int                    `json:"deferred"`
	ByAgent      map[string]*AgentStats `json:"by_agent"`
	Failures     []Failure              `json:"-"`
	Duration     time.Duration          `json:"duration"`
}

func newSummary() *RunSummary {
	return &RunSummary{ByAgent: make(map[string]*AgentStats)}
}

func (s *RunSummary) stats(agentID string) *AgentStats {
	st, ok := s.ByAgent[agentID]
	if !ok {
		st = &AgentStats{}
		s.ByAgent[agentID] = st
	}
	return st
}

func (s *RunSummary) recordSuccess(agentID string, published, rejected int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Invocations++
	s.Succeeded++
	s.Published += published
	s.Rejected += rejected
	s.stats(agentID).Succeeded++
}

func (s *RunSummary) recordFailure(f Failure, published, rejected int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Invocations++
	s.Failed++
	s.Published += published
	s.Rejected += rejected
	s.stats(f.AgentID).Failed++
	s.Failures = append(s.Failures, f)
}

// Agents returns the agents that ran, sorted by name.
func (s *RunSummary) Agents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.ByAgent))
	for name := range s.ByAgent {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
