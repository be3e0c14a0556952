package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/dyluth/flock/pkg/blackboard"
	"github.com/dyluth/flock/pkg/subscription"
)

// Request is everything an executor receives for one invocation.
type Request struct {
	AgentID      string
	Identity     blackboard.Identity
	Subscription *subscription.Subscription

	// Trigger holds the artifact(s) that caused the invocation. Timer fires
	// have an empty trigger.
	Trigger []*blackboard.Artifact

	// Context holds visible, non-triggering artifacts chosen by the ContextProvider.
	Context []*blackboard.Artifact

	Reason      subscription.FireReason
	Iteration   int
	ScheduledAt time.Time
}

// Executor runs an agent. It returns drafts of declared output types and must
// honor the subscription's fan-out bounds. A returned error fails the whole
// invocation; nothing it produced is published.
type Executor interface {
	Execute(ctx context.Context, req *Request) ([]blackboard.Draft, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req *Request) ([]blackboard.Draft, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req *Request) ([]blackboard.Draft, error) {
	return f(ctx, req)
}

// ContextProvider picks the non-triggering artifacts shown to an executor.
// It is called once per invocation and must return within the engine's
// context timeout.
type ContextProvider interface {
	Provide(ctx context.Context, board *blackboard.Blackboard, req *Request) ([]*blackboard.Artifact, error)
}

// ContextProviderFunc adapts a function to the ContextProvider interface.
type ContextProviderFunc func(ctx context.Context, board *blackboard.Blackboard, req *Request) ([]*blackboard.Artifact, error)

// Provide calls f.
func (f ContextProviderFunc) Provide(ctx context.Context, board *blackboard.Blackboard, req *Request) ([]*blackboard.Artifact, error) {
	return f(ctx, board, req)
}

// DefaultContextLimit caps the history returned by HistoryContext.
const DefaultContextLimit = 50

// HistoryContext returns the most recent artifacts of the subscription's
// consumed types that the agent may see, excluding the triggers.
func HistoryContext(limit int) ContextProvider {
	if limit <= 0 {
		limit = DefaultContextLimit
	}
	return ContextProviderFunc(func(ctx context.Context, board *blackboard.Blackboard, req *Request) ([]*blackboard.Artifact, error) {
		types := req.Subscription.ConsumedTypes
		if len(types) == 0 {
			return nil, nil
		}

		reader := req.Identity
		all, err := board.QueryAll(ctx, blackboard.Query{Types: types, Reader: &reader})
		if err != nil {
			return nil, fmt.Errorf("failed to query context: %w", err)
		}

		triggers := make(map[string]bool, len(req.Trigger))
		for _, a := range req.Trigger {
			triggers[a.ID] = true
		}

		out := make([]*blackboard.Artifact, 0, min(limit, len(all)))
		for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
			if !triggers[all[i].ID] {
				out = append(out, all[i])
			}
		}
		slices.Reverse(out)
		return out, nil
	})
}

// Agent is a named participant with an executor.
type Agent struct {
	Name string

	// Identity is used for visibility checks. Name is filled from Agent.Name
	// when empty.
	Identity blackboard.Identity

	Executor Executor

	// MaxConcurrency bounds this agent's parallel invocations. Zero means only
	// the engine-wide limit applies.
	MaxConcurrency int
}
