package orchestrator

import (
	"context"
	"fmt"
	"slices"

	"github.com/dyluth/flock/pkg/blackboard"
	"github.com/dyluth/flock/pkg/subscription"
	"github.com/google/uuid"
)

// InvocationResult is the outcome of one executor call.
type InvocationResult struct {
	// Outputs are the drafts that survived fan-out shaping.
	Outputs []blackboard.Draft

	// Published holds the stored artifacts when outputs were published.
	Published []*blackboard.Artifact

	// Rejected counts candidates dropped by validate or invalid visibility.
	Rejected int

	// Err is the invocation failure, if any.
	Err error
}

// Invoke executes one agent on one artifact, bypassing the matcher. The
// artifact is not marked consumed and no cycle runs. With publishOutputs the
// outputs are stored and queued for the next RunUntilIdle; otherwise they are
// only returned, and nothing else can execute as a result.
//
// A failed invocation returns its partial result together with the failure.
func (e *Engine) Invoke(ctx context.Context, agentID string, a *blackboard.Artifact, publishOutputs bool) (*InvocationResult, error) {
	entry, ok := e.agent(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	inv := &subscription.Invocation{
		Subscription: e.subscriptionFor(agentID, a),
		Reason:       subscription.ReasonDirect,
	}
	if a != nil {
		inv.Trigger = []*blackboard.Artifact{a}
	}

	res, err := e.perform(ctx, entry, inv, publishOutputs)
	if err != nil {
		return res, err
	}
	for _, p := range res.Published {
		e.enqueue(p)
	}
	if res.Err != nil {
		if err := e.fail(ctx, inv, res, nil, publishOutputs); err != nil {
			return res, err
		}
		return res, res.Err
	}
	return res, nil
}

// InvokeDraft is Invoke for an artifact that was never stored. The draft is
// schema-checked and wrapped in a transient artifact.
func (e *Engine) InvokeDraft(ctx context.Context, agentID string, d blackboard.Draft, publishOutputs bool) (*InvocationResult, error) {
	payload := d.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if err := e.board.Schemas().Validate(d.Type, payload); err != nil {
		return nil, err
	}

	visibility := blackboard.Public()
	if d.Visibility != nil {
		visibility = *d.Visibility
	}
	a := &blackboard.Artifact{
		ID:             uuid.New().String(),
		Type:           d.Type,
		Payload:        slices.Clone(payload),
		Producer:       blackboard.ExternalProducer,
		Visibility:     visibility,
		Tags:           slices.Clone(d.Tags),
		CorrelationKey: d.CorrelationKey,
		CreatedAt:      e.clock(),
		ConsumedBy:     []string{},
	}
	return e.Invoke(ctx, agentID, a, publishOutputs)
}

// subscriptionFor picks the agent's first subscription consuming a's type,
// falling back to its first subscription.
func (e *Engine) subscriptionFor(agentID string, a *blackboard.Artifact) *subscription.Subscription {
	subs := e.registry.ForAgent(agentID)
	if a != nil {
		for _, s := range subs {
			if s.Consumes(a.Type) {
				return s
			}
		}
	}
	return subs[0]
}
