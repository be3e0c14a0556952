package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dyluth/flock/pkg/blackboard"
	"github.com/dyluth/flock/pkg/subscription"
	"golang.org/x/sync/errgroup"
)

// RunUntilIdle drains queued artifacts through the matcher and executes every
// eligible invocation, looping until a pass produces no new work. Timer-only
// activity is ignored; use Serve for scheduled subscriptions.
//
// Invocation failures are recorded in the summary and never abort the run. An
// error is returned only for store faults, ErrMaxPasses, or ctx expiry; the
// summary up to that point is returned alongside it. Invocations matched but
// not dispatched when the pass guard trips are kept and run first next time.
func (e *Engine) RunUntilIdle(ctx context.Context) (*RunSummary, error) {
	return e.run(ctx, nil)
}

// run is the Matching/Dispatching loop. seed holds invocations that did not
// come from the queue (timer fires).
func (e *Engine) run(ctx context.Context, seed []*subscription.Invocation) (*RunSummary, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	start := time.Now()
	summary := newSummary()
	defer func() { summary.Duration = time.Since(start) }()

	pending := append(e.takeDeferred(), seed...)
	for {
		if err := ctx.Err(); err != nil {
			e.hold(pending)
			return summary, err
		}

		pending = append(pending, e.match(summary)...)
		if len(pending) == 0 {
			if summary.Passes > 0 {
				e.logEvent("run_idle",
					"passes", summary.Passes,
					"invocations", summary.Invocations,
					"failed", summary.Failed)
			}
			return summary, nil
		}

		if e.maxPasses > 0 && summary.Passes >= e.maxPasses {
			e.hold(pending)
			summary.Deferred = len(pending)
			e.logError("max_passes_exceeded", "max_passes", e.maxPasses, "deferred", len(pending))
			return summary, fmt.Errorf("%w: %d", ErrMaxPasses, e.maxPasses)
		}
		summary.Passes++

		if err := e.markConsumed(ctx, pending); err != nil {
			return summary, err
		}
		if err := e.dispatch(ctx, pending, summary); err != nil {
			return summary, err
		}
		pending = nil
	}
}

// match feeds every queued artifact to the matcher in store order and collects
// the invocations that became eligible, including timed-out batches.
func (e *Engine) match(summary *RunSummary) []*subscription.Invocation {
	now := e.clock()

	// Expire first so a batch whose wait already elapsed flushes before a
	// newly arrived item joins it.
	invs, expired := e.matcher.Expire(now)
	if expired > 0 {
		summary.mu.Lock()
		summary.JoinsExpired += expired
		summary.mu.Unlock()
		e.logDebug("join_expired", "groups", expired)
	}

	queued := e.drain()
	sort.SliceStable(queued, func(i, j int) bool { return queued[i].Seq < queued[j].Seq })
	for _, a := range queued {
		invs = append(invs, e.matcher.Offer(a, now)...)
	}
	return invs
}

// markConsumed records delivery before execution so a crash mid-pass never
// re-delivers the same trigger.
func (e *Engine) markConsumed(ctx context.Context, invs []*subscription.Invocation) error {
	for _, inv := range invs {
		for _, a := range inv.Trigger {
			if err := e.board.MarkConsumed(ctx, a.ID, inv.Subscription.AgentID); err != nil {
				return err
			}
		}
	}
	return nil
}

// dispatch executes one pass. Different subscriptions run concurrently up to
// maxConcurrency; one subscription's invocations run in trigger order.
func (e *Engine) dispatch(ctx context.Context, invs []*subscription.Invocation, summary *RunSummary) error {
	groups := make(map[string][]*subscription.Invocation)
	var order []string
	for _, inv := range invs {
		id := inv.Subscription.ID
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}
		groups[id] = append(groups[id], inv)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxConcurrency)
	for _, id := range order {
		group := groups[id]
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].Order() != group[j].Order() {
				return group[i].Order() < group[j].Order()
			}
			return group[i].ScheduledAt.Before(group[j].ScheduledAt)
		})
		g.Go(func() error {
			for _, inv := range group {
				if err := e.execute(gctx, inv, summary); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// execute runs one matched invocation, publishes its outputs and queues them
// for the next pass.
func (e *Engine) execute(ctx context.Context, inv *subscription.Invocation, summary *RunSummary) error {
	entry, ok := e.agent(inv.Subscription.AgentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, inv.Subscription.AgentID)
	}

	switch inv.Reason {
	case subscription.ReasonBatchThreshold, subscription.ReasonBatchTimeout:
		e.logEvent("batch_flushed",
			"subscription", inv.Subscription.ID,
			"reason", inv.Reason,
			"size", len(inv.Trigger))
	}

	res, err := e.perform(ctx, entry, inv, true)
	if err != nil {
		return err
	}
	for _, a := range res.Published {
		e.enqueue(a)
	}

	if res.Err != nil {
		return e.fail(ctx, inv, res, summary, true)
	}

	summary.recordSuccess(entry.agent.Name, len(res.Published), res.Rejected)
	e.logEvent("invocation_succeeded",
		"agent", entry.agent.Name,
		"subscription", inv.Subscription.ID,
		"reason", inv.Reason,
		"published", len(res.Published),
		"rejected", res.Rejected)
	return nil
}

// perform runs the context provider and executor, then shapes and optionally
// publishes the outputs. The returned error is reserved for ctx cancellation
// and store faults; invocation failures are reported in InvocationResult.Err.
func (e *Engine) perform(ctx context.Context, entry *agentEntry, inv *subscription.Invocation, publish bool) (*InvocationResult, error) {
	sub := inv.Subscription
	req := &Request{
		AgentID:      entry.agent.Name,
		Identity:     entry.agent.Identity,
		Subscription: sub,
		Trigger:      inv.Trigger,
		Reason:       inv.Reason,
		Iteration:    inv.Iteration,
		ScheduledAt:  inv.ScheduledAt,
	}
	res := &InvocationResult{}

	e.logEvent("invocation_started",
		"agent", req.AgentID,
		"subscription", sub.ID,
		"reason", inv.Reason,
		"triggers", len(inv.Trigger))

	if e.contextProvider != nil {
		history, err := e.provideContext(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			res.Err = fmt.Errorf("%w: %v", errContext, err)
			return res, nil
		}
		req.Context = history
	}

	if entry.sem != nil {
		if err := entry.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}
	drafts, err := entry.agent.Executor.Execute(ctx, req)
	if entry.sem != nil {
		entry.sem.Release(1)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		res.Err = &ExecutorError{AgentID: req.AgentID, Err: err}
		return res, nil
	}

	accepted, rejected, shapeErr := e.shape(inv, drafts)
	res.Outputs = accepted
	res.Rejected = rejected
	res.Err = shapeErr

	if !publish {
		return res, nil
	}
	for _, d := range accepted {
		a, err := e.board.Publish(ctx, d, req.AgentID)
		if err != nil {
			var schemaErr *blackboard.SchemaError
			if errors.As(err, &schemaErr) {
				res.Err = errors.Join(res.Err, err)
				continue
			}
			return res, fmt.Errorf("failed to publish output of %s: %w", req.AgentID, err)
		}
		res.Published = append(res.Published, a)
		e.logEvent("artifact_published",
			"artifact_id", a.ID,
			"type", a.Type,
			"producer", a.Producer)
	}
	return res, nil
}

func (e *Engine) provideContext(ctx context.Context, req *Request) ([]*blackboard.Artifact, error) {
	if e.contextTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.contextTimeout)
		defer cancel()
	}
	return e.contextProvider.Provide(ctx, e.board, req)
}

// fail records an invocation failure and, when enabled, publishes it as a
// flock.InvocationFailure artifact.
func (e *Engine) fail(ctx context.Context, inv *subscription.Invocation, res *InvocationResult, summary *RunSummary, publish bool) error {
	f := Failure{
		AgentID:        inv.Subscription.AgentID,
		SubscriptionID: inv.Subscription.ID,
		Reason:         inv.Reason,
		Kind:           failureKind(res.Err),
		TriggerIDs:     inv.TriggerIDs(),
		Err:            res.Err,
		At:             e.clock(),
	}

	e.mu.Lock()
	e.failures = append(e.failures, f)
	e.mu.Unlock()
	if summary != nil {
		summary.recordFailure(f, len(res.Published), res.Rejected)
	}

	e.logError("invocation_failed",
		"agent", f.AgentID,
		"subscription", f.SubscriptionID,
		"reason", f.Reason,
		"kind", f.Kind,
		"error", f.Err)

	if !publish || !e.failureArtifacts {
		return nil
	}
	d, err := blackboard.NewDraft(blackboard.FailureType, blackboard.Failure{
		Agent:        f.AgentID,
		Subscription: f.SubscriptionID,
		Reason:       string(f.Reason),
		Kind:         f.Kind,
		Error:        f.Err.Error(),
		TriggerIDs:   f.TriggerIDs,
	})
	if err != nil {
		return fmt.Errorf("failed to encode failure artifact: %w", err)
	}
	if key := inv.CorrelationKey(); key != "" {
		d.CorrelationKey = key
	}
	a, err := e.board.Publish(ctx, d, blackboard.SystemProducer)
	if err != nil {
		return fmt.Errorf("failed to publish failure artifact: %w", err)
	}
	e.enqueue(a)
	return nil
}
