package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/flock/pkg/blackboard"
	"github.com/dyluth/flock/pkg/subscription"
)

// artifactEventSource is implemented by backends that announce appends made
// by other processes (the Redis backend).
type artifactEventSource interface {
	SubscribeArtifactEvents(ctx context.Context) (*blackboard.EventSubscription, error)
}

// Serve runs the cycle continuously, driving the timer source and, when the
// backend supports it, picking up artifacts published by other processes. It
// blocks until ctx is cancelled and returns nil on a clean shutdown.
//
// Agents cannot be added while serving.
func (e *Engine) Serve(ctx context.Context) error {
	e.mu.Lock()
	if e.serving {
		e.mu.Unlock()
		return ErrServing
	}
	e.serving = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.serving = false
		e.mu.Unlock()
	}()

	armed, err := e.armTimers()
	defer func() {
		for _, id := range armed {
			e.timers.Unregister(id)
		}
	}()
	if err != nil {
		return err
	}

	if e.healthAddr != "" {
		health := NewHealthServer(e, e.healthAddr)
		if err := health.Start(); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = health.Shutdown(shutdownCtx)
		}()
	}

	if src, ok := e.board.Backend().(artifactEventSource); ok {
		events, err := src.SubscribeArtifactEvents(ctx)
		if err != nil {
			return fmt.Errorf("failed to subscribe to artifact events: %w", err)
		}
		defer events.Close()
		go e.follow(ctx, events)
	}

	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(e.tickInterval)
	defer deadline.Stop()

	e.logEvent("serve_started", "timers", len(armed), "tick_interval", e.tickInterval.String())
	for {
		if err := e.serveOnce(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		e.armDeadline(deadline)

		select {
		case <-ctx.Done():
			e.logEvent("serve_stopped")
			return nil
		case <-ticker.C:
		case <-deadline.C:
		case <-e.wake:
		}
	}
}

// NextDeadline returns the earliest instant at which a timer fires or a pending
// join or batch window closes.
func (e *Engine) NextDeadline() (time.Time, bool) {
	next, ok := e.timers.Next()
	if wake, found := e.matcher.NextWake(); found && (!ok || wake.Before(next)) {
		next, ok = wake, true
	}
	return next, ok
}

// armDeadline points t at NextDeadline, or stops it when nothing is pending.
func (e *Engine) armDeadline(t *time.Timer) {
	next, ok := e.NextDeadline()
	if !ok {
		t.Stop()
		return
	}
	d := next.Sub(e.clock())
	if d < 0 {
		d = 0
	}
	t.Reset(d)
}

func (e *Engine) armTimers() ([]string, error) {
	now := e.clock()
	var armed []string
	for _, sub := range e.registry.All() {
		if sub.Schedule == nil {
			continue
		}
		if err := e.timers.Register(sub.ID, sub.Schedule, now); err != nil {
			return armed, fmt.Errorf("failed to arm timer for %s: %w", sub.ID, err)
		}
		armed = append(armed, sub.ID)
	}
	return armed, nil
}

// serveOnce fires due timers and runs the cycle to idle.
func (e *Engine) serveOnce(ctx context.Context) error {
	fires := e.timers.Tick(e.clock())
	seed := make([]*subscription.Invocation, 0, len(fires))
	for _, f := range fires {
		sub, ok := e.registry.Get(f.SubscriptionID)
		if !ok {
			continue
		}
		e.logEvent("timer_fired",
			"subscription", sub.ID,
			"agent", sub.AgentID,
			"iteration", f.Iteration,
			"scheduled_at", f.ScheduledAt)
		seed = append(seed, &subscription.Invocation{
			Subscription: sub,
			Reason:       subscription.ReasonTimer,
			Iteration:    f.Iteration,
			ScheduledAt:  f.ScheduledAt,
		})
	}

	_, err := e.run(ctx, seed)
	if errors.Is(err, ErrMaxPasses) {
		// A runaway cycle ends this round only; Serve keeps going.
		return nil
	}
	return err
}

// follow queues artifacts announced by the backend. Local publishes arrive
// here too and are deduplicated by enqueue.
func (e *Engine) follow(ctx context.Context, events *blackboard.EventSubscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-events.Events():
			if !ok {
				return
			}
			if e.enqueue(a) {
				e.logDebug("artifact_received", "artifact_id", a.ID, "type", a.Type, "producer", a.Producer)
				e.signal()
			}
		case err, ok := <-events.Errors():
			if !ok {
				return
			}
			e.logError("artifact_event_error", "error", err)
		}
	}
}
