package orchestrator

import (
	"errors"

	"github.com/dyluth/flock/pkg/blackboard"
	"github.com/dyluth/flock/pkg/subscription"
)

// shape turns raw executor output into the drafts that may be published.
//
// Undeclared types are dropped. With a fan-out spec, each declared type's raw
// count must fall inside the bounds, otherwise every draft of that type is
// discarded and a FanOutBoundsError is returned. Where drops candidates
// silently; Validate rejects single candidates. Surviving drafts get their
// visibility and correlation key filled in.
func (e *Engine) shape(inv *subscription.Invocation, drafts []blackboard.Draft) ([]blackboard.Draft, int, error) {
	sub := inv.Subscription

	counts := make(map[string]int, len(sub.Produces))
	declared := make([]blackboard.Draft, 0, len(drafts))
	for _, d := range drafts {
		if !sub.Declares(d.Type) {
			e.logger.Warn("undeclared_output",
				"component", "orchestrator",
				"agent", sub.AgentID,
				"subscription", sub.ID,
				"type", d.Type)
			continue
		}
		counts[d.Type]++
		declared = append(declared, d)
	}

	var (
		boundsErr error
		outOfRange map[string]bool
	)
	if fo := sub.FanOut; fo != nil {
		lo, hi := fo.Bounds()
		for _, t := range sub.Produces {
			n := counts[t]
			if n >= lo && (hi <= 0 || n <= hi) {
				continue
			}
			if outOfRange == nil {
				outOfRange = make(map[string]bool)
			}
			outOfRange[t] = true
			err := &FanOutBoundsError{AgentID: sub.AgentID, Type: t, Count: n, Min: lo, Max: hi}
			boundsErr = errors.Join(boundsErr, err)
			e.logError("fan_out_rejected",
				"agent", sub.AgentID,
				"subscription", sub.ID,
				"type", t,
				"count", n,
				"min", lo,
				"max", hi)
		}
	}

	correlation := inv.CorrelationKey()
	accepted := make([]blackboard.Draft, 0, len(declared))
	rejected := 0
	for _, d := range declared {
		if outOfRange[d.Type] {
			continue
		}
		if fo := sub.FanOut; fo != nil {
			if fo.Where != nil && !fo.Where(d) {
				e.logDebug("fan_out_filtered", "agent", sub.AgentID, "type", d.Type)
				continue
			}
			if fo.Validate != nil && !fo.Validate(d) {
				rejected++
				e.logError("validation_rejected",
					"agent", sub.AgentID,
					"subscription", sub.ID,
					"type", d.Type,
					"error", ErrValidationRejected)
				continue
			}
		}

		d.Visibility = outputVisibility(sub, d)
		if err := d.Visibility.Validate(); err != nil {
			rejected++
			e.logError("validation_rejected",
				"agent", sub.AgentID,
				"subscription", sub.ID,
				"type", d.Type,
				"error", err)
			continue
		}
		if d.CorrelationKey == "" {
			d.CorrelationKey = correlation
		}
		accepted = append(accepted, d)
	}
	return accepted, rejected, boundsErr
}

// outputVisibility resolves an output's visibility: executor override, then
// the fan-out function, then the subscription default, then public.
func outputVisibility(sub *subscription.Subscription, d blackboard.Draft) *blackboard.Visibility {
	if d.Visibility != nil {
		return d.Visibility
	}
	if sub.FanOut != nil && sub.FanOut.Visibility != nil {
		v := sub.FanOut.Visibility(d)
		return &v
	}
	if sub.PublishVisibility != nil {
		v := *sub.PublishVisibility
		return &v
	}
	v := blackboard.Public()
	return &v
}
