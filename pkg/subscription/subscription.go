// Package subscription defines the declarative rules that bind agents to the
// artifacts they react to and the artifacts they may produce.
//
// A Subscription is one record with optional parts (predicate, join, batch,
// fan-out, schedule) rather than a family of variants. Records are validated
// and frozen when registered; they never change during a run.
package subscription

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dyluth/flock/pkg/blackboard"
)

// ErrInvalidSubscription is wrapped by every validation failure that is not a
// schedule problem.
var ErrInvalidSubscription = errors.New("invalid subscription")

// Predicate filters artifacts. It must be pure and cheap: it runs on every
// matching publish.
type Predicate func(*blackboard.Artifact) bool

// DraftPredicate filters fan-out candidates before they are published.
type DraftPredicate func(blackboard.Draft) bool

// Mode selects how a subscription is triggered.
type Mode string

const (
	// ModeEvents reacts to published artifacts. The zero Mode means events.
	ModeEvents Mode = "events"

	// ModeDirect never matches on publish; the agent runs only through a
	// timer or an explicit Invoke. Consumed types still scope its context.
	ModeDirect Mode = "direct"
)

// JoinSpec is an AND-gate: one artifact of every consumed type sharing the same
// correlation value, all created within Within of the newest one.
//
// The correlation value comes from By when set, otherwise from the gjson path
// Field, otherwise from the artifact's CorrelationKey.
type JoinSpec struct {
	By     func(*blackboard.Artifact) string
	Field  string
	Within time.Duration
}

// KeyOf returns the correlation value of a, or "" when it has none.
func (j *JoinSpec) KeyOf(a *blackboard.Artifact) string {
	switch {
	case j.By != nil:
		return j.By(a)
	case j.Field != "":
		return a.Field(j.Field).String()
	default:
		return a.CorrelationKey
	}
}

// BatchSpec accumulates matches until MaxSize items are pending or MaxWait has
// elapsed since the first one. A zero field disables that threshold.
type BatchSpec struct {
	MaxSize int
	MaxWait time.Duration
}

// FanOut describes how many instances of each produced type one invocation
// emits. Count fixes the number; otherwise the executor picks within [Min, Max].
type FanOut struct {
	Count int
	Min   int
	Max   int

	// Where drops candidates silently before publishing.
	Where DraftPredicate

	// Validate rejects single candidates; siblings still publish.
	Validate DraftPredicate

	// Visibility assigns access control per published instance.
	Visibility func(blackboard.Draft) blackboard.Visibility
}

// Bounds returns the inclusive count range enforced per produced type.
func (f *FanOut) Bounds() (int, int) {
	if f.Count > 0 {
		return f.Count, f.Count
	}
	return f.Min, f.Max
}

// Subscription is one agent's reaction rule.
type Subscription struct {
	// ID is assigned by the Registry ("agent#n").
	ID      string
	AgentID string

	ConsumedTypes []string
	Where         Predicate
	Tags          []string // artifact must carry at least one, when set
	FromAgents    []string // artifact producer must be one of these, when set
	Mode          Mode

	Join  *JoinSpec
	Batch *BatchSpec

	Produces          []string
	FanOut            *FanOut
	PublishVisibility *blackboard.Visibility

	// AllowSelfTrigger lets the agent's own outputs trigger this subscription.
	// Self-triggering is prevented by default.
	AllowSelfTrigger bool

	Schedule *Schedule
}

// New returns an event-mode subscription for agentID consuming types.
func New(agentID string, types ...string) *Subscription {
	return &Subscription{AgentID: agentID, ConsumedTypes: types, Mode: ModeEvents}
}

// PreventsSelfTrigger reports whether the agent's own outputs are ignored.
func (s *Subscription) PreventsSelfTrigger() bool { return !s.AllowSelfTrigger }

// Consumes reports whether the subscription reacts to artifacts of type t.
func (s *Subscription) Consumes(t string) bool { return slices.Contains(s.ConsumedTypes, t) }

// Declares reports whether t is one of the produced types.
func (s *Subscription) Declares(t string) bool { return slices.Contains(s.Produces, t) }

// IsDirect reports whether publishes never trigger this subscription.
func (s *Subscription) IsDirect() bool { return s.Mode == ModeDirect }

// IsPlain reports whether each matching artifact fires on its own, which is
// when at-most-once delivery bookkeeping applies.
func (s *Subscription) IsPlain() bool { return s.Join == nil && s.Batch == nil }

// Accepts applies the static filters: type, tags, producer and predicate.
// Visibility, self-trigger and consumption are checked by the matcher.
func (s *Subscription) Accepts(a *blackboard.Artifact) bool {
	if !s.Consumes(a.Type) {
		return false
	}
	if len(s.Tags) > 0 && !slices.ContainsFunc(s.Tags, a.HasTag) {
		return false
	}
	if len(s.FromAgents) > 0 && !slices.Contains(s.FromAgents, a.Producer) {
		return false
	}
	if s.Where != nil && !s.Where(a) {
		return false
	}
	return true
}

// Validate checks the record for internal consistency.
func (s *Subscription) Validate() error {
	if s.AgentID == "" {
		return fmt.Errorf("%w: agent id cannot be empty", ErrInvalidSubscription)
	}

	switch s.Mode {
	case "", ModeEvents, ModeDirect:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidSubscription, s.Mode)
	}

	if s.Schedule == nil && s.Mode != ModeDirect && len(s.ConsumedTypes) == 0 {
		return fmt.Errorf("%w: agent %s consumes nothing and has no schedule", ErrInvalidSubscription, s.AgentID)
	}

	if s.Schedule != nil {
		if s.Join != nil || s.Batch != nil {
			return fmt.Errorf("%w: agent %s cannot combine a schedule with join or batch", ErrInvalidSubscription, s.AgentID)
		}
		if err := s.Schedule.Validate(); err != nil {
			return &ScheduleError{AgentID: s.AgentID, Err: err}
		}
	}

	if s.Join != nil {
		distinct := slices.Compact(slices.Sorted(slices.Values(s.ConsumedTypes)))
		if len(distinct) < 2 {
			return fmt.Errorf("%w: join for agent %s needs at least two distinct types", ErrInvalidSubscription, s.AgentID)
		}
		if s.Join.Within <= 0 {
			return fmt.Errorf("%w: join window for agent %s must be positive", ErrInvalidSubscription, s.AgentID)
		}
	}

	if s.Batch != nil {
		if s.Batch.MaxSize < 0 || s.Batch.MaxWait < 0 {
			return fmt.Errorf("%w: batch thresholds for agent %s must not be negative", ErrInvalidSubscription, s.AgentID)
		}
		if s.Batch.MaxSize == 0 && s.Batch.MaxWait == 0 {
			return fmt.Errorf("%w: batch for agent %s needs max_size or max_wait", ErrInvalidSubscription, s.AgentID)
		}
	}

	if s.FanOut != nil {
		if len(s.Produces) == 0 {
			return fmt.Errorf("%w: fan-out for agent %s requires produced types", ErrInvalidSubscription, s.AgentID)
		}
		f := s.FanOut
		switch {
		case f.Count < 0:
			return fmt.Errorf("%w: fan-out count must not be negative", ErrInvalidSubscription)
		case f.Count > 0 && (f.Min != 0 || f.Max != 0):
			return fmt.Errorf("%w: fan-out takes either a count or a range, not both", ErrInvalidSubscription)
		case f.Count == 0 && (f.Min < 0 || f.Max < f.Min || f.Max == 0):
			return fmt.Errorf("%w: fan-out range [%d, %d] is invalid", ErrInvalidSubscription, f.Min, f.Max)
		}
	}

	if s.PublishVisibility != nil {
		if err := s.PublishVisibility.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSubscription, err)
		}
	}
	return nil
}
