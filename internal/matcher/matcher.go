// Package matcher decides which subscriptions become eligible when an artifact
// is published, applying predicate, visibility, join and batch semantics.
//
// Join and batch state is kept per subscription and mutated under that
// subscription's own lock, so concurrent offers never double-fire.
package matcher

import (
	"sort"
	"sync"
	"time"

	"github.com/dyluth/flock/internal/logging"
	"github.com/dyluth/flock/pkg/blackboard"
	"github.com/dyluth/flock/pkg/subscription"
)

// IdentityFunc resolves the reader identity of an agent for visibility checks.
type IdentityFunc func(agentID string) blackboard.Identity

// Matcher evaluates registered subscriptions against published artifacts.
type Matcher struct {
	registry *subscription.Registry
	identity IdentityFunc
	logger   logging.Logger

	mu     sync.Mutex
	states map[string]*state
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithLogger sets the logger used for join_expired and batch_flushed events.
func WithLogger(l logging.Logger) Option {
	return func(m *Matcher) { m.logger = l }
}

// WithIdentity sets how agent identities are resolved. By default an agent's
// identity is just its name.
func WithIdentity(fn IdentityFunc) Option {
	return func(m *Matcher) { m.identity = fn }
}

// New creates a matcher over registry.
func New(registry *subscription.Registry, opts ...Option) *Matcher {
	m := &Matcher{
		registry: registry,
		identity: func(agentID string) blackboard.Identity { return blackboard.Identity{Name: agentID} },
		logger:   logging.Nop(),
		states:   make(map[string]*state),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// state holds one subscription's pending join buckets and batch.
type state struct {
	mu    sync.Mutex
	joins map[string]*bucket
	batch *batch
}

// bucket collects, per required type, the latest artifact for one correlation key.
type bucket struct {
	slots map[string]*blackboard.Artifact
}

// batch accumulates single artifacts, or completed join groups when the
// subscription joins and batches.
type batch struct {
	groups [][]*blackboard.Artifact
	first  time.Time
}

func (m *Matcher) stateFor(id string) *state {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok {
		st = &state{joins: make(map[string]*bucket)}
		m.states[id] = st
	}
	return st
}

// Offer evaluates a against every subscription consuming its type and returns
// the invocations that became eligible, in registration order.
func (m *Matcher) Offer(a *blackboard.Artifact, now time.Time) []*subscription.Invocation {
	var out []*subscription.Invocation
	for _, sub := range m.registry.ListForType(a.Type) {
		if !m.eligible(sub, a, now) {
			continue
		}

		switch {
		case sub.IsPlain():
			out = append(out, &subscription.Invocation{
				Subscription: sub,
				Trigger:      []*blackboard.Artifact{a},
				Reason:       subscription.ReasonArtifact,
			})
		case sub.Join != nil:
			if inv := m.offerJoin(sub, a, now); inv != nil {
				out = append(out, inv)
			}
		default:
			if inv := m.offerBatch(sub, []*blackboard.Artifact{a}, now); inv != nil {
				out = append(out, inv)
			}
		}
	}
	return out
}

// eligible applies the per-artifact gates shared by every subscription kind.
func (m *Matcher) eligible(sub *subscription.Subscription, a *blackboard.Artifact, now time.Time) bool {
	if sub.IsDirect() || !sub.Accepts(a) {
		return false
	}
	if sub.PreventsSelfTrigger() && a.Producer == sub.AgentID {
		return false
	}
	if a.IsConsumedBy(sub.AgentID) {
		return false
	}
	return a.Visibility.Allows(m.identity(sub.AgentID), a.CreatedAt, now)
}

func (m *Matcher) offerJoin(sub *subscription.Subscription, a *blackboard.Artifact, now time.Time) *subscription.Invocation {
	key := sub.Join.KeyOf(a)
	if key == "" {
		m.logger.Debug("join_skipped", "subscription", sub.ID, "artifact_id", a.ID, "reason", "no correlation key")
		return nil
	}

	st := m.stateFor(sub.ID)
	st.mu.Lock()
	defer st.mu.Unlock()

	b, ok := st.joins[key]
	if !ok {
		b = &bucket{slots: make(map[string]*blackboard.Artifact)}
		st.joins[key] = b
	}

	// Most recent wins on duplicates of one type.
	if current, ok := b.slots[a.Type]; !ok || newer(a, current) {
		b.slots[a.Type] = a
	}

	// Drop anything outside the window measured from the newest member.
	newest := newestCreated(b)
	for typ, member := range b.slots {
		if newest.Sub(member.CreatedAt) > sub.Join.Within {
			delete(b.slots, typ)
			m.logger.Debug("join_expired", "subscription", sub.ID, "key", key, "artifact_id", member.ID)
		}
	}

	for _, typ := range sub.ConsumedTypes {
		if _, ok := b.slots[typ]; !ok {
			return nil
		}
	}

	group := make([]*blackboard.Artifact, 0, len(b.slots))
	for _, member := range b.slots {
		group = append(group, member)
	}
	sortBySeq(group)
	delete(st.joins, key)

	if sub.Batch != nil {
		return m.addToBatch(sub, st, group, now)
	}
	return &subscription.Invocation{
		Subscription: sub,
		Trigger:      group,
		Reason:       subscription.ReasonJoinComplete,
	}
}

func (m *Matcher) offerBatch(sub *subscription.Subscription, group []*blackboard.Artifact, now time.Time) *subscription.Invocation {
	st := m.stateFor(sub.ID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return m.addToBatch(sub, st, group, now)
}

// addToBatch must be called with st.mu held. The wait window opens when the
// oldest pending artifact was created, not when it was matched.
func (m *Matcher) addToBatch(sub *subscription.Subscription, st *state, group []*blackboard.Artifact, now time.Time) *subscription.Invocation {
	start := oldestCreated(group, now)
	if st.batch == nil {
		st.batch = &batch{first: start}
	} else if start.Before(st.batch.first) {
		st.batch.first = start
	}
	st.batch.groups = append(st.batch.groups, group)

	spec := sub.Batch
	if spec.MaxSize > 0 && len(st.batch.groups) >= spec.MaxSize {
		return m.flush(sub, st, subscription.ReasonBatchThreshold)
	}
	if spec.MaxWait > 0 && now.Sub(st.batch.first) >= spec.MaxWait {
		return m.flush(sub, st, subscription.ReasonBatchTimeout)
	}
	return nil
}

// flush must be called with st.mu held.
func (m *Matcher) flush(sub *subscription.Subscription, st *state, reason subscription.FireReason) *subscription.Invocation {
	var trigger []*blackboard.Artifact
	for _, g := range st.batch.groups {
		trigger = append(trigger, g...)
	}
	groups := len(st.batch.groups)
	st.batch = nil

	sortBySeq(trigger)
	m.logger.Debug("batch_flushed", "subscription", sub.ID, "reason", string(reason), "groups", groups, "artifacts", len(trigger))
	return &subscription.Invocation{
		Subscription: sub,
		Trigger:      trigger,
		Reason:       reason,
	}
}

// Expire flushes batches whose max_wait has elapsed and purges join members
// that can no longer complete within their window. It returns the batch
// invocations that became due and how many join members were discarded.
func (m *Matcher) Expire(now time.Time) ([]*subscription.Invocation, int) {
	var (
		out     []*subscription.Invocation
		expired int
	)
	for _, sub := range m.registry.All() {
		if sub.IsPlain() {
			continue
		}
		m.mu.Lock()
		st, ok := m.states[sub.ID]
		m.mu.Unlock()
		if !ok {
			continue
		}

		st.mu.Lock()
		if sub.Join != nil {
			for key, b := range st.joins {
				for typ, member := range b.slots {
					if now.Sub(member.CreatedAt) > sub.Join.Within {
						delete(b.slots, typ)
						expired++
						m.logger.Debug("join_expired", "subscription", sub.ID, "key", key, "artifact_id", member.ID)
					}
				}
				if len(b.slots) == 0 {
					delete(st.joins, key)
				}
			}
		}
		if st.batch != nil && sub.Batch.MaxWait > 0 && now.Sub(st.batch.first) >= sub.Batch.MaxWait {
			out = append(out, m.flush(sub, st, subscription.ReasonBatchTimeout))
		}
		st.mu.Unlock()
	}
	return out, expired
}

// NextWake returns the earliest instant at which Expire could change state.
func (m *Matcher) NextWake() (time.Time, bool) {
	var (
		earliest time.Time
		found    bool
	)
	consider := func(t time.Time) {
		if !found || t.Before(earliest) {
			earliest, found = t, true
		}
	}

	for _, sub := range m.registry.All() {
		if sub.IsPlain() {
			continue
		}
		m.mu.Lock()
		st, ok := m.states[sub.ID]
		m.mu.Unlock()
		if !ok {
			continue
		}

		st.mu.Lock()
		if sub.Join != nil {
			for _, b := range st.joins {
				for _, member := range b.slots {
					// Expire purges strictly after the window.
					consider(member.CreatedAt.Add(sub.Join.Within + time.Nanosecond))
				}
			}
		}
		if st.batch != nil && sub.Batch.MaxWait > 0 {
			consider(st.batch.first.Add(sub.Batch.MaxWait))
		}
		st.mu.Unlock()
	}
	return earliest, found
}

// Pending reports the join buckets and batched groups held for a subscription.
func (m *Matcher) Pending(subscriptionID string) (joins int, batched int) {
	m.mu.Lock()
	st, ok := m.states[subscriptionID]
	m.mu.Unlock()
	if !ok {
		return 0, 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.batch != nil {
		batched = len(st.batch.groups)
	}
	return len(st.joins), batched
}

// newer reports whether a was created after b, breaking ties by sequence.
func newer(a, b *blackboard.Artifact) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.Seq > b.Seq
}

func newestCreated(b *bucket) time.Time {
	var newest time.Time
	for _, member := range b.slots {
		if member.CreatedAt.After(newest) {
			newest = member.CreatedAt
		}
	}
	return newest
}

// oldestCreated returns the earliest created_at in group, capped at now.
func oldestCreated(group []*blackboard.Artifact, now time.Time) time.Time {
	oldest := now
	for _, a := range group {
		if !a.CreatedAt.IsZero() && a.CreatedAt.Before(oldest) {
			oldest = a.CreatedAt
		}
	}
	return oldest
}

// sortBySeq orders artifacts by store sequence.
func sortBySeq(as []*blackboard.Artifact) {
	sort.SliceStable(as, func(i, j int) bool { return as[i].Seq < as[j].Seq })
}
