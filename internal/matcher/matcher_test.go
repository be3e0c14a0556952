package matcher

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dyluth/flock/internal/logging"
	"github.com/dyluth/flock/pkg/blackboard"
	"github.com/dyluth/flock/pkg/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)

type artifactFactory struct{ seq int64 }

func (f *artifactFactory) make(typ, producer string, created time.Time, payload string) *blackboard.Artifact {
	f.seq++
	if payload == "" {
		payload = "{}"
	}
	return &blackboard.Artifact{
		ID:         fmt.Sprintf("%s-%d", typ, f.seq),
		Seq:        f.seq,
		Type:       typ,
		Payload:    json.RawMessage(payload),
		Producer:   producer,
		CreatedAt:  created,
		ConsumedBy: []string{},
	}
}

func register(t *testing.T, subs ...*subscription.Subscription) (*subscription.Registry, []*subscription.Subscription) {
	t.Helper()
	reg := subscription.NewRegistry()
	var out []*subscription.Subscription
	for _, s := range subs {
		stored, err := reg.Register(s)
		require.NoError(t, err)
		out = append(out, stored)
	}
	return reg, out
}

func TestOffer_Plain(t *testing.T) {
	f := &artifactFactory{}
	reg, subs := register(t,
		subscription.New("receipt_writer", "Order"),
		subscription.New("auditor", "Order", "Refund"),
		subscription.New("other", "Refund"),
	)
	m := New(reg)

	order := f.make("Order", blackboard.ExternalProducer, t0, "")
	invs := m.Offer(order, t0)
	require.Len(t, invs, 2)
	assert.Equal(t, subs[0], invs[0].Subscription)
	assert.Equal(t, subs[1], invs[1].Subscription)
	for _, inv := range invs {
		assert.Equal(t, subscription.ReasonArtifact, inv.Reason)
		assert.Equal(t, []*blackboard.Artifact{order}, inv.Trigger)
	}
}

func TestOffer_Gates(t *testing.T) {
	f := &artifactFactory{}

	t.Run("self trigger prevented by default", func(t *testing.T) {
		reg, _ := register(t, subscription.New("A", "X"))
		m := New(reg)
		assert.Empty(t, m.Offer(f.make("X", "A", t0, ""), t0))
		assert.Len(t, m.Offer(f.make("X", "B", t0, ""), t0), 1)
	})

	t.Run("self trigger allowed when opted in", func(t *testing.T) {
		reg, _ := register(t, &subscription.Subscription{AgentID: "A", ConsumedTypes: []string{"X"}, AllowSelfTrigger: true})
		m := New(reg)
		assert.Len(t, m.Offer(f.make("X", "A", t0, ""), t0), 1)
	})

	t.Run("already consumed by the agent", func(t *testing.T) {
		reg, _ := register(t, subscription.New("A", "X"))
		m := New(reg)
		a := f.make("X", "B", t0, "")
		a.ConsumedBy = []string{"A"}
		assert.Empty(t, m.Offer(a, t0))
	})

	t.Run("direct mode never matches on publish", func(t *testing.T) {
		reg, _ := register(t, &subscription.Subscription{AgentID: "A", ConsumedTypes: []string{"X"}, Mode: subscription.ModeDirect})
		m := New(reg)
		assert.Empty(t, m.Offer(f.make("X", "B", t0, ""), t0))
	})

	t.Run("predicate", func(t *testing.T) {
		reg, _ := register(t, &subscription.Subscription{
			AgentID:       "A",
			ConsumedTypes: []string{"X"},
			Where:         func(a *blackboard.Artifact) bool { return a.Field("score").Float() > 0.5 },
		})
		m := New(reg)
		assert.Empty(t, m.Offer(f.make("X", "B", t0, `{"score":0.2}`), t0))
		assert.Len(t, m.Offer(f.make("X", "B", t0, `{"score":0.9}`), t0), 1)
	})

	t.Run("visibility uses the resolved identity", func(t *testing.T) {
		reg, _ := register(t, subscription.New("reader", "X"), subscription.New("outsider", "X"))
		m := New(reg, WithIdentity(func(agentID string) blackboard.Identity {
			if agentID == "reader" {
				return blackboard.Identity{Name: agentID, Labels: []string{"clinical"}}
			}
			return blackboard.Identity{Name: agentID}
		}))

		a := f.make("X", "B", t0, "")
		a.Visibility = blackboard.Labelled("clinical")
		invs := m.Offer(a, t0)
		require.Len(t, invs, 1)
		assert.Equal(t, "reader", invs[0].Subscription.AgentID)

		delayed := f.make("X", "B", t0, "")
		delayed.Visibility = blackboard.After(time.Minute, nil)
		assert.Empty(t, m.Offer(delayed, t0))
		assert.Len(t, m.Offer(delayed, t0.Add(time.Minute)), 2)
	})
}

func joinSub(window time.Duration) *subscription.Subscription {
	return &subscription.Subscription{
		AgentID:       "diagnose",
		ConsumedTypes: []string{"XRay", "LabResult"},
		Join:          &subscription.JoinSpec{Field: "patient", Within: window},
	}
}

func TestJoin_CompletesWithinWindow(t *testing.T) {
	f := &artifactFactory{}
	reg, subs := register(t, joinSub(5*time.Minute))
	m := New(reg)

	xray := f.make("XRay", "scanner", t0, `{"patient":"P1"}`)
	assert.Empty(t, m.Offer(xray, t0), "a single type must never fire the join")

	other := f.make("LabResult", "lab", t0.Add(time.Minute), `{"patient":"P2"}`)
	assert.Empty(t, m.Offer(other, t0.Add(time.Minute)), "different key must not complete")

	lab := f.make("LabResult", "lab", t0.Add(2*time.Minute), `{"patient":"P1"}`)
	invs := m.Offer(lab, t0.Add(2*time.Minute))
	require.Len(t, invs, 1)
	assert.Equal(t, subscription.ReasonJoinComplete, invs[0].Reason)
	assert.Equal(t, []*blackboard.Artifact{xray, lab}, invs[0].Trigger)

	joins, _ := m.Pending(subs[0].ID)
	assert.Equal(t, 1, joins, "only the P2 bucket remains")
}

func TestJoin_ExpiresSilently(t *testing.T) {
	f := &artifactFactory{}
	reg, subs := register(t, joinSub(5*time.Minute))
	rec := logging.NewRecorder()
	m := New(reg, WithLogger(rec))

	xray := f.make("XRay", "scanner", t0, `{"patient":"P1"}`)
	assert.Empty(t, m.Offer(xray, t0))

	wake, ok := m.NextWake()
	require.True(t, ok)
	assert.True(t, wake.After(t0.Add(5*time.Minute)))

	invs, expired := m.Expire(t0.Add(5 * time.Minute))
	assert.Empty(t, invs)
	assert.Zero(t, expired, "exactly at the window edge the member is still valid")

	invs, expired = m.Expire(t0.Add(6 * time.Minute))
	assert.Empty(t, invs)
	assert.Equal(t, 1, expired)

	joins, _ := m.Pending(subs[0].ID)
	assert.Zero(t, joins)
	assert.Equal(t, 1, rec.Count("join_expired"))

	lab := f.make("LabResult", "lab", t0.Add(7*time.Minute), `{"patient":"P1"}`)
	assert.Empty(t, m.Offer(lab, t0.Add(7*time.Minute)), "an expired partner must never complete a join")
}

func TestJoin_LateArrivalOutsideWindowDropsOldMember(t *testing.T) {
	f := &artifactFactory{}
	reg, _ := register(t, joinSub(5*time.Minute))
	m := New(reg)

	assert.Empty(t, m.Offer(f.make("XRay", "scanner", t0, `{"patient":"P1"}`), t0))
	// Expire was never called, but the window is still measured from the newest member.
	lab := f.make("LabResult", "lab", t0.Add(10*time.Minute), `{"patient":"P1"}`)
	assert.Empty(t, m.Offer(lab, t0.Add(10*time.Minute)))

	xray := f.make("XRay", "scanner", t0.Add(11*time.Minute), `{"patient":"P1"}`)
	invs := m.Offer(xray, t0.Add(11*time.Minute))
	require.Len(t, invs, 1)
	assert.Equal(t, []*blackboard.Artifact{lab, xray}, invs[0].Trigger)
}

func TestJoin_MostRecentDuplicateWins(t *testing.T) {
	f := &artifactFactory{}
	reg, _ := register(t, joinSub(5*time.Minute))
	m := New(reg)

	first := f.make("XRay", "scanner", t0, `{"patient":"P1"}`)
	second := f.make("XRay", "scanner", t0.Add(time.Minute), `{"patient":"P1"}`)
	sameInstant := f.make("XRay", "scanner", t0.Add(time.Minute), `{"patient":"P1"}`)
	assert.Empty(t, m.Offer(first, t0))
	assert.Empty(t, m.Offer(second, t0.Add(time.Minute)))
	assert.Empty(t, m.Offer(sameInstant, t0.Add(time.Minute)))

	lab := f.make("LabResult", "lab", t0.Add(2*time.Minute), `{"patient":"P1"}`)
	invs := m.Offer(lab, t0.Add(2*time.Minute))
	require.Len(t, invs, 1)
	assert.Equal(t, []*blackboard.Artifact{sameInstant, lab}, invs[0].Trigger,
		"equal timestamps fall back to store sequence")
}

func TestJoin_UsesCorrelationKeyByDefault(t *testing.T) {
	f := &artifactFactory{}
	reg, _ := register(t, &subscription.Subscription{
		AgentID:       "merge",
		ConsumedTypes: []string{"A", "B"},
		Join:          &subscription.JoinSpec{Within: time.Hour},
	})
	m := New(reg)

	a := f.make("A", "x", t0, "")
	a.CorrelationKey = "K"
	b := f.make("B", "x", t0, "")
	b.CorrelationKey = "K"
	noKey := f.make("A", "x", t0, "")

	assert.Empty(t, m.Offer(noKey, t0))
	assert.Empty(t, m.Offer(a, t0))
	assert.Len(t, m.Offer(b, t0), 1)
}

func TestBatch_SizeThreshold(t *testing.T) {
	f := &artifactFactory{}
	reg, subs := register(t, &subscription.Subscription{
		AgentID:       "batch_processor",
		ConsumedTypes: []string{"Item"},
		Batch:         &subscription.BatchSpec{MaxSize: 3},
	})
	m := New(reg)

	items := []*blackboard.Artifact{
		f.make("Item", "x", t0, ""),
		f.make("Item", "x", t0, ""),
		f.make("Item", "x", t0, ""),
	}
	assert.Empty(t, m.Offer(items[0], t0))
	assert.Empty(t, m.Offer(items[1], t0))

	invs, _ := m.Expire(t0.Add(time.Hour))
	assert.Empty(t, invs, "no max_wait means k-1 items never fire")

	_, batched := m.Pending(subs[0].ID)
	assert.Equal(t, 2, batched)

	invs = m.Offer(items[2], t0)
	require.Len(t, invs, 1)
	assert.Equal(t, subscription.ReasonBatchThreshold, invs[0].Reason)
	assert.Equal(t, items, invs[0].Trigger)

	_, batched = m.Pending(subs[0].ID)
	assert.Zero(t, batched, "accumulator is cleared after firing")
}

func TestBatch_Timeout(t *testing.T) {
	f := &artifactFactory{}
	reg, _ := register(t, &subscription.Subscription{
		AgentID:       "batch_processor",
		ConsumedTypes: []string{"Item"},
		Batch:         &subscription.BatchSpec{MaxSize: 10, MaxWait: 30 * time.Second},
	})
	rec := logging.NewRecorder()
	m := New(reg, WithLogger(rec))

	first := f.make("Item", "x", t0, "")
	second := f.make("Item", "x", t0.Add(10*time.Second), "")
	assert.Empty(t, m.Offer(first, t0))
	assert.Empty(t, m.Offer(second, t0.Add(10*time.Second)))

	wake, ok := m.NextWake()
	require.True(t, ok)
	assert.Equal(t, t0.Add(30*time.Second), wake)

	invs, _ := m.Expire(t0.Add(29 * time.Second))
	assert.Empty(t, invs)

	invs, _ = m.Expire(t0.Add(30 * time.Second))
	require.Len(t, invs, 1)
	assert.Equal(t, subscription.ReasonBatchTimeout, invs[0].Reason)
	assert.Equal(t, []*blackboard.Artifact{first, second}, invs[0].Trigger)
	assert.Equal(t, 1, rec.Count("batch_flushed"))

	_, ok = m.NextWake()
	assert.False(t, ok)
}

func TestBatch_TimeoutDetectedOnOffer(t *testing.T) {
	f := &artifactFactory{}
	reg, _ := register(t, &subscription.Subscription{
		AgentID:       "batch_processor",
		ConsumedTypes: []string{"Item"},
		Batch:         &subscription.BatchSpec{MaxWait: time.Minute},
	})
	m := New(reg)

	assert.Empty(t, m.Offer(f.make("Item", "x", t0, ""), t0))
	invs := m.Offer(f.make("Item", "x", t0.Add(2*time.Minute), ""), t0.Add(2*time.Minute))
	require.Len(t, invs, 1)
	assert.Len(t, invs[0].Trigger, 2)
	assert.Equal(t, subscription.ReasonBatchTimeout, invs[0].Reason)
}

func TestBatch_WaitCountsFromCreation(t *testing.T) {
	f := &artifactFactory{}
	reg, _ := register(t, &subscription.Subscription{
		AgentID:       "batch_processor",
		ConsumedTypes: []string{"Item"},
		Batch:         &subscription.BatchSpec{MaxSize: 3, MaxWait: 5 * time.Minute},
	})
	m := New(reg)

	t.Run("matched after the wait already elapsed", func(t *testing.T) {
		item := f.make("Item", "x", t0, "")
		invs := m.Offer(item, t0.Add(10*time.Minute))
		require.Len(t, invs, 1)
		assert.Equal(t, subscription.ReasonBatchTimeout, invs[0].Reason)
		assert.Equal(t, []*blackboard.Artifact{item}, invs[0].Trigger)
	})

	t.Run("window opens at the oldest item", func(t *testing.T) {
		now := t0.Add(time.Hour)
		older := f.make("Item", "x", now.Add(-4*time.Minute), "")
		assert.Empty(t, m.Offer(older, now))

		wake, ok := m.NextWake()
		require.True(t, ok)
		assert.Equal(t, now.Add(time.Minute), wake)

		invs, _ := m.Expire(now.Add(time.Minute))
		require.Len(t, invs, 1)
		assert.Equal(t, subscription.ReasonBatchTimeout, invs[0].Reason)
	})
}

func TestBatch_TriggerFollowsStoreSequence(t *testing.T) {
	f := &artifactFactory{}
	reg, _ := register(t, &subscription.Subscription{
		AgentID:       "batch_processor",
		ConsumedTypes: []string{"Item"},
		Batch:         &subscription.BatchSpec{MaxSize: 2},
	})
	m := New(reg)

	// Stamped later but appended first.
	first := f.make("Item", "x", t0.Add(time.Second), "")
	second := f.make("Item", "x", t0, "")
	assert.Empty(t, m.Offer(second, t0.Add(time.Second)))
	invs := m.Offer(first, t0.Add(time.Second))
	require.Len(t, invs, 1)
	assert.Equal(t, []*blackboard.Artifact{first, second}, invs[0].Trigger)
}

func TestJoinAndBatch_CountsGroups(t *testing.T) {
	f := &artifactFactory{}
	reg, subs := register(t, &subscription.Subscription{
		AgentID:       "pair_reviewer",
		ConsumedTypes: []string{"Left", "Right"},
		Join:          &subscription.JoinSpec{Field: "k", Within: time.Hour},
		Batch:         &subscription.BatchSpec{MaxSize: 2},
	})
	m := New(reg)

	l1 := f.make("Left", "x", t0, `{"k":"1"}`)
	r1 := f.make("Right", "x", t0, `{"k":"1"}`)
	l2 := f.make("Left", "x", t0, `{"k":"2"}`)
	r2 := f.make("Right", "x", t0, `{"k":"2"}`)

	assert.Empty(t, m.Offer(l1, t0))
	assert.Empty(t, m.Offer(r1, t0), "first complete group is batched, not fired")
	_, batched := m.Pending(subs[0].ID)
	assert.Equal(t, 1, batched)

	assert.Empty(t, m.Offer(l2, t0))
	invs := m.Offer(r2, t0)
	require.Len(t, invs, 1)
	assert.Equal(t, subscription.ReasonBatchThreshold, invs[0].Reason)
	assert.Equal(t, []*blackboard.Artifact{l1, r1, l2, r2}, invs[0].Trigger)
}

func TestOffer_ConcurrentBatchNeverDoubleFires(t *testing.T) {
	f := &artifactFactory{}
	reg, _ := register(t, &subscription.Subscription{
		AgentID:       "batch_processor",
		ConsumedTypes: []string{"Item"},
		Batch:         &subscription.BatchSpec{MaxSize: 5},
	})
	m := New(reg)

	const n = 100
	items := make([]*blackboard.Artifact, n)
	for i := range items {
		items[i] = f.make("Item", "x", t0, "")
	}

	var (
		wg        sync.WaitGroup
		fired     atomic.Int64
		delivered atomic.Int64
	)
	for _, a := range items {
		wg.Add(1)
		go func(a *blackboard.Artifact) {
			defer wg.Done()
			for _, inv := range m.Offer(a, t0) {
				fired.Add(1)
				delivered.Add(int64(len(inv.Trigger)))
			}
		}(a)
	}
	wg.Wait()

	assert.Equal(t, int64(n/5), fired.Load())
	assert.Equal(t, int64(n), delivered.Load())
}
