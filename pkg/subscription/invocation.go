package subscription

import (
	"time"

	"github.com/dyluth/flock/pkg/blackboard"
)

// FireReason explains why an invocation was scheduled.
type FireReason string

const (
	ReasonArtifact       FireReason = "artifact"
	ReasonTimer          FireReason = "timer"
	ReasonJoinComplete   FireReason = "join-complete"
	ReasonBatchThreshold FireReason = "batch-threshold"
	ReasonBatchTimeout   FireReason = "batch-timeout"
	ReasonDirect         FireReason = "direct"
)

// Invocation is a matched, not yet executed, unit of work. It lives for one
// dispatch pass.
type Invocation struct {
	Subscription *Subscription
	Trigger      []*blackboard.Artifact
	Reason       FireReason

	// Iteration and ScheduledAt are set for timer fires.
	Iteration   int
	ScheduledAt time.Time
}

// Order is the sequence number of the newest trigger artifact; invocations of
// one subscription run in ascending Order. Timer fires order by schedule.
func (inv *Invocation) Order() int64 {
	var newest int64
	for _, a := range inv.Trigger {
		if a.Seq > newest {
			newest = a.Seq
		}
	}
	return newest
}

// TriggerIDs returns the ids of the trigger artifacts.
func (inv *Invocation) TriggerIDs() []string {
	ids := make([]string, 0, len(inv.Trigger))
	for _, a := range inv.Trigger {
		ids = append(ids, a.ID)
	}
	return ids
}

// CorrelationKey returns the key shared by every trigger, or "" when the
// triggers disagree or have none.
func (inv *Invocation) CorrelationKey() string {
	if len(inv.Trigger) == 0 {
		return ""
	}
	key := inv.Trigger[0].CorrelationKey
	for _, a := range inv.Trigger[1:] {
		if a.CorrelationKey != key {
			return ""
		}
	}
	return key
}
