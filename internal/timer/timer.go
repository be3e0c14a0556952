// Package timer produces synthetic firing events for schedule-driven
// subscriptions. It keeps no goroutines: the orchestrator calls Tick from its
// serve loop and dispatches whatever fired.
package timer

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dyluth/flock/pkg/subscription"
	"github.com/robfig/cron/v3"
)

// Fire is one timer event. Iteration is 0-based per subscription.
type Fire struct {
	SubscriptionID string
	Iteration      int
	ScheduledAt    time.Time
	FiredAt        time.Time
}

type state struct {
	id        string
	schedule  subscription.Schedule
	cron      cron.Schedule
	next      time.Time
	iteration int
	done      bool
}

// Source tracks every registered timer. It is safe for concurrent use.
type Source struct {
	mu     sync.Mutex
	timers map[string]*state
	last   time.Time
}

// New creates an empty timer source.
func New() *Source {
	return &Source{timers: make(map[string]*state)}
}

// Register arms a timer for subscriptionID. Malformed schedules are rejected
// here, never at fire time.
func (s *Source) Register(subscriptionID string, sched *subscription.Schedule, now time.Time) error {
	if sched == nil {
		return fmt.Errorf("schedule for %s cannot be nil", subscriptionID)
	}
	if err := sched.Validate(); err != nil {
		return err
	}

	st := &state{id: subscriptionID, schedule: *sched}
	now = now.UTC()

	switch {
	case sched.Every > 0:
		first := sched.Every
		if sched.After > 0 {
			first = sched.After
		}
		st.next = now.Add(first)
	case sched.Daily != nil:
		st.next = nextDaily(*sched.Daily, now, true)
	case !sched.At.IsZero():
		st.next = sched.At.UTC()
	case sched.Cron != "":
		parsed, err := subscription.ParseCron(sched.Cron)
		if err != nil {
			return err
		}
		st.cron = parsed
		st.next = parsed.Next(now).UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.timers[subscriptionID]; exists {
		return fmt.Errorf("timer for %s is already registered", subscriptionID)
	}
	s.timers[subscriptionID] = st
	return nil
}

// Unregister stops a timer. Already dispatched invocations are unaffected.
func (s *Source) Unregister(subscriptionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[subscriptionID]
	delete(s.timers, subscriptionID)
	return ok
}

// Tick returns every timer due at now, at most once per timer per call.
// Slots missed between ticks are coalesced into a single fire, and a clock
// that moves backwards is treated as standing still, so a logical slot never
// fires twice.
func (s *Source) Tick(now time.Time) []Fire {
	s.mu.Lock()
	defer s.mu.Unlock()

	now = now.UTC()
	if now.Before(s.last) {
		now = s.last
	}
	s.last = now

	var fires []Fire
	for _, st := range s.timers {
		if st.done || now.Before(st.next) {
			continue
		}

		fires = append(fires, Fire{
			SubscriptionID: st.id,
			Iteration:      st.iteration,
			ScheduledAt:    st.next,
			FiredAt:        now,
		})
		st.iteration++
		s.advance(st, now)
	}

	sort.Slice(fires, func(i, j int) bool {
		if !fires[i].ScheduledAt.Equal(fires[j].ScheduledAt) {
			return fires[i].ScheduledAt.Before(fires[j].ScheduledAt)
		}
		return fires[i].SubscriptionID < fires[j].SubscriptionID
	})
	return fires
}

func (s *Source) advance(st *state, now time.Time) {
	sched := st.schedule
	if sched.MaxRepeats > 0 && st.iteration >= sched.MaxRepeats {
		st.done = true
		return
	}

	switch {
	case sched.Every > 0:
		// Anchored to the previous slot so intervals do not drift.
		st.next = st.next.Add(sched.Every)
		if !st.next.After(now) {
			missed := now.Sub(st.next)/sched.Every + 1
			st.next = st.next.Add(missed * sched.Every)
		}
	case sched.Daily != nil:
		st.next = nextDaily(*sched.Daily, now, false)
	case !sched.At.IsZero():
		st.done = true
	case st.cron != nil:
		st.next = st.cron.Next(now).UTC()
	}
}

// Next returns the earliest pending fire time.
func (s *Source) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		earliest time.Time
		found    bool
	)
	for _, st := range s.timers {
		if st.done {
			continue
		}
		if !found || st.next.Before(earliest) {
			earliest, found = st.next, true
		}
	}
	return earliest, found
}

// Active returns the number of timers that can still fire.
func (s *Source) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.timers {
		if !st.done {
			n++
		}
	}
	return n
}

// nextDaily returns the next occurrence of tod in UTC. With inclusive set, a
// slot exactly at now counts.
func nextDaily(tod subscription.TimeOfDay, now time.Time, inclusive bool) time.Time {
	y, m, d := now.Date()
	candidate := time.Date(y, m, d, tod.Hour, tod.Minute, tod.Second, 0, time.UTC)
	if candidate.Before(now) || (!inclusive && candidate.Equal(now)) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}
