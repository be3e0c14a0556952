package subscription

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleError reports a malformed timer configuration. It is raised at
// registration, never at fire time.
type ScheduleError struct {
	AgentID string
	Err     error
}

func (e *ScheduleError) Error() string {
	return fmt.Sprintf("invalid schedule for agent %s: %v", e.AgentID, e.Err)
}

func (e *ScheduleError) Unwrap() error { return e.Err }

// TimeOfDay is a wall-clock time interpreted in UTC.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// Validate checks the clock fields.
func (t TimeOfDay) Validate() error {
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 || t.Second < 0 || t.Second > 59 {
		return fmt.Errorf("time of day %02d:%02d:%02d is out of range", t.Hour, t.Minute, t.Second)
	}
	return nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// Schedule makes a subscription timer-driven. Exactly one of Every, Daily, At
// or Cron must be set.
type Schedule struct {
	// Every fires at a fixed interval, first after After (or one interval).
	Every time.Duration
	After time.Duration

	// Daily fires once a day at a UTC time of day.
	Daily *TimeOfDay

	// At fires once at an absolute instant.
	At time.Time

	// Cron is a standard five-field expression evaluated in UTC.
	Cron string

	// MaxRepeats stops the timer after that many fires. Zero means unlimited
	// (a one-shot At always fires once).
	MaxRepeats int
}

// Kind names the schedule mode for logs.
func (s *Schedule) Kind() string {
	switch {
	case s.Every > 0:
		return "interval"
	case s.Daily != nil:
		return "daily"
	case !s.At.IsZero():
		return "once"
	case s.Cron != "":
		return "cron"
	default:
		return "none"
	}
}

// Validate checks that exactly one mode is set and that it is well formed.
func (s *Schedule) Validate() error {
	modes := 0
	if s.Every != 0 {
		modes++
	}
	if s.Daily != nil {
		modes++
	}
	if !s.At.IsZero() {
		modes++
	}
	if s.Cron != "" {
		modes++
	}
	if modes != 1 {
		return fmt.Errorf("exactly one of every, daily, at or cron is required (got %d)", modes)
	}

	if s.MaxRepeats < 0 {
		return fmt.Errorf("max_repeats must not be negative")
	}
	if s.After < 0 {
		return fmt.Errorf("initial delay must not be negative")
	}
	if s.After > 0 && s.Every == 0 {
		return fmt.Errorf("initial delay only applies to interval schedules")
	}

	switch {
	case s.Every != 0:
		if s.Every < 0 {
			return fmt.Errorf("interval must be positive")
		}
	case s.Daily != nil:
		return s.Daily.Validate()
	case s.Cron != "":
		if _, err := ParseCron(s.Cron); err != nil {
			return err
		}
	}
	return nil
}

// ParseCron parses a standard five-field cron expression. Timezone prefixes
// are rejected because cron schedules always run in UTC.
func ParseCron(expr string) (cron.Schedule, error) {
	parsed, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("malformed cron expression %q: %w", expr, err)
	}
	if spec, ok := parsed.(*cron.SpecSchedule); ok {
		if spec.Location != time.UTC && spec.Location != time.Local {
			return nil, fmt.Errorf("cron expression %q must not set a timezone", expr)
		}
		spec.Location = time.UTC
	}
	return parsed, nil
}
