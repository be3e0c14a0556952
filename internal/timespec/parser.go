// Package timespec parses the time expressions accepted by the CLI and by
// flock.yml schedules.
package timespec

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dyluth/flock/pkg/subscription"
)

// Parse parses a time specification relative to now.
// Supports two formats:
//   - Go duration format: "1h", "30m", "1h30m", "2h45m30s"
//   - RFC3339 timestamps: "2025-10-29T13:00:00Z"
//
// Durations are subtracted from now, so "1h" means "1 hour ago".
func Parse(spec string, now time.Time) (time.Time, error) {
	if spec == "" {
		return time.Time{}, fmt.Errorf("empty time specification")
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t.UTC(), nil
	}

	if d, err := time.ParseDuration(spec); err == nil {
		return now.Add(-d).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("invalid time specification: %s (use duration like '1h30m' or RFC3339 like '2025-10-29T13:00:00Z')", spec)
}

// ParseRange parses both --since and --until flags into a time range.
// Zero values indicate "no bound" for that end of the range.
func ParseRange(since, until string, now time.Time) (time.Time, time.Time, error) {
	var from, to time.Time
	var err error

	if since != "" {
		from, err = Parse(since, now)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --since: %w", err)
		}
	}

	if until != "" {
		to, err = Parse(until, now)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --until: %w", err)
		}
	}

	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("--since must be before --until")
	}

	return from, to, nil
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS" as a UTC wall-clock time.
func ParseTimeOfDay(spec string) (subscription.TimeOfDay, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return subscription.TimeOfDay{}, fmt.Errorf("invalid time of day %q (use HH:MM or HH:MM:SS)", spec)
	}

	fields := make([]int, 3)
	for i, p := range parts {
		if len(p) != 2 {
			return subscription.TimeOfDay{}, fmt.Errorf("invalid time of day %q (use HH:MM or HH:MM:SS)", spec)
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return subscription.TimeOfDay{}, fmt.Errorf("invalid time of day %q: %w", spec, err)
		}
		fields[i] = n
	}

	tod := subscription.TimeOfDay{Hour: fields[0], Minute: fields[1], Second: fields[2]}
	if err := tod.Validate(); err != nil {
		return subscription.TimeOfDay{}, err
	}
	return tod, nil
}

// ParseAbsolute parses an RFC3339 instant. Datetimes without a zone are
// rejected instead of being guessed as local or UTC.
func ParseAbsolute(spec string) (time.Time, error) {
	if spec == "" {
		return time.Time{}, fmt.Errorf("empty datetime")
	}
	t, err := time.Parse(time.RFC3339, spec)
	if err == nil {
		return t.UTC(), nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02T15:04"} {
		if _, naive := time.Parse(layout, spec); naive == nil {
			return time.Time{}, fmt.Errorf("datetime %q has no timezone (append Z or an offset such as +02:00)", spec)
		}
	}
	return time.Time{}, fmt.Errorf("invalid datetime %q (use RFC3339 like '2025-10-29T13:00:00Z'): %w", spec, err)
}
