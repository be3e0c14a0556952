// Package filter holds the two kinds of artifact filtering used outside the
// engine: listing criteria for the CLI and declarative payload conditions
// compiled into subscription predicates.
package filter

import (
	"path/filepath"
	"time"

	"github.com/dyluth/flock/pkg/blackboard"
)

// Criteria defines filtering criteria for artifact listings.
// All filters are ANDed together - an artifact must match ALL criteria to pass.
type Criteria struct {
	Since    time.Time // created at or after, zero = no filter
	Until    time.Time // created at or before, zero = no filter
	TypeGlob string    // glob pattern for artifact type, empty = no filter
	Producer string    // exact producer, empty = no filter
	Tag      string    // required tag, empty = no filter
}

// Matches returns true if the artifact matches all filter criteria.
func (c *Criteria) Matches(a *blackboard.Artifact) bool {
	if !c.Since.IsZero() && a.CreatedAt.Before(c.Since) {
		return false
	}
	if !c.Until.IsZero() && a.CreatedAt.After(c.Until) {
		return false
	}

	if c.TypeGlob != "" {
		matched, err := filepath.Match(c.TypeGlob, a.Type)
		if err != nil || !matched {
			return false
		}
	}

	if c.Producer != "" && a.Producer != c.Producer {
		return false
	}
	if c.Tag != "" && !a.HasTag(c.Tag) {
		return false
	}

	return true
}

// HasFilters returns true if any filters are active.
func (c *Criteria) HasFilters() bool {
	return !c.Since.IsZero() ||
		!c.Until.IsZero() ||
		c.TypeGlob != "" ||
		c.Producer != "" ||
		c.Tag != ""
}

// Query returns the store query that pre-filters what the backend can index.
// The type glob and inclusive upper bound are applied afterwards by Matches.
func (c *Criteria) Query() blackboard.Query {
	q := blackboard.Query{Producer: c.Producer, Since: c.Since}
	if c.Tag != "" {
		q.Tags = []string{c.Tag}
	}
	if c.TypeGlob != "" && !hasMeta(c.TypeGlob) {
		q.Types = []string{c.TypeGlob}
	}
	return q
}

func hasMeta(pattern string) bool {
	for _, r := range pattern {
		switch r {
		case '*', '?', '[', '\\':
			return true
		}
	}
	return false
}
