package blackboard

import (
	"slices"
	"time"
)

const (
	// DefaultPageSize is used when a Query does not set Limit.
	DefaultPageSize = 100
	// MaxPageSize caps Query.Limit to keep memory bounded.
	MaxPageSize = 1000
)

// Query filters artifacts. Zero-valued fields do not filter.
type Query struct {
	Types          []string  // any of these types
	Tags           []string  // all of these tags
	Producer       string    // exact producer
	CorrelationKey string    // exact correlation key
	Since          time.Time // created at or after (inclusive)
	Until          time.Time // created before (exclusive)
	Reader         *Identity // only artifacts this reader may see; nil skips visibility
	Limit          int       // page size, defaults to DefaultPageSize
	Cursor         int64     // resume after this sequence number
}

// Page is one page of query results in store order.
// NextCursor is zero when there are no further results.
type Page struct {
	Artifacts  []*Artifact
	NextCursor int64
}

// Matches reports whether a satisfies every filter except type, which backends
// apply through their indexes. now is used for visibility evaluation.
func (q Query) Matches(a *Artifact, now time.Time) bool {
	if len(q.Types) > 0 && !slices.Contains(q.Types, a.Type) {
		return false
	}
	for _, tag := range q.Tags {
		if !a.HasTag(tag) {
			return false
		}
	}
	if q.Producer != "" && a.Producer != q.Producer {
		return false
	}
	if q.CorrelationKey != "" && a.CorrelationKey != q.CorrelationKey {
		return false
	}
	if !q.Since.IsZero() && a.CreatedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !a.CreatedAt.Before(q.Until) {
		return false
	}
	if q.Reader != nil && !a.Visibility.Allows(*q.Reader, a.CreatedAt, now) {
		return false
	}
	return true
}

func (q Query) pageSize() int {
	switch {
	case q.Limit <= 0:
		return DefaultPageSize
	case q.Limit > MaxPageSize:
		return MaxPageSize
	default:
		return q.Limit
	}
}
