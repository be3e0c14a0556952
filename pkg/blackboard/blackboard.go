package blackboard

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Backend is the storage contract every store implements.
// Append must linearize concurrent calls: each artifact gets a unique, strictly
// increasing Seq, and no reader may observe a partially written artifact.
type Backend interface {
	// Append stores a fully populated artifact and returns its sequence number.
	Append(ctx context.Context, a *Artifact) (int64, error)

	// Get returns the artifact with id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Artifact, error)

	// Scan returns up to limit artifacts with Seq > afterSeq in ascending Seq
	// order, restricted to types when non-empty.
	Scan(ctx context.Context, afterSeq int64, types []string, limit int) ([]*Artifact, error)

	// MarkConsumed records that agentID received the artifact. Idempotent.
	MarkConsumed(ctx context.Context, id, agentID string) error

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Option configures a Blackboard.
type Option func(*Blackboard)

// WithClock overrides the time source used for created_at and visibility.
func WithClock(now func() time.Time) Option {
	return func(b *Blackboard) { b.now = now }
}

// Blackboard validates and stamps artifacts before handing them to a Backend.
// It is safe for concurrent use.
type Blackboard struct {
	backend Backend
	schemas *SchemaRegistry
	now     func() time.Time
}

// New creates a blackboard over backend. A nil registry gets the built-in types only.
func New(backend Backend, schemas *SchemaRegistry, opts ...Option) *Blackboard {
	if schemas == nil {
		schemas = NewSchemaRegistry()
	}
	b := &Blackboard{backend: backend, schemas: schemas, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Schemas returns the type registry.
func (b *Blackboard) Schemas() *SchemaRegistry { return b.schemas }

// Backend returns the underlying store.
func (b *Blackboard) Backend() Backend { return b.backend }

// Now returns the blackboard's current time in UTC.
func (b *Blackboard) Now() time.Time { return b.now().UTC() }

// Publish validates the draft, assigns id and timestamp, and appends it.
// An unregistered or mismatched type fails with *SchemaError.
func (b *Blackboard) Publish(ctx context.Context, d Draft, producer string) (*Artifact, error) {
	if producer == "" {
		producer = ExternalProducer
	}
	if d.Type == "" {
		return nil, &SchemaError{Reason: "artifact type cannot be empty"}
	}

	payload := d.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if err := b.schemas.Validate(d.Type, payload); err != nil {
		return nil, err
	}

	visibility := Public()
	if d.Visibility != nil {
		visibility = d.Visibility.clone()
	}
	if err := visibility.Validate(); err != nil {
		return nil, fmt.Errorf("invalid visibility: %w", err)
	}

	a := &Artifact{
		ID:             uuid.New().String(),
		Type:           d.Type,
		Payload:        slices.Clone(payload),
		Producer:       producer,
		Visibility:     visibility,
		Tags:           dedupe(d.Tags),
		CorrelationKey: d.CorrelationKey,
		CreatedAt:      b.Now(),
		ConsumedBy:     []string{},
	}

	seq, err := b.backend.Append(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("failed to append artifact: %w", err)
	}
	a.Seq = seq
	return a, nil
}

// Get retrieves an artifact by ID. Use IsNotFound to detect a missing artifact.
func (b *Blackboard) Get(ctx context.Context, id string) (*Artifact, error) {
	return b.backend.Get(ctx, id)
}

// MarkConsumed records delivery of an artifact to an agent.
func (b *Blackboard) MarkConsumed(ctx context.Context, id, agentID string) error {
	if err := b.backend.MarkConsumed(ctx, id, agentID); err != nil {
		return fmt.Errorf("failed to mark %s consumed by %s: %w", id, agentID, err)
	}
	return nil
}

// Query returns one page of matching artifacts. An empty result is not an error.
func (b *Blackboard) Query(ctx context.Context, q Query) (*Page, error) {
	limit := q.pageSize()
	now := b.Now()
	page := &Page{Artifacts: []*Artifact{}}

	cursor := q.Cursor
	for {
		batch, err := b.backend.Scan(ctx, cursor, q.Types, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifacts: %w", err)
		}
		for _, a := range batch {
			cursor = a.Seq
			if !q.Matches(a, now) {
				continue
			}
			page.Artifacts = append(page.Artifacts, a)
			if len(page.Artifacts) == limit {
				page.NextCursor = cursor
				return page, nil
			}
		}
		if len(batch) < limit {
			return page, nil
		}
	}
}

// QueryAll follows cursors until every matching artifact has been read.
func (b *Blackboard) QueryAll(ctx context.Context, q Query) ([]*Artifact, error) {
	var all []*Artifact
	q.Limit = MaxPageSize
	for {
		page, err := b.Query(ctx, q)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Artifacts...)
		if page.NextCursor == 0 {
			return all, nil
		}
		q.Cursor = page.NextCursor
	}
}

// GetByType returns every artifact of the given type in store order.
func (b *Blackboard) GetByType(ctx context.Context, typ string) ([]*Artifact, error) {
	return b.QueryAll(ctx, Query{Types: []string{typ}})
}

// Ping verifies backend connectivity.
func (b *Blackboard) Ping(ctx context.Context) error { return b.backend.Ping(ctx) }

// Close closes the backend.
func (b *Blackboard) Close() error { return b.backend.Close() }

func dedupe(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}
