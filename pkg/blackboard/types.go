package blackboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"
)

// ExternalProducer is the producer recorded for artifacts published by callers
// outside the agent population (CLI, seeds, tests).
const ExternalProducer = "external"

// SystemProducer is the producer of artifacts the orchestrator writes itself,
// such as invocation failure records.
const SystemProducer = "flock"

// ErrNotFound is returned when an artifact does not exist in the store.
var ErrNotFound = errors.New("artifact not found")

// Artifact is an immutable, typed unit of data on the blackboard.
// Everything except ConsumedBy is fixed at publish time.
type Artifact struct {
	ID             string          `json:"id"`                        // UUID assigned at publish
	Seq            int64           `json:"seq"`                       // Store-assigned total order
	Type           string          `json:"type"`                      // Registered schema name
	Payload        json.RawMessage `json:"payload"`                   // JSON document conforming to Type
	Producer       string          `json:"producer"`                  // Agent name, "external" or "flock"
	Visibility     Visibility      `json:"visibility"`                // Read-time access control
	Tags           []string        `json:"tags"`                      // Coarse filtering labels
	CorrelationKey string          `json:"correlation_key,omitempty"` // Join key, not unique
	CreatedAt      time.Time       `json:"created_at"`                // UTC publish time
	ConsumedBy     []string        `json:"consumed_by"`               // Agents that already received it
}

// Clone returns a deep copy so callers can never mutate stored state.
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	c := *a
	c.Payload = slices.Clone(a.Payload)
	c.Tags = slices.Clone(a.Tags)
	c.ConsumedBy = slices.Clone(a.ConsumedBy)
	c.Visibility = a.Visibility.clone()
	return &c
}

// Decode unmarshals the payload into v.
func (a *Artifact) Decode(v any) error {
	if err := json.Unmarshal(a.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", a.Type, err)
	}
	return nil
}

// Field returns the payload value at a gjson path (e.g. "patient.id").
func (a *Artifact) Field(path string) gjson.Result {
	return gjson.GetBytes(a.Payload, path)
}

// HasTag reports whether the artifact carries the tag.
func (a *Artifact) HasTag(tag string) bool {
	return slices.Contains(a.Tags, tag)
}

// IsConsumedBy reports whether agentID has already been delivered this artifact.
func (a *Artifact) IsConsumedBy(agentID string) bool {
	return slices.Contains(a.ConsumedBy, agentID)
}

// Draft is an artifact that has not been published yet.
// A nil Visibility lets the publisher decide (public by default).
type Draft struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Visibility     *Visibility     `json:"visibility,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	CorrelationKey string          `json:"correlation_key,omitempty"`
}

// NewDraft marshals v as the payload of a draft of the given type.
func NewDraft(typ string, v any) (Draft, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Draft{}, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
	}
	return Draft{Type: typ, Payload: payload}, nil
}

// MustDraft is NewDraft for payloads that are known to marshal.
func MustDraft(typ string, v any) Draft {
	d, err := NewDraft(typ, v)
	if err != nil {
		panic(err)
	}
	return d
}

// Identity describes a reader of the blackboard for visibility checks.
type Identity struct {
	Name   string   `json:"name" yaml:"name"`
	Labels []string `json:"labels,omitempty" yaml:"labels"`
	Tenant string   `json:"tenant,omitempty" yaml:"tenant"`
}

func errDuplicateID(id string) error {
	return fmt.Errorf("artifact %s already exists", id)
}

// IsNotFound reports whether err means the artifact does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, redis.Nil)
}
