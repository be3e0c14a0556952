package blackboard

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/tidwall/gjson"
)

// FailureType is the built-in type recorded when an invocation fails.
const FailureType = "flock.InvocationFailure"

// SchemaError is returned when a payload is published against an unregistered
// or mismatched type. The artifact never enters the store.
type SchemaError struct {
	Type   string
	Reason string
	Err    error
}

func (e *SchemaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("schema error for type %q: %s: %v", e.Type, e.Reason, e.Err)
	}
	return fmt.Sprintf("schema error for type %q: %s", e.Type, e.Reason)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// validator is implemented by payload structs that check their own invariants.
type validator interface {
	Validate() error
}

type schema struct {
	name     string
	required []string
	decode   func(json.RawMessage) error
}

// SchemaRegistry holds the artifact types known to a blackboard.
// It is safe for concurrent use.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*schema
}

// Failure is the payload of FailureType artifacts.
type Failure struct {
	Agent        string   `json:"agent"`
	Subscription string   `json:"subscription"`
	Reason       string   `json:"reason"`
	Kind         string   `json:"kind"`
	Error        string   `json:"error"`
	TriggerIDs   []string `json:"trigger_ids"`
}

// NewSchemaRegistry returns a registry pre-populated with the built-in types.
func NewSchemaRegistry() *SchemaRegistry {
	r := &SchemaRegistry{schemas: make(map[string]*schema)}
	_ = RegisterType[Failure](r, FailureType)
	return r
}

// Register adds a loosely-typed schema: any JSON object whose required gjson
// paths all exist is accepted.
func (r *SchemaRegistry) Register(name string, required ...string) error {
	return r.add(&schema{name: name, required: required})
}

// RegisterType registers T as the schema for name. Payloads must decode into T
// without unknown fields, and T's Validate method is called when present.
func RegisterType[T any](r *SchemaRegistry, name string) error {
	return r.add(&schema{
		name: name,
		decode: func(payload json.RawMessage) error {
			dec := json.NewDecoder(bytes.NewReader(payload))
			dec.DisallowUnknownFields()
			v := new(T)
			if err := dec.Decode(v); err != nil {
				return err
			}
			if val, ok := any(v).(validator); ok {
				return val.Validate()
			}
			return nil
		},
	})
}

func (r *SchemaRegistry) add(s *schema) error {
	if s.name == "" {
		return fmt.Errorf("schema name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.schemas[s.name]; exists {
		return fmt.Errorf("type %q is already registered", s.name)
	}
	r.schemas[s.name] = s
	return nil
}

// Has reports whether the type is registered.
func (r *SchemaRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[name]
	return ok
}

// Types returns the registered type names in sorted order.
func (r *SchemaRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks payload against the schema registered for typ.
func (r *SchemaRegistry) Validate(typ string, payload json.RawMessage) error {
	r.mu.RLock()
	s, ok := r.schemas[typ]
	r.mu.RUnlock()
	if !ok {
		return &SchemaError{Type: typ, Reason: "type is not registered"}
	}

	if !json.Valid(payload) {
		return &SchemaError{Type: typ, Reason: "payload is not valid JSON"}
	}

	for _, path := range s.required {
		if !gjson.GetBytes(payload, path).Exists() {
			return &SchemaError{Type: typ, Reason: fmt.Sprintf("missing required field %q", path)}
		}
	}

	if s.decode != nil {
		if err := s.decode(payload); err != nil {
			return &SchemaError{Type: typ, Reason: "payload does not match schema", Err: err}
		}
	}
	return nil
}
