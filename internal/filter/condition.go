package filter

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dyluth/flock/pkg/blackboard"
	"github.com/dyluth/flock/pkg/subscription"
	"github.com/tidwall/gjson"
)

// Op is a comparison applied to one payload field.
type Op string

const (
	OpEq       Op = "eq"
	OpNe       Op = "ne"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpIn       Op = "in"
	OpContains Op = "contains"
	OpGlob     Op = "glob"
	OpExists   Op = "exists"
	OpAbsent   Op = "absent"
)

// Condition tests the payload value at a gjson path.
//
// Example YAML:
//
//	where:
//	  - field: amount
//	    op: gt
//	    value: 100
//	  - field: customer.tier
//	    op: in
//	    value: [gold, platinum]
type Condition struct {
	Field string `yaml:"field"`
	Op    Op     `yaml:"op"`
	Value any    `yaml:"value"`
}

// Validate checks that the operator is known and the value fits it.
func (c Condition) Validate() error {
	if strings.TrimSpace(c.Field) == "" {
		return fmt.Errorf("field is required")
	}

	switch c.Op {
	case OpExists, OpAbsent:
		if c.Value != nil {
			return fmt.Errorf("op %q takes no value", c.Op)
		}
	case OpEq, OpNe:
		if !isScalar(c.Value) {
			return fmt.Errorf("op %q needs a scalar value", c.Op)
		}
	case OpGt, OpGte, OpLt, OpLte:
		if _, ok := toFloat(c.Value); !ok {
			return fmt.Errorf("op %q needs a numeric value", c.Op)
		}
	case OpIn:
		values, ok := c.Value.([]any)
		if !ok || len(values) == 0 {
			return fmt.Errorf("op %q needs a non-empty list", c.Op)
		}
		for _, v := range values {
			if !isScalar(v) {
				return fmt.Errorf("op %q list must contain scalars", c.Op)
			}
		}
	case OpContains:
		if c.Value == nil || !isScalar(c.Value) {
			return fmt.Errorf("op %q needs a scalar value", c.Op)
		}
	case OpGlob:
		pattern, ok := c.Value.(string)
		if !ok {
			return fmt.Errorf("op %q needs a string pattern", c.Op)
		}
		if _, err := path.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid glob %q: %w", pattern, err)
		}
	case "":
		return fmt.Errorf("op is required")
	default:
		return fmt.Errorf("unknown op %q", c.Op)
	}
	return nil
}

// Match evaluates the condition against a JSON payload.
func (c Condition) Match(payload []byte) bool {
	res := gjson.GetBytes(payload, c.Field)

	switch c.Op {
	case OpExists:
		return res.Exists()
	case OpAbsent:
		return !res.Exists()
	case OpEq:
		return equal(res, c.Value)
	case OpNe:
		return !equal(res, c.Value)
	case OpGt, OpGte, OpLt, OpLte:
		if res.Type != gjson.Number {
			return false
		}
		want, _ := toFloat(c.Value)
		got := res.Float()
		switch c.Op {
		case OpGt:
			return got > want
		case OpGte:
			return got >= want
		case OpLt:
			return got < want
		default:
			return got <= want
		}
	case OpIn:
		values, _ := c.Value.([]any)
		for _, v := range values {
			if equal(res, v) {
				return true
			}
		}
		return false
	case OpContains:
		if res.IsArray() {
			for _, el := range res.Array() {
				if equal(el, c.Value) {
					return true
				}
			}
			return false
		}
		s, ok := c.Value.(string)
		return ok && res.Type == gjson.String && strings.Contains(res.Str, s)
	case OpGlob:
		if res.Type != gjson.String {
			return false
		}
		ok, err := path.Match(c.Value.(string), res.Str)
		return err == nil && ok
	}
	return false
}

// Conditions are ANDed together.
type Conditions []Condition

// Validate reports every invalid condition.
func (cs Conditions) Validate() error {
	var errs []error
	for i, c := range cs {
		if err := c.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("where[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Match reports whether the payload satisfies every condition.
func (cs Conditions) Match(payload []byte) bool {
	for _, c := range cs {
		if !c.Match(payload) {
			return false
		}
	}
	return true
}

// Predicate compiles the conditions into a subscription predicate.
// An empty list compiles to nil, which accepts everything.
func (cs Conditions) Predicate() (subscription.Predicate, error) {
	if len(cs) == 0 {
		return nil, nil
	}
	if err := cs.Validate(); err != nil {
		return nil, err
	}
	compiled := append(Conditions(nil), cs...)
	return func(a *blackboard.Artifact) bool { return compiled.Match(a.Payload) }, nil
}

// DraftPredicate compiles the conditions for fan-out candidates.
func (cs Conditions) DraftPredicate() (subscription.DraftPredicate, error) {
	if len(cs) == 0 {
		return nil, nil
	}
	if err := cs.Validate(); err != nil {
		return nil, err
	}
	compiled := append(Conditions(nil), cs...)
	return func(d blackboard.Draft) bool { return compiled.Match(d.Payload) }, nil
}

func equal(res gjson.Result, want any) bool {
	switch v := want.(type) {
	case nil:
		return res.Exists() && res.Type == gjson.Null
	case bool:
		return (res.Type == gjson.True || res.Type == gjson.False) && res.Bool() == v
	case string:
		return res.Type == gjson.String && res.Str == v
	default:
		f, ok := toFloat(v)
		return ok && res.Type == gjson.Number && res.Float() == f
	}
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, bool, string:
		return true
	}
	_, ok := toFloat(v)
	return ok
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}
