package events

import (
	"fmt"
	"strings"

	"github.com/govkit/govkit/errors"
)

// FilterMode combines a filter's conditions.
type FilterMode string

const (
	FilterAll FilterMode = "all" // every condition must hold (AND)
	FilterAny FilterMode = "any" // at least one condition must hold (OR)
)

// ConditionOp compares one event field against a value.
type ConditionOp string

const (
	OpEquals     ConditionOp = "eq"
	OpContains   ConditionOp = "contains"
	OpStartsWith ConditionOp = "starts_with"
	OpEndsWith   ConditionOp = "ends_with"
	OpLess       ConditionOp = "lt"
	OpLessEq     ConditionOp = "lte"
	OpGreater    ConditionOp = "gt"
	OpGreaterEq  ConditionOp = "gte"
	OpIn         ConditionOp = "in"
)

// Condition is one field comparison. Field names the event attribute:
// the envelope fields "type", "domain", "source", "correlation_id",
// "causation_id", or a payload key.
type Condition struct {
	Field string        `json:"field"`
	Op    ConditionOp   `json:"op"`
	Value interface{}   `json:"value,omitempty"`
	Set   []interface{} `json:"set,omitempty"` // for OpIn
}

// Filter is a structured event predicate: conditions combined with AND
// or OR semantics.
type Filter struct {
	Mode       FilterMode  `json:"mode"`
	Conditions []Condition `json:"conditions"`
}

func (f *Filter) validate() error {
	if len(f.Conditions) == 0 {
		return errors.InvalidInput("filter has no conditions")
	}
	if f.Mode != FilterAll && f.Mode != FilterAny {
		return errors.InvalidInput(fmt.Sprintf("unknown filter mode %q", f.Mode))
	}
	for i, c := range f.Conditions {
		if c.Field == "" {
			return errors.InvalidInput(fmt.Sprintf("condition %d has no field", i))
		}
		switch c.Op {
		case OpEquals, OpContains, OpStartsWith, OpEndsWith,
			OpLess, OpLessEq, OpGreater, OpGreaterEq:
		case OpIn:
			if len(c.Set) == 0 {
				return errors.InvalidInput(fmt.Sprintf("condition %d: in needs a set", i))
			}
		default:
			return errors.InvalidInput(fmt.Sprintf("condition %d: unknown op %q", i, c.Op))
		}
	}
	return nil
}

func (f *Filter) match(evt *GovernanceEvent) bool {
	for _, c := range f.Conditions {
		ok := c.holds(evt)
		if f.Mode == FilterAll && !ok {
			return false
		}
		if f.Mode == FilterAny && ok {
			return true
		}
	}
	return f.Mode == FilterAll
}

// fieldValue resolves a condition field against the event envelope or
// its payload.
func fieldValue(evt *GovernanceEvent, field string) (interface{}, bool) {
	switch field {
	case "id":
		return evt.ID, true
	case "type":
		return evt.Type, true
	case "domain":
		return evt.Domain, true
	case "source":
		return evt.Source, true
	case "correlation_id":
		return evt.CorrelationID, true
	case "causation_id":
		return evt.CausationID, true
	}
	if evt.Payload != nil {
		v, ok := evt.Payload[field]
		return v, ok
	}
	return nil, false
}

func (c Condition) holds(evt *GovernanceEvent) bool {
	got, ok := fieldValue(evt, c.Field)
	if !ok {
		return false
	}

	switch c.Op {
	case OpEquals:
		return equalValues(got, c.Value)
	case OpContains:
		return strings.Contains(asString(got), asString(c.Value))
	case OpStartsWith:
		return strings.HasPrefix(asString(got), asString(c.Value))
	case OpEndsWith:
		return strings.HasSuffix(asString(got), asString(c.Value))
	case OpLess, OpLessEq, OpGreater, OpGreaterEq:
		a, aok := asFloat(got)
		b, bok := asFloat(c.Value)
		if !aok || !bok {
			return false
		}
		switch c.Op {
		case OpLess:
			return a < b
		case OpLessEq:
			return a <= b
		case OpGreater:
			return a > b
		default:
			return a >= b
		}
	case OpIn:
		for _, v := range c.Set {
			if equalValues(got, v) {
				return true
			}
		}
	}
	return false
}

// equalValues compares loosely: numbers compare numerically regardless
// of concrete type, everything else by string form.
func equalValues(a, b interface{}) bool {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
	}
	return asString(a) == asString(b)
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
