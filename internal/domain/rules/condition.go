package rules

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/marketsage/governance/internal/domain/errors"
)

// Condition is a data-driven predicate over a flattened operation field map.
// Leaf conditions compare a single field; composite conditions nest via
// All/Any/Not. Exactly one form must be populated.
type Condition struct {
	Field    string      `json:"field,omitempty"`
	Operator string      `json:"operator,omitempty"`
	Value    interface{} `json:"value,omitempty"`

	All []Condition `json:"all,omitempty"`
	Any []Condition `json:"any,omitempty"`
	Not *Condition  `json:"not,omitempty"`
}

// Valid leaf operators.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpIn          = "in"
	OpExists      = "exists"
	OpFieldEquals = "field_equals" // compares two fields, Value names the other field
)

// Validate checks structural correctness of the condition tree.
func (c Condition) Validate() error {
	composites := 0
	if len(c.All) > 0 {
		composites++
	}
	if len(c.Any) > 0 {
		composites++
	}
	if c.Not != nil {
		composites++
	}

	if composites > 1 {
		return errors.NewValidationError("INVALID_CONDITION", "condition may use only one of all/any/not")
	}

	if composites == 1 {
		if c.Field != "" || c.Operator != "" {
			return errors.NewValidationError("INVALID_CONDITION", "composite condition cannot carry a leaf comparison")
		}
		for _, child := range c.All {
			if err := child.Validate(); err != nil {
				return err
			}
		}
		for _, child := range c.Any {
			if err := child.Validate(); err != nil {
				return err
			}
		}
		if c.Not != nil {
			return c.Not.Validate()
		}
		return nil
	}

	if c.Field == "" {
		return errors.NewValidationError("INVALID_CONDITION", "condition field cannot be empty")
	}
	switch c.Operator {
	case OpEquals, OpNotEquals, OpContains, OpGreaterThan, OpLessThan, OpIn, OpExists, OpFieldEquals:
		return nil
	default:
		return errors.NewValidationError("INVALID_CONDITION",
			fmt.Sprintf("invalid operator: %s", c.Operator))
	}
}

// Evaluate interprets the condition tree against the field map. A missing
// field fails the leaf (except for exists) rather than erroring, so rules
// stay applicable across heterogeneous operation payloads.
func (c Condition) Evaluate(fields map[string]interface{}) (bool, error) {
	switch {
	case len(c.All) > 0:
		for _, child := range c.All {
			ok, err := child.Evaluate(fields)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case len(c.Any) > 0:
		for _, child := range c.Any {
			ok, err := child.Evaluate(fields)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case c.Not != nil:
		ok, err := c.Not.Evaluate(fields)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}

	return c.evaluateLeaf(fields)
}

func (c Condition) evaluateLeaf(fields map[string]interface{}) (bool, error) {
	fieldValue, exists := fields[c.Field]

	if c.Operator == OpExists {
		want := true
		if b, ok := c.Value.(bool); ok {
			want = b
		}
		return exists == want, nil
	}

	if !exists {
		return false, nil
	}

	switch c.Operator {
	case OpEquals:
		return looseEquals(fieldValue, c.Value), nil

	case OpNotEquals:
		return !looseEquals(fieldValue, c.Value), nil

	case OpFieldEquals:
		otherField, ok := c.Value.(string)
		if !ok {
			return false, errors.NewValidationError("INVALID_CONDITION",
				"field_equals operator requires a field name value")
		}
		otherValue, otherExists := fields[otherField]
		if !otherExists {
			return false, nil
		}
		return looseEquals(fieldValue, otherValue), nil

	case OpContains:
		fieldStr, ok := fieldValue.(string)
		valueStr, ok2 := c.Value.(string)
		if !ok || !ok2 {
			return false, errors.NewValidationError("INVALID_CONDITION",
				"contains operator requires string values")
		}
		return strings.Contains(strings.ToLower(fieldStr), strings.ToLower(valueStr)), nil

	case OpGreaterThan:
		a, b, err := numericPair(fieldValue, c.Value)
		if err != nil {
			return false, err
		}
		return a.GreaterThan(b), nil

	case OpLessThan:
		a, b, err := numericPair(fieldValue, c.Value)
		if err != nil {
			return false, err
		}
		return a.LessThan(b), nil

	case OpIn:
		switch values := c.Value.(type) {
		case []string:
			for _, v := range values {
				if looseEquals(fieldValue, v) {
					return true, nil
				}
			}
		case []interface{}:
			for _, v := range values {
				if looseEquals(fieldValue, v) {
					return true, nil
				}
			}
		default:
			return false, errors.NewValidationError("INVALID_CONDITION",
				"in operator requires a list value")
		}
		return false, nil
	}

	return false, errors.NewValidationError("INVALID_CONDITION",
		fmt.Sprintf("unsupported operator: %s", c.Operator))
}

func looseEquals(a, b interface{}) bool {
	if a == b {
		return true
	}
	// Numeric values arrive from JSON as float64 and from code as int;
	// compare via decimal when both sides coerce.
	da, errA := toDecimal(a)
	db, errB := toDecimal(b)
	if errA == nil && errB == nil {
		return da.Equal(db)
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func numericPair(a, b interface{}) (decimal.Decimal, decimal.Decimal, error) {
	da, err := toDecimal(a)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	db, err := toDecimal(b)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return da, db, nil
}

func toDecimal(v interface{}) (decimal.Decimal, error) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int32:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case float32:
		return decimal.NewFromFloat32(n), nil
	case float64:
		return decimal.NewFromFloat(n), nil
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return decimal.Zero, errors.NewValidationError("INVALID_CONDITION",
				fmt.Sprintf("value %q is not numeric", n))
		}
		return d, nil
	default:
		return decimal.Zero, errors.NewValidationError("INVALID_CONDITION",
			fmt.Sprintf("value of type %T is not numeric", v))
	}
}
