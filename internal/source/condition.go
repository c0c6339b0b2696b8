package source

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Condition filters documents on a single field.
type Condition struct {
	Field    string   `yaml:"field" json:"field" validate:"required"`
	Operator string   `yaml:"operator" json:"operator" validate:"required,oneof=eq ne gt gte lt lte contains regex in not_in exists not_exists"`
	Value    any      `yaml:"value,omitempty" json:"value,omitempty"`
	Values   []string `yaml:"values,omitempty" json:"values,omitempty"` // For "in" and "not_in"
}

var validOperators = map[string]bool{
	"eq": true, "ne": true, "gt": true, "gte": true,
	"lt": true, "lte": true, "contains": true,
	"regex": true, "in": true, "not_in": true,
	"exists": true, "not_exists": true,
}

// Validate validates a condition.
func (c *Condition) Validate() error {
	if c.Field == "" {
		return fmt.Errorf("field is required")
	}
	if c.Operator == "" {
		return fmt.Errorf("operator is required")
	}
	if !validOperators[c.Operator] {
		return fmt.Errorf("invalid operator: %s", c.Operator)
	}
	if c.Operator == "in" || c.Operator == "not_in" {
		if len(c.Values) == 0 {
			return fmt.Errorf("values required for %s operator", c.Operator)
		}
	}
	if c.Operator == "regex" {
		if _, err := regexp.Compile(fmt.Sprint(c.Value)); err != nil {
			return fmt.Errorf("invalid regex: %w", err)
		}
	}
	return nil
}

// Match checks if a field value satisfies this condition.
func (c *Condition) Match(value any) bool {
	switch c.Operator {
	case "eq":
		return c.matchEquals(value)
	case "ne":
		return !c.matchEquals(value)
	case "gt":
		cmp, ok := c.compare(value)
		return ok && cmp > 0
	case "gte":
		cmp, ok := c.compare(value)
		return ok && cmp >= 0
	case "lt":
		cmp, ok := c.compare(value)
		return ok && cmp < 0
	case "lte":
		cmp, ok := c.compare(value)
		return ok && cmp <= 0
	case "contains":
		if value == nil {
			return false
		}
		return strings.Contains(strings.ToLower(stringify(value)), strings.ToLower(stringify(c.Value)))
	case "regex":
		if value == nil {
			return false
		}
		re, err := regexp.Compile(stringify(c.Value))
		if err != nil {
			return false
		}
		return re.MatchString(stringify(value))
	case "in":
		return c.matchIn(value)
	case "not_in":
		return !c.matchIn(value)
	case "exists":
		return value != nil && value != ""
	case "not_exists":
		return value == nil || value == ""
	}
	return false
}

func (c *Condition) matchEquals(value any) bool {
	if s, ok := value.(string); ok {
		if want, ok := c.Value.(string); ok {
			return s == want
		}
	}
	if n, ok := toFloat64(value); ok {
		if want, ok := toFloat64(c.Value); ok {
			return n == want
		}
	}
	return stringify(value) == stringify(c.Value)
}

// compare returns the ordering of value against the condition value. Numbers
// compare numerically, times chronologically, and anything else as strings.
func (c *Condition) compare(value any) (int, bool) {
	if value == nil {
		return 0, false
	}
	if t, ok := value.(time.Time); ok {
		want, err := time.Parse(time.RFC3339, stringify(c.Value))
		if err != nil {
			return 0, false
		}
		return t.Compare(want), true
	}
	n, ok1 := toFloat64(value)
	want, ok2 := toFloat64(c.Value)
	if !ok1 || !ok2 {
		return strings.Compare(stringify(value), stringify(c.Value)), true
	}
	switch {
	case n < want:
		return -1, true
	case n > want:
		return 1, true
	}
	return 0, true
}

func (c *Condition) matchIn(value any) bool {
	s := stringify(value)
	for _, v := range c.Values {
		if s == v {
			return true
		}
	}
	return false
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case time.Time:
		return s.UTC().Format(time.RFC3339)
	case nil:
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err == nil {
			return f, true
		}
	}
	return 0, false
}
