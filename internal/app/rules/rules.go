// Package rules evaluates targeting conditions against a caller-supplied
// attribute map. Evaluation is conservative: anything malformed or missing
// makes a condition false (or true only for the negated operators whose
// semantics demand it), never an error.
package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Beacon-Analytics/experiment_layer/internal/app/domain/featureflag"
)

// Evaluate reports whether every condition in the rule holds for the given
// attributes. A rule with no conditions matches everyone.
func Evaluate(rule featureflag.TargetingRule, attributes map[string]interface{}) bool {
	for _, cond := range rule.Conditions {
		if !EvaluateCondition(cond, attributes) {
			return false
		}
	}
	return true
}

// EvaluateCondition applies a single condition. An attribute absent from
// the map evaluates to false regardless of operator.
func EvaluateCondition(cond featureflag.Condition, attributes map[string]interface{}) bool {
	value, ok := attributes[cond.Attribute]
	if !ok || value == nil {
		return false
	}

	switch cond.Operator {
	case featureflag.OpEquals, featureflag.OpIn:
		return containsValue(cond.Values, value)

	case featureflag.OpNotEquals, featureflag.OpNotIn:
		return !containsValue(cond.Values, value)

	case featureflag.OpContains:
		s, ok := value.(string)
		if !ok {
			return false
		}
		return anySubstring(s, cond.Values)

	case featureflag.OpNotContains:
		s, ok := value.(string)
		if !ok {
			return true
		}
		return !anySubstring(s, cond.Values)

	case featureflag.OpGreaterThan:
		return anyNumeric(value, cond.Values, func(attr, ref float64) bool { return attr > ref })

	case featureflag.OpLessThan:
		return anyNumeric(value, cond.Values, func(attr, ref float64) bool { return attr < ref })

	case featureflag.OpMatches:
		s, ok := value.(string)
		if !ok {
			return false
		}
		return anyMatch(s, cond.Values)

	case featureflag.OpNotMatches:
		s, ok := value.(string)
		if !ok {
			return true
		}
		return !anyMatch(s, cond.Values)
	}

	return false
}

func containsValue(values []interface{}, attr interface{}) bool {
	for _, v := range values {
		if looseEqual(v, attr) {
			return true
		}
	}
	return false
}

// looseEqual compares a rule value against an attribute the way a JSON
// boundary sees them: numbers compare numerically regardless of concrete
// type, everything else compares by string form. A numeric string is a
// string here, never a number; only the ordering operators coerce.
func looseEqual(a, b interface{}) bool {
	if a == b {
		return true
	}
	af, aok := numericValue(a)
	bf, bok := numericValue(b)
	if aok && bok {
		return af == bf
	}
	if aok != bok {
		return false
	}
	return stringify(a) == stringify(b)
}

// numericValue is toFloat minus the string branch.
func numericValue(v interface{}) (float64, bool) {
	if _, ok := v.(string); ok {
		return 0, false
	}
	return toFloat(v)
}

func anySubstring(attr string, values []interface{}) bool {
	for _, v := range values {
		if strings.Contains(attr, stringify(v)) {
			return true
		}
	}
	return false
}

func anyNumeric(attr interface{}, values []interface{}, cmp func(attr, ref float64) bool) bool {
	attrNum, ok := toFloat(attr)
	if !ok {
		return false
	}
	for _, v := range values {
		if ref, ok := toFloat(v); ok && cmp(attrNum, ref) {
			return true
		}
	}
	return false
}

func anyMatch(attr string, values []interface{}) bool {
	for _, v := range values {
		re, err := regexp.Compile(stringify(v))
		if err != nil {
			// A malformed pattern counts as a non-match.
			continue
		}
		if re.MatchString(attr) {
			return true
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
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
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func stringify(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
