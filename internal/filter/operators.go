package filter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"openiotzen-gateway/internal/data"
)

type outcome int

const (
	skipped outcome = iota
	satisfied
	failed
)

// operatorPhrases holds the operator set of each filter type and how a satisfied
// condition reads in an alert description.
var operatorPhrases = map[data.FilterType]map[string]string{
	data.FilterNumeric: {
		"<":  "es menor que",
		"<=": "es menor o igual que",
		"=":  "es igual a",
		">=": "es mayor o igual que",
		">":  "es mayor que",
		"!=": "es diferente de",
	},
	data.FilterBoolean: {
		"=":  "es igual a",
		"!=": "es diferente de",
	},
	data.FilterString: {
		"=":           "es igual a",
		"!=":          "es diferente de",
		"contains":    "contiene",
		"starts_with": "comienza con",
		"ends_with":   "termina con",
	},
}

var operatorAliases = map[string]string{
	"==": "=",
	"<>": "!=",
}

func normalizeOperator(op string) string {
	op = strings.ToLower(strings.TrimSpace(op))
	if alias, ok := operatorAliases[op]; ok {
		return alias
	}
	return op
}

// evaluate applies one condition to a field value.
func evaluate(ft data.FilterType, c data.Condition, value interface{}) outcome {
	op := normalizeOperator(c.Operator)
	switch ft {
	case data.FilterNumeric:
		return evalNumeric(op, c.Threshold, value)
	case data.FilterBoolean:
		return evalBoolean(op, c.Threshold, value)
	case data.FilterString:
		return evalString(op, c.Threshold, value)
	}
	return skipped
}

func evalNumeric(op string, threshold, value interface{}) outcome {
	v, ok := toFloat(value)
	if !ok {
		return skipped
	}
	t, ok := toFloat(threshold)
	if !ok {
		return skipped
	}

	var hit bool
	switch op {
	case "<":
		hit = v < t
	case "<=":
		hit = v <= t
	case "=":
		hit = v == t
	case ">=":
		hit = v >= t
	case ">":
		hit = v > t
	case "!=":
		hit = v != t
	default:
		return skipped
	}
	return result(hit)
}

func evalBoolean(op string, threshold, value interface{}) outcome {
	v, t := truthy(value), truthy(threshold)
	switch op {
	case "=":
		return result(v == t)
	case "!=":
		return result(v != t)
	}
	return skipped
}

func evalString(op string, threshold, value interface{}) outcome {
	v, t := toString(value), toString(threshold)
	switch op {
	case "=":
		return result(v == t)
	case "!=":
		return result(v != t)
	case "contains":
		return result(strings.Contains(v, t))
	case "starts_with":
		return result(strings.HasPrefix(v, t))
	case "ends_with":
		return result(strings.HasSuffix(v, t))
	}
	return skipped
}

func result(hit bool) outcome {
	if hit {
		return satisfied
	}
	return failed
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
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// truthy accepts true, 1 and "true" (also "1") as true; everything else is false.
func truthy(v interface{}) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		s := strings.ToLower(strings.TrimSpace(b))
		return s == "true" || s == "1"
	}
	if f, ok := toFloat(v); ok {
		return f == 1
	}
	return false
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// clause renders a satisfied condition, e.g. "temperature es mayor que 30 (valor actual: 34.2)".
func clause(field string, ft data.FilterType, c data.Condition, value interface{}) string {
	op := normalizeOperator(c.Operator)
	phrase := operatorPhrases[ft][op]
	if phrase == "" {
		phrase = op
	}
	return fmt.Sprintf("%s %s %s (valor actual: %s)", field, phrase, toString(c.Threshold), toString(value))
}
