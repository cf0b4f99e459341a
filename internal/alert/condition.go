package alert

import (
	"fmt"
	"regexp"
	"strconv"
)

// The condition grammar is deliberately restricted: one comparison, or two
// comparisons joined by a single and/or. No nesting, no parentheses, no
// mixed connectors.
var conditionPattern = regexp.MustCompile(
	`^\s*(\w+)\s*(==|!=|<=|>=|<|>)\s*("[^"]*"|'[^']*'|\S+)` +
		`(?:\s+(and|or)\s+(\w+)\s*(==|!=|<=|>=|<|>)\s*("[^"]*"|'[^']*'|\S+))?\s*$`)

type comparison struct {
	variable string
	op       string
	literal  string
}

// Condition is a compiled condition expression.
type Condition struct {
	expr      string
	left      comparison
	connector string
	right     *comparison
}

// ParseCondition compiles a condition expression.
func ParseCondition(expr string) (*Condition, error) {
	m := conditionPattern.FindStringSubmatch(expr)
	if m == nil {
		return nil, fmt.Errorf("invalid condition expression: %q", expr)
	}

	cond := &Condition{
		expr: expr,
		left: comparison{variable: m[1], op: m[2], literal: unquote(m[3])},
	}
	if m[4] != "" {
		cond.connector = m[4]
		cond.right = &comparison{variable: m[5], op: m[6], literal: unquote(m[7])}
	}
	return cond, nil
}

// String returns the original expression.
func (c *Condition) String() string { return c.expr }

// Eval evaluates the condition against a variable map. Missing variables
// default to zero; literals that do not parse as numbers are compared as
// strings.
func (c *Condition) Eval(vars map[string]interface{}) bool {
	left := evalComparison(c.left, vars)
	if c.right == nil {
		return left
	}
	right := evalComparison(*c.right, vars)
	if c.connector == "and" {
		return left && right
	}
	return left || right
}

// Threshold returns the first numeric literal in the expression, used for
// message substitution. Defaults to 1000 when no literal is numeric.
func (c *Condition) Threshold() float64 {
	if v, err := strconv.ParseFloat(c.left.literal, 64); err == nil {
		return v
	}
	if c.right != nil {
		if v, err := strconv.ParseFloat(c.right.literal, 64); err == nil {
			return v
		}
	}
	return 1000.0
}

func evalComparison(cmp comparison, vars map[string]interface{}) bool {
	value, ok := vars[cmp.variable]
	if !ok {
		value = 0.0
	}

	if lit, err := strconv.ParseFloat(cmp.literal, 64); err == nil {
		if num, ok := toFloat(value); ok {
			return compareFloats(num, cmp.op, lit)
		}
	}
	return compareStrings(fmt.Sprint(value), cmp.op, cmp.literal)
}

func compareFloats(a float64, op string, b float64) bool {
	switch op {
	case "==":
		return a == b
	case "!=":
		return a != b
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	case ">=":
		return a >= b
	}
	return false
}

func compareStrings(a, op, b string) bool {
	switch op {
	case "==":
		return a == b
	case "!=":
		return a != b
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	case ">=":
		return a >= b
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
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
