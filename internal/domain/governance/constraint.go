package governance

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Operator names the supported constraint checks.
type Operator string

const (
	// OpIn requires the argument to equal one of the listed values.
	OpIn Operator = "in"
	// OpNotIn rejects arguments equal to any listed value.
	OpNotIn Operator = "not_in"
	// OpContains requires the argument to contain at least one listed substring.
	OpContains Operator = "contains"
	// OpNotContains rejects arguments containing any listed substring.
	OpNotContains Operator = "not_contains"
	// OpRegex requires the argument to match at least one listed pattern.
	OpRegex Operator = "regex"
	// OpMaxLength caps the argument's string length at values[0].
	OpMaxLength Operator = "max_length"
)

// Valid reports whether the operator is recognized.
func (o Operator) Valid() bool {
	switch o {
	case OpIn, OpNotIn, OpContains, OpNotContains, OpRegex, OpMaxLength:
		return true
	default:
		return false
	}
}

// Constraint restricts one argument of one tool. A constraint on an
// argument absent from the call is skipped.
type Constraint struct {
	ToolName    string
	ParamName   string
	Operator    Operator
	Values      []string
	Description string
}

// Validate checks the constraint is well-formed: known operator, non-empty
// param, compilable patterns for regex, a numeric limit for max_length.
func (c Constraint) Validate() error {
	if c.ToolName == "" {
		return fmt.Errorf("%w: tool name required", ErrInvalidConstraint)
	}
	if c.ParamName == "" {
		return fmt.Errorf("%w: param name required", ErrInvalidConstraint)
	}
	if !c.Operator.Valid() {
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidConstraint, c.Operator)
	}
	if len(c.Values) == 0 {
		return fmt.Errorf("%w: at least one value required", ErrInvalidConstraint)
	}
	switch c.Operator {
	case OpRegex:
		for _, pattern := range c.Values {
			if _, err := regexp.Compile(pattern); err != nil {
				return fmt.Errorf("%w: bad pattern %q: %v", ErrInvalidConstraint, pattern, err)
			}
		}
	case OpMaxLength:
		if _, err := strconv.Atoi(c.Values[0]); err != nil {
			return fmt.Errorf("%w: max_length needs a numeric value, got %q", ErrInvalidConstraint, c.Values[0])
		}
	}
	return nil
}

// Check evaluates the constraint against parsed arguments. It returns ""
// when the constraint passes or is skipped, otherwise a violation message
// of the form "Constraint violated: ...".
func (c Constraint) Check(args map[string]interface{}) string {
	raw, ok := args[c.ParamName]
	if !ok || raw == nil {
		return ""
	}
	arg := stringifyArg(raw)

	var detail string
	switch c.Operator {
	case OpIn:
		if !containsString(c.Values, arg) {
			detail = fmt.Sprintf("'%s' value '%s' not in allowed list %v", c.ParamName, arg, c.Values)
		}
	case OpNotIn:
		if containsString(c.Values, arg) {
			detail = fmt.Sprintf("'%s' value '%s' is in blocked list", c.ParamName, arg)
		}
	case OpContains:
		if !anySubstring(arg, c.Values) {
			detail = fmt.Sprintf("'%s' must contain one of %v", c.ParamName, c.Values)
		}
	case OpNotContains:
		if found := foundSubstrings(arg, c.Values); len(found) > 0 {
			detail = fmt.Sprintf("'%s' must not contain %v", c.ParamName, found)
		}
	case OpRegex:
		if !anyPatternMatches(arg, c.Values) {
			detail = fmt.Sprintf("'%s' does not match any allowed pattern", c.ParamName)
		}
	case OpMaxLength:
		maxLen, _ := strconv.Atoi(c.Values[0])
		if len(arg) > maxLen {
			detail = fmt.Sprintf("'%s' length %d exceeds max %d", c.ParamName, len(arg), maxLen)
		}
	}

	if detail == "" {
		return ""
	}
	if c.Description != "" {
		return "Constraint violated: " + c.Description
	}
	return "Constraint violated: " + detail
}

// CheckConstraints runs each constraint in order and returns the first
// violation message, or "" when all pass.
func CheckConstraints(constraints []Constraint, args map[string]interface{}) string {
	for _, c := range constraints {
		if msg := c.Check(args); msg != "" {
			return msg
		}
	}
	return ""
}

// stringifyArg renders an argument value for string-based comparison.
// Compound values fall back to their JSON encoding.
func stringifyArg(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func anySubstring(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func foundSubstrings(s string, subs []string) []string {
	var found []string
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			found = append(found, sub)
		}
	}
	return found
}

func anyPatternMatches(s string, patterns []string) bool {
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
