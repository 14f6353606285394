// Package access decides which sites a caller may see based on the claims
// of their access token.
package access

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"sitegate/auth"
)

// Operator selects how a rule compares a claim to its operand.
type Operator int

const (
	// Matches applies the operand to the claim value itself.
	Matches Operator = iota
	// ContainsMatch applies the operand to each element of an array claim.
	ContainsMatch
)

func (o Operator) String() string {
	switch o {
	case Matches:
		return "matches"
	case ContainsMatch:
		return "contains_match"
	default:
		return fmt.Sprintf("Operator(%d)", int(o))
	}
}

// ParseOperator accepts "matches" and "contains_match" in any case.
func ParseOperator(s string) (Operator, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "")) {
	case "matches":
		return Matches, nil
	case "containsmatch":
		return ContainsMatch, nil
	default:
		return 0, fmt.Errorf("unknown operator %q", s)
	}
}

// MarshalYAML renders the operator by name.
func (o Operator) MarshalYAML() (any, error) {
	return o.String(), nil
}

// Operand is either a literal JSON value or a regular expression.
type Operand struct {
	value any
	regex *regexp.Regexp
}

// ValueOperand compares claims for structural equality with v. v is
// normalized to JSON value types so 1 and 1.0 are equal but 1 and "1" are not.
func ValueOperand(v any) (Operand, error) {
	norm, err := normalizeJSON(v)
	if err != nil {
		return Operand{}, err
	}
	return Operand{value: norm}, nil
}

// RegexOperand matches string claims containing a match of re.
func RegexOperand(re *regexp.Regexp) Operand {
	return Operand{regex: re}
}

// IsRegex reports whether the operand is a regular expression.
func (o Operand) IsRegex() bool {
	return o.regex != nil
}

// Value returns the literal operand.
func (o Operand) Value() any {
	return o.value
}

// Regex returns the regular expression operand, if any.
func (o Operand) Regex() *regexp.Regexp {
	return o.regex
}

func (o Operand) matches(v any) bool {
	if o.regex != nil {
		s, ok := v.(string)
		return ok && o.regex.MatchString(s)
	}
	return reflect.DeepEqual(o.value, v)
}

// ClaimRule grants visibility when the claim at Path satisfies Operator and
// Operand.
type ClaimRule struct {
	Path     string
	Operator Operator
	Operand  Operand
}

// Evaluate reports whether the rule holds for claims. A missing path never
// holds. It never panics.
func (r ClaimRule) Evaluate(claims *auth.Claims) bool {
	v, ok := claims.GetPath(r.Path)
	if !ok {
		return false
	}
	switch r.Operator {
	case Matches:
		return r.Operand.matches(v)
	case ContainsMatch:
		items, ok := v.([]any)
		if !ok {
			return false
		}
		for _, item := range items {
			if r.Operand.matches(item) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

type claimRuleYAML struct {
	Path     string    `yaml:"path"`
	Operator string    `yaml:"operator"`
	Value    yaml.Node `yaml:"value"`
	Regex    *string   `yaml:"regex"`
}

// UnmarshalYAML decodes a rule. Exactly one of value or regex must be set;
// regexes are compiled here so evaluation cannot fail. An explicit
// "value: null" is a value.
func (r *ClaimRule) UnmarshalYAML(node *yaml.Node) error {
	var raw claimRuleYAML
	if err := node.Decode(&raw); err != nil {
		return err
	}

	op := Matches
	if raw.Operator != "" {
		parsed, err := ParseOperator(raw.Operator)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		op = parsed
	}

	var operand Operand
	switch {
	case raw.Value.Kind != 0 && raw.Regex != nil:
		return fmt.Errorf("line %d: rule for %q sets both value and regex", node.Line, raw.Path)
	case raw.Regex != nil:
		re, err := regexp.Compile(*raw.Regex)
		if err != nil {
			return fmt.Errorf("line %d: rule for %q: %w", node.Line, raw.Path, err)
		}
		operand = RegexOperand(re)
	case raw.Value.Kind != 0:
		var v any
		if err := raw.Value.Decode(&v); err != nil {
			return fmt.Errorf("line %d: rule for %q: %w", node.Line, raw.Path, err)
		}
		parsed, err := ValueOperand(v)
		if err != nil {
			return fmt.Errorf("line %d: rule for %q: %w", node.Line, raw.Path, err)
		}
		operand = parsed
	default:
		return fmt.Errorf("line %d: rule for %q needs a value or a regex", node.Line, raw.Path)
	}

	*r = ClaimRule{Path: raw.Path, Operator: op, Operand: operand}
	return nil
}

// MarshalYAML renders the rule in the form UnmarshalYAML accepts.
func (r ClaimRule) MarshalYAML() (any, error) {
	out := map[string]any{
		"path":     r.Path,
		"operator": r.Operator.String(),
	}
	if r.Operand.regex != nil {
		out["regex"] = r.Operand.regex.String()
	} else {
		out["value"] = r.Operand.value
	}
	return out, nil
}

func normalizeJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("operand is not a JSON value: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
