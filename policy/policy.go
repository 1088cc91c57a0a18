// Package policy holds the static mapping from protected endpoints to the
// credential types and attribute constraints they require, and evaluates
// disclosed attribute sets against it.
//
// Policies are compiled once at startup by New (or Load for YAML files) and
// are read-only afterwards, so a *Registry is safe for concurrent use without
// locking.
package policy

import (
	"fmt"
	"regexp"
	"slices"

	"github.com/ggoodman/credgate/attr"
)

// ConstraintKind is the single check a Constraint applies to a present
// attribute.
type ConstraintKind uint8

const (
	// KindPresence only checks presence (meaningful when Required is set).
	KindPresence ConstraintKind = iota
	KindExact
	KindOneOf
	KindRange
	KindPattern
)

func (k ConstraintKind) String() string {
	switch k {
	case KindExact:
		return "exact"
	case KindOneOf:
		return "one_of"
	case KindRange:
		return "range"
	case KindPattern:
		return "pattern"
	default:
		return "presence"
	}
}

// Constraint is a declarative rule for one attribute on one endpoint. At most
// one of ExpectedValue, AllowedValues, MinValue/MaxValue and Pattern may be
// set.
type Constraint struct {
	Name          string       `json:"name"`
	Required      bool         `json:"required"`
	ExpectedValue *attr.Value  `json:"expectedValue,omitempty"`
	AllowedValues []attr.Value `json:"allowedValues,omitempty"`
	MinValue      *float64     `json:"minValue,omitempty"`
	MaxValue      *float64     `json:"maxValue,omitempty"`
	Pattern       string       `json:"pattern,omitempty"`

	kind    ConstraintKind
	matcher *regexp.Regexp
}

// Kind reports which check the constraint applies. Only meaningful on
// constraints obtained from a Registry.
func (c Constraint) Kind() ConstraintKind { return c.kind }

// EndpointPolicy lists what an endpoint requires. Constraints are evaluated
// in order.
type EndpointPolicy struct {
	CredentialTypes []string     `json:"credentialTypes"`
	Constraints     []Constraint `json:"constraints"`
}

// Evaluation is the outcome of checking an attribute set against a policy.
// Missing and Violated list attribute names in constraint order.
type Evaluation struct {
	Satisfied bool     `json:"satisfied"`
	Missing   []string `json:"missing"`
	Violated  []string `json:"violated"`
}

func (c *Constraint) compile() error {
	if c.Name == "" {
		return fmt.Errorf("constraint name is required")
	}
	kinds := 0
	if c.ExpectedValue != nil {
		kinds++
		c.kind = KindExact
	}
	if len(c.AllowedValues) > 0 {
		kinds++
		c.kind = KindOneOf
	}
	if c.MinValue != nil || c.MaxValue != nil {
		kinds++
		c.kind = KindRange
	}
	if c.Pattern != "" {
		kinds++
		c.kind = KindPattern
	}
	if kinds > 1 {
		return fmt.Errorf("constraint %q: at most one of expectedValue, allowedValues, minValue/maxValue, pattern may be set", c.Name)
	}
	if kinds == 0 {
		c.kind = KindPresence
	}

	switch c.kind {
	case KindExact:
		if !c.ExpectedValue.IsValid() {
			return fmt.Errorf("constraint %q: expectedValue must be a number, boolean or string", c.Name)
		}
	case KindRange:
		if c.MinValue != nil && c.MaxValue != nil && *c.MinValue > *c.MaxValue {
			return fmt.Errorf("constraint %q: minValue %v exceeds maxValue %v", c.Name, *c.MinValue, *c.MaxValue)
		}
	case KindPattern:
		re, err := regexp.Compile(`^(?:` + c.Pattern + `)$`)
		if err != nil {
			return fmt.Errorf("constraint %q: invalid pattern: %w", c.Name, err)
		}
		c.matcher = re
	}
	return nil
}

// satisfiedBy applies the kind-specific check to a present value.
func (c *Constraint) satisfiedBy(v attr.Value) bool {
	switch c.kind {
	case KindExact:
		return v.Equal(*c.ExpectedValue)
	case KindOneOf:
		return slices.ContainsFunc(c.AllowedValues, v.Equal)
	case KindRange:
		n, ok := v.AsNumber()
		if !ok {
			return false
		}
		if c.MinValue != nil && n < *c.MinValue {
			return false
		}
		if c.MaxValue != nil && n > *c.MaxValue {
			return false
		}
		return true
	case KindPattern:
		return c.matcher.MatchString(v.String())
	default:
		return true
	}
}

func (c Constraint) clone() Constraint {
	dup := c
	if c.ExpectedValue != nil {
		v := *c.ExpectedValue
		dup.ExpectedValue = &v
	}
	dup.AllowedValues = slices.Clone(c.AllowedValues)
	if c.MinValue != nil {
		v := *c.MinValue
		dup.MinValue = &v
	}
	if c.MaxValue != nil {
		v := *c.MaxValue
		dup.MaxValue = &v
	}
	return dup
}

func (p EndpointPolicy) clone() EndpointPolicy {
	dup := EndpointPolicy{CredentialTypes: slices.Clone(p.CredentialTypes)}
	dup.Constraints = make([]Constraint, len(p.Constraints))
	for i, c := range p.Constraints {
		dup.Constraints[i] = c.clone()
	}
	return dup
}

// RequiredNames returns the names of required constraints in order.
func (p EndpointPolicy) RequiredNames() []string {
	var out []string
	for _, c := range p.Constraints {
		if c.Required {
			out = append(out, c.Name)
		}
	}
	return out
}

// Ptr is a small helper for building range bounds in Go literals.
func Ptr(f float64) *float64 { return &f }

// Val is a small helper for building expected values in Go literals.
func Val(v attr.Value) *attr.Value { return &v }
