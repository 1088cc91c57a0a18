package policy

import (
	"fmt"
	"maps"
	"slices"

	"github.com/ggoodman/credgate/apperr"
	"github.com/ggoodman/credgate/attr"
)

// Registry answers policy questions for a fixed set of endpoints.
type Registry struct {
	policies map[string]EndpointPolicy
}

// New compiles the given policies into a Registry. The input is deep-copied;
// later changes by the caller have no effect.
func New(policies map[string]EndpointPolicy) (*Registry, error) {
	r := &Registry{policies: make(map[string]EndpointPolicy, len(policies))}
	for endpoint, p := range policies {
		if endpoint == "" {
			return nil, fmt.Errorf("policy: empty endpoint identifier")
		}
		compiled := p.clone()
		seen := make(map[string]bool, len(compiled.Constraints))
		for i := range compiled.Constraints {
			c := &compiled.Constraints[i]
			if err := c.compile(); err != nil {
				return nil, fmt.Errorf("policy: endpoint %s: %w", endpoint, err)
			}
			if seen[c.Name] {
				return nil, fmt.Errorf("policy: endpoint %s: duplicate constraint %q", endpoint, c.Name)
			}
			seen[c.Name] = true
		}
		r.policies[endpoint] = compiled
	}
	return r, nil
}

// MustNew is New for static, known-good policy tables.
func MustNew(policies map[string]EndpointPolicy) *Registry {
	r, err := New(policies)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns a copy of the policy for endpoint. Unknown endpoints yield a
// ConfigurationError.
func (r *Registry) Lookup(endpoint string) (EndpointPolicy, error) {
	p, ok := r.policies[endpoint]
	if !ok {
		return EndpointPolicy{}, unknownEndpoint(endpoint)
	}
	return p.clone(), nil
}

// Endpoints lists registered endpoint identifiers in sorted order.
func (r *Registry) Endpoints() []string {
	return slices.Sorted(maps.Keys(r.policies))
}

// Evaluate checks attrs against the policy for endpoint. It neither mutates
// the registry nor attrs. An endpoint with no registered policy is rejected
// with a ConfigurationError rather than treated as unrestricted.
func (r *Registry) Evaluate(endpoint string, attrs attr.Attributes) (Evaluation, error) {
	p, ok := r.policies[endpoint]
	if !ok {
		return Evaluation{}, unknownEndpoint(endpoint)
	}

	ev := Evaluation{Missing: []string{}, Violated: []string{}}
	for i := range p.Constraints {
		c := &p.Constraints[i]
		v, present := attrs.Lookup(c.Name)
		if !present {
			if c.Required {
				ev.Missing = append(ev.Missing, c.Name)
			}
			continue
		}
		if !c.satisfiedBy(v) {
			ev.Violated = append(ev.Violated, c.Name)
		}
	}
	ev.Satisfied = len(ev.Missing) == 0 && len(ev.Violated) == 0
	return ev, nil
}

func unknownEndpoint(endpoint string) *apperr.Error {
	return apperr.Newf(apperr.KindConfiguration, "no policy registered for endpoint %s", endpoint).With("endpoint", endpoint)
}
