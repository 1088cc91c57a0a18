package policy

import (
	"slices"
	"testing"

	"github.com/ggoodman/credgate/apperr"
	"github.com/ggoodman/credgate/attr"
)

func TestEvaluateProfileViolation(t *testing.T) {
	r := MustNew(Defaults())

	ev, err := r.Evaluate(EndpointProfile, attr.Attributes{
		"isOver18": attr.Bool(true),
		"country":  attr.String("MX"),
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ev.Satisfied {
		t.Fatal("expected policy to be unsatisfied")
	}
	if !slices.Equal(ev.Violated, []string{"country"}) {
		t.Fatalf("violated: got %v", ev.Violated)
	}
	if len(ev.Missing) != 0 {
		t.Fatalf("missing: got %v", ev.Missing)
	}
}

func TestEvaluate(t *testing.T) {
	r := MustNew(map[string]EndpointPolicy{
		"/e": {Constraints: []Constraint{
			{Name: "flag", Required: true, ExpectedValue: Val(attr.Bool(true))},
			{Name: "tier", Required: true, AllowedValues: []attr.Value{attr.String("gold"), attr.String("silver")}},
			{Name: "score", MinValue: Ptr(300), MaxValue: Ptr(850)},
			{Name: "floor", MinValue: Ptr(10)},
			{Name: "code", Pattern: `[A-Z]{3}`},
			{Name: "present", Required: true},
		}},
	})

	base := func() attr.Attributes {
		return attr.Attributes{
			"flag":    attr.Bool(true),
			"tier":    attr.String("gold"),
			"present": attr.String("anything"),
		}
	}

	cases := []struct {
		name     string
		mutate   func(a attr.Attributes)
		missing  []string
		violated []string
	}{
		{name: "minimal ok", mutate: func(a attr.Attributes) {}},
		{name: "missing required", mutate: func(a attr.Attributes) { delete(a, "flag"); delete(a, "present") }, missing: []string{"flag", "present"}},
		{name: "exact mismatch kind", mutate: func(a attr.Attributes) { a["flag"] = attr.String("true") }, violated: []string{"flag"}},
		{name: "not in set", mutate: func(a attr.Attributes) { a["tier"] = attr.String("bronze") }, violated: []string{"tier"}},
		{name: "range lower bound inclusive", mutate: func(a attr.Attributes) { a["score"] = attr.Number(300) }},
		{name: "range upper bound inclusive", mutate: func(a attr.Attributes) { a["score"] = attr.Number(850) }},
		{name: "range below", mutate: func(a attr.Attributes) { a["score"] = attr.Number(299.9) }, violated: []string{"score"}},
		{name: "range above", mutate: func(a attr.Attributes) { a["score"] = attr.Number(851) }, violated: []string{"score"}},
		{name: "range non numeric", mutate: func(a attr.Attributes) { a["score"] = attr.String("700") }, violated: []string{"score"}},
		{name: "open upper bound", mutate: func(a attr.Attributes) { a["floor"] = attr.Number(1e9) }},
		{name: "pattern full match", mutate: func(a attr.Attributes) { a["code"] = attr.String("ABC") }},
		{name: "pattern partial match rejected", mutate: func(a attr.Attributes) { a["code"] = attr.String("ABCD") }, violated: []string{"code"}},
		{name: "optional absent ignored", mutate: func(a attr.Attributes) { delete(a, "code") }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := base()
			tc.mutate(a)
			ev, err := r.Evaluate("/e", a)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if !slices.Equal(ev.Missing, nonNil(tc.missing)) {
				t.Errorf("missing: got %v want %v", ev.Missing, tc.missing)
			}
			if !slices.Equal(ev.Violated, nonNil(tc.violated)) {
				t.Errorf("violated: got %v want %v", ev.Violated, tc.violated)
			}
			if want := len(tc.missing) == 0 && len(tc.violated) == 0; ev.Satisfied != want {
				t.Errorf("satisfied: got %v want %v", ev.Satisfied, want)
			}
		})
	}
}

func TestEvaluateUnknownEndpoint(t *testing.T) {
	r := MustNew(Defaults())
	_, err := r.Evaluate("/api/nope", attr.Attributes{})
	if !apperr.IsKind(err, apperr.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := r.Lookup("/api/nope"); !apperr.IsKind(err, apperr.KindConfiguration) {
		t.Fatalf("Lookup: expected configuration error, got %v", err)
	}
}

func TestNewRejectsInvalidConstraints(t *testing.T) {
	cases := map[string]Constraint{
		"two kinds":      {Name: "a", ExpectedValue: Val(attr.Number(1)), Pattern: "x"},
		"empty name":     {Required: true},
		"inverted range": {Name: "a", MinValue: Ptr(10), MaxValue: Ptr(1)},
		"bad pattern":    {Name: "a", Pattern: "("},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := New(map[string]EndpointPolicy{"/e": {Constraints: []Constraint{c}}}); err == nil {
				t.Fatal("expected compile error")
			}
		})
	}
}

func TestRegistryIsolatedFromCaller(t *testing.T) {
	table := map[string]EndpointPolicy{
		"/e": {CredentialTypes: []string{"A"}, Constraints: []Constraint{{Name: "x", Required: true}}},
	}
	r := MustNew(table)
	table["/e"].Constraints[0].Name = "y"
	table["/e"].CredentialTypes[0] = "B"

	p, err := r.Lookup("/e")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if p.Constraints[0].Name != "x" || p.CredentialTypes[0] != "A" {
		t.Fatalf("registry aliased caller input: %+v", p)
	}

	p.Constraints[0].Name = "z"
	again, _ := r.Lookup("/e")
	if again.Constraints[0].Name != "x" {
		t.Fatal("Lookup must return a copy")
	}
}

func TestEndpointsSorted(t *testing.T) {
	r := MustNew(Defaults())
	got := r.Endpoints()
	if !slices.IsSorted(got) || len(got) != 4 {
		t.Fatalf("unexpected endpoints %v", got)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
