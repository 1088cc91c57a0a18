package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ggoodman/credgate/attr"
)

const samplePolicy = `
endpoints:
  /api/resources/profile:
    credentialTypes: [VerifiableCredential, IdentityCredential]
    constraints:
      - name: isOver18
        required: true
        expectedValue: true
      - name: country
        required: true
        allowedValues: [US, CA]
  /api/resources/financial:
    credentialTypes: [CreditScoreCredential]
    constraints:
      - name: creditScore
        required: true
        minValue: 300
        maxValue: 850
`

func TestLoad(t *testing.T) {
	r, err := Load(strings.NewReader(samplePolicy))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	p, err := r.Lookup("/api/resources/profile")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(p.Constraints) != 2 || p.Constraints[0].Kind() != KindExact || p.Constraints[1].Kind() != KindOneOf {
		t.Fatalf("unexpected constraints %+v", p.Constraints)
	}

	ev, err := r.Evaluate("/api/resources/financial", attr.Attributes{"creditScore": attr.Number(720)})
	if err != nil || !ev.Satisfied {
		t.Fatalf("expected satisfied evaluation, got %+v err=%v", ev, err)
	}
	ev, _ = r.Evaluate("/api/resources/financial", attr.Attributes{"creditScore": attr.Number(900)})
	if ev.Satisfied {
		t.Fatal("expected range violation")
	}
}

func TestLoadRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field": `
endpoints:
  /e:
    constraints:
      - name: a
        expected: 1
`,
		"two kinds": `
endpoints:
  /e:
    constraints:
      - name: a
        expectedValue: 1
        allowedValues: [1, 2]
`,
		"non scalar": `
endpoints:
  /e:
    constraints:
      - name: a
        allowedValues: [[1]]
`,
		"empty": `endpoints: {}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(strings.NewReader(doc)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	if err := os.WriteFile(path, []byte(samplePolicy), 0o600); err != nil {
		t.Fatal(err)
	}
	r, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(r.Endpoints()) != 2 {
		t.Fatalf("endpoints: got %v", r.Endpoints())
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
