package policy

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/ggoodman/credgate/attr"
	"gopkg.in/yaml.v3"
)

// fileDocument is the on-disk policy format:
//
//	endpoints:
//	  /api/resources/profile:
//	    credentialTypes: [IdentityCredential]
//	    constraints:
//	      - name: country
//	        required: true
//	        allowedValues: [US, CA]
type fileDocument struct {
	Endpoints map[string]fileEndpoint `yaml:"endpoints"`
}

type fileEndpoint struct {
	CredentialTypes []string         `yaml:"credentialTypes"`
	Constraints     []fileConstraint `yaml:"constraints"`
}

type fileConstraint struct {
	Name          string   `yaml:"name"`
	Required      bool     `yaml:"required"`
	ExpectedValue any      `yaml:"expectedValue"`
	AllowedValues []any    `yaml:"allowedValues"`
	MinValue      *float64 `yaml:"minValue"`
	MaxValue      *float64 `yaml:"maxValue"`
	Pattern       string   `yaml:"pattern"`
}

// LoadFile reads and compiles a YAML policy file.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("policy: open %s: %w", path, err)
	}
	defer f.Close()
	r, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("policy: load %s: %w", path, err)
	}
	return r, nil
}

// Load reads and compiles a YAML policy document. Unknown fields are
// rejected so that typos in constraint names surface at startup.
func Load(r io.Reader) (*Registry, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var doc fileDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("policy: decode: %w", err)
	}
	if len(doc.Endpoints) == 0 {
		return nil, fmt.Errorf("policy: document defines no endpoints")
	}

	policies := make(map[string]EndpointPolicy, len(doc.Endpoints))
	for endpoint, fe := range doc.Endpoints {
		p := EndpointPolicy{CredentialTypes: fe.CredentialTypes}
		for _, fc := range fe.Constraints {
			c, err := fc.toConstraint()
			if err != nil {
				return nil, fmt.Errorf("policy: endpoint %s: %w", endpoint, err)
			}
			p.Constraints = append(p.Constraints, c)
		}
		policies[endpoint] = p
	}
	return New(policies)
}

func (fc fileConstraint) toConstraint() (Constraint, error) {
	c := Constraint{
		Name:     fc.Name,
		Required: fc.Required,
		MinValue: fc.MinValue,
		MaxValue: fc.MaxValue,
		Pattern:  fc.Pattern,
	}
	if fc.ExpectedValue != nil {
		v, err := attr.FromAny(fc.ExpectedValue)
		if err != nil {
			return Constraint{}, fmt.Errorf("constraint %q: expectedValue: %w", fc.Name, err)
		}
		c.ExpectedValue = &v
	}
	for _, raw := range fc.AllowedValues {
		v, err := attr.FromAny(raw)
		if err != nil {
			return Constraint{}, fmt.Errorf("constraint %q: allowedValues: %w", fc.Name, err)
		}
		c.AllowedValues = append(c.AllowedValues, v)
	}
	return c, nil
}
