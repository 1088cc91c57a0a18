package policy

import "github.com/ggoodman/credgate/attr"

// Endpoint identifiers of the sample protected resources.
const (
	EndpointProfile       = "/api/resources/profile"
	EndpointPremium       = "/api/resources/premium"
	EndpointFinancial     = "/api/resources/financial"
	EndpointAgeRestricted = "/api/resources/age-restricted"
)

// Defaults returns the policy table for the sample resources served by this
// service.
func Defaults() map[string]EndpointPolicy {
	return map[string]EndpointPolicy{
		EndpointProfile: {
			CredentialTypes: []string{"VerifiableCredential", "IdentityCredential"},
			Constraints: []Constraint{
				{Name: "isOver18", Required: true, ExpectedValue: Val(attr.Bool(true))},
				{Name: "country", Required: true, AllowedValues: []attr.Value{attr.String("US"), attr.String("CA")}},
				{Name: "email", Pattern: `[^@\s]+@[^@\s]+\.[^@\s]+`},
			},
		},
		EndpointPremium: {
			CredentialTypes: []string{"VerifiableCredential", "SubscriptionCredential"},
			Constraints: []Constraint{
				{Name: "subscriptionTier", Required: true, AllowedValues: []attr.Value{attr.String("premium"), attr.String("enterprise")}},
				{Name: "subscriptionExpiresAt", Pattern: `\d{4}-\d{2}-\d{2}(T.*)?`},
			},
		},
		EndpointFinancial: {
			CredentialTypes: []string{"VerifiableCredential", "CreditScoreCredential"},
			Constraints: []Constraint{
				{Name: "creditScore", Required: true, MinValue: Ptr(300), MaxValue: Ptr(850)},
				{Name: "annualIncome", MinValue: Ptr(0)},
			},
		},
		EndpointAgeRestricted: {
			CredentialTypes: []string{"VerifiableCredential", "AgeCredential"},
			Constraints: []Constraint{
				{Name: "age", MinValue: Ptr(0), MaxValue: Ptr(150)},
				{Name: "isOver18", ExpectedValue: Val(attr.Bool(true))},
			},
		},
	}
}
