package access

import (
	"testing"
	"time"

	"github.com/ggoodman/credgate/apperr"
	"github.com/ggoodman/credgate/attr"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestClassifyCreditBoundaries(t *testing.T) {
	tests := []struct {
		score float64
		tier  CreditTier
		risk  RiskLevel
	}{
		{300, TierPoor, RiskHigh},
		{579, TierPoor, RiskHigh},
		{580, TierFair, RiskHigh},
		{590, TierFair, RiskHigh},
		{599, TierFair, RiskHigh},
		{600, TierFair, RiskMedium},
		{669, TierFair, RiskMedium},
		{670, TierGood, RiskMedium},
		{699, TierGood, RiskMedium},
		{700, TierGood, RiskLow},
		{739, TierGood, RiskLow},
		{740, TierVeryGood, RiskLow},
		{745, TierVeryGood, RiskLow},
		{799, TierVeryGood, RiskLow},
		{800, TierExcellent, RiskLow},
		{849, TierExcellent, RiskLow},
		{850, TierExceptional, RiskLow},
	}
	for _, tt := range tests {
		if got := ClassifyCredit(tt.score); got != tt.tier {
			t.Errorf("ClassifyCredit(%v) = %s, want %s", tt.score, got, tt.tier)
		}
		if got := AssessRisk(tt.score); got != tt.risk {
			t.Errorf("AssessRisk(%v) = %s, want %s", tt.score, got, tt.risk)
		}
	}
}

// Property: for a < b, ClassifyCredit(a) never ranks above ClassifyCredit(b),
// and every score in [300, 850] maps to a known tier.
func TestClassifyCreditMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("tiers are monotonic", prop.ForAll(
		func(a, b float64) bool {
			if a > b {
				a, b = b, a
			}
			return ClassifyCredit(a).Rank() <= ClassifyCredit(b).Rank()
		},
		gen.Float64Range(300, 850),
		gen.Float64Range(300, 850),
	))

	properties.Property("risk is antitone in score", prop.ForAll(
		func(a, b float64) bool {
			if a > b {
				a, b = b, a
			}
			rank := map[RiskLevel]int{RiskHigh: 0, RiskMedium: 1, RiskLow: 2}
			return rank[AssessRisk(a)] <= rank[AssessRisk(b)]
		},
		gen.Float64Range(300, 850),
		gen.Float64Range(300, 850),
	))

	properties.Property("no gaps", prop.ForAll(
		func(score int) bool {
			switch ClassifyCredit(float64(score)) {
			case TierPoor, TierFair, TierGood, TierVeryGood, TierExcellent, TierExceptional:
				return true
			}
			return false
		},
		gen.IntRange(300, 850),
	))

	properties.TestingRun(t)
}

func TestAssessCredit(t *testing.T) {
	got, err := AssessCredit(attr.Attributes{"creditScore": attr.Number(745)})
	if err != nil {
		t.Fatalf("AssessCredit: %v", err)
	}
	if got.Tier != TierVeryGood || got.Risk != RiskLow {
		t.Fatalf("got %+v", got)
	}

	if _, err := AssessCredit(attr.Attributes{}); !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("missing score: expected ValidationError, got %v", err)
	}
	if _, err := AssessCredit(attr.Attributes{"creditScore": attr.String("745")}); !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("string score: expected ValidationError, got %v", err)
	}
}

func TestCheckSubscription(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		attrs   attr.Attributes
		wantErr bool
	}{
		{"premium without expiry", attr.Attributes{"subscriptionTier": attr.String("premium")}, false},
		{"enterprise future expiry", attr.Attributes{
			"subscriptionTier":      attr.String("enterprise"),
			"subscriptionExpiresAt": attr.String("2026-01-01T00:00:00Z"),
		}, false},
		{"bare date in future", attr.Attributes{
			"subscriptionTier":      attr.String("premium"),
			"subscriptionExpiresAt": attr.String("2025-06-02"),
		}, false},
		{"expired", attr.Attributes{
			"subscriptionTier":      attr.String("premium"),
			"subscriptionExpiresAt": attr.String("2025-05-31T23:59:59Z"),
		}, true},
		{"expires now", attr.Attributes{
			"subscriptionTier":      attr.String("premium"),
			"subscriptionExpiresAt": attr.String("2025-06-01"),
		}, true},
		{"unparseable expiry", attr.Attributes{
			"subscriptionTier":      attr.String("premium"),
			"subscriptionExpiresAt": attr.String("soon"),
		}, true},
		{"free tier", attr.Attributes{"subscriptionTier": attr.String("free")}, true},
		{"missing tier", attr.Attributes{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := CheckSubscription(tt.attrs, now)
			if tt.wantErr {
				if !apperr.IsKind(err, apperr.KindValidation) {
					t.Fatalf("expected ValidationError, got %v (%+v)", err, sub)
				}
				return
			}
			if err != nil {
				t.Fatalf("CheckSubscription: %v", err)
			}
			if len(sub.Features) == 0 {
				t.Errorf("no features for tier %s", sub.Tier)
			}
		})
	}
}

func TestVerifyAge(t *testing.T) {
	got, err := VerifyAge(attr.Attributes{"age": attr.Number(21)}, 21)
	if err != nil || got.Age == nil || *got.Age != 21 || !got.IsOver18 || got.Method != "age" {
		t.Fatalf("numeric age: (%+v, %v)", got, err)
	}

	got, err = VerifyAge(attr.Attributes{"isOver18": attr.Bool(true)}, 18)
	if err != nil || got.Age != nil || !got.IsOver18 || got.Method != "isOver18" {
		t.Fatalf("flag only: (%+v, %v)", got, err)
	}

	got, err = VerifyAge(attr.Attributes{"age": attr.Number(30), "isOver18": attr.Bool(true)}, 18)
	if err != nil || got.Age == nil || *got.Age != 30 {
		t.Fatalf("both present: (%+v, %v)", got, err)
	}

	failures := []struct {
		name  string
		attrs attr.Attributes
		min   float64
	}{
		{"neither", attr.Attributes{"country": attr.String("US")}, 18},
		{"too young", attr.Attributes{"age": attr.Number(17)}, 18},
		{"flag false", attr.Attributes{"isOver18": attr.Bool(false)}, 18},
		{"flag insufficient for 21", attr.Attributes{"isOver18": attr.Bool(true)}, 21},
		{"non-numeric age", attr.Attributes{"age": attr.String("old")}, 18},
	}
	for _, tt := range failures {
		if _, err := VerifyAge(tt.attrs, tt.min); !apperr.IsKind(err, apperr.KindValidation) {
			t.Errorf("%s: expected ValidationError, got %v", tt.name, err)
		}
	}
}
