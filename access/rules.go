package access

import (
	"slices"
	"time"

	"github.com/ggoodman/credgate/apperr"
	"github.com/ggoodman/credgate/attr"
)

// CreditTier is an ordinal band of credit scores.
type CreditTier string

const (
	TierPoor        CreditTier = "poor"
	TierFair        CreditTier = "fair"
	TierGood        CreditTier = "good"
	TierVeryGood    CreditTier = "very_good"
	TierExcellent   CreditTier = "excellent"
	TierExceptional CreditTier = "exceptional"
)

// creditBands are lower bounds in ascending order; a score belongs to the
// last band whose floor it reaches.
var creditBands = []struct {
	floor float64
	tier  CreditTier
}{
	{580, TierFair},
	{670, TierGood},
	{740, TierVeryGood},
	{800, TierExcellent},
	{850, TierExceptional},
}

// ClassifyCredit maps a score to its tier: <580 poor, 580-669 fair,
// 670-739 good, 740-799 very_good, 800-849 excellent, >=850 exceptional.
func ClassifyCredit(score float64) CreditTier {
	tier := TierPoor
	for _, b := range creditBands {
		if score < b.floor {
			break
		}
		tier = b.tier
	}
	return tier
}

// Rank orders tiers from 0 (poor) upwards.
func (t CreditTier) Rank() int {
	switch t {
	case TierFair:
		return 1
	case TierGood:
		return 2
	case TierVeryGood:
		return 3
	case TierExcellent:
		return 4
	case TierExceptional:
		return 5
	default:
		return 0
	}
}

// RiskLevel is a coarse lending risk derived from a credit score.
type RiskLevel string

const (
	RiskHigh   RiskLevel = "high"
	RiskMedium RiskLevel = "medium"
	RiskLow    RiskLevel = "low"
)

// AssessRisk maps a score to <600 high, 600-699 medium, >=700 low.
func AssessRisk(score float64) RiskLevel {
	switch {
	case score < 600:
		return RiskHigh
	case score < 700:
		return RiskMedium
	default:
		return RiskLow
	}
}

// CreditAssessment is what the financial resource reports.
type CreditAssessment struct {
	Score float64    `json:"creditScore"`
	Tier  CreditTier `json:"tier"`
	Risk  RiskLevel  `json:"riskLevel"`
}

// AssessCredit classifies the numeric creditScore attribute.
func AssessCredit(attrs attr.Attributes) (CreditAssessment, error) {
	v, ok := attrs.Lookup("creditScore")
	if !ok {
		return CreditAssessment{}, apperr.New(apperr.KindValidation, "credit score is required").
			With("missing", []string{"creditScore"})
	}
	score, ok := v.AsNumber()
	if !ok {
		return CreditAssessment{}, apperr.New(apperr.KindValidation, "credit score must be numeric").
			With("violated", []string{"creditScore"})
	}
	return CreditAssessment{Score: score, Tier: ClassifyCredit(score), Risk: AssessRisk(score)}, nil
}

// SubscriptionTiers are the tiers that unlock premium resources.
var SubscriptionTiers = []string{"premium", "enterprise"}

var tierFeatures = map[string][]string{
	"premium":    {"advanced_analytics", "priority_support"},
	"enterprise": {"advanced_analytics", "priority_support", "sso", "audit_log"},
}

// Subscription is the premium gate's view of a session.
type Subscription struct {
	Tier      string     `json:"tier"`
	ExpiresAt *time.Time `json:"expiresAt"`
	Features  []string   `json:"features"`
}

// CheckSubscription requires subscriptionTier to be an allowed tier and, if
// subscriptionExpiresAt is present, that it lies in the future at now.
func CheckSubscription(attrs attr.Attributes, now time.Time) (Subscription, error) {
	v, ok := attrs.Lookup("subscriptionTier")
	if !ok {
		return Subscription{}, apperr.New(apperr.KindValidation, "subscription tier is required").
			With("missing", []string{"subscriptionTier"})
	}
	tier, _ := v.AsString()
	if !slices.Contains(SubscriptionTiers, tier) {
		return Subscription{}, apperr.New(apperr.KindValidation, "subscription tier does not grant access").
			With("violated", []string{"subscriptionTier"}).
			With("allowedValues", SubscriptionTiers)
	}

	sub := Subscription{Tier: tier, Features: slices.Clone(tierFeatures[tier])}
	if v, ok := attrs.Lookup("subscriptionExpiresAt"); ok {
		exp, err := parseTimestamp(v)
		if err != nil {
			return Subscription{}, apperr.New(apperr.KindValidation, "subscription expiry is not a valid timestamp").
				With("violated", []string{"subscriptionExpiresAt"})
		}
		if !now.Before(exp) {
			return Subscription{}, apperr.New(apperr.KindValidation, "subscription has expired").
				With("violated", []string{"subscriptionExpiresAt"}).
				With("expiredAt", exp)
		}
		sub.ExpiresAt = &exp
	}
	return sub, nil
}

// parseTimestamp accepts RFC 3339 timestamps, bare dates (expiring at the
// start of that day, UTC) and unix seconds.
func parseTimestamp(v attr.Value) (time.Time, error) {
	if n, ok := v.AsNumber(); ok {
		return time.Unix(int64(n), 0).UTC(), nil
	}
	s, _ := v.AsString()
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

// AgeVerification reports how a session proved its age. Age is nil when
// only the isOver18 flag was disclosed.
type AgeVerification struct {
	Age      *float64 `json:"age"`
	IsOver18 bool     `json:"isOver18"`
	Method   string   `json:"method"`
}

// VerifyAge accepts a numeric age attribute of at least minimum, or a true
// isOver18 flag when minimum is 18 or less. The numeric age is preferred
// when both are present.
func VerifyAge(attrs attr.Attributes, minimum float64) (AgeVerification, error) {
	if v, ok := attrs.Lookup("age"); ok {
		age, ok := v.AsNumber()
		if !ok {
			return AgeVerification{}, apperr.New(apperr.KindValidation, "age must be numeric").
				With("violated", []string{"age"})
		}
		if age < minimum {
			return AgeVerification{}, apperr.Newf(apperr.KindValidation, "minimum age of %d not met", int(minimum)).
				With("violated", []string{"age"})
		}
		return AgeVerification{Age: &age, IsOver18: age >= 18, Method: "age"}, nil
	}

	if v, ok := attrs.Lookup("isOver18"); ok {
		over, _ := v.AsBool()
		if !over || minimum > 18 {
			return AgeVerification{}, apperr.Newf(apperr.KindValidation, "minimum age of %d not met", int(minimum)).
				With("violated", []string{"isOver18"})
		}
		return AgeVerification{IsOver18: true, Method: "isOver18"}, nil
	}

	return AgeVerification{}, apperr.New(apperr.KindValidation, "age verification requires an age or isOver18 attribute").
		With("missing", []string{"age", "isOver18"})
}
