package workspace

import "strings"

// Tier identifies a subscription tier.
type Tier string

const (
	TierFree       Tier = "free"
	TierStarter    Tier = "starter"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Unlimited marks a cap with no ceiling.
const Unlimited int64 = -1

// Feature flags carried by a tier.
const (
	FeatureABTesting       = "ab_testing"
	FeatureCustomDomain    = "custom_domain"
	FeatureAIAssistant     = "ai_assistant"
	FeaturePrioritySupport = "priority_support"
	FeatureAPIAccess       = "api_access"
)

// Policy is the immutable limit set for a tier.
type Policy struct {
	Tier              Tier            `json:"tier"`
	DisplayName       string          `json:"displayName"`
	MaxContacts       int64           `json:"maxContacts"`
	MonthlyEmails     int64           `json:"monthlyEmails"`
	MonthlyAICredits  int64           `json:"monthlyAiCredits"`
	MaxAutomations    int64           `json:"maxAutomations"`
	MonthlyPriceCents int64           `json:"monthlyPriceCents"`
	Features          map[string]bool `json:"features"`
}

// HasFeature reports whether the tier enables feature.
func (p Policy) HasFeature(feature string) bool {
	return p.Features[feature]
}

// Policies is the per-deploy tier table. It is read-only.
var Policies = map[Tier]Policy{
	TierFree: {
		Tier:              TierFree,
		DisplayName:       "Free",
		MaxContacts:       500,
		MonthlyEmails:     1000,
		MonthlyAICredits:  50,
		MaxAutomations:    1,
		MonthlyPriceCents: 0,
		Features: map[string]bool{
			FeatureAIAssistant: true,
		},
	},
	TierStarter: {
		Tier:              TierStarter,
		DisplayName:       "Starter",
		MaxContacts:       2500,
		MonthlyEmails:     10000,
		MonthlyAICredits:  500,
		MaxAutomations:    5,
		MonthlyPriceCents: 1900,
		Features: map[string]bool{
			FeatureAIAssistant: true,
			FeatureABTesting:   true,
		},
	},
	TierPro: {
		Tier:              TierPro,
		DisplayName:       "Pro",
		MaxContacts:       10000,
		MonthlyEmails:     50000,
		MonthlyAICredits:  2000,
		MaxAutomations:    20,
		MonthlyPriceCents: 4900,
		Features: map[string]bool{
			FeatureAIAssistant:  true,
			FeatureABTesting:    true,
			FeatureCustomDomain: true,
			FeatureAPIAccess:    true,
		},
	},
	TierEnterprise: {
		Tier:              TierEnterprise,
		DisplayName:       "Enterprise",
		MaxContacts:       Unlimited,
		MonthlyEmails:     500000,
		MonthlyAICredits:  10000,
		MaxAutomations:    Unlimited,
		MonthlyPriceCents: 29900,
		Features: map[string]bool{
			FeatureAIAssistant:     true,
			FeatureABTesting:       true,
			FeatureCustomDomain:    true,
			FeatureAPIAccess:       true,
			FeaturePrioritySupport: true,
		},
	},
}

// PolicyFor resolves a stored tier string. Unrecognised values resolve to the
// free tier, never to a more generous one.
func PolicyFor(tier string) Policy {
	if p, ok := Policies[Tier(strings.ToLower(strings.TrimSpace(tier)))]; ok {
		return p
	}
	return Policies[TierFree]
}

// ParseTier validates tier names supplied by admins or the billing provider.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := Policies[t]; !ok {
		return "", ErrInvalidTier
	}
	return t, nil
}
