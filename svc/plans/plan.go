package plans

import (
	"maps"
	"slices"
)

// Plan describes a subscription plan and its resource/feature constraints.
// Price is per month. PriceIDs maps a payment provider name to the provider's
// price identifier for this plan; free plans have none.
type Plan struct {
	Type        PlanType           `json:"type" yaml:"type"`
	Name        string             `json:"name" yaml:"name"`
	Description string             `json:"description,omitempty" yaml:"description"`
	Price       Money              `json:"price" yaml:"price"`
	TrialDays   int                `json:"trial_days" yaml:"trial_days"`
	Features    []Feature          `json:"features" yaml:"features"`
	Limits      map[Resource]int64 `json:"limits" yaml:"limits"` // -1 represents unlimited
	PriceIDs    map[string]string  `json:"-" yaml:"price_ids"`
	Public      bool               `json:"public" yaml:"public"`
}

// IsFree reports whether the plan can be granted without a payment provider.
func (p Plan) IsFree() bool {
	return p.Price.IsZero()
}

// HasFeature reports whether the plan includes the feature.
func (p Plan) HasFeature(f Feature) bool {
	return slices.Contains(p.Features, f)
}

// Limit returns the limit for a resource. Resources absent from the plan are
// not available at all, so the limit is 0.
func (p Plan) Limit(r Resource) int64 {
	return p.Limits[r]
}

// PriceID returns the provider price identifier for the plan.
func (p Plan) PriceID(provider string) (string, bool) {
	id, ok := p.PriceIDs[provider]
	return id, ok && id != ""
}

func (p Plan) clone() Plan {
	p.Features = slices.Clone(p.Features)
	p.Limits = maps.Clone(p.Limits)
	p.PriceIDs = maps.Clone(p.PriceIDs)
	return p
}
