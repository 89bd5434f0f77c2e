package usecase

import (
	"sort"
	"strings"

	"maestro/internal/domain"
)

// PricingTier maps a model-name prefix to its rate triple, in USD per one
// million tokens. An empty prefix is the catch-all tier.
type PricingTier struct {
	ModelPrefix string
	InputRate   float64
	OutputRate  float64
	CachedRate  float64
}

// PriceTable resolves a model name to rates by longest matching prefix.
type PriceTable struct {
	tiers []PricingTier // sorted longest-prefix-first
}

// NewPriceTable builds a price table. Tiers with longer prefixes win over
// shorter ones regardless of input order.
func NewPriceTable(tiers []PricingTier) *PriceTable {
	sorted := make([]PricingTier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].ModelPrefix) > len(sorted[j].ModelPrefix)
	})
	return &PriceTable{tiers: sorted}
}

// Rates returns the tier for model, falling back to the catch-all tier or
// zero rates when nothing matches.
func (t *PriceTable) Rates(model string) PricingTier {
	for _, tier := range t.tiers {
		if strings.HasPrefix(model, tier.ModelPrefix) {
			return tier
		}
	}
	return PricingTier{}
}

// Cost computes the dollar cost of one call:
// (input×inputRate + output×outputRate + cached×cachedRate) / 1e6.
func (t *PriceTable) Cost(model string, u domain.GenerateUsage) float64 {
	r := t.Rates(model)
	return (float64(u.InputTokens)*r.InputRate +
		float64(u.OutputTokens)*r.OutputRate +
		float64(u.CachedTokens)*r.CachedRate) / 1e6
}
