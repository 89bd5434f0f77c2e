package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"maestro/internal/domain"
)

func TestPriceTable_LongestPrefixWins(t *testing.T) {
	table := NewPriceTable([]PricingTier{
		{ModelPrefix: "", InputRate: 1, OutputRate: 1},
		{ModelPrefix: "gpt", InputRate: 2, OutputRate: 4},
		{ModelPrefix: "gpt-4o-mini", InputRate: 0.15, OutputRate: 0.6},
		{ModelPrefix: "gpt-4o", InputRate: 2.5, OutputRate: 10},
	})

	assert.Equal(t, 0.15, table.Rates("gpt-4o-mini-2024").InputRate)
	assert.Equal(t, 2.5, table.Rates("gpt-4o").InputRate)
	assert.Equal(t, 2.0, table.Rates("gpt-3.5-turbo").InputRate)
	assert.Equal(t, 1.0, table.Rates("llama3").InputRate, "catch-all tier applies")
}

func TestPriceTable_NoTiersMeansFree(t *testing.T) {
	table := NewPriceTable(nil)
	assert.Zero(t, table.Cost("anything", domain.GenerateUsage{InputTokens: 1000, OutputTokens: 1000}))
}

func TestPriceTable_CostFormula(t *testing.T) {
	table := NewPriceTable([]PricingTier{
		{ModelPrefix: "gpt-4o", InputRate: 2.5, OutputRate: 10, CachedRate: 1.25},
	})

	cost := table.Cost("gpt-4o", domain.GenerateUsage{
		InputTokens:  1_000_000,
		OutputTokens: 500_000,
		CachedTokens: 200_000,
	})
	// 1M input at $2.50 + 0.5M output at $10 + 0.2M cached at $1.25.
	assert.InDelta(t, 2.5+5.0+0.25, cost, 1e-9)
}
