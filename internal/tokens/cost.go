package tokens

import "strings"

// modelPricing is USD per million tokens.
type modelPricing struct {
	input         float64
	output        float64
	cacheRead     float64
	cacheCreation float64
}

// pricingTable maps model id prefixes to pricing. Longest prefix wins.
// Prices as published 2025; unknown models cost zero rather than guessing.
var pricingTable = map[string]modelPricing{
	"claude-opus-4":     {input: 15, output: 75, cacheRead: 1.5, cacheCreation: 18.75},
	"claude-sonnet-4":   {input: 3, output: 15, cacheRead: 0.3, cacheCreation: 3.75},
	"claude-3-5-haiku":  {input: 0.8, output: 4, cacheRead: 0.08, cacheCreation: 1},
	"gpt-4o":            {input: 2.5, output: 10, cacheRead: 1.25},
	"gpt-4o-mini":       {input: 0.15, output: 0.6, cacheRead: 0.075},
	"o3":                {input: 2, output: 8, cacheRead: 0.5},
	"o4-mini":           {input: 1.1, output: 4.4, cacheRead: 0.275},
	"gemini-2.5-pro":    {input: 1.25, output: 10},
	"gemini-2.5-flash":  {input: 0.3, output: 2.5},
	"gemini-2.0-flash":  {input: 0.1, output: 0.4},
	"anthropic.claude-": {input: 3, output: 15},
}

// Cost computes the USD cost of a turn for the given model. Models absent
// from the table cost 0.
func Cost(rec TokenRecord, model string) float64 {
	var best string
	for prefix := range pricingTable {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return 0
	}
	p := pricingTable[best]
	const million = 1_000_000
	cost := float64(rec.NewInput) * p.input / million
	cost += float64(rec.Output) * p.output / million
	cost += float64(rec.CacheRead) * p.cacheRead / million
	cost += float64(rec.CacheCreation) * p.cacheCreation / million
	return cost
}
