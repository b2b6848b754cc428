package telemetry

// ModelPricing is the per-1K-token price for one model.
type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// PricingTable maps model names to token pricing.
type PricingTable map[string]ModelPricing

// DefaultPricing covers the models the workflow stages are configured with.
// Unknown models cost zero; spend tracking degrades rather than guessing.
var DefaultPricing = PricingTable{
	"model-mini":     {InputPer1K: 0.15, OutputPer1K: 0.60},
	"model-standard": {InputPer1K: 2.50, OutputPer1K: 10.00},
	"model-large":    {InputPer1K: 15.00, OutputPer1K: 75.00},
}

// CalculateCost returns the USD cost of one LLM call under the table's
// pricing.
func (p PricingTable) CalculateCost(inputTokens, outputTokens int, model string) float64 {
	pricing, ok := p[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1000*pricing.InputPer1K +
		float64(outputTokens)/1000*pricing.OutputPer1K
}

// CalculateCost applies DefaultPricing.
func CalculateCost(inputTokens, outputTokens int, model string) float64 {
	return DefaultPricing.CalculateCost(inputTokens, outputTokens, model)
}
