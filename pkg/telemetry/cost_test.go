package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculateCost(t *testing.T) {
	// 1000 input at 0.15/1K plus 500 output at 0.60/1K.
	cost := CalculateCost(1000, 500, "model-mini")
	assert.InDelta(t, 0.45, cost, 1e-4)
}

func TestCalculateCostUnknownModelIsZero(t *testing.T) {
	assert.Zero(t, CalculateCost(1000, 1000, "no-such-model"))
}

func TestCustomPricingTable(t *testing.T) {
	table := PricingTable{"custom": {InputPer1K: 1.0, OutputPer1K: 2.0}}
	assert.InDelta(t, 2.5, table.CalculateCost(500, 1000, "custom"), 1e-9)
}
