package domain

// GoldenSignals is a small set of derived health metrics used for at-a-glance
// system status. All fields are read-side aggregations over named counters and
// histograms; none are maintained incrementally.
type GoldenSignals struct {
	// SuccessRate is successful invocations over total invocations, in [0,1].
	// 1 when no invocations have been observed.
	SuccessRate float64 `json:"success_rate"`

	// P95LatencyMS is the 95th percentile invocation latency in milliseconds.
	P95LatencyMS float64 `json:"p95_latency_ms"`

	// CostPerSuccessUSD is accumulated LLM spend divided by successful
	// invocations. 0 when there have been no successes.
	CostPerSuccessUSD float64 `json:"cost_per_success_usd"`

	// ViolationRate is guardrail violations over total invocations, in [0,1].
	ViolationRate float64 `json:"violation_rate"`
}
