package domain

import "time"

// DecisionResult is the outcome of a policy decision point.
type DecisionResult string

const (
	// ResultAllow permits the guarded action.
	ResultAllow DecisionResult = "allow"
	// ResultDeny blocks the guarded action.
	ResultDeny DecisionResult = "deny"
	// ResultRequireApproval defers the action to a human approver.
	ResultRequireApproval DecisionResult = "require_approval"
)

// PolicyDecision records a single guardrail evaluation for the audit trail.
// Instances are immutable once created; they are destroyed only by being
// written to durable storage.
type PolicyDecision struct {
	DecisionID    string         `json:"decision_id"`
	Timestamp     time.Time      `json:"timestamp"`
	DecisionType  string         `json:"decision_type"`
	Result        DecisionResult `json:"result"`
	Reason        string         `json:"reason,omitempty"`
	ToolName      string         `json:"tool_name,omitempty"`
	AgentID       string         `json:"agent_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	LatencyMS     float64        `json:"latency_ms"`
	Context       map[string]any `json:"context,omitempty"`
}

// Allowed reports whether the decision permits the action to proceed.
func (d PolicyDecision) Allowed() bool {
	return d.Result == ResultAllow
}
