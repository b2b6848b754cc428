// Package workflow runs instrumented agent invocations, wiring the span
// registry, guardrail, metrics store, and decision log around each stage.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelai/sentinel-oss/internal/governance"
	"github.com/sentinelai/sentinel-oss/pkg/agent"
	"github.com/sentinelai/sentinel-oss/pkg/audit"
	"github.com/sentinelai/sentinel-oss/pkg/policy"
	"github.com/sentinelai/sentinel-oss/pkg/telemetry"
)

// RootSpanName is the span opened around a whole workflow run. The exporter's
// fallback parent index keys off this name.
const RootSpanName = "workflow"

// ErrBlocked indicates the guardrail denied an agent's output.
var ErrBlocked = errors.New("guardrail blocked agent output")

// Options carry the collaborators a Service needs. Everything is built once
// in main and passed by reference; the package holds no singletons.
type Options struct {
	Registry  *telemetry.Registry
	Metrics   *telemetry.Metrics
	Decisions *audit.Logger
	Guardrail *policy.Engine
	Pricing   telemetry.PricingTable
	Retry     governance.RetryConfig
	Logger    *slog.Logger
}

// Service executes agent pipelines with full instrumentation.
type Service struct {
	logger    *slog.Logger
	registry  *telemetry.Registry
	metrics   *telemetry.Metrics
	decisions *audit.Logger
	guardrail *policy.Engine
	pricing   telemetry.PricingTable
	retry     governance.RetryConfig
}

// NewService creates a workflow service from its collaborators.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pricing := opts.Pricing
	if pricing == nil {
		pricing = telemetry.DefaultPricing
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = governance.DefaultRetryConfig()
	}
	return &Service{
		logger:    logger.With("component", "workflow"),
		registry:  opts.Registry,
		metrics:   opts.Metrics,
		decisions: opts.Decisions,
		guardrail: opts.Guardrail,
		pricing:   pricing,
		retry:     opts.Retry,
	}
}

// RunResult summarizes one workflow run.
type RunResult struct {
	CorrelationID string  `json:"correlation_id"`
	Output        string  `json:"output"`
	Stages        int     `json:"stages"`
	CostUSD       float64 `json:"cost_usd"`
	DurationMS    float64 `json:"duration_ms"`
}

// Run executes the agents in order under one correlation id, feeding each
// stage's output into the next. The run stops at the first failed or blocked
// stage.
func (s *Service) Run(ctx context.Context, input string, agents ...agent.Agent) (*RunResult, error) {
	if len(agents) == 0 {
		return nil, errors.New("workflow requires at least one agent")
	}

	correlationID := uuid.NewString()
	start := time.Now()

	root := s.registry.StartSpan(RootSpanName, correlationID, "", map[string]string{
		"workflow.stages": strconv.Itoa(len(agents)),
	})
	defer s.registry.EndSpan(root.ID)

	result := &RunResult{CorrelationID: correlationID}
	current := input

	for _, ag := range agents {
		output, cost, err := s.invoke(ctx, ag, correlationID, root.ID, current)
		result.CostUSD += cost
		if err != nil {
			s.registry.SetTag(root.ID, "workflow.failed_stage", string(ag.Descriptor().Stage))
			result.DurationMS = float64(time.Since(start)) / float64(time.Millisecond)
			return result, err
		}
		current = output
		result.Stages++
	}

	result.Output = current
	result.DurationMS = float64(time.Since(start)) / float64(time.Millisecond)
	return result, nil
}

// invoke runs a single agent stage: span around the call, retries on
// transient failures, guardrail decision on the output, metrics and cost
// recorded on every path.
func (s *Service) invoke(ctx context.Context, ag agent.Agent, correlationID, parentID, input string) (string, float64, error) {
	desc := ag.Descriptor()
	spanName := "agent." + string(desc.Stage)

	span := s.registry.StartSpan(spanName, correlationID, parentID, map[string]string{
		"agent.id":    desc.ID,
		"agent.model": desc.Model,
	})
	defer s.registry.EndSpan(span.ID)

	start := time.Now()
	retryCfg := s.retry
	retryCfg.Observer = &retryLogger{logger: s.logger, agentID: desc.ID}

	response, err := governance.RetryValue(ctx, retryCfg, func(ctx context.Context) (any, error) {
		return ag.Invoke(ctx, input)
	})
	duration := time.Since(start)

	var cost float64
	if usage, ok := agent.ExtractUsage(response); ok {
		cost = s.pricing.CalculateCost(usage.InputTokens, usage.OutputTokens, desc.Model)
		s.registry.SetTag(span.ID, "agent.cost_usd", strconv.FormatFloat(cost, 'f', -1, 64))
	}

	success := err == nil
	violations := 0
	decisionPoints := 0
	var output string

	if success {
		output, err = agent.ExtractText(response)
		if err != nil {
			success = false
		}
	}

	if success {
		decisionPoints++
		decision, evalErr := s.guardrail.Evaluate(ctx, policy.Input{
			DecisionType:  "agent_output",
			AgentID:       desc.ID,
			CorrelationID: correlationID,
			Context: map[string]any{
				"stage":         string(desc.Stage),
				"output_length": len(output),
			},
		})
		if evalErr != nil {
			// Evaluation failures are recorded as deny decisions; fail closed.
			s.logger.Warn("Guardrail evaluation failed", "agent_id", desc.ID, "error", evalErr)
		}
		s.decisions.Log(decision)
		s.registry.AddEvent(span.ID, map[string]any{
			"decision_id": decision.DecisionID,
			"result":      string(decision.Result),
		})

		if !decision.Allowed() {
			violations++
			success = false
			err = fmt.Errorf("%w: %s", ErrBlocked, decision.Reason)
		}
	}

	s.record(ctx, desc, correlationID, success, violations, decisionPoints, cost, duration)

	if !success {
		s.registry.SetTag(span.ID, "error", err.Error())
		return "", cost, err
	}
	return output, cost, nil
}

func (s *Service) record(ctx context.Context, desc agent.Descriptor, correlationID string, success bool, violations, decisionPoints int, cost float64, duration time.Duration) {
	durationMS := float64(duration) / float64(time.Millisecond)

	s.metrics.IncrCounter(telemetry.MetricInvocations, 1)
	if !success {
		s.metrics.IncrCounter(telemetry.MetricInvocationFailures, 1)
	}
	if violations > 0 {
		s.metrics.IncrCounter(telemetry.MetricViolations, float64(violations))
	}
	if cost > 0 {
		s.metrics.IncrCounter(telemetry.MetricCostUSD, cost)
	}
	s.metrics.RecordHistogram(telemetry.MetricInvocationLatency, durationMS)

	telemetry.RecordInvocationMetrics(ctx, telemetry.InvocationMetrics{
		AgentID:       desc.ID,
		Stage:         string(desc.Stage),
		CorrelationID: correlationID,
		Success:       success,
		Violations:    violations,
		Decisions:     decisionPoints,
		CostUSD:       cost,
		Duration:      duration,
	})
}

// retryLogger reports retry attempts through the service logger.
type retryLogger struct {
	logger  *slog.Logger
	agentID string
}

func (r *retryLogger) OnRetry(attempt int, err error, backoff time.Duration) {
	r.logger.Warn("Agent invocation retrying", "agent_id", r.agentID, "attempt", attempt, "backoff", backoff, "error", err)
}

func (r *retryLogger) OnSuccess(attempts int) {
	r.logger.Info("Agent invocation recovered", "agent_id", r.agentID, "attempts", attempts)
}

func (r *retryLogger) OnExhausted(attempts int, err error) {
	r.logger.Error("Agent invocation retries exhausted", "agent_id", r.agentID, "attempts", attempts, "error", err)
}
