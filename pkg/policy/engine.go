// Package policy evaluates guardrail rules with an embedded OPA instance and
// turns each evaluation into an auditable PolicyDecision.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"

	"github.com/sentinelai/sentinel-oss/pkg/domain"
)

const defaultEntrypoint = "sentinel/guardrail"

// EngineOptions control OPA engine construction.
type EngineOptions struct {
	// Entrypoint is the default decision path (e.g. "sentinel/guardrail").
	Entrypoint string
	// Modules contains the Rego modules loaded into the engine. Empty
	// selects the embedded default guardrail module.
	Modules map[string]string
}

// Input describes one decision point presented to the guardrail.
type Input struct {
	// DecisionType names the decision point (e.g. "tool_call", "output").
	DecisionType string
	// ToolName is set for tool-call decision points.
	ToolName string
	// AgentID identifies the invoking agent.
	AgentID string
	// CorrelationID ties the decision to a workflow run.
	CorrelationID string
	// Context carries decision-point data handed to the rego input.
	Context map[string]any
	// Entrypoint overrides the engine default when non-empty.
	Entrypoint string
}

// Engine evaluates guardrail decisions using an embedded OPA SDK instance.
// Prepared queries are built once per entrypoint and reused across calls.
type Engine struct {
	mu            sync.RWMutex
	modules       map[string]string
	moduleOrder   []string
	parsedModules map[string]*ast.Module
	entrypoint    string
	queries       map[string]*rego.PreparedEvalQuery
}

// NewEngine constructs an Engine and compiles its modules eagerly so syntax
// errors surface at startup rather than on the first decision.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = defaultEntrypoint
	}

	modules := opts.Modules
	if len(modules) == 0 {
		modules = map[string]string{"guardrail.rego": defaultGuardrailModule}
	}

	engine := &Engine{entrypoint: entry}
	if err := engine.setModules(modules); err != nil {
		return nil, err
	}

	if _, err := engine.getPreparedQuery(ctx, entry); err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}
	return engine, nil
}

// Evaluate runs the guardrail against the input and returns the recorded
// decision. A rego failure yields a deny decision plus the error, so callers
// fail closed.
func (e *Engine) Evaluate(ctx context.Context, input Input) (domain.PolicyDecision, error) {
	start := time.Now()

	decision := domain.PolicyDecision{
		DecisionID:    uuid.NewString(),
		Timestamp:     start.UTC(),
		DecisionType:  input.DecisionType,
		ToolName:      input.ToolName,
		AgentID:       input.AgentID,
		CorrelationID: input.CorrelationID,
		Context:       cloneAnyMap(input.Context),
	}

	entry := strings.TrimSpace(input.Entrypoint)
	if entry == "" {
		entry = e.entrypoint
	}

	result, reason, err := e.eval(ctx, entry, input)
	decision.LatencyMS = float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		decision.Result = domain.ResultDeny
		decision.Reason = "policy evaluation failed: " + err.Error()
		return decision, fmt.Errorf("%w: %w", domain.ErrPolicyEvalFailed, err)
	}

	decision.Result = result
	decision.Reason = reason
	return decision, nil
}

// Reload swaps the rego modules atomically. Compilation errors leave the
// previous modules in place.
func (e *Engine) Reload(ctx context.Context, modules map[string]string) error {
	if len(modules) == 0 {
		return errors.New("policy reload requires at least one rego module")
	}

	replacement := &Engine{entrypoint: e.entrypoint}
	if err := replacement.setModules(modules); err != nil {
		return err
	}
	if _, err := replacement.getPreparedQuery(ctx, e.entrypoint); err != nil {
		return fmt.Errorf("compile rego modules: %w", err)
	}

	e.mu.Lock()
	e.modules = replacement.modules
	e.moduleOrder = replacement.moduleOrder
	e.parsedModules = replacement.parsedModules
	e.queries = make(map[string]*rego.PreparedEvalQuery)
	e.mu.Unlock()
	return nil
}

func (e *Engine) setModules(modules map[string]string) error {
	moduleCopy := make(map[string]string, len(modules))
	moduleOrder := make([]string, 0, len(modules))
	for name, src := range modules {
		moduleCopy[name] = src
		moduleOrder = append(moduleOrder, name)
	}
	sort.Strings(moduleOrder)

	parsedModules := make(map[string]*ast.Module, len(moduleCopy))
	for _, name := range moduleOrder {
		module, err := ast.ParseModuleWithOpts(name, moduleCopy[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return fmt.Errorf("parse rego module %q: %w", name, err)
		}
		parsedModules[name] = module
	}

	e.modules = moduleCopy
	e.moduleOrder = moduleOrder
	e.parsedModules = parsedModules
	e.queries = make(map[string]*rego.PreparedEvalQuery)
	return nil
}

func (e *Engine) eval(ctx context.Context, entry string, input Input) (domain.DecisionResult, string, error) {
	prepared, err := e.getPreparedQuery(ctx, entry)
	if err != nil {
		return "", "", fmt.Errorf("prepare query: %w", err)
	}

	payload := map[string]any{
		"decision_type":  input.DecisionType,
		"tool_name":      input.ToolName,
		"agent_id":       input.AgentID,
		"correlation_id": input.CorrelationID,
		"context":        cloneAnyMap(input.Context),
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(payload))
	if err != nil {
		return "", "", fmt.Errorf("opa decision: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// An empty result set means no rule matched; default allow.
		return domain.ResultAllow, "", nil
	}

	decisionPayload, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return "", "", fmt.Errorf("opa decision: unexpected result type %T", results[0].Expressions[0].Value)
	}

	result, err := parseResult(decisionPayload["result"])
	if err != nil {
		return "", "", err
	}
	reason, _ := decisionPayload["reason"].(string)
	return result, reason, nil
}

func (e *Engine) getPreparedQuery(ctx context.Context, entry string) (*rego.PreparedEvalQuery, error) {
	e.mu.RLock()
	if prepared, ok := e.queries[entry]; ok {
		e.mu.RUnlock()
		return prepared, nil
	}
	e.mu.RUnlock()

	query := "data." + strings.ReplaceAll(entry, "/", ".")

	e.mu.RLock()
	opts := make([]func(*rego.Rego), 0, len(e.parsedModules)+1)
	opts = append(opts, rego.Query(query))
	for _, name := range e.moduleOrder {
		opts = append(opts, rego.ParsedModule(e.parsedModules[name]))
	}
	e.mu.RUnlock()

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Another goroutine may have already prepared the query; keep the first.
	if existing, ok := e.queries[entry]; ok {
		return existing, nil
	}
	e.queries[entry] = &prepared
	return &prepared, nil
}

func parseResult(value any) (domain.DecisionResult, error) {
	if value == nil {
		return domain.ResultAllow, nil
	}
	text, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("opa decision: result must be string, got %T", value)
	}
	switch domain.DecisionResult(strings.ToLower(text)) {
	case domain.ResultAllow:
		return domain.ResultAllow, nil
	case domain.ResultDeny:
		return domain.ResultDeny, nil
	case domain.ResultRequireApproval:
		return domain.ResultRequireApproval, nil
	default:
		return "", fmt.Errorf("opa decision: unknown result %q", text)
	}
}

func cloneAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
