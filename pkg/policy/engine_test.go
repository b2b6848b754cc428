package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelai/sentinel-oss/pkg/domain"
)

func newDefaultEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(context.Background(), EngineOptions{})
	require.NoError(t, err)
	return engine
}

func TestDefaultModuleAllows(t *testing.T) {
	engine := newDefaultEngine(t)

	decision, err := engine.Evaluate(context.Background(), Input{
		DecisionType:  "agent_output",
		AgentID:       "planner-1",
		CorrelationID: "corr-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultAllow, decision.Result)
	assert.True(t, decision.Allowed())
	assert.NotEmpty(t, decision.DecisionID)
	assert.Equal(t, "agent_output", decision.DecisionType)
	assert.GreaterOrEqual(t, decision.LatencyMS, float64(0))
}

func TestBlockedContextDenies(t *testing.T) {
	engine := newDefaultEngine(t)

	decision, err := engine.Evaluate(context.Background(), Input{
		DecisionType: "tool_call",
		ToolName:     "shell",
		Context:      map[string]any{"blocked": true},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultDeny, decision.Result)
	assert.False(t, decision.Allowed())
	assert.NotEmpty(t, decision.Reason)
}

func TestApprovalFlagRequiresApproval(t *testing.T) {
	engine := newDefaultEngine(t)

	decision, err := engine.Evaluate(context.Background(), Input{
		DecisionType: "tool_call",
		ToolName:     "deploy",
		Context:      map[string]any{"requires_approval": true},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultRequireApproval, decision.Result)
	assert.False(t, decision.Allowed())
}

func TestCustomModuleAndEntrypoint(t *testing.T) {
	module := `package custom.rules

import rego.v1

default result := "deny"

default reason := "nothing is allowed here"
`
	engine, err := NewEngine(context.Background(), EngineOptions{
		Entrypoint: "custom/rules",
		Modules:    map[string]string{"rules.rego": module},
	})
	require.NoError(t, err)

	decision, err := engine.Evaluate(context.Background(), Input{DecisionType: "agent_output"})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultDeny, decision.Result)
	assert.Equal(t, "nothing is allowed here", decision.Reason)
}

func TestBadModuleFailsConstruction(t *testing.T) {
	_, err := NewEngine(context.Background(), EngineOptions{
		Modules: map[string]string{"broken.rego": "package nope\n\nthis is not rego"},
	})
	require.Error(t, err)
}

func TestUnknownResultIsAnError(t *testing.T) {
	module := `package sentinel.guardrail

import rego.v1

default result := "maybe"
`
	engine, err := NewEngine(context.Background(), EngineOptions{
		Modules: map[string]string{"weird.rego": module},
	})
	require.NoError(t, err)

	decision, err := engine.Evaluate(context.Background(), Input{DecisionType: "agent_output"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPolicyEvalFailed)
	// Failed evaluations fail closed.
	assert.Equal(t, domain.ResultDeny, decision.Result)
}

func TestReloadSwapsModules(t *testing.T) {
	engine := newDefaultEngine(t)

	denyAll := `package sentinel.guardrail

import rego.v1

default result := "deny"

default reason := "lockdown"
`
	require.NoError(t, engine.Reload(context.Background(), map[string]string{"lockdown.rego": denyAll}))

	decision, err := engine.Evaluate(context.Background(), Input{DecisionType: "agent_output"})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultDeny, decision.Result)
}

func TestReloadKeepsPreviousModulesOnError(t *testing.T) {
	engine := newDefaultEngine(t)

	err := engine.Reload(context.Background(), map[string]string{"broken.rego": "not rego at all"})
	require.Error(t, err)

	decision, err := engine.Evaluate(context.Background(), Input{DecisionType: "agent_output"})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultAllow, decision.Result)
}
