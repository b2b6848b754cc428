package agent

import "context"

// ScriptedResponse is a canned agent response carrying text and usage. It is
// the reference implementation of the capability interfaces, used by the demo
// pipeline and by tests.
type ScriptedResponse struct {
	Text  string
	Usage TokenUsage
}

// ResponseText implements TextBearer.
func (r ScriptedResponse) ResponseText() string { return r.Text }

// ResponseUsage implements UsageBearer.
func (r ScriptedResponse) ResponseUsage() TokenUsage { return r.Usage }

// Scripted is an Agent backed by a plain function. Real deployments adapt
// their LLM framework here; the observability core never sees the difference.
type Scripted struct {
	Desc Descriptor
	Fn   func(ctx context.Context, input string) (any, error)
}

// Descriptor implements Agent.
func (s Scripted) Descriptor() Descriptor { return s.Desc }

// Invoke implements Agent.
func (s Scripted) Invoke(ctx context.Context, input string) (any, error) {
	return s.Fn(ctx, input)
}
