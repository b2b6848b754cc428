// Package agent defines the workflow-facing contract for LLM agents and the
// capability interfaces used to read their heterogeneous responses.
package agent

import (
	"context"
	"errors"
	"strings"
)

// Stage identifies an agent's role in the workflow.
type Stage string

const (
	// StagePlanner produces the task plan.
	StagePlanner Stage = "planner"
	// StageReviewer evaluates the plan before execution.
	StageReviewer Stage = "reviewer"
	// StageExecutor carries out the approved plan.
	StageExecutor Stage = "executor"
)

// Descriptor identifies an agent to the instrumentation layer.
type Descriptor struct {
	// ID is the unique agent identifier used in spans and decisions.
	ID string
	// Stage is the agent's workflow role.
	Stage Stage
	// Model names the backing LLM for cost attribution.
	Model string
}

// Agent is a single workflow stage. The response is an opaque framework
// value; the workflow reads it through the capability interfaces below.
type Agent interface {
	Descriptor() Descriptor
	Invoke(ctx context.Context, input string) (any, error)
}

// Message is one turn of a conversational response.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TokenUsage reports the token counts of one invocation.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// TextBearer is implemented by responses that carry a final text payload.
type TextBearer interface {
	ResponseText() string
}

// MessageListBearer is implemented by responses that carry a message
// transcript; the final assistant message is treated as the payload.
type MessageListBearer interface {
	ResponseMessages() []Message
}

// UsageBearer is implemented by responses that report token usage.
type UsageBearer interface {
	ResponseUsage() TokenUsage
}

// ErrNoTextPayload indicates a response implements no text capability.
var ErrNoTextPayload = errors.New("agent response carries no text payload")

// ExtractText resolves the response's text through its declared capabilities.
// This is the single place framework response shapes are interpreted; the
// rest of the workflow deals only in strings.
func ExtractText(response any) (string, error) {
	switch r := response.(type) {
	case TextBearer:
		return r.ResponseText(), nil
	case MessageListBearer:
		messages := r.ResponseMessages()
		for i := len(messages) - 1; i >= 0; i-- {
			if strings.EqualFold(messages[i].Role, "assistant") {
				return messages[i].Content, nil
			}
		}
		if len(messages) > 0 {
			return messages[len(messages)-1].Content, nil
		}
		return "", ErrNoTextPayload
	case string:
		return r, nil
	default:
		return "", ErrNoTextPayload
	}
}

// ExtractUsage returns the response's token usage when it declares one.
func ExtractUsage(response any) (TokenUsage, bool) {
	if u, ok := response.(UsageBearer); ok {
		return u.ResponseUsage(), true
	}
	return TokenUsage{}, false
}
