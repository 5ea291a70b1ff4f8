// Package agent implements the server-managed agent strategies: a
// scenario-driven LLM loop, a sequential scripted driver, and a static
// replay driver. All three satisfy orchestrator.Agent and depend on
// orchestrator.Client, never the Orchestrator itself (see
// internal/orchestrator's ownership-inversion note).
package agent

import "context"

// Completer is the narrow interface onto the external LLM policy
// collaborator: the runtime only ever calls Complete(prompt) and parses the
// result.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ToolSynthesizer is the narrow interface onto the external tool-result
// synthesis collaborator, used for every dispatched tool call that is
// neither the message-send tool nor a terminal tool.
type ToolSynthesizer interface {
	Synthesize(ctx context.Context, toolName string, args map[string]any) (any, error)
}

// CompleterFunc adapts a plain function to Completer.
type CompleterFunc func(ctx context.Context, prompt string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, prompt string) (string, error) { return f(ctx, prompt) }

// ToolSynthesizerFunc adapts a plain function to ToolSynthesizer.
type ToolSynthesizerFunc func(ctx context.Context, toolName string, args map[string]any) (any, error)

func (f ToolSynthesizerFunc) Synthesize(ctx context.Context, toolName string, args map[string]any) (any, error) {
	return f(ctx, toolName, args)
}
