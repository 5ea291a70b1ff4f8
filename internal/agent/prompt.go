package agent

import (
	"fmt"
	"strings"

	"github.com/parley-run/parley/internal/domain"
)

// finalStepBanner is rendered into exactly one prompt per turn: the prompt
// for the last allowed step of the scenario-driven loop.
const finalStepBanner = "0 STEPS REMAINING — send your final reply now"

// promptInput bundles everything renderPrompt needs for one policy call.
type promptInput struct {
	AgentID                string
	Scenario               *domain.Scenario
	AdditionalInstructions string
	History                []domain.Turn
	CurrentTrace           []domain.TraceEntry
	Step                   int
	MaxSteps               int
}

// renderPrompt builds the full prompt for one step of the scenario-driven
// loop: system prompt and goals, the tool catalog, the conversation history
// (own turns with their trace, other agents' turns as plain messages), the
// current turn's trace so far with a "you are here" marker, and, on the
// last allowed step only, the final-step banner.
func renderPrompt(in promptInput) string {
	var b strings.Builder

	sa := scenarioAgentFor(in.Scenario, in.AgentID)
	if sa != nil {
		if sa.SystemPromptFragment != "" {
			b.WriteString(sa.SystemPromptFragment)
			b.WriteString("\n\n")
		}
		if sa.Role != "" {
			fmt.Fprintf(&b, "You are %q, acting as %s", in.AgentID, sa.Role)
			if sa.Principal != "" {
				fmt.Fprintf(&b, " on behalf of %s", sa.Principal)
			}
			b.WriteString(".\n\n")
		}
	} else {
		fmt.Fprintf(&b, "You are %q in a multi-party conversation.\n\n", in.AgentID)
	}
	if in.AdditionalInstructions != "" {
		b.WriteString("Additional instructions: ")
		b.WriteString(in.AdditionalInstructions)
		b.WriteString("\n\n")
	}

	b.WriteString(renderToolCatalog(sa))
	b.WriteString(renderHistory(in.AgentID, in.History))
	b.WriteString(renderCurrentStep(in.CurrentTrace, in.Step, in.MaxSteps))

	b.WriteString("\nRespond with a <scratchpad>your reasoning</scratchpad> block " +
		"followed by exactly one tool call as a fenced JSON block: " +
		"```json\n{\"name\": \"...\", \"args\": {...}}\n```\n")
	return b.String()
}

// renderFinalPrompt is the second policy pass requested after a terminal
// tool call: the policy is asked for the user-visible closing message only.
func renderFinalPrompt(in promptInput, terminalTool string) string {
	var b strings.Builder
	b.WriteString(renderHistory(in.AgentID, in.History))
	// The step counter (and with it the final-step banner) is left out here:
	// the banner belongs to the loop's last step prompt only.
	b.WriteString("## Current turn\n")
	for _, e := range in.CurrentTrace {
		b.WriteString(renderTraceEntry(e))
	}
	fmt.Fprintf(&b, "\nYou called %s, which ends this conversation. ", terminalTool)
	b.WriteString("Write the final message to send to the other party. " +
		"Your scratchpad may note that this is final; the message itself goes in a " +
		"send_message_to_agent_conversation tool call, or as plain text.\n")
	return b.String()
}

func scenarioAgentFor(s *domain.Scenario, agentID string) *domain.ScenarioAgent {
	if s == nil {
		return nil
	}
	for i := range s.Agents {
		if s.Agents[i].AgentID == agentID {
			return &s.Agents[i]
		}
	}
	return nil
}

func renderToolCatalog(sa *domain.ScenarioAgent) string {
	var b strings.Builder
	b.WriteString("## Tools\n")
	b.WriteString("- send_message_to_agent_conversation: send a message to the other party. " +
		"args: {text, attachments_to_include?}\n")
	if sa != nil {
		for _, t := range sa.Tools {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		}
	}
	b.WriteString("\n")
	return b.String()
}

func renderHistory(selfID string, history []domain.Turn) string {
	if len(history) == 0 {
		return "## Conversation so far\n(none yet)\n\n"
	}
	var b strings.Builder
	b.WriteString("## Conversation so far\n")
	for _, t := range history {
		ts := t.StartedAt.Format("15:04:05")
		if t.AgentID == selfID {
			fmt.Fprintf(&b, "[%s] [%s] (you)\n", ts, t.AgentID)
			for _, e := range t.Trace {
				b.WriteString(renderTraceEntry(e))
			}
			fmt.Fprintf(&b, "%s\n", t.Content)
		} else {
			fmt.Fprintf(&b, "[%s] [%s]\n%s\n", ts, t.AgentID, t.Content)
		}
	}
	b.WriteString("\n")
	return b.String()
}

func renderCurrentStep(trace []domain.TraceEntry, step, maxSteps int) string {
	var b strings.Builder
	b.WriteString("## Current turn\n")
	for _, e := range trace {
		b.WriteString(renderTraceEntry(e))
	}
	b.WriteString("<- you are here\n")
	remaining := maxSteps - step
	if remaining <= 0 {
		b.WriteString(finalStepBanner)
		b.WriteString("\n")
	} else {
		fmt.Fprintf(&b, "%d of %d steps remaining.\n", remaining, maxSteps)
	}
	return b.String()
}

func renderTraceEntry(e domain.TraceEntry) string {
	switch e.Kind {
	case domain.TraceThought:
		if e.Thought != nil {
			return fmt.Sprintf("  (thought) %s\n", e.Thought.Content)
		}
	case domain.TraceToolCall:
		if e.ToolCall != nil {
			return fmt.Sprintf("  (tool call) %s %v\n", e.ToolCall.ToolName, e.ToolCall.Parameters)
		}
	case domain.TraceToolResult:
		if e.ToolResult != nil {
			if e.ToolResult.Error != "" {
				return fmt.Sprintf("  (tool error) %s: %s\n", e.ToolResult.ToolCallID, e.ToolResult.Error)
			}
			return fmt.Sprintf("  (tool result) %s: %v\n", e.ToolResult.ToolCallID, e.ToolResult.Result)
		}
	}
	return ""
}
