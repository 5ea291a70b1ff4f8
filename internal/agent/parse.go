package agent

import (
	"encoding/base64"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/parley-run/parley/internal/domain"
)

var (
	scratchpadRe = regexp.MustCompile(`(?s)<scratchpad>(.*?)</scratchpad>`)
	codeFenceRe  = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
)

// policyToolCall is the shape a policy response's JSON code block decodes
// into: `{"name": "...", "args": {...}}`.
type policyToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// parsedResponse is the recovered structure of one complete() call: the
// scratchpad thought, plus the tool call it chose (Name empty if none could
// be recovered at all).
type parsedResponse struct {
	Thought string
	Name    string
	Args    map[string]any
}

// parseCompletion recovers a parsedResponse from raw policy output. It is
// deliberately permissive, since the policy is an external, unverified
// collaborator: a missing closing brace is tolerated, and total parse
// failure falls back to treating the entire response as the thought with no
// tool call (the caller decides what to do, typically a message-send using
// the raw text).
func parseCompletion(raw string) parsedResponse {
	thought := ""
	if m := scratchpadRe.FindStringSubmatch(raw); m != nil {
		thought = strings.TrimSpace(m[1])
	}

	block, ok := extractJSONBlock(raw)
	if !ok {
		return parsedResponse{Thought: firstNonEmpty(thought, strings.TrimSpace(raw))}
	}

	var call policyToolCall
	if err := json.Unmarshal([]byte(block), &call); err != nil {
		if err2 := json.Unmarshal([]byte(block+"}"), &call); err2 != nil {
			return parsedResponse{Thought: firstNonEmpty(thought, strings.TrimSpace(raw))}
		}
	}
	return parsedResponse{Thought: thought, Name: call.Name, Args: call.Args}
}

func extractJSONBlock(raw string) (string, bool) {
	matches := codeFenceRe.FindAllStringSubmatch(raw, -1)
	if len(matches) > 0 {
		return matches[len(matches)-1][1], true
	}
	// No fenced block: fall back to the outermost brace pair, if any.
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end == -1 || end < start {
		return "", false
	}
	return raw[start : end+1], true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// sendMessageTool is the one tool name the scenario-driven loop handles
// specially: completing the turn with its "text" argument as content.
const sendMessageTool = "send_message_to_agent_conversation"

// terminalToolSuffixes identifies a tool call that ends the conversation: a
// second policy pass is requested for the closing message and the turn is
// marked final.
var terminalToolSuffixes = []string{"Success", "Approval", "Failure", "Denial", "NoSlots"}

func isTerminalTool(name string) bool {
	for _, suffix := range terminalToolSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// attachmentsFromArgs decodes the optional attachments_to_include argument
// into AttachmentPayloads. Each entry's content may be a base64 string (the
// wire-friendly shape) or a plain string, tried in that order.
func attachmentsFromArgs(args map[string]any) []domain.AttachmentPayload {
	raw, ok := args["attachments_to_include"]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]domain.AttachmentPayload, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		content := stringField(m, "content")
		decoded, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			decoded = []byte(content)
		}
		out = append(out, domain.AttachmentPayload{
			Name:        stringField(m, "name"),
			ContentType: stringField(m, "contentType"),
			Content:     decoded,
			Summary:     stringField(m, "summary"),
		})
	}
	return out
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}
