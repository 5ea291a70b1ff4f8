package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCompletion_ScratchpadAndFencedBlock(t *testing.T) {
	raw := "<scratchpad>need to check the policy first</scratchpad>\n" +
		"```json\n{\"name\": \"lookup_policy\", \"args\": {\"policyId\": \"p-1\"}}\n```"
	parsed := parseCompletion(raw)
	assert.Equal(t, "need to check the policy first", parsed.Thought)
	assert.Equal(t, "lookup_policy", parsed.Name)
	assert.Equal(t, "p-1", parsed.Args["policyId"])
}

func TestParseCompletion_ToleratesMissingClosingBrace(t *testing.T) {
	raw := "<scratchpad>hm</scratchpad>\n" +
		"```json\n{\"name\": \"lookup_policy\", \"args\": {\"policyId\": \"p-1\"}\n```"
	parsed := parseCompletion(raw)
	assert.Equal(t, "lookup_policy", parsed.Name)
}

func TestParseCompletion_UnfencedBracePair(t *testing.T) {
	raw := "I think: {\"name\": \"send_message_to_agent_conversation\", \"args\": {\"text\": \"hi\"}}"
	parsed := parseCompletion(raw)
	assert.Equal(t, sendMessageTool, parsed.Name)
	assert.Equal(t, "hi", parsed.Args["text"])
}

func TestParseCompletion_NoToolBlockFallsBackToText(t *testing.T) {
	parsed := parseCompletion("Just a plain reply with no tool call.")
	assert.Empty(t, parsed.Name)
	assert.Equal(t, "Just a plain reply with no tool call.", parsed.Thought)
}

func TestIsTerminalTool(t *testing.T) {
	assert.True(t, isTerminalTool("mri_authorization_Success"))
	assert.True(t, isTerminalTool("claim_Denial"))
	assert.True(t, isTerminalTool("booking_NoSlots"))
	assert.False(t, isTerminalTool("lookup_policy"))
	assert.False(t, isTerminalTool(sendMessageTool))
}

func TestAttachmentsFromArgs(t *testing.T) {
	args := map[string]any{
		"text": "see attached",
		"attachments_to_include": []any{
			map[string]any{
				"name":        "policy.md",
				"contentType": "text/markdown",
				"content":     "# Policy\n- A\n- B\n",
			},
		},
	}
	atts := attachmentsFromArgs(args)
	require.Len(t, atts, 1)
	assert.Equal(t, "policy.md", atts[0].Name)
	assert.Equal(t, "text/markdown", atts[0].ContentType)
	assert.Equal(t, "# Policy\n- A\n- B\n", string(atts[0].Content))
}

func TestAttachmentsFromArgs_Absent(t *testing.T) {
	assert.Nil(t, attachmentsFromArgs(map[string]any{"text": "hi"}))
}
