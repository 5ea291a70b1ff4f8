package domain

import "time"

// TurnStatus is the lifecycle state of a single Turn.
type TurnStatus string

const (
	TurnInProgress TurnStatus = "in_progress"
	TurnCompleted  TurnStatus = "completed"
	TurnCancelled  TurnStatus = "cancelled"
)

// Turn is one agent's contribution to a conversation. It is created by
// startTurn and sealed by completeTurn or cancelTurn; its Trace may only
// grow while InProgress.
type Turn struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	AgentID        string         `json:"agentId"`
	Status         TurnStatus     `json:"status"`
	StartedAt      time.Time      `json:"startedAt"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IsFinalTurn    bool           `json:"isFinalTurn"`
	AttachmentIDs  []string       `json:"attachments"`
	Trace          []TraceEntry   `json:"trace,omitempty"`
}

// Shell returns a copy of the turn without its trace array, for use in
// trace_added event payloads (which must never carry the full trace).
func (t *Turn) Shell() Turn {
	shell := *t
	shell.Trace = nil
	shell.AttachmentIDs = append([]string(nil), t.AttachmentIDs...)
	return shell
}

// TraceEntryKind discriminates TraceEntry variants on the wire.
type TraceEntryKind string

const (
	TraceThought    TraceEntryKind = "thought"
	TraceToolCall   TraceEntryKind = "tool_call"
	TraceToolResult TraceEntryKind = "tool_result"
)

// AttachmentCreationToolCallID is the synthetic toolCallId used for the
// tool_result trace entry that completeTurn writes for each embedded
// attachment payload.
const AttachmentCreationToolCallID = "attachment_creation"

// TraceEntry is a closed sum type: exactly one of Thought, ToolCall, or
// ToolResult is populated, selected by Kind. Modeled as a discriminated
// struct rather than an interface hierarchy so it marshals to and from JSON
// directly, without reflection-based dispatch, while still being
// impossible to construct with more than one variant set via the
// constructor functions below.
type TraceEntry struct {
	ID        string         `json:"id"`
	TurnID    string         `json:"turnId"`
	AgentID   string         `json:"agentId"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      TraceEntryKind `json:"type"`

	Thought    *ThoughtPayload    `json:"thought,omitempty"`
	ToolCall   *ToolCallPayload   `json:"toolCall,omitempty"`
	ToolResult *ToolResultPayload `json:"toolResult,omitempty"`
}

// ThoughtPayload carries free-text scratchpad reasoning.
type ThoughtPayload struct {
	Content string `json:"content"`
}

// ToolCallPayload carries a dispatched tool invocation.
type ToolCallPayload struct {
	ToolCallID string         `json:"toolCallId"`
	ToolName   string         `json:"toolName"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ToolResultPayload carries the outcome of a dispatched tool call. Exactly
// one of Result or Error is set.
type ToolResultPayload struct {
	ToolCallID string `json:"toolCallId"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

// NewThoughtEntry constructs a thought-kind TraceEntry. ID and Timestamp are
// left zero-valued; the Store stamps both on append.
func NewThoughtEntry(turnID, agentID, content string) TraceEntry {
	return TraceEntry{
		TurnID:  turnID,
		AgentID: agentID,
		Kind:    TraceThought,
		Thought: &ThoughtPayload{Content: content},
	}
}

// NewToolCallEntry constructs a tool_call-kind TraceEntry.
func NewToolCallEntry(turnID, agentID, toolCallID, toolName string, parameters map[string]any) TraceEntry {
	return TraceEntry{
		TurnID:   turnID,
		AgentID:  agentID,
		Kind:     TraceToolCall,
		ToolCall: &ToolCallPayload{ToolCallID: toolCallID, ToolName: toolName, Parameters: parameters},
	}
}

// NewToolResultEntry constructs a tool_result-kind TraceEntry carrying a
// successful result.
func NewToolResultEntry(turnID, agentID, toolCallID string, result any) TraceEntry {
	return TraceEntry{
		TurnID:     turnID,
		AgentID:    agentID,
		Kind:       TraceToolResult,
		ToolResult: &ToolResultPayload{ToolCallID: toolCallID, Result: result},
	}
}

// NewToolErrorEntry constructs a tool_result-kind TraceEntry carrying a
// failed result.
func NewToolErrorEntry(turnID, agentID, toolCallID, errMsg string) TraceEntry {
	return TraceEntry{
		TurnID:     turnID,
		AgentID:    agentID,
		Kind:       TraceToolResult,
		ToolResult: &ToolResultPayload{ToolCallID: toolCallID, Error: errMsg},
	}
}

// NewAttachmentCreationEntry constructs the synthetic tool_result entry
// completeTurn writes for each embedded attachment payload.
func NewAttachmentCreationEntry(turnID, agentID, attachmentID, name string) TraceEntry {
	return TraceEntry{
		TurnID:  turnID,
		AgentID: agentID,
		Kind:    TraceToolResult,
		ToolResult: &ToolResultPayload{
			ToolCallID: AttachmentCreationToolCallID,
			Result:     map[string]any{"attachmentId": attachmentID, "name": name},
		},
	}
}

// Attachment is opaque content produced by an agent's turn and persisted
// atomically with completeTurn.
type Attachment struct {
	ID               string    `json:"id"`
	ConversationID   string    `json:"conversationId"`
	TurnID           string    `json:"turnId"`
	DocID            string    `json:"docId"`
	Name             string    `json:"name"`
	ContentType      string    `json:"contentType"`
	Content          []byte    `json:"content"`
	Summary          string    `json:"summary,omitempty"`
	CreatedByAgentID string    `json:"createdByAgentId"`
	CreatedAt        time.Time `json:"createdAt"`
}

// AttachmentPayload is the caller-supplied shape embedded in completeTurn
// requests, before an id and CreatedAt are assigned.
type AttachmentPayload struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"content"`
	Summary     string `json:"summary,omitempty"`
	DocID       string `json:"docId,omitempty"`
}
