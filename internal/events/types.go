// Package events implements the conversation-scoped pub/sub bus: topics are
// conversation ids, with a distinguished topic "*" receiving every event.
package events

import (
	"time"

	"github.com/parley-run/parley/internal/domain"
)

// Type identifies the kind of event carried on the bus.
type Type string

const (
	ConversationCreated Type = "conversation_created"
	ConversationReady   Type = "conversation_ready"
	ConversationEnded   Type = "conversation_ended"
	Rehydrated          Type = "rehydrated"

	TurnStarted   Type = "turn_started"
	TurnCompleted Type = "turn_completed"
	TurnCancelled Type = "turn_cancelled"

	TraceAdded     Type = "trace_added"
	AgentThinking  Type = "agent_thinking"
	ToolExecuting  Type = "tool_executing"

	UserQueryCreated  Type = "user_query_created"
	UserQueryAnswered Type = "user_query_answered"
)

// Data is a marker interface for event payloads, making the set of shapes a
// closed sum type discriminated by Event.Type rather than by reflection.
type Data interface {
	eventData()
}

type baseData struct{}

func (baseData) eventData() {}

// Event is the envelope delivered to subscribers. AgentID is populated when
// the event concerns a single agent (all turn/trace/query events); it
// exists on the envelope, rather than requiring a type switch on Data, so
// the bus can apply an AgentIDs filter without knowing each Data shape.
type Event struct {
	Type           Type      `json:"type"`
	ConversationID string    `json:"conversationId"`
	AgentID        string    `json:"agentId,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Data           Data      `json:"data"`
}

// ConversationCreatedData carries the newly created conversation record.
type ConversationCreatedData struct {
	baseData
	Conversation domain.Conversation
}

// ConversationReadyData marks a conversation's transition to active.
type ConversationReadyData struct {
	baseData
}

// ConversationEndedData marks conversation completion.
type ConversationEndedData struct {
	baseData
}

// RehydratedData carries the full snapshot rebuilt from the store.
type RehydratedData struct {
	baseData
	Turns []domain.Turn
}

// TurnStartedData carries the newly opened turn (content empty, trace
// empty, per the orchestrator contract).
type TurnStartedData struct {
	baseData
	Turn domain.Turn
}

// TurnCompletedData carries the full sealed turn, trace included.
type TurnCompletedData struct {
	baseData
	Turn domain.Turn
}

// TurnCancelledData identifies the cancelled turn.
type TurnCancelledData struct {
	baseData
	TurnID  string
	AgentID string
}

// TraceAddedData carries the turn shell (no trace array) plus the single
// new entry.
type TraceAddedData struct {
	baseData
	TurnShell domain.Turn
	Trace     domain.TraceEntry
}

// AgentThinkingData is derived from a thought-kind trace entry.
type AgentThinkingData struct {
	baseData
	AgentID string
	Thought string
}

// ToolExecutingData is derived from a tool_call-kind trace entry.
type ToolExecutingData struct {
	baseData
	AgentID    string
	ToolName   string
	Parameters map[string]any
}

// UserQueryCreatedData carries the newly created query.
type UserQueryCreatedData struct {
	baseData
	Query domain.UserQuery
}

// UserQueryAnsweredData carries the query id and the operator's response.
type UserQueryAnsweredData struct {
	baseData
	QueryID  string
	Response string
	Context  string
}
