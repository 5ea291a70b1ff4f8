package domain

import "time"

// UserQueryStatus tracks whether a human-in-the-loop query has been
// answered, is still outstanding, or timed out unanswered.
type UserQueryStatus string

const (
	UserQueryPending  UserQueryStatus = "pending"
	UserQueryAnswered UserQueryStatus = "answered"
	UserQueryExpired  UserQueryStatus = "expired"
)

// DefaultUserQueryTimeout is the default duration a UserQuery waits before
// it is swept to UserQueryExpired.
const DefaultUserQueryTimeout = 300 * time.Second

// UserQuery represents a question an agent poses to a human operator
// outside the conversation's normal turn flow.
type UserQuery struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	AgentID        string          `json:"agentId"`
	Question       string          `json:"question"`
	Context        string          `json:"context,omitempty"`
	Status         UserQueryStatus `json:"status"`
	Response       string          `json:"response,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// AgentToken binds an opaque bearer string to a conversation/agent pair.
// Revoked on conversation completion; swept when expired.
type AgentToken struct {
	Token          string    `json:"-"`
	ConversationID string    `json:"conversationId"`
	AgentID        string    `json:"agentId"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// Scenario is the external collaborator's read-only description of a
// conversation's cast: roles, tool specs, principals, and system prompt
// fragments, keyed by id and version.
type Scenario struct {
	ID      string         `json:"id"`
	Version string         `json:"version"`
	Agents  []ScenarioAgent `json:"agents"`
}

// ScenarioAgent is one cast member's definition within a Scenario.
type ScenarioAgent struct {
	AgentID             string       `json:"agentId"`
	Role                string       `json:"role"`
	Principal           string       `json:"principal,omitempty"`
	SystemPromptFragment string      `json:"systemPromptFragment,omitempty"`
	Tools               []ToolSpec   `json:"tools,omitempty"`
}

// ToolSpec describes a single tool made available to a scenario agent.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}
