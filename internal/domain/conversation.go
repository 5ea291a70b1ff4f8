// Package domain holds the core entities shared by the store, orchestrator,
// agent runtime, bridge, and transport packages: Conversation, AgentConfig,
// Turn, TraceEntry, Attachment, UserQuery, AgentToken, and Scenario.
package domain

import "time"

// ConversationStatus is the lifecycle state of a Conversation. Transitions
// are monotonic: created -> active -> completed.
type ConversationStatus string

const (
	ConversationCreated   ConversationStatus = "created"
	ConversationActive    ConversationStatus = "active"
	ConversationCompleted ConversationStatus = "completed"
)

// StrategyType identifies how an agent's turns are produced.
type StrategyType string

const (
	StrategyScenarioDriven                StrategyType = "scenario_driven"
	StrategySequentialScript              StrategyType = "sequential_script"
	StrategyStaticReplay                  StrategyType = "static_replay"
	StrategyBridgeToExternalAsServer      StrategyType = "bridge_to_external_counterparty_as_server"
	StrategyBridgeToExternalAsClient      StrategyType = "bridge_to_external_counterparty_as_client"
)

// IsServerManaged reports whether the orchestrator instantiates and drives
// this agent in-process, as opposed to tracking it on behalf of an external
// counterparty.
func (s StrategyType) IsServerManaged() bool {
	switch s {
	case StrategyScenarioDriven, StrategySequentialScript, StrategyStaticReplay:
		return true
	default:
		return false
	}
}

// IsBridge reports whether this strategy represents an external
// counterparty's voice inside the conversation.
func (s StrategyType) IsBridge() bool {
	return s == StrategyBridgeToExternalAsServer || s == StrategyBridgeToExternalAsClient
}

// AgentConfig describes one participant within a conversation.
type AgentConfig struct {
	ID                    string       `json:"id"`
	StrategyType          StrategyType `json:"strategyType"`
	ScenarioID            string       `json:"scenarioId,omitempty"`
	ScenarioVersion       string       `json:"scenarioVersion,omitempty"`
	ShouldInitiate        bool         `json:"shouldInitiate"`
	AdditionalInstructions string      `json:"additionalInstructions,omitempty"`
}

// Conversation is a finite, ordered sequence of turns produced by its
// agents, plus the log of traces, attachments, and user queries they
// generated. The entity itself carries only metadata; turns, traces, and
// attachments are addressed through the Store by conversation id.
type Conversation struct {
	ID        string             `json:"id"`
	CreatedAt time.Time          `json:"createdAt"`
	Status    ConversationStatus `json:"status"`
	Agents    []AgentConfig      `json:"agents"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
}

// AgentByID returns the agent config with the given id, or false if none
// matches.
func (c *Conversation) AgentByID(agentID string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.ID == agentID {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// InitiatingAgent returns the agent with ShouldInitiate = true, if any. The
// Conversation invariant (enforced at creation) guarantees at most one.
func (c *Conversation) InitiatingAgent() (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.ShouldInitiate {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// AllExternal reports whether every agent's strategy is not server-managed.
func (c *Conversation) AllExternal() bool {
	for _, a := range c.Agents {
		if a.StrategyType.IsServerManaged() {
			return false
		}
	}
	return true
}

// HasServerManagedAgent reports whether at least one agent runs in-process.
func (c *Conversation) HasServerManagedAgent() bool {
	for _, a := range c.Agents {
		if a.StrategyType.IsServerManaged() {
			return true
		}
	}
	return false
}
