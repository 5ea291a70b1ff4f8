package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/parley-run/parley/internal/domain"
	"github.com/parley-run/parley/internal/errs"
	"github.com/parley-run/parley/internal/events"
	"github.com/parley-run/parley/internal/logger"
	"github.com/parley-run/parley/internal/metrics"
	"github.com/parley-run/parley/internal/orchestrator"
	"github.com/parley-run/parley/internal/store"
)

const (
	defaultIdleTTL          = 1 * time.Hour
	defaultEvictionInterval = 1 * time.Minute

	// followUpHint tells the external caller how to resume after a
	// still-working response.
	followUpHint = "Please call wait_for_reply to collect the response once the agent has finished."
)

// Core is the slice of the orchestrator the bridge surface needs. Satisfied
// by *orchestrator.Orchestrator.
type Core interface {
	orchestrator.Client
	Subscriber
	CreateConversation(ctx context.Context, req orchestrator.CreateConversationRequest) (*orchestrator.CreateConversationResult, error)
	StartConversation(ctx context.Context, conversationID string) error
}

// StillWorking is the parkable "no answer yet" response: liveness stats
// instead of an error, so the external counterparty keeps polling.
type StillWorking struct {
	StillWorking bool              `json:"stillWorking"`
	FollowUp     string            `json:"followUp"`
	Status       StillWorkingStats `json:"status"`
}

// StillWorkingStats is the status block of a StillWorking response.
type StillWorkingStats struct {
	Message        string    `json:"message"`
	ActionCount    int       `json:"actionCount"`
	LastActionAt   time.Time `json:"lastActionAt,omitempty"`
	LastActionType string    `json:"lastActionType,omitempty"`
}

// Outcome is the union result of send_message / wait_for_reply: exactly one
// of Reply or StillWorking is set.
type Outcome struct {
	Reply        *Reply
	StillWorking *StillWorking
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTimeout sets how long a rendezvous waits before parking into
// still-working. Default: 60s.
func WithTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.timeout = d }
}

// WithIdleTTL sets how long an unused bridge agent is kept resident before
// eviction. Default: 1 hour. Zero disables eviction.
func WithIdleTTL(d time.Duration) ManagerOption {
	return func(m *Manager) { m.idleTTL = d }
}

// Manager owns the live bridge agents, one per conversation, creating them
// on demand (rehydrating the conversation through the orchestrator when
// needed) and evicting them after idleTTL without rendezvous activity.
type Manager struct {
	core    Core
	timeout time.Duration
	idleTTL time.Duration

	mu     sync.Mutex
	agents map[string]*Agent

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a Manager bridging conversations owned by core.
func NewManager(core Core, opts ...ManagerOption) *Manager {
	m := &Manager{
		core:    core,
		timeout: 60 * time.Second,
		idleTTL: defaultIdleTTL,
		agents:  make(map[string]*Agent),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.idleTTL > 0 {
		go m.evictionLoop()
	}
	return m
}

// Close stops the eviction loop and tears down every resident bridge agent.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	agents := m.agents
	m.agents = make(map[string]*Agent)
	m.mu.Unlock()
	for _, a := range agents {
		a.Close()
	}
}

// Begin decodes blob, creates the conversation it describes, and starts the
// server-managed counterpart agents. The external counterparty is the
// initiator; no message is sent yet.
func (m *Manager) Begin(ctx context.Context, blob string) (string, error) {
	cfg, err := DecodeConfigBlob(blob)
	if err != nil {
		return "", errs.New("bridge", "Begin", errs.InvalidRequest, err)
	}

	result, err := m.core.CreateConversation(ctx, orchestrator.CreateConversationRequest{
		Agents:   cfg.Agents,
		Metadata: cfg.Metadata,
	})
	if err != nil {
		return "", err
	}

	if result.Conversation.HasServerManagedAgent() {
		if err := m.core.StartConversation(ctx, result.Conversation.ID); err != nil {
			return "", err
		}
	}
	logger.Info("bridge conversation begun",
		"conversation_id", result.Conversation.ID,
		"agents", len(cfg.Agents),
	)
	return result.Conversation.ID, nil
}

// SendMessage speaks the external counterparty's next message into the
// conversation and waits for the reply, parking into still-working on
// timeout or when another call is already in flight.
func (m *Manager) SendMessage(ctx context.Context, conversationID, text string, attachments []domain.AttachmentPayload) (*Outcome, error) {
	agent, err := m.agentFor(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	reply, err := agent.BridgeExternalClientTurn(ctx, text, attachments, m.timeout)
	return m.outcome(agent, reply, err)
}

// WaitForReply waits for a counterparty reply without producing a turn.
func (m *Manager) WaitForReply(ctx context.Context, conversationID string) (*Outcome, error) {
	agent, err := m.agentFor(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	reply, err := agent.WaitForPendingReply(ctx, m.timeout)
	return m.outcome(agent, reply, err)
}

func (m *Manager) outcome(agent *Agent, reply *Reply, err error) (*Outcome, error) {
	switch {
	case err == nil:
		return &Outcome{Reply: reply}, nil
	case errors.Is(err, ErrBusy), errs.KindOf(err) == errs.Timeout:
		stats := agent.CounterpartyStats()
		metrics.RecordBridgeStillWorking(agent.agentID)
		return &Outcome{StillWorking: &StillWorking{
			StillWorking: true,
			FollowUp:     followUpHint,
			Status: StillWorkingStats{
				Message:        stillWorkingMessage(stats),
				ActionCount:    stats.ActionCount,
				LastActionAt:   stats.LastActionAt,
				LastActionType: stats.LastActionType,
			},
		}}, nil
	default:
		return nil, err
	}
}

func stillWorkingMessage(stats Stats) string {
	if stats.ActionCount == 0 {
		return "The agent has not taken any visible action yet."
	}
	return fmt.Sprintf("The agent is still working: %d actions so far, most recently %s.",
		stats.ActionCount, stats.LastActionType)
}

// agentFor returns the resident bridge agent for conversationID, creating it
// from the conversation's bridged agent config on a miss.
func (m *Manager) agentFor(ctx context.Context, conversationID string) (*Agent, error) {
	m.mu.Lock()
	if a, ok := m.agents[conversationID]; ok {
		m.mu.Unlock()
		return a, nil
	}
	m.mu.Unlock()

	conv, err := m.core.GetConversation(ctx, conversationID, store.GetConversationOptions{})
	if err != nil {
		return nil, err
	}
	var bridged *domain.AgentConfig
	for i := range conv.Agents {
		if conv.Agents[i].StrategyType.IsBridge() {
			bridged = &conv.Agents[i]
			break
		}
	}
	if bridged == nil {
		return nil, errs.New("bridge", "agentFor", errs.InvalidRequest, ErrNoBridgedAgent)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[conversationID]; ok {
		return a, nil
	}
	a := NewAgent(m.core, m.core, conversationID, bridged.ID)
	m.agents[conversationID] = a
	return a, nil
}

// DropConversation evicts the bridge agent for conversationID, if resident.
// Called on conversation_ended and by the idle sweep.
func (m *Manager) DropConversation(conversationID string) {
	m.mu.Lock()
	a, ok := m.agents[conversationID]
	if ok {
		delete(m.agents, conversationID)
	}
	m.mu.Unlock()
	if ok {
		a.Close()
	}
}

// WatchEnds subscribes the manager to conversation_ended events so finished
// conversations drop their bridge agents promptly. Returns the unsubscribe.
func (m *Manager) WatchEnds() func() {
	return m.core.SubscribeToConversation(events.AllTopics, &events.Filter{
		EventTypes: []events.Type{events.ConversationEnded},
	}, func(ev *events.Event) {
		m.DropConversation(ev.ConversationID)
	})
}

func (m *Manager) evictionLoop() {
	ticker := time.NewTicker(defaultEvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.evictOnce(time.Now())
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) evictOnce(now time.Time) {
	m.mu.Lock()
	var expired []*Agent
	for id, a := range m.agents {
		if now.Sub(a.LastUsed()) > m.idleTTL {
			expired = append(expired, a)
			delete(m.agents, id)
		}
	}
	m.mu.Unlock()
	for _, a := range expired {
		a.Close()
	}
}
