package orchestrator

import (
	"context"
	"time"

	"github.com/parley-run/parley/internal/domain"
	"github.com/parley-run/parley/internal/errs"
	"github.com/parley-run/parley/internal/events"
	"github.com/parley-run/parley/internal/logger"
	"github.com/parley-run/parley/internal/store"
)

// CreateConversationRequest describes a new conversation's cast.
type CreateConversationRequest struct {
	Agents   []domain.AgentConfig
	Metadata map[string]any
}

// CreateConversationResult is returned by CreateConversation: the new
// conversation record plus one bearer token per agent.
type CreateConversationResult struct {
	Conversation domain.Conversation
	AgentTokens  map[string]string // agentID -> token
}

func validateCreateConversationRequest(req CreateConversationRequest) error {
	if len(req.Agents) == 0 {
		return newErr("CreateConversation", errs.InvalidRequest, nil)
	}
	seen := make(map[string]bool, len(req.Agents))
	initiators := 0
	for _, a := range req.Agents {
		if a.ID == "" {
			return newErr("CreateConversation", errs.InvalidRequest, nil)
		}
		if seen[a.ID] {
			return newErr("CreateConversation", errs.InvalidRequest, nil)
		}
		seen[a.ID] = true
		if a.ShouldInitiate {
			initiators++
		}
	}
	if initiators > 1 {
		return newErr("CreateConversation", errs.InvalidRequest, nil)
	}
	return nil
}

// CreateConversation validates req, persists a new created conversation,
// mints one bearer token per agent, initializes the in-memory projection
// without starting any agent, and emits conversation_created. Starting the
// agents themselves is StartConversation's job: registering a cast and
// bringing it to life are separate operations.
func (o *Orchestrator) CreateConversation(ctx context.Context, req CreateConversationRequest) (*CreateConversationResult, error) {
	if err := validateCreateConversationRequest(req); err != nil {
		return nil, err
	}

	conv := domain.Conversation{
		ID:        newConversationID(),
		CreatedAt: time.Now(),
		Status:    domain.ConversationCreated,
		Agents:    req.Agents,
		Metadata:  req.Metadata,
	}
	if err := o.store.CreateConversation(ctx, &conv); err != nil {
		return nil, newErr("CreateConversation", errs.Internal, err)
	}

	tokensByAgent := make(map[string]string, len(conv.Agents))
	for _, a := range conv.Agents {
		tokensByAgent[a.ID] = o.issueToken(ctx, conv.ID, a.ID)
	}

	st := &conversationState{
		conv:            conv,
		agents:          make(map[string]Agent),
		inProgressTurns: make(map[string]string),
	}
	o.activeMu.Lock()
	o.active[conv.ID] = st
	o.activeMu.Unlock()
	o.setActiveCount()

	o.bus.Publish(&events.Event{
		Type:           events.ConversationCreated,
		ConversationID: conv.ID,
		Timestamp:      time.Now(),
		Data:           &events.ConversationCreatedData{Conversation: conv},
	})

	return &CreateConversationResult{Conversation: conv, AgentTokens: tokensByAgent}, nil
}

// StartConversation provisions every server-managed agent not already
// resident, transitions the conversation to active, emits
// conversation_ready, and, if one agent is marked ShouldInitiate, invokes
// its InitializeConversation hook so it opens the first turn.
func (o *Orchestrator) StartConversation(ctx context.Context, conversationID string) error {
	st, ok := o.getActive(conversationID)
	if !ok {
		return newErr("StartConversation", errs.NotFound, nil)
	}

	st.mu.Lock()
	if st.conv.Status != domain.ConversationCreated {
		st.mu.Unlock()
		return newErr("StartConversation", errs.Conflict, nil)
	}
	if !st.conv.HasServerManagedAgent() {
		// All-external conversations activate on their first turn instead.
		st.mu.Unlock()
		return newErr("StartConversation", errs.InvalidRequest, nil)
	}
	for _, cfg := range st.conv.Agents {
		if !cfg.StrategyType.IsServerManaged() {
			continue
		}
		if _, exists := st.agents[cfg.ID]; exists {
			continue
		}
		if _, err := o.provisionAgentLocked(ctx, st, cfg); err != nil {
			st.mu.Unlock()
			return newErr("StartConversation", errs.Internal, err)
		}
	}

	st.conv.Status = domain.ConversationActive
	initiator, hasInitiator := st.conv.InitiatingAgent()
	st.mu.Unlock()

	if err := o.store.UpdateConversationStatus(ctx, conversationID, domain.ConversationActive); err != nil {
		return newErr("StartConversation", errs.Internal, err)
	}

	o.bus.Publish(&events.Event{
		Type:           events.ConversationReady,
		ConversationID: conversationID,
		Timestamp:      time.Now(),
		Data:           &events.ConversationReadyData{},
	})

	if hasInitiator && initiator.StrategyType.IsServerManaged() {
		agent, ok := o.GetAgentInstance(conversationID, initiator.ID)
		if ok {
			if err := agent.InitializeConversation(ctx, initiator.AdditionalInstructions); err != nil {
				logger.UpstreamFailed(conversationID, initiator.ID, "InitializeConversation", err)
			}
		}
	}
	return nil
}

// EndConversation seals the conversation as completed, revokes its tokens,
// closes and evicts every resident agent, and emits conversation_ended.
// Ending a resident conversation that is already completed is a no-op; a
// conversation not resident in memory goes through endConversationColdPath,
// which rewrites the status and emits conversation_ended whatever the
// stored status was.
func (o *Orchestrator) EndConversation(ctx context.Context, conversationID string) error {
	st, ok := o.getActive(conversationID)
	if !ok {
		return o.endConversationColdPath(ctx, conversationID)
	}

	st.mu.Lock()
	if st.conv.Status == domain.ConversationCompleted {
		st.mu.Unlock()
		return nil
	}
	st.conv.Status = domain.ConversationCompleted
	agents := make([]Agent, 0, len(st.agents))
	for _, a := range st.agents {
		agents = append(agents, a)
	}
	unsubs := st.unsubscribes
	st.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	for _, a := range agents {
		if err := a.Close(); err != nil {
			logger.Warn("agent close failed", "conversation_id", conversationID, "error", err)
		}
	}

	if err := o.store.UpdateConversationStatus(ctx, conversationID, domain.ConversationCompleted); err != nil {
		return newErr("EndConversation", errs.Internal, err)
	}
	o.tokens.RevokeConversation(conversationID)
	if err := o.store.RevokeTokensForConversation(ctx, conversationID); err != nil {
		logger.Warn("revoke tokens failed", "conversation_id", conversationID, "error", err)
	}

	o.activeMu.Lock()
	delete(o.active, conversationID)
	o.activeMu.Unlock()
	o.setActiveCount()

	o.bus.Publish(&events.Event{
		Type:           events.ConversationEnded,
		ConversationID: conversationID,
		Timestamp:      time.Now(),
		Data:           &events.ConversationEndedData{},
	})
	return nil
}

// endConversationColdPath handles EndConversation being called for a
// conversation that was never rehydrated into memory (e.g. an operator
// ending a long-completed conversation): only the durable status and
// tokens need updating.
func (o *Orchestrator) endConversationColdPath(ctx context.Context, conversationID string) error {
	if _, err := o.store.GetConversation(ctx, conversationID, store.GetConversationOptions{}); err != nil {
		return newErr("EndConversation", errs.NotFound, err)
	}
	if err := o.store.UpdateConversationStatus(ctx, conversationID, domain.ConversationCompleted); err != nil {
		return newErr("EndConversation", errs.Internal, err)
	}
	if err := o.store.RevokeTokensForConversation(ctx, conversationID); err != nil {
		logger.Warn("revoke tokens failed", "conversation_id", conversationID, "error", err)
	}
	o.bus.Publish(&events.Event{
		Type:           events.ConversationEnded,
		ConversationID: conversationID,
		Timestamp:      time.Now(),
		Data:           &events.ConversationEndedData{},
	})
	return nil
}

// rehydrate reloads conversationID's conversation record and in-progress
// turn index from the Store into a fresh conversationState, without
// provisioning any agent; agents are (re)provisioned lazily by
// EnsureAgentInstance the first time one is actually needed. Emits
// "rehydrated" carrying the full turn snapshot.
func (o *Orchestrator) rehydrate(ctx context.Context, conversationID string) (*conversationState, error) {
	conv, err := o.store.GetConversation(ctx, conversationID, store.GetConversationOptions{})
	if err != nil {
		return nil, newErr("rehydrate", errs.NotFound, err)
	}
	if conv.Status == domain.ConversationCompleted {
		return nil, newErr("rehydrate", errs.Conflict, nil)
	}

	turns, err := o.store.GetTurnsForConversation(ctx, conversationID)
	if err != nil {
		return nil, newErr("rehydrate", errs.Internal, err)
	}
	inProgress := make(map[string]string)
	for _, t := range turns {
		if t.Status == domain.TurnInProgress {
			inProgress[t.AgentID] = t.ID
		}
	}

	st := &conversationState{
		conv:            *conv,
		agents:          make(map[string]Agent),
		inProgressTurns: inProgress,
	}

	o.activeMu.Lock()
	if existing, ok := o.active[conversationID]; ok {
		o.activeMu.Unlock()
		return existing, nil
	}
	o.active[conversationID] = st
	o.activeMu.Unlock()
	o.setActiveCount()

	logger.Rehydrated(conversationID, len(turns))
	o.bus.Publish(&events.Event{
		Type:           events.Rehydrated,
		ConversationID: conversationID,
		Timestamp:      time.Now(),
		Data:           &events.RehydratedData{Turns: turns},
	})
	return st, nil
}

// Shutdown broadcasts conversation_ended to every resident conversation and
// drops its in-memory state, without sealing anything in the Store: active
// conversations stay resurrectable by the next process. In-flight agent
// loops observe the event and abort cleanly.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.activeMu.Lock()
	resident := make(map[string]*conversationState, len(o.active))
	for id, st := range o.active {
		resident[id] = st
	}
	o.active = make(map[string]*conversationState)
	o.activeMu.Unlock()
	o.setActiveCount()

	for id, st := range resident {
		o.bus.Publish(&events.Event{
			Type:           events.ConversationEnded,
			ConversationID: id,
			Timestamp:      time.Now(),
			Data:           &events.ConversationEndedData{},
		})

		st.mu.Lock()
		agents := make([]Agent, 0, len(st.agents))
		for _, a := range st.agents {
			agents = append(agents, a)
		}
		unsubs := st.unsubscribes
		st.agents = make(map[string]Agent)
		st.unsubscribes = nil
		st.mu.Unlock()

		for _, unsub := range unsubs {
			unsub()
		}
		for _, a := range agents {
			if err := a.Close(); err != nil {
				logger.Warn("agent close failed during shutdown", "conversation_id", id, "error", err)
			}
		}
	}
}

// Resurrect is called once at process start. It rehydrates every
// conversation the Store reports activity for within lookback, and marks
// everything else permanently inactive (completed) so it is never
// considered resident again.
func (o *Orchestrator) Resurrect(ctx context.Context, lookback time.Duration) error {
	ids, err := o.store.GetActiveConversationsWithRecentActivity(ctx, lookback)
	if err != nil {
		return newErr("Resurrect", errs.Internal, err)
	}
	logger.Resurrecting(len(ids), int(lookback.Hours()))
	for _, id := range ids {
		if _, err := o.rehydrate(ctx, id); err != nil {
			logger.Warn("resurrection rehydrate failed", "conversation_id", id, "error", err)
		}
	}

	n, err := o.store.MarkStaleConversationsInactive(ctx, lookback)
	if err != nil {
		return newErr("Resurrect", errs.Internal, err)
	}
	if n > 0 {
		logger.Info("marked stale conversations inactive", "count", n)
	}
	return nil
}
