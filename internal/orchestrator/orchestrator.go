// Package orchestrator implements the conversation/turn/trace state machine,
// agent lifecycle (provisioning, rehydration, resurrection), and the
// in-memory indices of resident conversations and in-progress turns. It is
// the one process-wide singleton handle threaded through the rest of the
// system; agents never hold a reference back to it, only to the narrow
// Client interface defined below.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-run/parley/internal/config"
	"github.com/parley-run/parley/internal/domain"
	"github.com/parley-run/parley/internal/errs"
	"github.com/parley-run/parley/internal/events"
	"github.com/parley-run/parley/internal/metrics"
	"github.com/parley-run/parley/internal/store"
	"github.com/parley-run/parley/internal/tokens"
)

// Agent is the orchestrator's view of a server-managed agent instance: the
// lifecycle hooks every strategy implements. Concrete implementations live
// in internal/agent, which is not imported here, so the interface is
// satisfied structurally.
type Agent interface {
	// Initialize acquires whatever client handle the agent needs and
	// subscribes to conversation events. token authenticates the agent
	// against the external API adapter, if it ever calls back in.
	Initialize(ctx context.Context, conversationID, agentID, token string) error

	// InitializeConversation is called once, only on the agent marked
	// ShouldInitiate, immediately after provisioning.
	InitializeConversation(ctx context.Context, additionalInstructions string) error

	// HandleEvent is the reactive entry point. Implementations MUST return
	// quickly: any policy call, tool dispatch, or other suspending work
	// belongs in a goroutine spawned from here, never performed inline,
	// since the bus invokes HandleEvent synchronously under the
	// conversation's turn-state lock.
	HandleEvent(ev *events.Event)

	// Close releases any resources acquired by Initialize.
	Close() error
}

// AgentFactory constructs a server-managed Agent for cfg, wired to client.
// Registered per domain.StrategyType via RegisterFactory.
type AgentFactory func(cfg domain.AgentConfig, client Client) (Agent, error)

// Client is the narrow surface a server-managed Agent is given to act on
// its own conversation, never the Orchestrator itself, breaking the
// cyclic "orchestrator owns agents; agents hold the orchestrator" ownership
// the source patterns this is grounded on exhibited.
type Client interface {
	StartTurn(ctx context.Context, req StartTurnRequest) (*domain.Turn, error)
	AddTraceEntry(ctx context.Context, req AddTraceEntryRequest) (domain.TraceEntry, error)
	CompleteTurn(ctx context.Context, req CompleteTurnRequest) (*domain.Turn, error)
	CancelTurn(ctx context.Context, turnID string) (*domain.Turn, error)

	GetConversation(ctx context.Context, conversationID string, opts store.GetConversationOptions) (*domain.Conversation, error)
	GetTurnsForConversation(ctx context.Context, conversationID string) ([]domain.Turn, error)
	GetTurn(ctx context.Context, turnID string) (*domain.Turn, error)
	GetAttachment(ctx context.Context, attachmentID string) (*domain.Attachment, error)

	CreateUserQuery(ctx context.Context, req CreateUserQueryRequest) (*domain.UserQuery, error)
	GetUserQueryStatus(ctx context.Context, queryID string) (*domain.UserQuery, error)
}

// conversationState is the orchestrator's single in-memory owner of one
// resident conversation's mutable state: the cached conversation record,
// live agent instances, the in_progress turn index, and bus unsubscribe
// handles. mu serializes every turn-state-machine transition for this
// conversation, standing in for a single-writer actor.
type conversationState struct {
	mu sync.Mutex

	conv            domain.Conversation
	agents          map[string]Agent
	inProgressTurns map[string]string // agentID -> turnID
	unsubscribes    []func()
}

// Orchestrator is the process-wide handle coordinating the Store, Event
// Bus, Token Registry, and every resident conversation's Agent instances.
type Orchestrator struct {
	store  store.Store
	bus    *events.Bus
	tokens *tokens.Registry
	cfg    *config.Config

	factoriesMu sync.RWMutex
	factories   map[domain.StrategyType]AgentFactory

	activeMu sync.RWMutex
	active   map[string]*conversationState
}

// New creates an Orchestrator backed by st, publishing to bus, issuing
// tokens from reg, configured by cfg.
func New(st store.Store, bus *events.Bus, reg *tokens.Registry, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		store:     st,
		bus:       bus,
		tokens:    reg,
		cfg:       cfg,
		factories: make(map[domain.StrategyType]AgentFactory),
		active:    make(map[string]*conversationState),
	}
}

// RegisterFactory binds strategyType to factory. Call once per
// server-managed strategy before any conversation using it is started.
func (o *Orchestrator) RegisterFactory(strategyType domain.StrategyType, factory AgentFactory) {
	o.factoriesMu.Lock()
	defer o.factoriesMu.Unlock()
	o.factories[strategyType] = factory
}

func (o *Orchestrator) factoryFor(strategyType domain.StrategyType) (AgentFactory, bool) {
	o.factoriesMu.RLock()
	defer o.factoriesMu.RUnlock()
	f, ok := o.factories[strategyType]
	return f, ok
}

func newErr(op string, kind errs.Kind, cause error) error {
	return errs.New("orchestrator", op, kind, cause)
}

func (o *Orchestrator) getActive(conversationID string) (*conversationState, bool) {
	o.activeMu.RLock()
	defer o.activeMu.RUnlock()
	st, ok := o.active[conversationID]
	return st, ok
}

func (o *Orchestrator) requireActive(ctx context.Context, conversationID string) (*conversationState, error) {
	if st, ok := o.getActive(conversationID); ok {
		return st, nil
	}
	st, err := o.rehydrate(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (o *Orchestrator) setActiveCount() {
	o.activeMu.RLock()
	n := len(o.active)
	o.activeMu.RUnlock()
	metrics.SetActiveConversations(n)
}

// GetConversation returns the conversation record. opts is forwarded to the
// Store verbatim; turns/trace/attachments themselves are addressed
// separately through GetTurnsForConversation (the Conversation entity
// itself carries no turns field).
func (o *Orchestrator) GetConversation(ctx context.Context, conversationID string, opts store.GetConversationOptions) (*domain.Conversation, error) {
	conv, err := o.store.GetConversation(ctx, conversationID, opts)
	if err != nil {
		return nil, newErr("GetConversation", errs.NotFound, err)
	}
	return conv, nil
}

// ListConversations returns conversation records matching opts, in the
// Store's order: MemoryStore sorts by creation time, oldest first;
// RedisStore by last activity, least recent first.
func (o *Orchestrator) ListConversations(ctx context.Context, opts store.ListOptions) ([]domain.Conversation, error) {
	convs, err := o.store.ListConversations(ctx, opts)
	if err != nil {
		return nil, newErr("ListConversations", errs.Internal, err)
	}
	return convs, nil
}

// GetTurnsForConversation returns every turn belonging to conversationID.
func (o *Orchestrator) GetTurnsForConversation(ctx context.Context, conversationID string) ([]domain.Turn, error) {
	turns, err := o.store.GetTurnsForConversation(ctx, conversationID)
	if err != nil {
		return nil, newErr("GetTurnsForConversation", errs.NotFound, err)
	}
	return turns, nil
}

// GetTurn returns a single turn by id.
func (o *Orchestrator) GetTurn(ctx context.Context, turnID string) (*domain.Turn, error) {
	t, err := o.store.GetTurn(ctx, turnID)
	if err != nil {
		return nil, newErr("GetTurn", errs.NotFound, err)
	}
	return t, nil
}

// GetAttachment returns a single attachment by id.
func (o *Orchestrator) GetAttachment(ctx context.Context, attachmentID string) (*domain.Attachment, error) {
	a, err := o.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return nil, newErr("GetAttachment", errs.NotFound, err)
	}
	return a, nil
}

// GetAgentInstance returns the live server-managed Agent for
// (conversationID, agentID) if resident in memory, without rehydrating.
func (o *Orchestrator) GetAgentInstance(conversationID, agentID string) (Agent, bool) {
	st, ok := o.getActive(conversationID)
	if !ok {
		return nil, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	a, ok := st.agents[agentID]
	return a, ok
}

// EnsureAgentInstance returns the live Agent for (conversationID, agentID),
// rehydrating the conversation from the Store on a cache miss. It fails
// with PermissionDenied if agentID's strategy is not server-managed; the
// orchestrator never drives an external counterparty's turns itself.
func (o *Orchestrator) EnsureAgentInstance(ctx context.Context, conversationID, agentID string) (Agent, error) {
	st, err := o.requireActive(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if a, ok := st.agents[agentID]; ok {
		return a, nil
	}
	cfg, ok := st.conv.AgentByID(agentID)
	if !ok {
		return nil, newErr("EnsureAgentInstance", errs.NotFound, nil)
	}
	if !cfg.StrategyType.IsServerManaged() {
		return nil, newErr("EnsureAgentInstance", errs.PermissionDenied, nil)
	}
	a, err := o.provisionAgentLocked(ctx, st, cfg)
	if err != nil {
		return nil, newErr("EnsureAgentInstance", errs.Internal, err)
	}
	return a, nil
}

// provisionAgentLocked instantiates, initializes, and subscribes one
// server-managed agent. st.mu must already be held.
func (o *Orchestrator) provisionAgentLocked(ctx context.Context, st *conversationState, cfg domain.AgentConfig) (Agent, error) {
	factory, ok := o.factoryFor(cfg.StrategyType)
	if !ok {
		return nil, newErr("provisionAgent", errs.Internal, nil)
	}
	agent, err := factory(cfg, o)
	if err != nil {
		return nil, err
	}

	token := o.issueToken(ctx, st.conv.ID, cfg.ID)
	if err := agent.Initialize(ctx, st.conv.ID, cfg.ID, token); err != nil {
		return nil, err
	}

	id, unsub := o.bus.Subscribe(st.conv.ID, nil, agent.HandleEvent)
	_ = id
	st.unsubscribes = append(st.unsubscribes, unsub)
	st.agents[cfg.ID] = agent
	return agent, nil
}

func (o *Orchestrator) issueToken(ctx context.Context, conversationID, agentID string) string {
	ttl := o.tokenTTL()
	tok := o.tokens.Issue(conversationID, agentID, ttl)
	_ = o.store.CreateAgentToken(ctx, domain.AgentToken{
		Token:          tok,
		ConversationID: conversationID,
		AgentID:        agentID,
		ExpiresAt:      time.Now().Add(ttl),
	})
	return tok
}

// tokenTTL is how long a minted token lives before the periodic sweep
// evicts it: the conversation's lifetime is unbounded, so tokens default to
// a long TTL and are explicitly revoked on conversation end rather than
// relying on expiry.
func (o *Orchestrator) tokenTTL() time.Duration {
	return 7 * 24 * time.Hour
}

// Config returns the process configuration this Orchestrator was built
// with, for collaborators (cmd/parleyd, transport) that need read access to
// shared tunables like MaxStepsPerTurn or BridgeTimeout.
func (o *Orchestrator) Config() *config.Config { return o.cfg }

// ValidateToken authenticates token against the in-memory Registry,
// falling back to the durable Store on a miss (the Registry is empty right
// after a cold start, before resurrection rehydrates every recently active
// conversation).
func (o *Orchestrator) ValidateToken(ctx context.Context, token string) (conversationID, agentID string, ok bool) {
	if convID, agID, found := o.tokens.Validate(token); found {
		return convID, agID, true
	}
	rec, err := o.store.ValidateToken(ctx, token)
	if err != nil {
		return "", "", false
	}
	return rec.ConversationID, rec.AgentID, true
}

// SubscribeToConversation registers listener for topic (a conversation id,
// or events.AllTopics for every conversation), narrowed by filter.
func (o *Orchestrator) SubscribeToConversation(topic string, filter *events.Filter, listener events.Listener) (unsubscribe func()) {
	_, unsub := o.bus.Subscribe(topic, filter, listener)
	return unsub
}

// newTurnID generates a fresh turn identifier.
func newTurnID() string { return uuid.New().String() }

// newConversationID generates a fresh conversation identifier.
func newConversationID() string { return uuid.New().String() }
