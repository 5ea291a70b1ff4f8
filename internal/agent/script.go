package agent

import (
	"context"
	"strings"
	"sync"

	"github.com/parley-run/parley/internal/domain"
	"github.com/parley-run/parley/internal/events"
	"github.com/parley-run/parley/internal/logger"
	"github.com/parley-run/parley/internal/orchestrator"
)

// ScriptStep is one pre-authored reply for a sequential_script agent.
type ScriptStep struct {
	Content     string
	IsFinal     bool
	Attachments []domain.AttachmentPayload
}

// ScriptSource resolves an agent config to its ordered reply script.
type ScriptSource func(cfg domain.AgentConfig) []ScriptStep

// ScriptFromInstructions is the default ScriptSource: each non-empty line of
// AdditionalInstructions is one reply, the last marked final.
func ScriptFromInstructions(cfg domain.AgentConfig) []ScriptStep {
	lines := strings.Split(cfg.AdditionalInstructions, "\n")
	steps := make([]ScriptStep, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		steps = append(steps, ScriptStep{Content: l})
	}
	if n := len(steps); n > 0 {
		steps[n-1].IsFinal = true
	}
	return steps
}

// SequentialScript replays a fixed list of messages in order, one per
// inbound turn from another agent.
type SequentialScript struct {
	cfg    domain.AgentConfig
	client orchestrator.Client
	steps  []ScriptStep

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	conversationID string
	next           int
	busy           bool
}

// NewSequentialScript constructs a sequential_script agent replaying steps.
func NewSequentialScript(cfg domain.AgentConfig, client orchestrator.Client, steps []ScriptStep) *SequentialScript {
	return &SequentialScript{cfg: cfg, client: client, steps: steps}
}

func (a *SequentialScript) Initialize(ctx context.Context, conversationID, agentID, token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conversationID = conversationID
	a.ctx, a.cancel = context.WithCancel(context.Background())
	return nil
}

// InitializeConversation emits the first scripted step as the opener.
func (a *SequentialScript) InitializeConversation(ctx context.Context, additionalInstructions string) error {
	return a.emitNext(ctx)
}

func (a *SequentialScript) HandleEvent(ev *events.Event) {
	switch ev.Type {
	case events.ConversationEnded:
		if a.cancel != nil {
			a.cancel()
		}
	case events.TurnCompleted:
		if ev.AgentID == a.cfg.ID {
			return
		}
		data, ok := ev.Data.(*events.TurnCompletedData)
		if !ok || data.Turn.IsFinalTurn {
			return
		}
		a.mu.Lock()
		if a.busy || a.next >= len(a.steps) {
			a.mu.Unlock()
			return
		}
		a.busy = true
		a.mu.Unlock()
		go func() {
			defer func() {
				a.mu.Lock()
				a.busy = false
				a.mu.Unlock()
			}()
			if err := a.emitNext(a.ctx); err != nil {
				logger.Warn("scripted reply failed",
					"conversation_id", a.conversationID,
					"agent_id", a.cfg.ID,
					"error", err,
				)
			}
		}()
	}
}

func (a *SequentialScript) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}

func (a *SequentialScript) emitNext(ctx context.Context) error {
	a.mu.Lock()
	if a.next >= len(a.steps) {
		a.mu.Unlock()
		return nil
	}
	step := a.steps[a.next]
	a.next++
	a.mu.Unlock()

	turn, err := a.client.StartTurn(ctx, orchestrator.StartTurnRequest{
		ConversationID: a.conversationID,
		AgentID:        a.cfg.ID,
	})
	if err != nil {
		return err
	}
	_, err = a.client.CompleteTurn(ctx, orchestrator.CompleteTurnRequest{
		ConversationID: a.conversationID,
		TurnID:         turn.ID,
		AgentID:        a.cfg.ID,
		Content:        step.Content,
		IsFinalTurn:    step.IsFinal,
		Attachments:    step.Attachments,
	})
	return err
}

// ReplayTurn is one recorded turn for a static_replay agent: the content to
// emit plus the trace entries to re-append ahead of it.
type ReplayTurn struct {
	Content string
	IsFinal bool
	Trace   []domain.TraceEntry
}

// ReplaySource resolves an agent config to the recorded turns it replays.
type ReplaySource func(cfg domain.AgentConfig) []ReplayTurn

// StaticReplay re-emits a previously recorded sequence of turns, trace
// included, one per inbound turn. Unlike SequentialScript it reproduces the
// intra-turn trace, so replayed conversations look identical to live ones in
// the durable log.
type StaticReplay struct {
	cfg    domain.AgentConfig
	client orchestrator.Client
	turns  []ReplayTurn

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	conversationID string
	next           int
	busy           bool
}

// NewStaticReplay constructs a static_replay agent re-emitting turns.
func NewStaticReplay(cfg domain.AgentConfig, client orchestrator.Client, turns []ReplayTurn) *StaticReplay {
	return &StaticReplay{cfg: cfg, client: client, turns: turns}
}

func (a *StaticReplay) Initialize(ctx context.Context, conversationID, agentID, token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conversationID = conversationID
	a.ctx, a.cancel = context.WithCancel(context.Background())
	return nil
}

func (a *StaticReplay) InitializeConversation(ctx context.Context, additionalInstructions string) error {
	return a.emitNext(ctx)
}

func (a *StaticReplay) HandleEvent(ev *events.Event) {
	switch ev.Type {
	case events.ConversationEnded:
		if a.cancel != nil {
			a.cancel()
		}
	case events.TurnCompleted:
		if ev.AgentID == a.cfg.ID {
			return
		}
		data, ok := ev.Data.(*events.TurnCompletedData)
		if !ok || data.Turn.IsFinalTurn {
			return
		}
		a.mu.Lock()
		if a.busy || a.next >= len(a.turns) {
			a.mu.Unlock()
			return
		}
		a.busy = true
		a.mu.Unlock()
		go func() {
			defer func() {
				a.mu.Lock()
				a.busy = false
				a.mu.Unlock()
			}()
			if err := a.emitNext(a.ctx); err != nil {
				logger.Warn("replayed turn failed",
					"conversation_id", a.conversationID,
					"agent_id", a.cfg.ID,
					"error", err,
				)
			}
		}()
	}
}

func (a *StaticReplay) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}

func (a *StaticReplay) emitNext(ctx context.Context) error {
	a.mu.Lock()
	if a.next >= len(a.turns) {
		a.mu.Unlock()
		return nil
	}
	rec := a.turns[a.next]
	a.next++
	a.mu.Unlock()

	turn, err := a.client.StartTurn(ctx, orchestrator.StartTurnRequest{
		ConversationID: a.conversationID,
		AgentID:        a.cfg.ID,
	})
	if err != nil {
		return err
	}
	for _, e := range rec.Trace {
		e.TurnID = turn.ID
		e.AgentID = a.cfg.ID
		if _, err := a.client.AddTraceEntry(ctx, orchestrator.AddTraceEntryRequest{
			ConversationID: a.conversationID,
			TurnID:         turn.ID,
			Entry:          e,
		}); err != nil {
			logger.Warn("replayed trace entry failed",
				"conversation_id", a.conversationID,
				"turn_id", turn.ID,
				"error", err,
			)
		}
	}
	_, err = a.client.CompleteTurn(ctx, orchestrator.CompleteTurnRequest{
		ConversationID: a.conversationID,
		TurnID:         turn.ID,
		AgentID:        a.cfg.ID,
		Content:        rec.Content,
		IsFinalTurn:    rec.IsFinal,
	})
	return err
}
