package agent

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/parley-run/parley/internal/domain"
	"github.com/parley-run/parley/internal/events"
	"github.com/parley-run/parley/internal/logger"
	"github.com/parley-run/parley/internal/metrics"
	"github.com/parley-run/parley/internal/orchestrator"
)

// ScenarioLookup resolves a scenario id/version to its definition. Satisfied
// structurally by store.Store.
type ScenarioLookup interface {
	GetScenario(ctx context.Context, id, version string) (*domain.Scenario, error)
}

const (
	apologyContent  = "I'm sorry, I ran into a problem producing a reply just now. Could you repeat that?"
	maxStepsContent = "I wasn't able to wrap up my work on that in time. Could you rephrase or continue?"
	closingContent  = "Thanks, that concludes things on my side."
)

// ScenarioDriven is the server-managed agent strategy that drives a bounded
// prompt -> parse -> tool-dispatch -> trace loop per reply.
type ScenarioDriven struct {
	cfg       domain.AgentConfig
	client    orchestrator.Client
	completer Completer
	synth     ToolSynthesizer
	scenarios ScenarioLookup
	maxSteps  int

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	conversationID string
	token          string
	scenario       *domain.Scenario
	busy           bool
	// stepsExhausted is the hysteresis flag: set when a turn burns its whole
	// step budget without sending, so the next inbound turn gets a single
	// reply-now pass instead of another full loop.
	stepsExhausted bool
}

// NewScenarioDriven constructs a scenario-driven agent for cfg, replying via
// client, with maxSteps bounding the per-turn tool loop.
func NewScenarioDriven(cfg domain.AgentConfig, client orchestrator.Client, completer Completer, synth ToolSynthesizer, scenarios ScenarioLookup, maxSteps int) *ScenarioDriven {
	if maxSteps <= 0 {
		maxSteps = 10
	}
	return &ScenarioDriven{
		cfg:       cfg,
		client:    client,
		completer: completer,
		synth:     synth,
		scenarios: scenarios,
		maxSteps:  maxSteps,
	}
}

// Initialize records the conversation binding and resolves the agent's
// scenario definition, if one is configured.
func (a *ScenarioDriven) Initialize(ctx context.Context, conversationID, agentID, token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conversationID = conversationID
	a.token = token
	a.ctx, a.cancel = context.WithCancel(context.Background())

	if a.cfg.ScenarioID != "" && a.scenarios != nil {
		s, err := a.scenarios.GetScenario(ctx, a.cfg.ScenarioID, a.cfg.ScenarioVersion)
		if err != nil {
			logger.Warn("scenario lookup failed; continuing without scenario",
				"conversation_id", conversationID,
				"agent_id", agentID,
				"scenario_id", a.cfg.ScenarioID,
				"error", err,
			)
		} else {
			a.scenario = s
		}
	}
	return nil
}

// InitializeConversation opens the conversation's first turn. When
// additionalInstructions carries an opening message it is sent literally;
// otherwise the reply loop generates the opener.
func (a *ScenarioDriven) InitializeConversation(ctx context.Context, additionalInstructions string) error {
	if additionalInstructions != "" {
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
			Content:        additionalInstructions,
		})
		return err
	}

	go a.runReply(a.ctx)
	return nil
}

// HandleEvent reacts to turn_completed events from other agents by spawning
// a reply turn. The bus delivers synchronously, so all real work happens in
// a goroutine.
func (a *ScenarioDriven) HandleEvent(ev *events.Event) {
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
		if !a.tryAcquire() {
			return
		}
		go func() {
			defer a.release()
			a.runReply(a.ctx)
		}()
	}
}

// Close cancels any in-flight reply loop.
func (a *ScenarioDriven) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}

func (a *ScenarioDriven) tryAcquire() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busy {
		return false
	}
	a.busy = true
	return true
}

func (a *ScenarioDriven) release() {
	a.mu.Lock()
	a.busy = false
	a.mu.Unlock()
}

func (a *ScenarioDriven) takeExhaustedFlag() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	was := a.stepsExhausted
	a.stepsExhausted = false
	return was
}

func (a *ScenarioDriven) setExhaustedFlag() {
	a.mu.Lock()
	a.stepsExhausted = true
	a.mu.Unlock()
}

// runReply drives one full turn: open it, loop up to the step budget, and
// seal it with whatever outcome the loop reached. Upstream failures are
// contained here; the conversation is never ended by an error path.
func (a *ScenarioDriven) runReply(ctx context.Context) {
	turn, err := a.client.StartTurn(ctx, orchestrator.StartTurnRequest{
		ConversationID: a.conversationID,
		AgentID:        a.cfg.ID,
	})
	if err != nil {
		logger.Warn("start turn failed", "conversation_id", a.conversationID, "agent_id", a.cfg.ID, "error", err)
		return
	}

	budget := a.maxSteps
	recovering := a.takeExhaustedFlag()
	if recovering {
		budget = 1
	}

	history := a.historyBefore(ctx, turn.ID)
	var trace []domain.TraceEntry
	lastThought := ""

	for step := 1; step <= budget; step++ {
		prompt := renderPrompt(promptInput{
			AgentID:                a.cfg.ID,
			Scenario:               a.scenario,
			AdditionalInstructions: a.cfg.AdditionalInstructions,
			History:                history,
			CurrentTrace:           trace,
			Step:                   step,
			MaxSteps:               budget,
		})

		out, cerr := a.completer.Complete(ctx, prompt)
		if cerr != nil {
			logger.UpstreamFailed(a.conversationID, a.cfg.ID, "Complete", cerr)
			metrics.RecordUpstreamFailure("policy")
			a.addTrace(ctx, domain.NewThoughtEntry(turn.ID, a.cfg.ID, "LLM request failed: "+cerr.Error()))
			a.seal(ctx, turn.ID, apologyContent, false, nil, nil)
			return
		}

		parsed := parseCompletion(out)
		if parsed.Thought != "" {
			lastThought = parsed.Thought
			if e, ok := a.addTrace(ctx, domain.NewThoughtEntry(turn.ID, a.cfg.ID, parsed.Thought)); ok {
				trace = append(trace, e)
			}
		}
		if parsed.Name == "" {
			// No tool block recovered: the text itself is the reply.
			metrics.RecordScenarioSteps(a.cfg.ID, step)
			a.seal(ctx, turn.ID, parsed.Thought, false, nil, nil)
			return
		}

		callID := uuid.New().String()
		if e, ok := a.addTrace(ctx, domain.NewToolCallEntry(turn.ID, a.cfg.ID, callID, parsed.Name, parsed.Args)); ok {
			trace = append(trace, e)
		}

		switch {
		case parsed.Name == sendMessageTool:
			text, _ := parsed.Args["text"].(string)
			metrics.RecordScenarioSteps(a.cfg.ID, step)
			a.seal(ctx, turn.ID, text, false, nil, attachmentsFromArgs(parsed.Args))
			return

		case isTerminalTool(parsed.Name):
			metrics.RecordScenarioSteps(a.cfg.ID, step)
			a.completeFinal(ctx, turn.ID, parsed.Name, history, trace, step, budget)
			return

		default:
			res, serr := a.synth.Synthesize(ctx, parsed.Name, parsed.Args)
			var entry domain.TraceEntry
			if serr != nil {
				logger.UpstreamFailed(a.conversationID, a.cfg.ID, "Synthesize", serr)
				metrics.RecordUpstreamFailure("tool_synthesis")
				entry = domain.NewToolErrorEntry(turn.ID, a.cfg.ID, callID, serr.Error())
			} else {
				entry = domain.NewToolResultEntry(turn.ID, a.cfg.ID, callID, res)
			}
			if e, ok := a.addTrace(ctx, entry); ok {
				trace = append(trace, e)
			}
		}
	}

	// Step budget exhausted without a message-sending or terminal call.
	metrics.RecordScenarioSteps(a.cfg.ID, budget)
	if recovering {
		// Second miss in a row: send the best text available rather than
		// looping again next turn.
		content := lastThought
		if content == "" {
			content = maxStepsContent
		}
		a.seal(ctx, turn.ID, content, false, nil, nil)
		return
	}
	a.setExhaustedFlag()
	a.seal(ctx, turn.ID, maxStepsContent, false, map[string]any{"maxStepsReached": true}, nil)
}

// completeFinal runs the second policy pass after a terminal tool call and
// seals the turn as final. A policy failure here falls back to a generic
// closing line; the terminal call already decided the outcome.
func (a *ScenarioDriven) completeFinal(ctx context.Context, turnID, terminalTool string, history []domain.Turn, trace []domain.TraceEntry, step, budget int) {
	prompt := renderFinalPrompt(promptInput{
		AgentID:      a.cfg.ID,
		Scenario:     a.scenario,
		History:      history,
		CurrentTrace: trace,
		Step:         step,
		MaxSteps:     budget,
	}, terminalTool)

	content := closingContent
	var attachments []domain.AttachmentPayload
	out, err := a.completer.Complete(ctx, prompt)
	if err != nil {
		logger.UpstreamFailed(a.conversationID, a.cfg.ID, "Complete", err)
		metrics.RecordUpstreamFailure("policy")
	} else {
		parsed := parseCompletion(out)
		if parsed.Thought != "" {
			a.addTrace(ctx, domain.NewThoughtEntry(turnID, a.cfg.ID, parsed.Thought))
		}
		switch {
		case parsed.Name == sendMessageTool:
			if text, ok := parsed.Args["text"].(string); ok && text != "" {
				content = text
			}
			attachments = attachmentsFromArgs(parsed.Args)
		case parsed.Thought != "":
			content = parsed.Thought
		}
	}
	a.seal(ctx, turnID, content, true, nil, attachments)
}

func (a *ScenarioDriven) addTrace(ctx context.Context, entry domain.TraceEntry) (domain.TraceEntry, bool) {
	stamped, err := a.client.AddTraceEntry(ctx, orchestrator.AddTraceEntryRequest{
		ConversationID: a.conversationID,
		TurnID:         entry.TurnID,
		Entry:          entry,
	})
	if err != nil {
		logger.Warn("add trace entry failed",
			"conversation_id", a.conversationID,
			"turn_id", entry.TurnID,
			"agent_id", a.cfg.ID,
			"error", err,
		)
		return domain.TraceEntry{}, false
	}
	return stamped, true
}

func (a *ScenarioDriven) seal(ctx context.Context, turnID, content string, isFinal bool, metadata map[string]any, attachments []domain.AttachmentPayload) {
	_, err := a.client.CompleteTurn(ctx, orchestrator.CompleteTurnRequest{
		ConversationID: a.conversationID,
		TurnID:         turnID,
		AgentID:        a.cfg.ID,
		Content:        content,
		IsFinalTurn:    isFinal,
		Metadata:       metadata,
		Attachments:    attachments,
	})
	if err != nil {
		logger.Warn("complete turn failed",
			"conversation_id", a.conversationID,
			"turn_id", turnID,
			"agent_id", a.cfg.ID,
			"error", err,
		)
	}
}

// historyBefore returns the conversation's sealed turns, excluding the turn
// currently being produced.
func (a *ScenarioDriven) historyBefore(ctx context.Context, currentTurnID string) []domain.Turn {
	turns, err := a.client.GetTurnsForConversation(ctx, a.conversationID)
	if err != nil {
		logger.Warn("history load failed", "conversation_id", a.conversationID, "error", err)
		return nil
	}
	out := make([]domain.Turn, 0, len(turns))
	for _, t := range turns {
		if t.ID == currentTurnID || t.Status == domain.TurnInProgress {
			continue
		}
		out = append(out, t)
	}
	return out
}
