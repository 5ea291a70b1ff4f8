package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/parley-run/parley/internal/domain"
	"github.com/parley-run/parley/internal/errs"
	"github.com/parley-run/parley/internal/events"
	"github.com/parley-run/parley/internal/logger"
	"github.com/parley-run/parley/internal/metrics"
	"github.com/parley-run/parley/internal/store"
)

// StartTurnRequest opens a new turn for AgentID within ConversationID.
type StartTurnRequest struct {
	ConversationID string
	AgentID        string
	Metadata       map[string]any
}

// AddTraceEntryRequest appends entry to TurnID's trace while it remains
// in_progress.
type AddTraceEntryRequest struct {
	ConversationID string
	TurnID         string
	Entry          domain.TraceEntry
}

// CompleteTurnRequest seals TurnID, optionally embedding attachments and
// marking the conversation finished.
type CompleteTurnRequest struct {
	ConversationID string
	TurnID         string
	AgentID        string
	Content        string
	IsFinalTurn    bool
	Metadata       map[string]any
	Attachments    []domain.AttachmentPayload
}

// StartTurn opens a new in_progress turn for req.AgentID. If the
// conversation's every agent is externally driven and this is the first
// turn, the conversation is activated here rather than through
// StartConversation (first-turn activation). Rejects a
// second concurrent in_progress turn for the same agent.
func (o *Orchestrator) StartTurn(ctx context.Context, req StartTurnRequest) (*domain.Turn, error) {
	st, err := o.requireActive(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	if st.conv.Status == domain.ConversationCompleted {
		st.mu.Unlock()
		return nil, newErr("StartTurn", errs.Conflict, nil)
	}
	if st.conv.Status == domain.ConversationCreated && st.conv.AllExternal() {
		st.conv.Status = domain.ConversationActive
		if err := o.store.UpdateConversationStatus(ctx, req.ConversationID, domain.ConversationActive); err != nil {
			st.mu.Unlock()
			return nil, newErr("StartTurn", errs.Internal, err)
		}
		o.bus.Publish(&events.Event{
			Type:           events.ConversationReady,
			ConversationID: req.ConversationID,
			Timestamp:      time.Now(),
			Data:           &events.ConversationReadyData{},
		})
	}
	if _, exists := st.inProgressTurns[req.AgentID]; exists {
		st.mu.Unlock()
		return nil, newErr("StartTurn", errs.Conflict, nil)
	}

	turn, serr := o.store.StartTurn(ctx, newTurnID(), req.ConversationID, req.AgentID, store.TurnMeta{Metadata: req.Metadata})
	if serr != nil {
		st.mu.Unlock()
		if errors.Is(serr, store.ErrAlreadyInProgress) {
			return nil, newErr("StartTurn", errs.Conflict, serr)
		}
		return nil, newErr("StartTurn", errs.Internal, serr)
	}
	st.inProgressTurns[req.AgentID] = turn.ID

	o.bus.Publish(&events.Event{
		Type:           events.TurnStarted,
		ConversationID: req.ConversationID,
		AgentID:        req.AgentID,
		Timestamp:      time.Now(),
		Data:           &events.TurnStartedData{Turn: *turn},
	})
	st.mu.Unlock()

	logger.TurnStarted(req.ConversationID, turn.ID, req.AgentID)
	return turn, nil
}

// AddTraceEntry appends a thought/tool_call/tool_result entry to an
// in_progress turn and emits trace_added, plus the derived
// agent_thinking/tool_executing event for thought/tool_call kinds.
func (o *Orchestrator) AddTraceEntry(ctx context.Context, req AddTraceEntryRequest) (domain.TraceEntry, error) {
	st, err := o.requireActive(ctx, req.ConversationID)
	if err != nil {
		return domain.TraceEntry{}, err
	}

	st.mu.Lock()
	entry, serr := o.store.AddTraceEntry(ctx, req.ConversationID, req.TurnID, req.Entry)
	if serr != nil {
		st.mu.Unlock()
		return domain.TraceEntry{}, newErr("AddTraceEntry", errs.TurnNotFound, serr)
	}

	turn, terr := o.store.GetTurn(ctx, req.TurnID)
	if terr != nil {
		st.mu.Unlock()
		return domain.TraceEntry{}, newErr("AddTraceEntry", errs.Internal, terr)
	}
	shell := turn.Shell()

	o.bus.Publish(&events.Event{
		Type:           events.TraceAdded,
		ConversationID: req.ConversationID,
		AgentID:        entry.AgentID,
		Timestamp:      time.Now(),
		Data:           &events.TraceAddedData{TurnShell: shell, Trace: entry},
	})
	o.publishDerivedLocked(req.ConversationID, entry)
	st.mu.Unlock()

	logger.TraceAppended(req.ConversationID, req.TurnID, entry.AgentID, string(entry.Kind))
	metrics.RecordTraceEntry(string(entry.Kind))
	return entry, nil
}

// publishDerivedLocked emits the agent_thinking/tool_executing events
// derived from a thought/tool_call trace entry. st.mu must already be held.
func (o *Orchestrator) publishDerivedLocked(conversationID string, entry domain.TraceEntry) {
	switch entry.Kind {
	case domain.TraceThought:
		if entry.Thought == nil {
			return
		}
		o.bus.Publish(&events.Event{
			Type:           events.AgentThinking,
			ConversationID: conversationID,
			AgentID:        entry.AgentID,
			Timestamp:      time.Now(),
			Data:           &events.AgentThinkingData{AgentID: entry.AgentID, Thought: entry.Thought.Content},
		})
	case domain.TraceToolCall:
		if entry.ToolCall == nil {
			return
		}
		o.bus.Publish(&events.Event{
			Type:           events.ToolExecuting,
			ConversationID: conversationID,
			AgentID:        entry.AgentID,
			Timestamp:      time.Now(),
			Data: &events.ToolExecutingData{
				AgentID:    entry.AgentID,
				ToolName:   entry.ToolCall.ToolName,
				Parameters: entry.ToolCall.Parameters,
			},
		})
	}
}

// CompleteTurn seals req.TurnID, persisting any embedded attachments
// atomically with the seal, and emits turn_completed carrying the full
// turn (trace included). If req.IsFinalTurn, the conversation is ended
// immediately afterward.
func (o *Orchestrator) CompleteTurn(ctx context.Context, req CompleteTurnRequest) (*domain.Turn, error) {
	st, err := o.requireActive(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	st.mu.Lock()
	turn, _, serr := o.store.CompleteTurn(ctx, req.TurnID, req.Content, req.IsFinalTurn, req.Metadata, req.Attachments)
	if serr != nil {
		st.mu.Unlock()
		return nil, newErr("CompleteTurn", errs.TurnNotFound, serr)
	}
	if cur, ok := st.inProgressTurns[req.AgentID]; ok && cur == req.TurnID {
		delete(st.inProgressTurns, req.AgentID)
	}

	// The store appended one attachment_creation tool_result per embedded
	// payload while sealing; those entries still owe a trace_added each,
	// ahead of turn_completed.
	shell := turn.Shell()
	for _, entry := range turn.Trace {
		if entry.Kind != domain.TraceToolResult || entry.ToolResult == nil {
			continue
		}
		if entry.ToolResult.ToolCallID != domain.AttachmentCreationToolCallID {
			continue
		}
		o.bus.Publish(&events.Event{
			Type:           events.TraceAdded,
			ConversationID: req.ConversationID,
			AgentID:        entry.AgentID,
			Timestamp:      time.Now(),
			Data:           &events.TraceAddedData{TurnShell: shell, Trace: entry},
		})
	}

	o.bus.Publish(&events.Event{
		Type:           events.TurnCompleted,
		ConversationID: req.ConversationID,
		AgentID:        req.AgentID,
		Timestamp:      time.Now(),
		Data:           &events.TurnCompletedData{Turn: *turn},
	})
	st.mu.Unlock()

	duration := time.Since(started)
	if !turn.StartedAt.IsZero() {
		duration = time.Since(turn.StartedAt)
	}
	logger.TurnCompleted(req.ConversationID, req.TurnID, req.AgentID, req.IsFinalTurn, len(turn.AttachmentIDs))
	metrics.RecordTurnCompleted(req.AgentID, "completed", duration.Seconds())

	if req.IsFinalTurn {
		if err := o.EndConversation(ctx, req.ConversationID); err != nil {
			logger.Warn("end conversation after final turn failed", "conversation_id", req.ConversationID, "error", err)
		}
	}
	return turn, nil
}

// CancelTurn marks TurnID cancelled and emits turn_cancelled. Used by the
// operator-facing cancel path (gated by config.AllowOperatorCancel); none of
// the built-in agent strategies cancels its own turns.
func (o *Orchestrator) CancelTurn(ctx context.Context, turnID string) (*domain.Turn, error) {
	turn, err := o.store.GetTurn(ctx, turnID)
	if err != nil {
		return nil, newErr("CancelTurn", errs.TurnNotFound, err)
	}

	st, err := o.requireActive(ctx, turn.ConversationID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	cancelled, serr := o.store.CancelTurn(ctx, turnID)
	if serr != nil {
		st.mu.Unlock()
		return nil, newErr("CancelTurn", errs.TurnNotFound, serr)
	}
	if cur, ok := st.inProgressTurns[cancelled.AgentID]; ok && cur == turnID {
		delete(st.inProgressTurns, cancelled.AgentID)
	}
	o.bus.Publish(&events.Event{
		Type:           events.TurnCancelled,
		ConversationID: cancelled.ConversationID,
		AgentID:        cancelled.AgentID,
		Timestamp:      time.Now(),
		Data:           &events.TurnCancelledData{TurnID: cancelled.ID, AgentID: cancelled.AgentID},
	})
	st.mu.Unlock()

	metrics.RecordTurnCompleted(cancelled.AgentID, "cancelled", 0)
	return cancelled, nil
}
