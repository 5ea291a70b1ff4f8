package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/parley-run/parley/internal/domain"
	"github.com/parley-run/parley/internal/errs"
	"github.com/parley-run/parley/internal/events"
	"github.com/parley-run/parley/internal/logger"
	"github.com/parley-run/parley/internal/metrics"
	"github.com/parley-run/parley/internal/orchestrator"
)

// ErrBusy is returned when a second rendezvous is attempted while one is in
// flight for the same bridge agent. The surface maps it to a still-working
// response, never a hard failure.
var ErrBusy = errors.New("bridge: a request is already in flight for this agent")

// ReplyStatus mirrors the wire-visible status field of a bridge reply.
type ReplyStatus string

const (
	StatusWorking       ReplyStatus = "working"
	StatusInputRequired ReplyStatus = "input-required"
	StatusCompleted     ReplyStatus = "completed"
)

// ReplyAttachment is an attachment as rendered back to the external
// counterparty.
type ReplyAttachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Summary     string `json:"summary,omitempty"`
	Content     string `json:"content,omitempty"`
}

// Reply is what a bridge hands back to the external counterparty: the
// counterparty agent's message, its attachments, and whether the
// conversation is awaiting input or finished.
type Reply struct {
	MessageFromAgent string            `json:"messageFromAgent"`
	Attachments      []ReplyAttachment `json:"attachments,omitempty"`
	Status           ReplyStatus       `json:"status"`
}

// Stats is the liveness snapshot carried by still-working responses,
// counting the counterparty's observable actions since the bridge agent was
// created.
type Stats struct {
	ActionCount    int       `json:"actionCount"`
	LastActionAt   time.Time `json:"lastActionAt"`
	LastActionType string    `json:"lastActionType"`
}

// Agent is the in-conversation stand-in for an external counterparty. It has
// no policy: its turns are produced by BridgeExternalClientTurn, and its
// "inbox" is a queue of replies captured from other agents' turn_completed
// events.
type Agent struct {
	client         orchestrator.Client
	conversationID string
	agentID        string

	unsubscribe func()

	mu       sync.Mutex
	inFlight bool
	pending  []*Reply
	waiter   chan *Reply
	stats    Stats
	lastUsed time.Time
}

// Subscriber registers a bus listener for one conversation. Satisfied by
// *orchestrator.Orchestrator.
type Subscriber interface {
	SubscribeToConversation(topic string, filter *events.Filter, listener events.Listener) (unsubscribe func())
}

// NewAgent creates a bridge agent for (conversationID, agentID) and
// subscribes it to the conversation's events.
func NewAgent(client orchestrator.Client, sub Subscriber, conversationID, agentID string) *Agent {
	a := &Agent{
		client:         client,
		conversationID: conversationID,
		agentID:        agentID,
		lastUsed:       time.Now(),
	}
	a.unsubscribe = sub.SubscribeToConversation(conversationID, nil, a.handleEvent)
	return a
}

// Close tears down the agent's bus subscription and wakes any parked waiter
// with nothing.
func (a *Agent) Close() {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	a.mu.Lock()
	if a.waiter != nil {
		close(a.waiter)
		a.waiter = nil
	}
	a.mu.Unlock()
}

// handleEvent tracks counterparty liveness and captures replies. Runs
// synchronously on the bus, so it only moves data under the lock.
func (a *Agent) handleEvent(ev *events.Event) {
	if ev.AgentID == a.agentID || ev.AgentID == "" {
		return
	}
	switch ev.Type {
	case events.TurnStarted, events.TraceAdded:
		a.mu.Lock()
		a.stats.ActionCount++
		a.stats.LastActionAt = ev.Timestamp
		a.stats.LastActionType = string(ev.Type)
		a.mu.Unlock()

	case events.TurnCompleted:
		data, ok := ev.Data.(*events.TurnCompletedData)
		if !ok {
			return
		}
		a.mu.Lock()
		a.stats.ActionCount++
		a.stats.LastActionAt = ev.Timestamp
		a.stats.LastActionType = string(ev.Type)
		a.mu.Unlock()
		a.deliver(a.replyFromTurn(&data.Turn))
	}
}

// replyFromTurn renders a counterparty turn as a Reply, resolving its
// attachments from the store.
func (a *Agent) replyFromTurn(turn *domain.Turn) *Reply {
	status := StatusInputRequired
	if turn.IsFinalTurn {
		status = StatusCompleted
	}
	reply := &Reply{MessageFromAgent: turn.Content, Status: status}
	for _, id := range turn.AttachmentIDs {
		att, err := a.client.GetAttachment(context.Background(), id)
		if err != nil {
			logger.Warn("attachment resolve failed",
				"conversation_id", a.conversationID,
				"attachment_id", id,
				"error", err,
			)
			continue
		}
		reply.Attachments = append(reply.Attachments, ReplyAttachment{
			Name:        att.Name,
			ContentType: att.ContentType,
			Summary:     att.Summary,
			Content:     string(att.Content),
		})
	}
	return reply
}

// deliver hands reply to a parked waiter, or queues it so the next wait
// picks it up. A reply is never dropped.
func (a *Agent) deliver(reply *Reply) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.waiter != nil {
		a.waiter <- reply
		a.waiter = nil
		return
	}
	a.pending = append(a.pending, reply)
}

// BridgeExternalClientTurn speaks for the external counterparty: it opens a
// turn, seals it with the incoming content and attachments, then waits for
// the next reply from any other agent. On deadline expiry it returns a
// Timeout-kind error; the caller polls via WaitForPendingReply.
func (a *Agent) BridgeExternalClientTurn(ctx context.Context, text string, attachments []domain.AttachmentPayload, timeout time.Duration) (*Reply, error) {
	if err := a.acquire(); err != nil {
		return nil, err
	}
	defer a.release()

	turn, err := a.client.StartTurn(ctx, orchestrator.StartTurnRequest{
		ConversationID: a.conversationID,
		AgentID:        a.agentID,
	})
	if err != nil {
		return nil, err
	}
	if _, err := a.client.CompleteTurn(ctx, orchestrator.CompleteTurnRequest{
		ConversationID: a.conversationID,
		TurnID:         turn.ID,
		AgentID:        a.agentID,
		Content:        text,
		Attachments:    attachments,
	}); err != nil {
		return nil, err
	}

	return a.awaitReply(ctx, timeout)
}

// WaitForPendingReply waits for the counterparty's reply without producing a
// turn, consuming any reply that arrived while no one was listening.
func (a *Agent) WaitForPendingReply(ctx context.Context, timeout time.Duration) (*Reply, error) {
	if err := a.acquire(); err != nil {
		return nil, err
	}
	defer a.release()
	return a.awaitReply(ctx, timeout)
}

func (a *Agent) acquire() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inFlight {
		return ErrBusy
	}
	a.inFlight = true
	a.lastUsed = time.Now()
	return nil
}

func (a *Agent) release() {
	a.mu.Lock()
	a.inFlight = false
	a.lastUsed = time.Now()
	a.mu.Unlock()
}

func (a *Agent) awaitReply(ctx context.Context, timeout time.Duration) (*Reply, error) {
	started := time.Now()

	a.mu.Lock()
	if len(a.pending) > 0 {
		reply := a.pending[0]
		a.pending = a.pending[1:]
		a.mu.Unlock()
		metrics.RecordBridgeWait("replied", time.Since(started).Seconds())
		return reply, nil
	}
	waiter := make(chan *Reply, 1)
	a.waiter = waiter
	a.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-waiter:
		if !ok {
			return nil, errs.New("bridge", "awaitReply", errs.NotFound, nil)
		}
		metrics.RecordBridgeWait("replied", time.Since(started).Seconds())
		return reply, nil

	case <-timer.C:
		a.clearWaiter(waiter)
		stats := a.CounterpartyStats()
		logger.BridgeTimeout(a.conversationID, a.agentID, stats.ActionCount)
		metrics.RecordBridgeWait("timeout", time.Since(started).Seconds())
		return nil, errs.New("bridge", "awaitReply", errs.Timeout, nil)

	case <-ctx.Done():
		a.clearWaiter(waiter)
		metrics.RecordBridgeWait("cancelled", time.Since(started).Seconds())
		return nil, errs.New("bridge", "awaitReply", errs.Timeout, ctx.Err())
	}
}

// clearWaiter retracts the waiter registration, re-queueing a reply that
// raced the timeout so the next wait returns it.
func (a *Agent) clearWaiter(waiter chan *Reply) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.waiter == waiter {
		a.waiter = nil
	}
	select {
	case reply, ok := <-waiter:
		if ok {
			a.pending = append(a.pending, reply)
		}
	default:
	}
}

// CounterpartyStats returns a snapshot of the counterparty's observed
// actions, for still-working responses.
func (a *Agent) CounterpartyStats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// LastUsed reports the last rendezvous activity, for idle eviction.
func (a *Agent) LastUsed() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUsed
}
