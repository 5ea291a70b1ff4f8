package bridge

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-run/parley/internal/agent"
	"github.com/parley-run/parley/internal/config"
	"github.com/parley-run/parley/internal/domain"
	"github.com/parley-run/parley/internal/events"
	"github.com/parley-run/parley/internal/orchestrator"
	"github.com/parley-run/parley/internal/store"
	"github.com/parley-run/parley/internal/tokens"
)

func TestDecodeConfigBlob(t *testing.T) {
	blob, err := EncodeConfigBlob(&EndpointConfig{
		Metadata: map[string]any{"counterpartyName": "Front Desk"},
		Agents: []domain.AgentConfig{
			{ID: "desk", StrategyType: domain.StrategyScenarioDriven},
			{ID: "caller", StrategyType: domain.StrategyBridgeToExternalAsServer},
		},
	})
	require.NoError(t, err)

	cfg, err := DecodeConfigBlob(blob)
	require.NoError(t, err)
	assert.Len(t, cfg.Agents, 2)
	bridged, ok := cfg.BridgedAgent()
	require.True(t, ok)
	assert.Equal(t, "caller", bridged.ID)
}

func TestDecodeConfigBlob_Rejections(t *testing.T) {
	_, err := DecodeConfigBlob("not base64!!!")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = DecodeConfigBlob(base64.RawURLEncoding.EncodeToString([]byte("{broken")))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	noBridge, _ := EncodeConfigBlob(&EndpointConfig{Agents: []domain.AgentConfig{
		{ID: "a", StrategyType: domain.StrategyScenarioDriven},
	}})
	_, err = DecodeConfigBlob(noBridge)
	assert.ErrorIs(t, err, ErrNoBridgedAgent)

	badStrategy, _ := EncodeConfigBlob(&EndpointConfig{Agents: []domain.AgentConfig{
		{ID: "a", StrategyType: "teleport"},
		{ID: "b", StrategyType: domain.StrategyBridgeToExternalAsClient},
	}})
	_, err = DecodeConfigBlob(badStrategy)
	assert.ErrorIs(t, err, ErrInvalidBridgeStrategy)

	twoBridges, _ := EncodeConfigBlob(&EndpointConfig{Agents: []domain.AgentConfig{
		{ID: "a", StrategyType: domain.StrategyBridgeToExternalAsClient},
		{ID: "b", StrategyType: domain.StrategyBridgeToExternalAsServer},
	}})
	_, err = DecodeConfigBlob(twoBridges)
	assert.ErrorIs(t, err, ErrInvalidBridgeStrategy)
}

// slowCompleter answers after delay, always with a send_message call.
type slowCompleter struct {
	delay time.Duration
	text  string
}

func (c *slowCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	select {
	case <-time.After(c.delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return fmt.Sprintf("<scratchpad>ok</scratchpad>\n```json\n{\"name\": \"send_message_to_agent_conversation\", \"args\": {\"text\": %q}}\n```", c.text), nil
}

func newBridgeHarness(t *testing.T, completer agent.Completer, timeout time.Duration) (*Manager, *orchestrator.Orchestrator, string) {
	t.Helper()
	st := store.NewMemoryStore()
	o := orchestrator.New(st, events.New(), tokens.New(), config.New())
	synth := agent.ToolSynthesizerFunc(func(ctx context.Context, toolName string, args map[string]any) (any, error) {
		return map[string]any{"ok": true}, nil
	})
	agent.RegisterAll(o, completer, synth, st, 10, nil, nil)

	mgr := NewManager(o, WithTimeout(timeout))
	t.Cleanup(mgr.Close)
	unwatch := mgr.WatchEnds()
	t.Cleanup(unwatch)

	blob, err := EncodeConfigBlob(&EndpointConfig{
		Metadata: map[string]any{"counterpartyName": "Front Desk"},
		Agents: []domain.AgentConfig{
			{ID: "desk", StrategyType: domain.StrategyScenarioDriven},
			{ID: "caller", StrategyType: domain.StrategyBridgeToExternalAsServer},
		},
	})
	require.NoError(t, err)
	return mgr, o, blob
}

func TestBridgeHappyPath(t *testing.T) {
	mgr, o, blob := newBridgeHarness(t, &slowCompleter{delay: 10 * time.Millisecond, text: "Hello caller!"}, 5*time.Second)
	ctx := context.Background()

	conversationID, err := mgr.Begin(ctx, blob)
	require.NoError(t, err)

	conv, err := o.GetConversation(ctx, conversationID, store.GetConversationOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.ConversationActive, conv.Status)

	outcome, err := mgr.SendMessage(ctx, conversationID, "Hi", nil)
	require.NoError(t, err)
	require.NotNil(t, outcome.Reply)
	assert.Equal(t, "Hello caller!", outcome.Reply.MessageFromAgent)
	assert.NotEqual(t, StatusWorking, outcome.Reply.Status)

	turns, err := o.GetTurnsForConversation(ctx, conversationID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "caller", turns[0].AgentID)
	assert.Equal(t, "desk", turns[1].AgentID)
}

func TestBridgeStillWorkingThenWaitForReply(t *testing.T) {
	mgr, _, blob := newBridgeHarness(t, &slowCompleter{delay: 400 * time.Millisecond, text: "Sorry, took a while."}, 100*time.Millisecond)
	ctx := context.Background()

	conversationID, err := mgr.Begin(ctx, blob)
	require.NoError(t, err)

	outcome, err := mgr.SendMessage(ctx, conversationID, "Hi", nil)
	require.NoError(t, err)
	require.NotNil(t, outcome.StillWorking)
	assert.True(t, outcome.StillWorking.StillWorking)
	assert.NotEmpty(t, outcome.StillWorking.FollowUp)
	assert.GreaterOrEqual(t, outcome.StillWorking.Status.ActionCount, 1,
		"the counterparty opened a turn before the timeout, which counts as an action")

	// The reply eventually lands; polling wait_for_reply must return it.
	var reply *Reply
	require.Eventually(t, func() bool {
		out, err := mgr.WaitForReply(ctx, conversationID)
		if err != nil || out.Reply == nil {
			return false
		}
		reply = out.Reply
		return true
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Sorry, took a while.", reply.MessageFromAgent)
}

func TestBridgeReplyArrivingAfterTimeoutIsNotDropped(t *testing.T) {
	mgr, _, blob := newBridgeHarness(t, &slowCompleter{delay: 250 * time.Millisecond, text: "late reply"}, 100*time.Millisecond)
	ctx := context.Background()

	conversationID, err := mgr.Begin(ctx, blob)
	require.NoError(t, err)

	outcome, err := mgr.SendMessage(ctx, conversationID, "Hi", nil)
	require.NoError(t, err)
	require.NotNil(t, outcome.StillWorking)

	// Let the reply arrive while nobody is waiting, then collect it.
	time.Sleep(400 * time.Millisecond)
	out, err := mgr.WaitForReply(ctx, conversationID)
	require.NoError(t, err)
	require.NotNil(t, out.Reply)
	assert.Equal(t, "late reply", out.Reply.MessageFromAgent)
}

func TestBridgeSecondCallerObservesStillWorking(t *testing.T) {
	mgr, _, blob := newBridgeHarness(t, &slowCompleter{delay: 500 * time.Millisecond, text: "slow"}, 2*time.Second)
	ctx := context.Background()

	conversationID, err := mgr.Begin(ctx, blob)
	require.NoError(t, err)

	type result struct {
		out *Outcome
		err error
	}
	first := make(chan result, 1)
	go func() {
		out, err := mgr.SendMessage(ctx, conversationID, "Hi", nil)
		first <- result{out, err}
	}()

	// Give the first call time to open the rendezvous, then pile on.
	time.Sleep(100 * time.Millisecond)
	out, err := mgr.WaitForReply(ctx, conversationID)
	require.NoError(t, err)
	require.NotNil(t, out.StillWorking, "a second in-flight call must park, not error")

	select {
	case res := <-first:
		require.NoError(t, res.err)
		require.NotNil(t, res.out.Reply)
		assert.Equal(t, "slow", res.out.Reply.MessageFromAgent)
	case <-time.After(5 * time.Second):
		t.Fatal("first caller never got the reply")
	}
}

func TestBridgeFinalTurnYieldsCompletedStatus(t *testing.T) {
	// The counterparty immediately ends the conversation with a terminal
	// tool call followed by a closing message.
	completer := &queueCompleter{responses: []string{
		"<scratchpad>done</scratchpad>\n```json\n{\"name\": \"request_Approval\", \"args\": {}}\n```",
		"<scratchpad>final</scratchpad>\n```json\n{\"name\": \"send_message_to_agent_conversation\", \"args\": {\"text\": \"Approved, goodbye.\"}}\n```",
	}}
	mgr, o, blob := newBridgeHarness(t, completer, 5*time.Second)
	ctx := context.Background()

	conversationID, err := mgr.Begin(ctx, blob)
	require.NoError(t, err)

	outcome, err := mgr.SendMessage(ctx, conversationID, "Please approve.", nil)
	require.NoError(t, err)
	require.NotNil(t, outcome.Reply)
	assert.Equal(t, StatusCompleted, outcome.Reply.Status)
	assert.Equal(t, "Approved, goodbye.", outcome.Reply.MessageFromAgent)

	require.Eventually(t, func() bool {
		conv, err := o.GetConversation(ctx, conversationID, store.GetConversationOptions{})
		return err == nil && conv.Status == domain.ConversationCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

// queueCompleter replays canned responses in order.
type queueCompleter struct {
	responses []string
}

func (c *queueCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	if len(c.responses) == 0 {
		return "", fmt.Errorf("completer exhausted")
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}
