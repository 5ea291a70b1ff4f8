package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-run/parley/internal/agent"
	"github.com/parley-run/parley/internal/bridge"
	"github.com/parley-run/parley/internal/config"
	"github.com/parley-run/parley/internal/domain"
	"github.com/parley-run/parley/internal/events"
	"github.com/parley-run/parley/internal/orchestrator"
	"github.com/parley-run/parley/internal/store"
	"github.com/parley-run/parley/internal/tokens"
)

func newTestServer(t *testing.T, cfg *config.Config) (*httptest.Server, *orchestrator.Orchestrator) {
	t.Helper()
	st := store.NewMemoryStore()
	o := orchestrator.New(st, events.New(), tokens.New(), cfg)

	completer := agent.CompleterFunc(func(ctx context.Context, prompt string) (string, error) {
		return "<scratchpad>ok</scratchpad>\n```json\n{\"name\": \"send_message_to_agent_conversation\", \"args\": {\"text\": \"ack\"}}\n```", nil
	})
	synth := agent.ToolSynthesizerFunc(func(ctx context.Context, toolName string, args map[string]any) (any, error) {
		return map[string]any{"ok": true}, nil
	})
	agent.RegisterAll(o, completer, synth, st, 10, nil, nil)

	mgr := bridge.NewManager(o, bridge.WithTimeout(2*time.Second))
	t.Cleanup(mgr.Close)

	srv := NewServer(o, mgr, cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, o
}

func postJSON(t *testing.T, url, token string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeResponse[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestAPIRejectsMissingOrMismatchedToken(t *testing.T) {
	ts, o := newTestServer(t, config.New())
	ctx := context.Background()

	res, err := o.CreateConversation(ctx, orchestrator.CreateConversationRequest{
		Agents: []domain.AgentConfig{
			{ID: "a", StrategyType: domain.StrategyBridgeToExternalAsServer},
			{ID: "b", StrategyType: domain.StrategyBridgeToExternalAsClient},
		},
	})
	require.NoError(t, err)

	resp := postJSON(t, ts.URL+"/api/turns", "", map[string]any{"conversationId": res.Conversation.ID})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/api/turns", "bogus-token", map[string]any{"conversationId": res.Conversation.ID})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// A valid token for a different conversation must also be rejected.
	other, err := o.CreateConversation(ctx, orchestrator.CreateConversationRequest{
		Agents: []domain.AgentConfig{{ID: "x", StrategyType: domain.StrategyBridgeToExternalAsServer}},
	})
	require.NoError(t, err)
	resp = postJSON(t, ts.URL+"/api/turns", other.AgentTokens["x"], map[string]any{"conversationId": res.Conversation.ID})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestAPITurnLifecycleOverHTTP(t *testing.T) {
	ts, o := newTestServer(t, config.New())
	ctx := context.Background()

	res, err := o.CreateConversation(ctx, orchestrator.CreateConversationRequest{
		Agents: []domain.AgentConfig{
			{ID: "a", StrategyType: domain.StrategyBridgeToExternalAsServer},
			{ID: "b", StrategyType: domain.StrategyBridgeToExternalAsClient},
		},
	})
	require.NoError(t, err)
	token := res.AgentTokens["a"]

	resp := postJSON(t, ts.URL+"/api/turns", token, map[string]any{"conversationId": res.Conversation.ID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	started := decodeResponse[map[string]string](t, resp)
	turnID := started["turnId"]
	require.NotEmpty(t, turnID)

	resp = postJSON(t, ts.URL+"/api/turns/"+turnID+"/trace", token, map[string]any{
		"conversationId": res.Conversation.ID,
		"entry": map[string]any{
			"type":    "thought",
			"thought": map[string]any{"content": "let me check"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/api/turns/"+turnID+"/complete", token, map[string]any{
		"conversationId": res.Conversation.ID,
		"content":        "hello over http",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sealed := decodeResponse[domain.Turn](t, resp)
	assert.Equal(t, domain.TurnCompleted, sealed.Status)
	assert.Equal(t, "hello over http", sealed.Content)

	// Completing the same turn twice is a 404 (turn no longer in progress).
	resp = postJSON(t, ts.URL+"/api/turns/"+turnID+"/complete", token, map[string]any{
		"conversationId": res.Conversation.ID,
		"content":        "again",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestOperatorCancelGatedByConfig(t *testing.T) {
	ts, o := newTestServer(t, config.New())
	ctx := context.Background()

	res, err := o.CreateConversation(ctx, orchestrator.CreateConversationRequest{
		Agents: []domain.AgentConfig{{ID: "a", StrategyType: domain.StrategyBridgeToExternalAsServer}},
	})
	require.NoError(t, err)
	turn, err := o.StartTurn(ctx, orchestrator.StartTurnRequest{ConversationID: res.Conversation.ID, AgentID: "a"})
	require.NoError(t, err)

	resp := postJSON(t, ts.URL+"/operator/turns/"+turn.ID+"/cancel", "", map[string]any{})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "cancel is disabled by default")
	resp.Body.Close()

	ts2, o2 := newTestServer(t, config.New(config.WithAllowOperatorCancel(true)))
	res2, err := o2.CreateConversation(ctx, orchestrator.CreateConversationRequest{
		Agents: []domain.AgentConfig{{ID: "a", StrategyType: domain.StrategyBridgeToExternalAsServer}},
	})
	require.NoError(t, err)
	turn2, err := o2.StartTurn(ctx, orchestrator.StartTurnRequest{ConversationID: res2.Conversation.ID, AgentID: "a"})
	require.NoError(t, err)

	resp = postJSON(t, ts2.URL+"/operator/turns/"+turn2.ID+"/cancel", "", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cancelled := decodeResponse[domain.Turn](t, resp)
	assert.Equal(t, domain.TurnCancelled, cancelled.Status)
}

func bridgeBlob(t *testing.T) string {
	t.Helper()
	blob, err := bridge.EncodeConfigBlob(&bridge.EndpointConfig{
		Metadata: map[string]any{"counterpartyName": "Front Desk"},
		Agents: []domain.AgentConfig{
			{ID: "desk", StrategyType: domain.StrategyScenarioDriven},
			{ID: "caller", StrategyType: domain.StrategyBridgeToExternalAsServer},
		},
	})
	require.NoError(t, err)
	return blob
}

func TestBridgeSurfaceOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t, config.New())
	blob := bridgeBlob(t)

	resp := postJSON(t, ts.URL+"/bridge/"+blob, "", map[string]any{"tool": "begin_chat_thread"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	begun := decodeResponse[map[string]string](t, resp)
	conversationID := begun["conversationId"]
	require.NotEmpty(t, conversationID)

	resp = postJSON(t, ts.URL+"/bridge/"+blob, "", map[string]any{
		"tool":   "send_message_to_chat_thread",
		"params": map[string]any{"conversationId": conversationID, "message": "Hi"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reply := decodeResponse[map[string]any](t, resp)
	assert.Equal(t, "ack", reply["messageFromAgent"])
	assert.NotEqual(t, "working", reply["status"])

	resp = postJSON(t, ts.URL+"/bridge/"+blob, "", map[string]any{"tool": "no_such_tool"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestBridgeSurfaceToolCatalogIsRenderedForCounterparty(t *testing.T) {
	ts, _ := newTestServer(t, config.New())
	blob := bridgeBlob(t)

	resp, err := http.Get(fmt.Sprintf("%s/bridge/%s/tools", ts.URL, blob))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tools := decodeResponse[[]map[string]any](t, resp)
	require.Len(t, tools, 3)
	for _, tool := range tools {
		assert.Contains(t, tool["description"], "Front Desk")
	}
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, config.New())
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
