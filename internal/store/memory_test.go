package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-run/parley/internal/domain"
)

func newTestConversation(id string) *domain.Conversation {
	return &domain.Conversation{
		ID:        id,
		CreatedAt: time.Now(),
		Status:    domain.ConversationCreated,
		Agents: []domain.AgentConfig{
			{ID: "patient", StrategyType: domain.StrategyScenarioDriven, ShouldInitiate: true},
			{ID: "supplier", StrategyType: domain.StrategyScenarioDriven},
		},
	}
}

func TestMemoryStore_CreateAndGetConversation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := newTestConversation("conv-1")

	require.NoError(t, s.CreateConversation(ctx, c))

	got, err := s.GetConversation(ctx, "conv-1", GetConversationOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.ConversationCreated, got.Status)
	assert.Len(t, got.Agents, 2)

	_, err = s.GetConversation(ctx, "missing", GetConversationOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_GetConversationReturnsDeepCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := newTestConversation("conv-1")
	require.NoError(t, s.CreateConversation(ctx, c))

	got, err := s.GetConversation(ctx, "conv-1", GetConversationOptions{})
	require.NoError(t, err)
	got.Status = domain.ConversationCompleted

	got2, err := s.GetConversation(ctx, "conv-1", GetConversationOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.ConversationCreated, got2.Status, "mutating a returned conversation must not affect the store")
}

func TestMemoryStore_StartTurn_RejectsSecondInProgress(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, newTestConversation("conv-1")))

	_, err := s.StartTurn(ctx, "turn-1", "conv-1", "patient", TurnMeta{})
	require.NoError(t, err)

	_, err = s.StartTurn(ctx, "turn-2", "conv-1", "patient", TurnMeta{})
	assert.ErrorIs(t, err, ErrAlreadyInProgress)

	// A different agent may still open its own turn concurrently.
	_, err = s.StartTurn(ctx, "turn-3", "conv-1", "supplier", TurnMeta{})
	assert.NoError(t, err)
}

func TestMemoryStore_AddTraceEntry_RejectsNonInProgress(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, newTestConversation("conv-1")))
	turn, err := s.StartTurn(ctx, "turn-1", "conv-1", "patient", TurnMeta{})
	require.NoError(t, err)

	entry := domain.NewThoughtEntry(turn.ID, "patient", "thinking")
	got, err := s.AddTraceEntry(ctx, "conv-1", turn.ID, entry)
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())

	_, _, err = s.CompleteTurn(ctx, turn.ID, "done", true, nil, nil)
	require.NoError(t, err)

	_, err = s.AddTraceEntry(ctx, "conv-1", turn.ID, domain.NewThoughtEntry(turn.ID, "patient", "too late"))
	assert.ErrorIs(t, err, ErrTurnNotInProgress, "no trace entry may be appended to a sealed turn")

	_, err = s.AddTraceEntry(ctx, "conv-1", "no-such-turn", entry)
	assert.ErrorIs(t, err, ErrTurnNotInProgress)
}

func TestMemoryStore_CompleteTurn_Atomicity(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, newTestConversation("conv-1")))
	turn, err := s.StartTurn(ctx, "turn-1", "conv-1", "patient", TurnMeta{})
	require.NoError(t, err)

	sealed, attachments, err := s.CompleteTurn(ctx, turn.ID, "Hi, processing.", false, nil, []domain.AttachmentPayload{
		{Name: "doc1", ContentType: "text/markdown", Content: []byte("# Policy\n- A\n- B\n")},
	})
	require.NoError(t, err)
	require.Len(t, attachments, 1)
	assert.Equal(t, domain.TurnCompleted, sealed.Status)
	assert.Len(t, sealed.AttachmentIDs, 1)
	assert.Equal(t, sealed.AttachmentIDs[0], attachments[0].ID)

	fetched, err := s.GetAttachment(ctx, attachments[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "# Policy\n- A\n- B\n", string(fetched.Content))

	trace, err := s.GetTraceEntriesForTurn(ctx, turn.ID)
	require.NoError(t, err)
	require.Len(t, trace, 1)
	assert.Equal(t, domain.TraceToolResult, trace[0].Kind)
	assert.Equal(t, domain.AttachmentCreationToolCallID, trace[0].ToolResult.ToolCallID)

	// A second completeTurn on the same (now sealed) turn must fail, and
	// must not create a second copy of the attachment.
	_, _, err = s.CompleteTurn(ctx, turn.ID, "again", false, nil, nil)
	assert.ErrorIs(t, err, ErrTurnNotInProgress)
}

func TestMemoryStore_TokenLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	tok := domain.AgentToken{Token: "tok-abc", ConversationID: "conv-1", AgentID: "patient", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.CreateAgentToken(ctx, tok))

	got, err := s.ValidateToken(ctx, "tok-abc")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", got.ConversationID)
	assert.Equal(t, "patient", got.AgentID)

	require.NoError(t, s.RevokeTokensForConversation(ctx, "conv-1"))
	_, err = s.ValidateToken(ctx, "tok-abc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_CleanupExpiredTokens(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateAgentToken(ctx, domain.AgentToken{Token: "expired", ConversationID: "conv-1", AgentID: "a", ExpiresAt: time.Now().Add(-time.Minute)}))
	require.NoError(t, s.CreateAgentToken(ctx, domain.AgentToken{Token: "live", ConversationID: "conv-1", AgentID: "b", ExpiresAt: time.Now().Add(time.Hour)}))

	n, err := s.CleanupExpiredTokens(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.ValidateToken(ctx, "expired")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.ValidateToken(ctx, "live")
	assert.NoError(t, err)
}

func TestMemoryStore_UserQueryLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	q := &domain.UserQuery{ID: "q-1", ConversationID: "conv-1", AgentID: "patient", Question: "approve?", Status: domain.UserQueryPending, CreatedAt: time.Now()}
	require.NoError(t, s.CreateUserQuery(ctx, q))

	answered, err := s.AnswerUserQuery(ctx, "q-1", "yes")
	require.NoError(t, err)
	assert.Equal(t, domain.UserQueryAnswered, answered.Status)
	assert.Equal(t, "yes", answered.Response)

	// Consuming twice is a NotFound, not a silent success: the invariant is
	// "at most once".
	_, err = s.AnswerUserQuery(ctx, "q-1", "no")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ExpireStaleUserQueries(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	old := &domain.UserQuery{ID: "q-old", ConversationID: "conv-1", AgentID: "a", Status: domain.UserQueryPending, CreatedAt: time.Now().Add(-time.Hour)}
	fresh := &domain.UserQuery{ID: "q-new", ConversationID: "conv-1", AgentID: "a", Status: domain.UserQueryPending, CreatedAt: time.Now()}
	require.NoError(t, s.CreateUserQuery(ctx, old))
	require.NoError(t, s.CreateUserQuery(ctx, fresh))

	n, err := s.ExpireStaleUserQueries(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	gotOld, _ := s.GetUserQuery(ctx, "q-old")
	assert.Equal(t, domain.UserQueryExpired, gotOld.Status)
	gotFresh, _ := s.GetUserQuery(ctx, "q-new")
	assert.Equal(t, domain.UserQueryPending, gotFresh.Status)
}

func TestMemoryStore_ScenarioRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	sc := &domain.Scenario{ID: "mri-auth", Version: "v1", Agents: []domain.ScenarioAgent{{AgentID: "patient", Role: "patient"}}}
	require.NoError(t, s.PutScenario(ctx, sc))

	got, err := s.GetScenario(ctx, "mri-auth", "v1")
	require.NoError(t, err)
	assert.Equal(t, "mri-auth", got.ID)

	_, err = s.GetScenario(ctx, "mri-auth", "v2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Resurrection(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	c := newTestConversation("conv-1")
	c.Status = domain.ConversationActive
	require.NoError(t, s.CreateConversation(ctx, c))
	require.NoError(t, s.UpdateConversationStatus(ctx, "conv-1", domain.ConversationActive))

	ids, err := s.GetActiveConversationsWithRecentActivity(ctx, time.Hour)
	require.NoError(t, err)
	assert.Contains(t, ids, "conv-1")

	n, err := s.MarkStaleConversationsInactive(ctx, -time.Second) // everything is "stale"
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := s.GetConversation(ctx, "conv-1", GetConversationOptions{})
	assert.Equal(t, domain.ConversationCompleted, got.Status)
}

func TestMemoryStore_CancelTurn(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, newTestConversation("conv-1")))
	turn, err := s.StartTurn(ctx, "turn-1", "conv-1", "patient", TurnMeta{})
	require.NoError(t, err)

	cancelled, err := s.CancelTurn(ctx, turn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TurnCancelled, cancelled.Status)

	_, err = s.CancelTurn(ctx, turn.ID)
	assert.ErrorIs(t, err, ErrTurnNotInProgress)
}

func TestMemoryStore_GetInProgressTurns(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, newTestConversation("conv-1")))

	_, err := s.StartTurn(ctx, "turn-1", "conv-1", "patient", TurnMeta{})
	require.NoError(t, err)
	turn2, err := s.StartTurn(ctx, "turn-2", "conv-1", "supplier", TurnMeta{})
	require.NoError(t, err)
	_, _, err = s.CompleteTurn(ctx, turn2.ID, "done", false, nil, nil)
	require.NoError(t, err)

	inProgress, err := s.GetInProgressTurns(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, inProgress, 1)
	assert.Equal(t, "patient", inProgress[0].AgentID)
}
