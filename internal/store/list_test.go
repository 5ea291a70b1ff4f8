package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-run/parley/internal/domain"
)

func seedConversations(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i, c := range []domain.Conversation{
		{ID: "c1", Status: domain.ConversationActive, Agents: []domain.AgentConfig{{ID: "alice"}}},
		{ID: "c2", Status: domain.ConversationCompleted, Agents: []domain.AgentConfig{{ID: "alice"}, {ID: "bob"}}},
		{ID: "c3", Status: domain.ConversationActive, Agents: []domain.AgentConfig{{ID: "bob"}}},
	} {
		c.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.CreateConversation(ctx, &c))
	}
}

func TestMemoryStoreListConversations(t *testing.T) {
	s := NewMemoryStore()
	seedConversations(t, s)
	ctx := context.Background()

	all, err := s.ListConversations(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c1", all[0].ID, "oldest first")

	active, err := s.ListConversations(ctx, ListOptions{Status: domain.ConversationActive})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	bobs, err := s.ListConversations(ctx, ListOptions{AgentID: "bob"})
	require.NoError(t, err)
	assert.Len(t, bobs, 2)

	paged, err := s.ListConversations(ctx, ListOptions{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "c2", paged[0].ID)

	none, err := s.ListConversations(ctx, ListOptions{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRedisStoreListConversations(t *testing.T) {
	s, _ := setupRedisStore(t)
	seedConversations(t, s)
	ctx := context.Background()

	all, err := s.ListConversations(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	active, err := s.ListConversations(ctx, ListOptions{Status: domain.ConversationActive, AgentID: "bob"})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "c3", active[0].ID)
}
