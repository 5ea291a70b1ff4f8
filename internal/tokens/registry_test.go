package tokens

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	t.Parallel()

	r := New()
	token := r.Issue("conv-1", "agent-a", time.Hour)
	require.NotEmpty(t, token)
	require.Len(t, token, tokenBytes*2) // hex-encoded

	convID, agentID, ok := r.Validate(token)
	require.True(t, ok)
	assert.Equal(t, "conv-1", convID)
	assert.Equal(t, "agent-a", agentID)
}

func TestValidateRejectsUnknownToken(t *testing.T) {
	t.Parallel()

	r := New()
	_, _, ok := r.Validate("does-not-exist")
	assert.False(t, ok)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	t.Parallel()

	r := New()
	token := r.Issue("conv-1", "agent-a", -time.Second)

	_, _, ok := r.Validate(token)
	assert.False(t, ok)
}

func TestRevokeConversationRemovesAllItsTokens(t *testing.T) {
	t.Parallel()

	r := New()
	t1 := r.Issue("conv-1", "agent-a", time.Hour)
	t2 := r.Issue("conv-1", "agent-b", time.Hour)
	t3 := r.Issue("conv-2", "agent-c", time.Hour)

	r.RevokeConversation("conv-1")

	_, _, ok1 := r.Validate(t1)
	_, _, ok2 := r.Validate(t2)
	_, _, ok3 := r.Validate(t3)
	assert.False(t, ok1)
	assert.False(t, ok2)
	assert.True(t, ok3)
	assert.Empty(t, r.ForConversation("conv-1"))
}

func TestSweepRemovesOnlyExpiredTokens(t *testing.T) {
	t.Parallel()

	r := New()
	expired := r.Issue("conv-1", "agent-a", -time.Minute)
	live := r.Issue("conv-1", "agent-b", time.Hour)

	removed := r.Sweep(time.Now())

	assert.Equal(t, 1, removed)
	_, _, ok := r.Validate(expired)
	assert.False(t, ok)
	_, _, ok = r.Validate(live)
	assert.True(t, ok)
	assert.Equal(t, []string{live}, r.ForConversation("conv-1"))
}

func TestTwoIssuedTokensAreDistinct(t *testing.T) {
	t.Parallel()

	r := New()
	a := r.Issue("conv-1", "agent-a", time.Hour)
	b := r.Issue("conv-1", "agent-a", time.Hour)
	assert.NotEqual(t, a, b)
}
