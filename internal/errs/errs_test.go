package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesByKind(t *testing.T) {
	t.Parallel()

	err := New("orchestrator", "CompleteTurn", TurnNotFound, errors.New("turn missing"))

	assert.True(t, errors.Is(err, KindTurnNotFound))
	assert.False(t, errors.Is(err, KindConflict))
}

func TestKindOfDefaultsToInternalForPlainErrors(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Internal, KindOf(errors.New("boom")))
	assert.Equal(t, NotFound, KindOf(New("store", "GetTurn", NotFound, nil)))
}

func TestErrorUnwrapsToCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("root cause")
	err := New("bridge", "SendMessage", Timeout, cause)

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "root cause")
	assert.Contains(t, err.Error(), fmt.Sprintf("[%s]", "bridge"))
}

func TestKindOfWalksWrappedChain(t *testing.T) {
	t.Parallel()

	inner := New("store", "AddTraceEntry", Conflict, nil)
	wrapped := fmt.Errorf("appendTraceEntry: %w", inner)

	assert.Equal(t, Conflict, KindOf(wrapped))
}
