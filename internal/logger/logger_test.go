package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func withBuffer(t *testing.T, level slog.Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := Default
	Default = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: level}))
	t.Cleanup(func() { Default = orig })
	return &buf
}

func TestTurnStartedLogsCorrelationFields(t *testing.T) {
	t.Parallel()
	buf := withBuffer(t, slog.LevelInfo)

	TurnStarted("conv-1", "turn-1", "agent-a")

	out := buf.String()
	assert.Contains(t, out, "turn started")
	assert.Contains(t, out, "conversation_id=conv-1")
	assert.Contains(t, out, "turn_id=turn-1")
	assert.Contains(t, out, "agent_id=agent-a")
}

func TestTraceAppendedIsDebugLevel(t *testing.T) {
	t.Parallel()
	buf := withBuffer(t, slog.LevelInfo)

	TraceAppended("conv-1", "turn-1", "agent-a", "tool_call")

	assert.Empty(t, buf.String(), "debug-level message should be suppressed at info level")
}

func TestBridgeTimeoutLogsActionCount(t *testing.T) {
	t.Parallel()
	buf := withBuffer(t, slog.LevelInfo)

	BridgeTimeout("conv-2", "bridge-agent", 3)

	out := buf.String()
	assert.Contains(t, out, "still-working")
	assert.Contains(t, out, "counterparty_action_count=3")
}

func TestInfoContextWrites(t *testing.T) {
	t.Parallel()
	buf := withBuffer(t, slog.LevelInfo)

	InfoContext(context.Background(), "hello", "k", "v")

	assert.Contains(t, buf.String(), "hello")
	assert.Contains(t, buf.String(), "k=v")
}

func TestLevelFromEnvDefaultsToInfo(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	assert.Equal(t, slog.LevelInfo, levelFromEnv())

	t.Setenv("LOG_LEVEL", "debug")
	assert.Equal(t, slog.LevelDebug, levelFromEnv())

	t.Setenv("LOG_LEVEL", "ERROR")
	assert.Equal(t, slog.LevelError, levelFromEnv())
}
