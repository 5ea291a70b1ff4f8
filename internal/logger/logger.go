// Package logger provides structured logging for the orchestrator, agent
// runtime, and bridge, wrapping the standard library's log/slog.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Default is the global structured logger. It is safe for concurrent use.
var Default *slog.Logger

func init() {
	Default = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: levelFromEnv(),
	}))
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel replaces the global logger with one at the given level.
func SetLevel(level slog.Level) {
	Default = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func Info(msg string, args ...any)  { Default.Info(msg, args...) }
func Warn(msg string, args ...any)  { Default.Warn(msg, args...) }
func Error(msg string, args ...any) { Default.Error(msg, args...) }
func Debug(msg string, args ...any) { Default.Debug(msg, args...) }

func InfoContext(ctx context.Context, msg string, args ...any)  { Default.InfoContext(ctx, msg, args...) }
func WarnContext(ctx context.Context, msg string, args ...any)  { Default.WarnContext(ctx, msg, args...) }
func ErrorContext(ctx context.Context, msg string, args ...any) { Default.ErrorContext(ctx, msg, args...) }

// TurnStarted logs the opening of a turn with correlation identifiers.
func TurnStarted(conversationID, turnID, agentID string) {
	Info("turn started",
		"conversation_id", conversationID,
		"turn_id", turnID,
		"agent_id", agentID,
	)
}

// TurnCompleted logs the sealing of a turn.
func TurnCompleted(conversationID, turnID, agentID string, isFinal bool, attachments int) {
	Info("turn completed",
		"conversation_id", conversationID,
		"turn_id", turnID,
		"agent_id", agentID,
		"is_final", isFinal,
		"attachments", attachments,
	)
}

// TraceAppended logs a single trace entry append.
func TraceAppended(conversationID, turnID, agentID, traceType string) {
	Debug("trace entry appended",
		"conversation_id", conversationID,
		"turn_id", turnID,
		"agent_id", agentID,
		"trace_type", traceType,
	)
}

// UpstreamFailed logs a contained failure from the LLM policy or
// tool-synthesis collaborator: the turn loop continues, but the condition
// is worth surfacing.
func UpstreamFailed(conversationID, agentID, operation string, err error) {
	Warn("upstream call failed; continuing turn loop",
		"conversation_id", conversationID,
		"agent_id", agentID,
		"operation", operation,
		"error", err,
	)
}

// BridgeTimeout logs a bridge rendezvous timing out into still-working.
func BridgeTimeout(conversationID, bridgeAgentID string, actionCount int) {
	Info("bridge wait timed out; returning still-working",
		"conversation_id", conversationID,
		"agent_id", bridgeAgentID,
		"counterparty_action_count", actionCount,
	)
}

// Rehydrated logs a successful rehydration of a conversation's in-memory
// projection from the store.
func Rehydrated(conversationID string, turnCount int) {
	Info("conversation rehydrated",
		"conversation_id", conversationID,
		"turn_count", turnCount,
	)
}

// Resurrecting logs the startup-time bulk rehydration pass.
func Resurrecting(count int, lookbackHours int) {
	Info("resurrecting recently active conversations",
		"count", count,
		"lookback_hours", lookbackHours,
	)
}
