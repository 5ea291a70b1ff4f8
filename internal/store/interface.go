// Package store persists conversations, turns, trace entries, attachments,
// user queries, agent tokens, and scenarios. Two implementations are
// provided: MemoryStore for development/tests and RedisStore for
// distributed deployments.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/parley-run/parley/internal/domain"
)

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = errors.New("store: not found")

// ErrTurnNotInProgress is returned by AddTraceEntry and CompleteTurn when
// the target turn is not in_progress (unknown, already completed, or
// cancelled).
var ErrTurnNotInProgress = errors.New("store: turn not in progress")

// ErrAlreadyInProgress is returned by StartTurn when the given
// (conversationId, agentId) already has an in_progress turn.
var ErrAlreadyInProgress = errors.New("store: agent already has an in-progress turn")

// GetConversationOptions names the related collections a caller wants
// alongside the conversation record. The MemoryStore and RedisStore
// implementations do not consult it: GetConversation returns the
// conversation record alone, and turns (with their trace) and attachments
// are read with GetTurnsForConversation and GetAttachment.
type GetConversationOptions struct {
	IncludeTurns       bool
	IncludeTrace       bool
	IncludeAttachments bool
}

// TurnMeta is the caller-supplied metadata accepted by StartTurn.
type TurnMeta struct {
	Metadata map[string]any
}

// ListOptions narrows and pages ListConversations. Zero values mean "no
// filter"; Limit 0 means no cap.
type ListOptions struct {
	Status  domain.ConversationStatus
	AgentID string
	Limit   int
	Offset  int
}

// Store is the durable log of every entity in internal/domain. All methods
// are safe for concurrent use; CompleteTurn is atomic with the attachment
// inserts it performs.
type Store interface {
	// Conversations.
	CreateConversation(ctx context.Context, c *domain.Conversation) error
	UpdateConversationStatus(ctx context.Context, id string, status domain.ConversationStatus) error
	GetConversation(ctx context.Context, id string, opts GetConversationOptions) (*domain.Conversation, error)
	ListConversations(ctx context.Context, opts ListOptions) ([]domain.Conversation, error)

	// Turns.
	StartTurn(ctx context.Context, turnID, conversationID, agentID string, meta TurnMeta) (*domain.Turn, error)
	CompleteTurn(ctx context.Context, turnID, content string, isFinal bool, metadata map[string]any, attachments []domain.AttachmentPayload) (*domain.Turn, []domain.Attachment, error)
	CancelTurn(ctx context.Context, turnID string) (*domain.Turn, error)
	GetTurn(ctx context.Context, turnID string) (*domain.Turn, error)
	GetInProgressTurns(ctx context.Context, conversationID string) ([]domain.Turn, error)
	GetTurnsForConversation(ctx context.Context, conversationID string) ([]domain.Turn, error)

	// Trace.
	AddTraceEntry(ctx context.Context, conversationID, turnID string, entry domain.TraceEntry) (domain.TraceEntry, error)
	GetTraceEntriesForTurn(ctx context.Context, turnID string) ([]domain.TraceEntry, error)

	// Attachments.
	GetAttachment(ctx context.Context, id string) (*domain.Attachment, error)

	// Tokens.
	CreateAgentToken(ctx context.Context, token domain.AgentToken) error
	ValidateToken(ctx context.Context, token string) (*domain.AgentToken, error)
	GetTokensForConversation(ctx context.Context, conversationID string) ([]domain.AgentToken, error)
	RevokeTokensForConversation(ctx context.Context, conversationID string) error
	CleanupExpiredTokens(ctx context.Context, now time.Time) (int, error)

	// User queries.
	CreateUserQuery(ctx context.Context, q *domain.UserQuery) error
	GetUserQuery(ctx context.Context, id string) (*domain.UserQuery, error)
	AnswerUserQuery(ctx context.Context, id, response string) (*domain.UserQuery, error)
	ExpireStaleUserQueries(ctx context.Context, olderThan time.Time) (int, error)

	// Scenarios (read-mostly external collaborator data).
	PutScenario(ctx context.Context, s *domain.Scenario) error
	GetScenario(ctx context.Context, id, version string) (*domain.Scenario, error)

	// Lifecycle / resurrection.
	MarkStaleConversationsInactive(ctx context.Context, lookback time.Duration) (int, error)
	GetActiveConversationsWithRecentActivity(ctx context.Context, lookback time.Duration) ([]string, error)
}
