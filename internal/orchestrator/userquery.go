package orchestrator

import (
	"context"
	"time"

	"github.com/parley-run/parley/internal/domain"
	"github.com/parley-run/parley/internal/errs"
	"github.com/parley-run/parley/internal/events"
	"github.com/parley-run/parley/internal/logger"
	"github.com/parley-run/parley/internal/metrics"
)

// CreateUserQueryRequest poses a question from AgentID to a human operator,
// outside the normal turn flow.
type CreateUserQueryRequest struct {
	ConversationID string
	AgentID        string
	Question       string
	Context        string
}

// CreateUserQuery persists a pending UserQuery and emits
// user_query_created. It does not block: the caller (typically an agent
// mid-turn) polls or is notified via GetUserQueryStatus / the
// user_query_answered event.
func (o *Orchestrator) CreateUserQuery(ctx context.Context, req CreateUserQueryRequest) (*domain.UserQuery, error) {
	q := &domain.UserQuery{
		ID:             newConversationID(),
		ConversationID: req.ConversationID,
		AgentID:        req.AgentID,
		Question:       req.Question,
		Context:        req.Context,
		Status:         domain.UserQueryPending,
		CreatedAt:      time.Now(),
	}
	if err := o.store.CreateUserQuery(ctx, q); err != nil {
		return nil, newErr("CreateUserQuery", errs.Internal, err)
	}

	o.bus.Publish(&events.Event{
		Type:           events.UserQueryCreated,
		ConversationID: req.ConversationID,
		AgentID:        req.AgentID,
		Timestamp:      time.Now(),
		Data:           &events.UserQueryCreatedData{Query: *q},
	})
	return q, nil
}

// RespondToUserQuery consumes a pending UserQuery exactly once, recording
// response and emitting user_query_answered so the posing agent's
// HandleEvent can resume. Answering an already-answered or unknown query
// is a NotFound, not a silent success.
func (o *Orchestrator) RespondToUserQuery(ctx context.Context, queryID, response, respContext string) (*domain.UserQuery, error) {
	answered, err := o.store.AnswerUserQuery(ctx, queryID, response)
	if err != nil {
		return nil, newErr("RespondToUserQuery", errs.NotFound, err)
	}

	metrics.RecordUserQuery("answered")
	o.bus.Publish(&events.Event{
		Type:           events.UserQueryAnswered,
		ConversationID: answered.ConversationID,
		AgentID:        answered.AgentID,
		Timestamp:      time.Now(),
		Data:           &events.UserQueryAnsweredData{QueryID: answered.ID, Response: response, Context: respContext},
	})
	return answered, nil
}

// GetUserQueryStatus returns the current state of a UserQuery.
func (o *Orchestrator) GetUserQueryStatus(ctx context.Context, queryID string) (*domain.UserQuery, error) {
	q, err := o.store.GetUserQuery(ctx, queryID)
	if err != nil {
		return nil, newErr("GetUserQueryStatus", errs.NotFound, err)
	}
	return q, nil
}

// SweepExpiredUserQueries marks every UserQuery older than timeout expired.
// Intended to be called periodically (see cmd/parleyd) alongside the token
// registry's sweep.
func (o *Orchestrator) SweepExpiredUserQueries(ctx context.Context, timeout time.Duration) {
	n, err := o.store.ExpireStaleUserQueries(ctx, time.Now().Add(-timeout))
	if err != nil {
		logger.Warn("user query sweep failed", "error", err)
		return
	}
	for i := 0; i < n; i++ {
		metrics.RecordUserQuery("expired")
	}
}
