package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/parley-run/parley/internal/domain"
)

const (
	defaultTTLHours = 24
)

// RedisStore is a Redis-backed Store implementation for distributed
// deployments. Every entity is JSON-serialized under a prefixed key; turns
// are held in a per-conversation hash so CompleteTurn's atomic attachment
// insert can be expressed as a single MULTI/EXEC transaction.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL sets the time-to-live applied to the conversation, turn,
// attachment, query and token-index keys this store writes. Token keys
// expire with their own ExpiresAt and scenario keys never expire.
// Default: 24h. Set to 0 to disable expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// WithPrefix sets the key prefix for all entities. Default: "parley".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// NewRedisStore creates a Redis-backed Store.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		ttl:    defaultTTLHours * time.Hour,
		prefix: "parley",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) convKey(id string) string          { return fmt.Sprintf("%s:conv:%s", s.prefix, id) }
func (s *RedisStore) turnsKey(convID string) string      { return fmt.Sprintf("%s:turns:%s", s.prefix, convID) }
func (s *RedisStore) turnIndexKey(turnID string) string  { return fmt.Sprintf("%s:turn_owner:%s", s.prefix, turnID) }
func (s *RedisStore) attachmentKey(id string) string     { return fmt.Sprintf("%s:attachment:%s", s.prefix, id) }
func (s *RedisStore) tokenKey(token string) string       { return fmt.Sprintf("%s:token:%s", s.prefix, token) }
func (s *RedisStore) tokensByConvKey(convID string) string {
	return fmt.Sprintf("%s:tokens_by_conv:%s", s.prefix, convID)
}
func (s *RedisStore) queryKey(id string) string { return fmt.Sprintf("%s:query:%s", s.prefix, id) }
func (s *RedisStore) scenarioKey(id, version string) string {
	return fmt.Sprintf("%s:scenario:%s", s.prefix, scenarioKey(id, version))
}
func (s *RedisStore) activityKey() string { return fmt.Sprintf("%s:activity", s.prefix) }

func marshalOrErr(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return data, nil
}

// CreateConversation persists the conversation and records its creation as
// activity for resurrection purposes.
func (s *RedisStore) CreateConversation(ctx context.Context, c *domain.Conversation) error {
	data, err := marshalOrErr(c)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.convKey(c.ID), data, s.ttl)
	pipe.ZAdd(ctx, s.activityKey(), redis.Z{Score: float64(time.Now().Unix()), Member: c.ID})
	if s.ttl > 0 {
		pipe.Expire(ctx, s.activityKey(), s.ttl)
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis create conversation: %w", err)
	}
	return nil
}

func (s *RedisStore) loadConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	data, err := s.client.Get(ctx, s.convKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get conversation: %w", err)
	}
	var c domain.Conversation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal conversation: %w", err)
	}
	return &c, nil
}

// UpdateConversationStatus loads, mutates, and re-saves the conversation.
func (s *RedisStore) UpdateConversationStatus(ctx context.Context, id string, status domain.ConversationStatus) error {
	c, err := s.loadConversation(ctx, id)
	if err != nil {
		return err
	}
	c.Status = status
	data, err := marshalOrErr(c)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.convKey(id), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis update conversation status: %w", err)
	}
	return s.touchActivity(ctx, id)
}

func (s *RedisStore) touchActivity(ctx context.Context, convID string) error {
	return s.client.ZAdd(ctx, s.activityKey(), redis.Z{Score: float64(time.Now().Unix()), Member: convID}).Err()
}

// GetConversation loads the conversation record. opts is not consulted;
// turns, trace and attachments are not loaded here.
func (s *RedisStore) GetConversation(ctx context.Context, id string, opts GetConversationOptions) (*domain.Conversation, error) {
	c, err := s.loadConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	_ = opts
	return c, nil
}

// ListConversations walks the activity index oldest-activity-first and
// returns the conversations matching opts. The activity ZSET is the only
// enumeration of conversation ids this store keeps.
func (s *RedisStore) ListConversations(ctx context.Context, opts ListOptions) ([]domain.Conversation, error) {
	ids, err := s.client.ZRange(ctx, s.activityKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange activity: %w", err)
	}

	matched := make([]domain.Conversation, 0, len(ids))
	for _, id := range ids {
		c, err := s.loadConversation(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if opts.Status != "" && c.Status != opts.Status {
			continue
		}
		if opts.AgentID != "" {
			if _, ok := c.AgentByID(opts.AgentID); !ok {
				continue
			}
		}
		matched = append(matched, *c)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// GetTurnsForConversation returns every turn for conversationID, trace
// included, in insertion order (as tracked by the hash's field order is not
// guaranteed, so turns are sorted by StartedAt).
func (s *RedisStore) GetTurnsForConversation(ctx context.Context, conversationID string) ([]domain.Turn, error) {
	raw, err := s.client.HGetAll(ctx, s.turnsKey(conversationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall turns: %w", err)
	}
	turns := make([]domain.Turn, 0, len(raw))
	for _, v := range raw {
		var t domain.Turn
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			return nil, fmt.Errorf("unmarshal turn: %w", err)
		}
		turns = append(turns, t)
	}
	sortTurnsByStartedAt(turns)
	return turns, nil
}

func sortTurnsByStartedAt(turns []domain.Turn) {
	for i := 1; i < len(turns); i++ {
		for j := i; j > 0 && turns[j].StartedAt.Before(turns[j-1].StartedAt); j-- {
			turns[j], turns[j-1] = turns[j-1], turns[j]
		}
	}
}

func (s *RedisStore) loadTurn(ctx context.Context, conversationID, turnID string) (*domain.Turn, error) {
	data, err := s.client.HGet(ctx, s.turnsKey(conversationID), turnID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis hget turn: %w", err)
	}
	var t domain.Turn
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal turn: %w", err)
	}
	return &t, nil
}

// StartTurn rejects a second in_progress turn for the same agent by
// scanning the conversation's current turns before writing. Turn starts for
// one conversation are serialized by the orchestrator's single-writer
// actor, not by this store.
func (s *RedisStore) StartTurn(ctx context.Context, turnID, conversationID, agentID string, meta TurnMeta) (*domain.Turn, error) {
	existing, err := s.GetTurnsForConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	for _, t := range existing {
		if t.AgentID == agentID && t.Status == domain.TurnInProgress {
			return nil, ErrAlreadyInProgress
		}
	}

	turn := &domain.Turn{
		ID:             turnID,
		ConversationID: conversationID,
		AgentID:        agentID,
		Status:         domain.TurnInProgress,
		StartedAt:      time.Now(),
		Metadata:       meta.Metadata,
		AttachmentIDs:  []string{},
		Trace:          []domain.TraceEntry{},
	}
	if err := s.saveTurn(ctx, conversationID, turn); err != nil {
		return nil, err
	}
	if err := s.client.Set(ctx, s.turnIndexKey(turnID), conversationID, s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("redis set turn index: %w", err)
	}
	if err := s.touchActivity(ctx, conversationID); err != nil {
		return nil, err
	}
	return turn, nil
}

func (s *RedisStore) saveTurn(ctx context.Context, conversationID string, t *domain.Turn) error {
	data, err := marshalOrErr(t)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.turnsKey(conversationID), t.ID, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.turnsKey(conversationID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save turn: %w", err)
	}
	return nil
}

// conversationForTurn resolves which conversation owns turnID via the
// turn_owner index, used by every turn/trace operation keyed only by
// turnID.
func (s *RedisStore) conversationForTurn(ctx context.Context, turnID string) (string, error) {
	convID, err := s.client.Get(ctx, s.turnIndexKey(turnID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("redis get turn owner: %w", err)
	}
	return convID, nil
}

// GetTurn returns the turn, trace included.
func (s *RedisStore) GetTurn(ctx context.Context, turnID string) (*domain.Turn, error) {
	convID, err := s.conversationForTurn(ctx, turnID)
	if err != nil {
		return nil, err
	}
	return s.loadTurn(ctx, convID, turnID)
}

// GetInProgressTurns returns every in_progress turn for conversationID.
func (s *RedisStore) GetInProgressTurns(ctx context.Context, conversationID string) ([]domain.Turn, error) {
	all, err := s.GetTurnsForConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	var out []domain.Turn
	for _, t := range all {
		if t.Status == domain.TurnInProgress {
			out = append(out, t)
		}
	}
	return out, nil
}

// AddTraceEntry appends entry to turnID's trace. Fails with
// ErrTurnNotInProgress if the turn is unknown or sealed.
func (s *RedisStore) AddTraceEntry(ctx context.Context, conversationID, turnID string, entry domain.TraceEntry) (domain.TraceEntry, error) {
	t, err := s.loadTurn(ctx, conversationID, turnID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return domain.TraceEntry{}, ErrTurnNotInProgress
		}
		return domain.TraceEntry{}, err
	}
	if t.Status != domain.TurnInProgress {
		return domain.TraceEntry{}, ErrTurnNotInProgress
	}

	entry.ID = uuid.New().String()
	entry.TurnID = turnID
	entry.Timestamp = time.Now()
	t.Trace = append(t.Trace, entry)

	if err := s.saveTurn(ctx, conversationID, t); err != nil {
		return domain.TraceEntry{}, err
	}
	if err := s.touchActivity(ctx, conversationID); err != nil {
		return domain.TraceEntry{}, err
	}
	return entry, nil
}

// GetTraceEntriesForTurn returns the turn's trace, in append order.
func (s *RedisStore) GetTraceEntriesForTurn(ctx context.Context, turnID string) ([]domain.TraceEntry, error) {
	t, err := s.GetTurn(ctx, turnID)
	if err != nil {
		return nil, err
	}
	return t.Trace, nil
}

// CompleteTurn seals turnID and inserts every embedded attachment payload in
// a single MULTI/EXEC transaction: either the turn flips to completed with
// all attachments present, or the transaction fails and the turn is
// observed unchanged.
func (s *RedisStore) CompleteTurn(ctx context.Context, turnID, content string, isFinal bool, metadata map[string]any, attachments []domain.AttachmentPayload) (*domain.Turn, []domain.Attachment, error) {
	convID, err := s.conversationForTurn(ctx, turnID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrTurnNotInProgress
		}
		return nil, nil, err
	}
	t, err := s.loadTurn(ctx, convID, turnID)
	if err != nil {
		return nil, nil, ErrTurnNotInProgress
	}
	if t.Status != domain.TurnInProgress {
		return nil, nil, ErrTurnNotInProgress
	}

	now := time.Now()
	created := make([]domain.Attachment, 0, len(attachments))
	for _, p := range attachments {
		a := domain.Attachment{
			ID:               uuid.New().String(),
			ConversationID:   convID,
			TurnID:           turnID,
			DocID:            p.DocID,
			Name:             p.Name,
			ContentType:      p.ContentType,
			Content:          append([]byte(nil), p.Content...),
			Summary:          p.Summary,
			CreatedByAgentID: t.AgentID,
			CreatedAt:        now,
		}
		created = append(created, a)
		t.AttachmentIDs = append(t.AttachmentIDs, a.ID)
		t.Trace = append(t.Trace, domain.NewAttachmentCreationEntry(turnID, t.AgentID, a.ID, a.Name))
	}

	t.Content = content
	t.IsFinalTurn = isFinal
	t.Metadata = metadata
	t.Status = domain.TurnCompleted
	t.CompletedAt = &now

	turnData, err := marshalOrErr(t)
	if err != nil {
		return nil, nil, err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.turnsKey(convID), turnID, turnData)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.turnsKey(convID), s.ttl)
	}
	for _, a := range created {
		data, err := marshalOrErr(a)
		if err != nil {
			return nil, nil, err
		}
		pipe.Set(ctx, s.attachmentKey(a.ID), data, s.ttl)
	}
	pipe.ZAdd(ctx, s.activityKey(), redis.Z{Score: float64(now.Unix()), Member: convID})

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, nil, fmt.Errorf("redis complete turn: %w", err)
	}
	return t, created, nil
}

// CancelTurn marks turnID cancelled.
func (s *RedisStore) CancelTurn(ctx context.Context, turnID string) (*domain.Turn, error) {
	convID, err := s.conversationForTurn(ctx, turnID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTurnNotInProgress
		}
		return nil, err
	}
	t, err := s.loadTurn(ctx, convID, turnID)
	if err != nil || t.Status != domain.TurnInProgress {
		return nil, ErrTurnNotInProgress
	}
	t.Status = domain.TurnCancelled
	now := time.Now()
	t.CompletedAt = &now
	if err := s.saveTurn(ctx, convID, t); err != nil {
		return nil, err
	}
	return t, nil
}

// GetAttachment returns the attachment by id.
func (s *RedisStore) GetAttachment(ctx context.Context, id string) (*domain.Attachment, error) {
	data, err := s.client.Get(ctx, s.attachmentKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get attachment: %w", err)
	}
	var a domain.Attachment
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("unmarshal attachment: %w", err)
	}
	return &a, nil
}

// CreateAgentToken registers a new token record, indexed by conversation.
func (s *RedisStore) CreateAgentToken(ctx context.Context, token domain.AgentToken) error {
	data, err := marshalOrErr(token)
	if err != nil {
		return err
	}
	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.tokenKey(token.Token), data, ttl)
	pipe.SAdd(ctx, s.tokensByConvKey(token.ConversationID), token.Token)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.tokensByConvKey(token.ConversationID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis create token: %w", err)
	}
	return nil
}

// ValidateToken returns the token record if it exists and has not expired.
func (s *RedisStore) ValidateToken(ctx context.Context, token string) (*domain.AgentToken, error) {
	data, err := s.client.Get(ctx, s.tokenKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get token: %w", err)
	}
	var t domain.AgentToken
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal token: %w", err)
	}
	if time.Now().After(t.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &t, nil
}

// GetTokensForConversation returns every token issued for conversationID.
func (s *RedisStore) GetTokensForConversation(ctx context.Context, conversationID string) ([]domain.AgentToken, error) {
	members, err := s.client.SMembers(ctx, s.tokensByConvKey(conversationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers tokens: %w", err)
	}
	var out []domain.AgentToken
	for _, tok := range members {
		t, err := s.ValidateToken(ctx, tok)
		if err != nil {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

// RevokeTokensForConversation deletes every token issued for conversationID.
func (s *RedisStore) RevokeTokensForConversation(ctx context.Context, conversationID string) error {
	members, err := s.client.SMembers(ctx, s.tokensByConvKey(conversationID)).Result()
	if err != nil {
		return fmt.Errorf("redis smembers tokens: %w", err)
	}
	pipe := s.client.TxPipeline()
	for _, tok := range members {
		pipe.Del(ctx, s.tokenKey(tok))
	}
	pipe.Del(ctx, s.tokensByConvKey(conversationID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis revoke tokens: %w", err)
	}
	return nil
}

// CleanupExpiredTokens is a no-op for RedisStore: every token key carries
// its own TTL, so Redis itself evicts expired entries. The method exists to
// satisfy the Store interface; it does not prune the tokens_by_conv sets.
func (s *RedisStore) CleanupExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

// CreateUserQuery persists a new pending UserQuery.
func (s *RedisStore) CreateUserQuery(ctx context.Context, q *domain.UserQuery) error {
	data, err := marshalOrErr(q)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.queryKey(q.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis create query: %w", err)
	}
	return nil
}

func (s *RedisStore) loadUserQuery(ctx context.Context, id string) (*domain.UserQuery, error) {
	data, err := s.client.Get(ctx, s.queryKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get query: %w", err)
	}
	var q domain.UserQuery
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("unmarshal query: %w", err)
	}
	return &q, nil
}

// GetUserQuery returns the query by id.
func (s *RedisStore) GetUserQuery(ctx context.Context, id string) (*domain.UserQuery, error) {
	return s.loadUserQuery(ctx, id)
}

// AnswerUserQuery consumes a pending query exactly once.
func (s *RedisStore) AnswerUserQuery(ctx context.Context, id, response string) (*domain.UserQuery, error) {
	q, err := s.loadUserQuery(ctx, id)
	if err != nil {
		return nil, err
	}
	if q.Status != domain.UserQueryPending {
		return nil, ErrNotFound
	}
	q.Status = domain.UserQueryAnswered
	q.Response = response
	data, err := marshalOrErr(q)
	if err != nil {
		return nil, err
	}
	if err := s.client.Set(ctx, s.queryKey(id), data, s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("redis answer query: %w", err)
	}
	return q, nil
}

// ExpireStaleUserQueries is a best-effort scan; Redis has no native
// "list all keys matching a pending predicate" primitive, so this relies on
// SCAN over the query-key namespace. Acceptable at the scale this store
// targets (§1 Non-goals excludes cross-process distribution at scale).
func (s *RedisStore) ExpireStaleUserQueries(ctx context.Context, olderThan time.Time) (int, error) {
	pattern := fmt.Sprintf("%s:query:*", s.prefix)
	n := 0
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var q domain.UserQuery
		if err := json.Unmarshal(data, &q); err != nil {
			continue
		}
		if q.Status == domain.UserQueryPending && q.CreatedAt.Before(olderThan) {
			q.Status = domain.UserQueryExpired
			if out, err := marshalOrErr(q); err == nil {
				_ = s.client.Set(ctx, iter.Val(), out, s.ttl).Err()
				n++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return n, fmt.Errorf("redis scan queries: %w", err)
	}
	return n, nil
}

// PutScenario upserts a scenario by (id, version). Scenarios are read-only
// collaborator data and are written without expiry, whatever WithTTL is
// set to.
func (s *RedisStore) PutScenario(ctx context.Context, sc *domain.Scenario) error {
	data, err := marshalOrErr(sc)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.scenarioKey(sc.ID, sc.Version), data, 0).Err(); err != nil {
		return fmt.Errorf("redis put scenario: %w", err)
	}
	return nil
}

// GetScenario returns the scenario by (id, version).
func (s *RedisStore) GetScenario(ctx context.Context, id, version string) (*domain.Scenario, error) {
	data, err := s.client.Get(ctx, s.scenarioKey(id, version)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get scenario: %w", err)
	}
	var sc domain.Scenario
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("unmarshal scenario: %w", err)
	}
	return &sc, nil
}

// MarkStaleConversationsInactive scans the activity ZSET for conversations
// with no activity inside lookback, and flips each from active to
// completed.
func (s *RedisStore) MarkStaleConversationsInactive(ctx context.Context, lookback time.Duration) (int, error) {
	cutoff := time.Now().Add(-lookback)
	ids, err := s.client.ZRangeByScore(ctx, s.activityKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff.Unix()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zrangebyscore activity: %w", err)
	}
	n := 0
	for _, id := range ids {
		c, err := s.loadConversation(ctx, id)
		if err != nil {
			continue
		}
		if c.Status == domain.ConversationActive {
			if err := s.UpdateConversationStatus(ctx, id, domain.ConversationCompleted); err == nil {
				n++
			}
		}
	}
	return n, nil
}

// GetActiveConversationsWithRecentActivity returns the ids of every active
// conversation whose last recorded activity falls inside lookback.
func (s *RedisStore) GetActiveConversationsWithRecentActivity(ctx context.Context, lookback time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-lookback)
	ids, err := s.client.ZRangeByScore(ctx, s.activityKey(), &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", cutoff.Unix()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore activity: %w", err)
	}
	var out []string
	for _, id := range ids {
		c, err := s.loadConversation(ctx, id)
		if err != nil {
			continue
		}
		if c.Status == domain.ConversationActive {
			out = append(out, id)
		}
	}
	return out, nil
}
