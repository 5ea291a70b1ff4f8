package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-run/parley/internal/domain"
)

// conversationRecord is the MemoryStore's unit of storage: a conversation
// plus every turn (with its trace inline) and attachment it owns.
type conversationRecord struct {
	conv         domain.Conversation
	turns        map[string]*domain.Turn
	turnOrder    []string
	attachments  map[string]*domain.Attachment
	lastActivity time.Time
}

// MemoryStore is an in-memory, thread-safe Store implementation suitable
// for development, tests, and single-process deployments. It deep-copies
// on every read and write (via JSON round-trip) so callers can never
// observe or corrupt another caller's in-flight mutation.
type MemoryStore struct {
	mu sync.RWMutex

	conversations map[string]*conversationRecord
	tokens        map[string]*domain.AgentToken
	tokensByConv  map[string][]string
	userQueries   map[string]*domain.UserQuery
	scenarios     map[string]*domain.Scenario
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*conversationRecord),
		tokens:        make(map[string]*domain.AgentToken),
		tokensByConv:  make(map[string][]string),
		userQueries:   make(map[string]*domain.UserQuery),
		scenarios:     make(map[string]*domain.Scenario),
	}
}

func deepCopy[T any](v T) T {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func scenarioKey(id, version string) string { return id + "@" + version }

// CreateConversation persists a new conversation record. The caller is
// expected to have already assigned an ID, CreatedAt, and Status=created.
func (s *MemoryStore) CreateConversation(ctx context.Context, c *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = &conversationRecord{
		conv:         deepCopy(*c),
		turns:        make(map[string]*domain.Turn),
		attachments:  make(map[string]*domain.Attachment),
		lastActivity: time.Now(),
	}
	return nil
}

// UpdateConversationStatus transitions a conversation's status in place.
func (s *MemoryStore) UpdateConversationStatus(ctx context.Context, id string, status domain.ConversationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	rec.conv.Status = status
	rec.lastActivity = time.Now()
	return nil
}

// GetConversation returns a deep copy of the conversation record. opts is
// not consulted; turns, trace and attachments are not loaded here.
func (s *MemoryStore) GetConversation(ctx context.Context, id string, opts GetConversationOptions) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := deepCopy(rec.conv)
	_ = opts
	return &out, nil
}

// ListConversations returns conversations matching opts, oldest first.
func (s *MemoryStore) ListConversations(ctx context.Context, opts ListOptions) ([]domain.Conversation, error) {
	s.mu.RLock()
	matched := make([]domain.Conversation, 0, len(s.conversations))
	for _, rec := range s.conversations {
		if opts.Status != "" && rec.conv.Status != opts.Status {
			continue
		}
		if opts.AgentID != "" {
			if _, ok := rec.conv.AgentByID(opts.AgentID); !ok {
				continue
			}
		}
		matched = append(matched, deepCopy(rec.conv))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
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

// GetTurnsForConversation returns every turn belonging to conversationID, in
// creation order, each including its trace.
func (s *MemoryStore) GetTurnsForConversation(ctx context.Context, conversationID string) ([]domain.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	turns := make([]domain.Turn, 0, len(rec.turnOrder))
	for _, id := range rec.turnOrder {
		turns = append(turns, deepCopy(*rec.turns[id]))
	}
	return turns, nil
}

// StartTurn creates a new in_progress turn. It fails with
// ErrAlreadyInProgress if the agent already has one open in this
// conversation.
func (s *MemoryStore) StartTurn(ctx context.Context, turnID, conversationID, agentID string, meta TurnMeta) (*domain.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	for _, id := range rec.turnOrder {
		t := rec.turns[id]
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
	rec.turns[turnID] = turn
	rec.turnOrder = append(rec.turnOrder, turnID)
	rec.lastActivity = time.Now()

	out := deepCopy(*turn)
	return &out, nil
}

// GetTurn returns a deep copy of the turn, trace included.
func (s *MemoryStore) GetTurn(ctx context.Context, turnID string) (*domain.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.findTurnLocked(turnID)
	if !ok {
		return nil, ErrNotFound
	}
	out := deepCopy(*t)
	return &out, nil
}

func (s *MemoryStore) findTurnLocked(turnID string) (*domain.Turn, bool) {
	for _, rec := range s.conversations {
		if t, ok := rec.turns[turnID]; ok {
			return t, true
		}
	}
	return nil, false
}

// GetInProgressTurns returns every in_progress turn for conversationID.
func (s *MemoryStore) GetInProgressTurns(ctx context.Context, conversationID string) ([]domain.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	var out []domain.Turn
	for _, id := range rec.turnOrder {
		t := rec.turns[id]
		if t.Status == domain.TurnInProgress {
			out = append(out, deepCopy(*t))
		}
	}
	return out, nil
}

// AddTraceEntry appends entry to turnID's trace, stamping a fresh ID and
// timestamp. Fails with ErrTurnNotInProgress if the turn is unknown or
// sealed.
func (s *MemoryStore) AddTraceEntry(ctx context.Context, conversationID, turnID string, entry domain.TraceEntry) (domain.TraceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.conversations[conversationID]
	if !ok {
		return domain.TraceEntry{}, ErrNotFound
	}
	t, ok := rec.turns[turnID]
	if !ok || t.Status != domain.TurnInProgress {
		return domain.TraceEntry{}, ErrTurnNotInProgress
	}

	entry.ID = uuid.New().String()
	entry.TurnID = turnID
	entry.Timestamp = time.Now()
	t.Trace = append(t.Trace, entry)
	rec.lastActivity = time.Now()

	return deepCopy(entry), nil
}

// GetTraceEntriesForTurn returns the turn's trace, in append order.
func (s *MemoryStore) GetTraceEntriesForTurn(ctx context.Context, turnID string) ([]domain.TraceEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.findTurnLocked(turnID)
	if !ok {
		return nil, ErrNotFound
	}
	return deepCopy(t.Trace), nil
}

// CompleteTurn seals turnID, persisting every embedded attachment payload
// and the synthetic attachment_creation trace entry for each, in one
// operation: either every insert and the status flip succeed, or the turn
// remains in_progress.
func (s *MemoryStore) CompleteTurn(ctx context.Context, turnID, content string, isFinal bool, metadata map[string]any, attachments []domain.AttachmentPayload) (*domain.Turn, []domain.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec *conversationRecord
	var t *domain.Turn
	for _, r := range s.conversations {
		if tt, ok := r.turns[turnID]; ok {
			rec, t = r, tt
			break
		}
	}
	if t == nil || t.Status != domain.TurnInProgress {
		return nil, nil, ErrTurnNotInProgress
	}

	now := time.Now()
	created := make([]domain.Attachment, 0, len(attachments))
	for _, p := range attachments {
		a := domain.Attachment{
			ID:               uuid.New().String(),
			ConversationID:   rec.conv.ID,
			TurnID:           turnID,
			DocID:            p.DocID,
			Name:             p.Name,
			ContentType:      p.ContentType,
			Content:          append([]byte(nil), p.Content...),
			Summary:          p.Summary,
			CreatedByAgentID: t.AgentID,
			CreatedAt:        now,
		}
		rec.attachments[a.ID] = &a
		created = append(created, a)
		t.AttachmentIDs = append(t.AttachmentIDs, a.ID)
		t.Trace = append(t.Trace, domain.NewAttachmentCreationEntry(turnID, t.AgentID, a.ID, a.Name))
	}

	t.Content = content
	t.IsFinalTurn = isFinal
	t.Metadata = metadata
	t.Status = domain.TurnCompleted
	completedAt := now
	t.CompletedAt = &completedAt
	rec.lastActivity = now

	outTurn := deepCopy(*t)
	return &outTurn, created, nil
}

// CancelTurn marks turnID cancelled. It is a no-op error if the turn is not
// in_progress.
func (s *MemoryStore) CancelTurn(ctx context.Context, turnID string) (*domain.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.findTurnLocked(turnID)
	if !ok || t.Status != domain.TurnInProgress {
		return nil, ErrTurnNotInProgress
	}
	t.Status = domain.TurnCancelled
	now := time.Now()
	t.CompletedAt = &now

	out := deepCopy(*t)
	return &out, nil
}

// GetAttachment returns a deep copy of the attachment.
func (s *MemoryStore) GetAttachment(ctx context.Context, id string) (*domain.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.conversations {
		if a, ok := rec.attachments[id]; ok {
			out := deepCopy(*a)
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

// CreateAgentToken registers a new token record.
func (s *MemoryStore) CreateAgentToken(ctx context.Context, token domain.AgentToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := token
	s.tokens[token.Token] = &cp
	s.tokensByConv[token.ConversationID] = append(s.tokensByConv[token.ConversationID], token.Token)
	return nil
}

// ValidateToken returns the token record if it exists and has not expired.
func (s *MemoryStore) ValidateToken(ctx context.Context, token string) (*domain.AgentToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[token]
	if !ok || time.Now().After(t.ExpiresAt) {
		return nil, ErrNotFound
	}
	out := *t
	return &out, nil
}

// GetTokensForConversation returns every token issued for conversationID.
func (s *MemoryStore) GetTokensForConversation(ctx context.Context, conversationID string) ([]domain.AgentToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.AgentToken
	for _, tok := range s.tokensByConv[conversationID] {
		if t, ok := s.tokens[tok]; ok {
			out = append(out, *t)
		}
	}
	return out, nil
}

// RevokeTokensForConversation deletes every token issued for conversationID.
func (s *MemoryStore) RevokeTokensForConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tok := range s.tokensByConv[conversationID] {
		delete(s.tokens, tok)
	}
	delete(s.tokensByConv, conversationID)
	return nil
}

// CleanupExpiredTokens deletes every token that has expired as of now.
func (s *MemoryStore) CleanupExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for tok, t := range s.tokens {
		if now.After(t.ExpiresAt) {
			delete(s.tokens, tok)
			removed++
		}
	}
	for conv, toks := range s.tokensByConv {
		kept := toks[:0]
		for _, tok := range toks {
			if _, ok := s.tokens[tok]; ok {
				kept = append(kept, tok)
			}
		}
		if len(kept) == 0 {
			delete(s.tokensByConv, conv)
		} else {
			s.tokensByConv[conv] = kept
		}
	}
	return removed, nil
}

// CreateUserQuery persists a new pending UserQuery.
func (s *MemoryStore) CreateUserQuery(ctx context.Context, q *domain.UserQuery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := deepCopy(*q)
	s.userQueries[q.ID] = &cp
	return nil
}

// GetUserQuery returns a deep copy of the query.
func (s *MemoryStore) GetUserQuery(ctx context.Context, id string) (*domain.UserQuery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.userQueries[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := deepCopy(*q)
	return &out, nil
}

// AnswerUserQuery consumes a pending query exactly once, setting its
// response and status to answered.
func (s *MemoryStore) AnswerUserQuery(ctx context.Context, id, response string) (*domain.UserQuery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.userQueries[id]
	if !ok || q.Status != domain.UserQueryPending {
		return nil, ErrNotFound
	}
	q.Status = domain.UserQueryAnswered
	q.Response = response
	out := deepCopy(*q)
	return &out, nil
}

// ExpireStaleUserQueries marks every pending query created before olderThan
// as expired. Returns the count transitioned.
func (s *MemoryStore) ExpireStaleUserQueries(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.userQueries {
		if q.Status == domain.UserQueryPending && q.CreatedAt.Before(olderThan) {
			q.Status = domain.UserQueryExpired
			n++
		}
	}
	return n, nil
}

// PutScenario upserts a scenario by (id, version).
func (s *MemoryStore) PutScenario(ctx context.Context, sc *domain.Scenario) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := deepCopy(*sc)
	s.scenarios[scenarioKey(sc.ID, sc.Version)] = &cp
	return nil
}

// GetScenario returns a deep copy of the scenario.
func (s *MemoryStore) GetScenario(ctx context.Context, id, version string) (*domain.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scenarios[scenarioKey(id, version)]
	if !ok {
		return nil, ErrNotFound
	}
	out := deepCopy(*sc)
	return &out, nil
}

// MarkStaleConversationsInactive transitions every active conversation with
// no activity inside lookback to completed. Returns the count transitioned.
func (s *MemoryStore) MarkStaleConversationsInactive(ctx context.Context, lookback time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-lookback)
	n := 0
	for _, rec := range s.conversations {
		if rec.conv.Status == domain.ConversationActive && rec.lastActivity.Before(cutoff) {
			rec.conv.Status = domain.ConversationCompleted
			n++
		}
	}
	return n, nil
}

// GetActiveConversationsWithRecentActivity returns the ids of every active
// conversation whose last activity falls inside lookback, the set the
// orchestrator resurrects at process start.
func (s *MemoryStore) GetActiveConversationsWithRecentActivity(ctx context.Context, lookback time.Duration) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := time.Now().Add(-lookback)
	var ids []string
	for id, rec := range s.conversations {
		if rec.conv.Status == domain.ConversationActive && !rec.lastActivity.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
