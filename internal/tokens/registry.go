// Package tokens issues and validates the opaque bearer tokens that
// authenticate an in-conversation agent against the external API adapter.
package tokens

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// tokenBytes is the number of random bytes per token: 32 bytes = 256 bits
// of entropy.
const tokenBytes = 32

// DefaultSweepInterval is how often Registry.Run evicts expired tokens.
const DefaultSweepInterval = 5 * time.Minute

// entry is the registry's record for one issued token.
type entry struct {
	conversationID string
	agentID        string
	expiresAt      time.Time
}

// Registry is a mutex-guarded, in-memory map of opaque tokens to the
// (conversationId, agentId) they authenticate. Validation is an O(1) map
// lookup under a read lock, so concurrent validations do not block each
// other.
type Registry struct {
	mu     sync.RWMutex
	tokens map[string]entry
	// byConversation indexes tokens for RevokeConversation without a full
	// table scan.
	byConversation map[string][]string

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		tokens:         make(map[string]entry),
		byConversation: make(map[string][]string),
		stopCh:         make(chan struct{}),
	}
}

// Issue mints a fresh token bound to (conversationID, agentID), expiring
// after ttl.
func (r *Registry) Issue(conversationID, agentID string, ttl time.Duration) string {
	token := generateToken()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = entry{
		conversationID: conversationID,
		agentID:        agentID,
		expiresAt:      time.Now().Add(ttl),
	}
	r.byConversation[conversationID] = append(r.byConversation[conversationID], token)
	return token
}

// Validate looks up token and returns the (conversationId, agentId) it
// authenticates. ok is false if the token is unknown or expired.
func (r *Registry) Validate(token string) (conversationID, agentID string, ok bool) {
	r.mu.RLock()
	e, found := r.tokens[token]
	r.mu.RUnlock()

	if !found || time.Now().After(e.expiresAt) {
		return "", "", false
	}
	return e.conversationID, e.agentID, true
}

// RevokeConversation deletes every token issued for conversationID. Called
// on conversation completion.
func (r *Registry) RevokeConversation(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, token := range r.byConversation[conversationID] {
		delete(r.tokens, token)
	}
	delete(r.byConversation, conversationID)
}

// Sweep deletes every token that has expired as of now. Returns the count
// removed.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for token, e := range r.tokens {
		if now.After(e.expiresAt) {
			delete(r.tokens, token)
			removed++
		}
	}
	for convID, toks := range r.byConversation {
		kept := toks[:0]
		for _, t := range toks {
			if _, exists := r.tokens[t]; exists {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(r.byConversation, convID)
		} else {
			r.byConversation[convID] = kept
		}
	}
	return removed
}

// ForConversation returns the tokens currently issued for conversationID,
// for diagnostics.
func (r *Registry) ForConversation(conversationID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.byConversation[conversationID]...)
}

// Run starts a background goroutine sweeping expired tokens every
// interval. It runs until Stop is called.
func (r *Registry) Run(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.Sweep(time.Now())
			}
		}
	}()
}

// Stop halts the background sweep goroutine started by Run. Safe to call
// more than once.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func generateToken() string {
	b := make([]byte, tokenBytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
