// Package oauth stitches the credential lifecycle together: CSRF state tokens
// for redirect flows, the expiry-driven token refresh path with per-integration
// locking, the background refresher, and login/session orchestration.
package oauth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// StateTTL bounds how long an authorization redirect may take before the
// callback is rejected.
const StateTTL = 10 * time.Minute

// StateStore issues and validates single-use CSRF state tokens for the OAuth
// redirect flow. Shared by calendar-connect and login-with-provider flows.
type StateStore struct {
	mu     sync.Mutex
	states map[string]stateEntry
}

type stateEntry struct {
	expiresAt time.Time
	payload   string
}

func NewStateStore() *StateStore {
	return &StateStore{states: make(map[string]stateEntry)}
}

// Issue generates a random state token bound to an opaque payload (e.g. the
// user id initiating a connect flow) and a TTL.
func (s *StateStore) Issue(payload string) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("state generation failed: %w", err)
	}
	token := hex.EncodeToString(b)
	s.mu.Lock()
	s.states[token] = stateEntry{expiresAt: time.Now().Add(StateTTL), payload: payload}
	s.mu.Unlock()
	return token, nil
}

// Consume validates a state token and returns its payload. A token validates
// at most once; expired or unknown tokens fail.
func (s *StateStore) Consume(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.states[token]
	if !ok {
		return "", false
	}
	delete(s.states, token)
	if time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.payload, true
}

// Purge drops expired entries; called opportunistically by the refresher loop.
func (s *StateStore) Purge() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, entry := range s.states {
		if now.After(entry.expiresAt) {
			delete(s.states, token)
		}
	}
}
