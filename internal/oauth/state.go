// Package oauth holds the pieces shared by every OAuth-backed provider: the
// pending-state map with TTL pruning, PKCE generation, callback parameter
// extraction, token-endpoint calls, and unverified ID-token claim reads.
package oauth

import (
	"fmt"
	"sync"
	"time"

	gateway "github.com/eugener/heimdall/internal"
)

// StateTTL is how long a pending flow stays redeemable.
const StateTTL = 600 * time.Second

// StateKind tags the flow variant a pending entry belongs to.
type StateKind uint8

const (
	StateAuthorizationCode StateKind = iota
	StateDeviceAuth
)

// State is one pending OAuth flow.
type State struct {
	Kind         StateKind
	CodeVerifier string
	RedirectURI  string
	DeviceAuthID string
	UserCode     string
	PollInterval int // seconds
	CreatedAt    time.Time
}

// States is the process-wide pending-flow map. Every access holds the lock
// and prunes expired entries first; the lock is never held across I/O.
type States struct {
	mu      sync.Mutex
	entries map[string]State
	now     func() time.Time
}

// NewStates returns an empty state map.
func NewStates() *States {
	return &States{entries: make(map[string]State), now: time.Now}
}

func (s *States) prune() {
	cutoff := s.now().Add(-StateTTL)
	for id, st := range s.entries {
		if st.CreatedAt.Before(cutoff) {
			delete(s.entries, id)
		}
	}
}

// Put stores a pending flow under its state id.
func (s *States) Put(id string, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = s.now()
	}
	s.entries[id] = st
}

// Take removes and returns the entry for id.
func (s *States) Take(id string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	st, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	return st, ok
}

// Peek returns the entry without consuming it (device-auth polling keeps the
// state alive while the grant is pending).
func (s *States) Peek(id string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	st, ok := s.entries[id]
	return st, ok
}

// TakeSingle resolves a callback that arrived without an explicit state: it
// succeeds only when exactly one pending entry exists. Zero pending is a
// plain invalid state; more than one is ambiguous and must not consume
// anything.
func (s *States) TakeSingle() (string, State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	switch len(s.entries) {
	case 0:
		return "", State{}, fmt.Errorf("no pending state: %w", gateway.ErrOAuthState)
	case 1:
		for id, st := range s.entries {
			delete(s.entries, id)
			return id, st, nil
		}
	}
	return "", State{}, fmt.Errorf("ambiguous state: %w", gateway.ErrOAuthState)
}

// Len reports the number of live entries.
func (s *States) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	return len(s.entries)
}
