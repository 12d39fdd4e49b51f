package oauthbroker

import (
	"sync"
	"time"

	"tenantgate/pkg/logging"
)

const (
	stateExpiry        = 10 * time.Minute
	stateCleanupPeriod = 5 * time.Minute
)

type pendingState struct {
	sessionID string
	createdAt time.Time
}

// stateStore is the bounded map of state_token → (session_id, created_at).
// Consumption is one-shot and linearizable: ValidateAndConsume removes the
// entry under lock before returning it.
type stateStore struct {
	mu     sync.Mutex
	states map[string]pendingState

	stop chan struct{}
	once sync.Once
}

func newStateStore() *stateStore {
	s := &stateStore{
		states: make(map[string]pendingState),
		stop:   make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Insert records a newly minted state token bound to sessionID.
func (s *stateStore) Insert(stateToken, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[stateToken] = pendingState{sessionID: sessionID, createdAt: time.Now()}
}

// ValidateAndConsume looks up stateToken, removes it, and reports true if it
// was unexpired and bound to sessionID. The token is consumed whether or not
// the session id matches, so a replay with a mismatched session also fails.
func (s *stateStore) ValidateAndConsume(stateToken, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.states[stateToken]
	if !ok {
		return false
	}
	delete(s.states, stateToken)

	if time.Since(entry.createdAt) > stateExpiry {
		return false
	}
	return entry.sessionID == sessionID
}

func (s *stateStore) sweepLoop() {
	ticker := time.NewTicker(stateCleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *stateStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-stateExpiry)
	removed := 0
	for token, entry := range s.states {
		if entry.createdAt.Before(cutoff) {
			delete(s.states, token)
			removed++
		}
	}
	if removed > 0 {
		logging.Debug(subsystem, "swept %d expired oauth states", removed)
	}
}

// Stop halts the background sweeper.
func (s *stateStore) Stop() {
	s.once.Do(func() { close(s.stop) })
}
