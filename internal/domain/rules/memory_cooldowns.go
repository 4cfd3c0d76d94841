package rules

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryCooldownStore is the single-instance CooldownStore. Entries are
// pruned lazily on lookup.
type memoryCooldownStore struct {
	mu     sync.Mutex
	marked map[cooldownKey]time.Time
}

type cooldownKey struct {
	userID uuid.UUID
	ruleID string
}

// NewMemoryCooldownStore creates an in-memory cooldown tracker.
func NewMemoryCooldownStore() CooldownStore {
	return &memoryCooldownStore{
		marked: make(map[cooldownKey]time.Time),
	}
}

func (s *memoryCooldownStore) InCooldown(_ context.Context, userID uuid.UUID, ruleID string, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := cooldownKey{userID: userID, ruleID: ruleID}
	at, ok := s.marked[key]
	if !ok {
		return false, nil
	}
	if time.Since(at) > window {
		delete(s.marked, key)
		return false, nil
	}
	return true, nil
}

func (s *memoryCooldownStore) MarkViolation(_ context.Context, userID uuid.UUID, ruleID string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.marked[cooldownKey{userID: userID, ruleID: ruleID}] = time.Now()
	return nil
}
