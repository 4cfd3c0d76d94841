package approval

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marketsage/governance/internal/domain/errors"
)

// Exemption is a time-bounded, optionally usage-capped waiver of one rule's
// approval requirement for one user. Checking and consuming a use is atomic
// with respect to concurrent requests from the same user.
type Exemption struct {
	ID        uuid.UUID `json:"id"`
	RuleID    string    `json:"rule_id"`
	UserID    uuid.UUID `json:"user_id"`
	GrantedBy uuid.UUID `json:"granted_by"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	// MaxUses of zero means unlimited within the time bound.
	MaxUses int `json:"max_uses"`
	Uses    int `json:"uses"`

	mu sync.Mutex
}

// NewExemption grants a waiver.
func NewExemption(ruleID string, userID, grantedBy uuid.UUID, ttl time.Duration, maxUses int, reason string) (*Exemption, error) {
	if ruleID == "" {
		return nil, errors.NewValidationError("MISSING_RULE", "rule id is required")
	}
	if userID == uuid.Nil {
		return nil, errors.NewValidationError("MISSING_USER", "user ID is required")
	}
	if ttl <= 0 {
		return nil, errors.NewValidationError("INVALID_TTL", "exemption TTL must be positive")
	}

	now := time.Now().UTC()
	return &Exemption{
		ID:        uuid.New(),
		RuleID:    ruleID,
		UserID:    userID,
		GrantedBy: grantedBy,
		Reason:    reason,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		MaxUses:   maxUses,
	}, nil
}

// Consume atomically checks validity and increments the usage counter.
// Returns false when the exemption lapsed or its uses are spent.
func (e *Exemption) Consume(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if now.After(e.ExpiresAt) {
		return false
	}
	if e.MaxUses > 0 && e.Uses >= e.MaxUses {
		return false
	}
	e.Uses++
	return true
}

// Active reports validity without consuming a use.
func (e *Exemption) Active(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if now.After(e.ExpiresAt) {
		return false
	}
	return e.MaxUses == 0 || e.Uses < e.MaxUses
}
