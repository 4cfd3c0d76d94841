package approval

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marketsage/governance/internal/domain/errors"
	"github.com/marketsage/governance/internal/domain/operation"
)

// Status is the approval lifecycle state. Approved, rejected and expired are
// terminal: once reached, no transition may change the status again.
type Status int

const (
	StatusPending Status = iota
	StatusApproved
	StatusRejected
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusRejected:
		return "rejected"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// MarshalJSON renders the status as its string form.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts the string form.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = ParseStatus(raw)
	return nil
}

// ParseStatus maps a stored status string back to its Status.
func ParseStatus(s string) Status {
	switch s {
	case "approved":
		return StatusApproved
	case "rejected":
		return StatusRejected
	case "expired":
		return StatusExpired
	default:
		return StatusPending
	}
}

// Tier is the minimum approver authority required to resolve a request.
type Tier int

const (
	TierAdmin Tier = iota
	TierSuperAdmin
	TierMultiAdmin
)

func (t Tier) String() string {
	switch t {
	case TierAdmin:
		return "admin"
	case TierSuperAdmin:
		return "super_admin"
	case TierMultiAdmin:
		return "multi_admin"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the tier as its string form.
func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts the string form.
func (t *Tier) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = ParseTier(raw)
	return nil
}

// ParseTier maps a stored tier string back to its Tier.
func ParseTier(s string) Tier {
	switch s {
	case "super_admin":
		return TierSuperAdmin
	case "multi_admin":
		return TierMultiAdmin
	default:
		return TierAdmin
	}
}

// Authorizes reports whether a role satisfies the tier's minimum. The
// multi_admin tier demands the top role tier explicitly, which is stricter
// than the general role hierarchy.
func (t Tier) Authorizes(role operation.Role) bool {
	switch t {
	case TierAdmin:
		return role.AtLeast(operation.RoleAdmin)
	case TierSuperAdmin:
		return role.AtLeast(operation.RoleSuperAdmin)
	case TierMultiAdmin:
		return role == operation.RoleSuperAdmin
	default:
		return false
	}
}

// TierForRisk maps assessed risk to the escalation tier. Lowering risk never
// raises the tier.
func TierForRisk(level operation.RiskLevel) Tier {
	switch level {
	case operation.RiskCritical:
		return TierMultiAdmin
	case operation.RiskHigh:
		return TierSuperAdmin
	default:
		return TierAdmin
	}
}

// TimeoutForRisk maps assessed risk to the approval window. Higher risk gets
// a shorter window.
func TimeoutForRisk(level operation.RiskLevel) time.Duration {
	switch level {
	case operation.RiskCritical:
		return 5 * time.Minute
	case operation.RiskHigh:
		return 15 * time.Minute
	case operation.RiskMedium:
		return 30 * time.Minute
	default:
		return 60 * time.Minute
	}
}

// Request is an approval workflow instance. All lifecycle transitions go
// through Approve/Reject/MarkExpired, which are mutually exclusive per
// request: the status check and the status write happen under one lock so a
// human approval never races an expiry sweep into an inconsistent state.
type Request struct {
	ID            uuid.UUID           `json:"id"`
	OperationID   uuid.UUID           `json:"operation_id"`
	RequesterID   uuid.UUID           `json:"requester_id"`
	RequesterRole operation.Role      `json:"requester_role"`
	RiskLevel     operation.RiskLevel `json:"risk_level"`
	Tier          Tier                `json:"tier"`
	Justification string              `json:"justification"`
	CreatedAt     time.Time           `json:"created_at"`
	ExpiresAt     time.Time           `json:"expires_at"`

	Status            Status     `json:"status"`
	ApproverID        *uuid.UUID `json:"approver_id,omitempty"`
	RejectionReason   string     `json:"rejection_reason,omitempty"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
	RollbackScheduled bool       `json:"rollback_scheduled"`

	mu sync.Mutex
}

// NewRequest opens a pending approval for an operation.
func NewRequest(operationID, requesterID uuid.UUID, requesterRole operation.Role, risk operation.RiskLevel, justification string) (*Request, error) {
	if operationID == uuid.Nil {
		return nil, errors.NewValidationError("MISSING_OPERATION", "operation ID is required")
	}
	if requesterID == uuid.Nil {
		return nil, errors.NewValidationError("MISSING_REQUESTER", "requester ID is required")
	}

	now := time.Now().UTC()
	return &Request{
		ID:            uuid.New(),
		OperationID:   operationID,
		RequesterID:   requesterID,
		RequesterRole: requesterRole,
		RiskLevel:     risk,
		Tier:          TierForRisk(risk),
		Justification: justification,
		CreatedAt:     now,
		ExpiresAt:     now.Add(TimeoutForRisk(risk)),
		Status:        StatusPending,
	}, nil
}

// Approve transitions pending → approved. It fails when the request already
// reached a terminal state, the window has lapsed, or the approver's role
// does not satisfy the tier. A lapsed request is marked expired here so a
// late approval and a concurrent sweep agree on the final state.
func (r *Request) Approve(approverID uuid.UUID, approverRole operation.Role, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Status.Terminal() {
		return terminalError(r.Status)
	}
	if now.After(r.ExpiresAt) {
		r.Status = StatusExpired
		at := now
		r.ResolvedAt = &at
		return errors.NewExpiredError("approval request")
	}
	if !r.Tier.Authorizes(approverRole) {
		return errors.NewForbiddenError("approver role " + approverRole.String() +
			" does not satisfy tier " + r.Tier.String())
	}

	r.Status = StatusApproved
	r.ApproverID = &approverID
	at := now
	r.ResolvedAt = &at
	// Critical operations get rollback pre-authorized at approval time.
	if r.RiskLevel == operation.RiskCritical {
		r.RollbackScheduled = true
	}
	return nil
}

// Reject transitions pending → rejected, recording the reason.
func (r *Request) Reject(approverID uuid.UUID, reason string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Status.Terminal() {
		return terminalError(r.Status)
	}

	r.Status = StatusRejected
	r.ApproverID = &approverID
	r.RejectionReason = reason
	at := now
	r.ResolvedAt = &at
	return nil
}

// MarkExpired transitions pending → expired when past the deadline. It is
// idempotent and never overwrites a terminal state, so the periodic sweep is
// safe to run concurrently with approve/reject.
func (r *Request) MarkExpired(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Status.Terminal() {
		return false
	}
	if !now.After(r.ExpiresAt) {
		return false
	}

	r.Status = StatusExpired
	at := now
	r.ResolvedAt = &at
	return true
}

// CurrentStatus reads the status under the transition lock.
func (r *Request) CurrentStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Status
}

// Snapshot is a plain copy of a request's state, safe to serialize, store
// or hand across goroutines without sharing the transition lock.
type Snapshot struct {
	ID            uuid.UUID           `json:"id"`
	OperationID   uuid.UUID           `json:"operation_id"`
	RequesterID   uuid.UUID           `json:"requester_id"`
	RequesterRole operation.Role      `json:"requester_role"`
	RiskLevel     operation.RiskLevel `json:"risk_level"`
	Tier          Tier                `json:"tier"`
	Justification string              `json:"justification"`
	CreatedAt     time.Time           `json:"created_at"`
	ExpiresAt     time.Time           `json:"expires_at"`

	Status            Status     `json:"status"`
	ApproverID        *uuid.UUID `json:"approver_id,omitempty"`
	RejectionReason   string     `json:"rejection_reason,omitempty"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
	RollbackScheduled bool       `json:"rollback_scheduled"`
}

// Restore rebuilds a live request from a stored snapshot.
func (s Snapshot) Restore() *Request {
	return &Request{
		ID:                s.ID,
		OperationID:       s.OperationID,
		RequesterID:       s.RequesterID,
		RequesterRole:     s.RequesterRole,
		RiskLevel:         s.RiskLevel,
		Tier:              s.Tier,
		Justification:     s.Justification,
		CreatedAt:         s.CreatedAt,
		ExpiresAt:         s.ExpiresAt,
		Status:            s.Status,
		ApproverID:        s.ApproverID,
		RejectionReason:   s.RejectionReason,
		ResolvedAt:        s.ResolvedAt,
		RollbackScheduled: s.RollbackScheduled,
	}
}

// Snapshot returns the request's current state under the transition lock.
func (r *Request) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := Snapshot{
		ID:                r.ID,
		OperationID:       r.OperationID,
		RequesterID:       r.RequesterID,
		RequesterRole:     r.RequesterRole,
		RiskLevel:         r.RiskLevel,
		Tier:              r.Tier,
		Justification:     r.Justification,
		CreatedAt:         r.CreatedAt,
		ExpiresAt:         r.ExpiresAt,
		Status:            r.Status,
		RejectionReason:   r.RejectionReason,
		RollbackScheduled: r.RollbackScheduled,
	}
	if r.ApproverID != nil {
		id := *r.ApproverID
		out.ApproverID = &id
	}
	if r.ResolvedAt != nil {
		at := *r.ResolvedAt
		out.ResolvedAt = &at
	}
	return out
}

func terminalError(s Status) error {
	switch s {
	case StatusExpired:
		return errors.NewExpiredError("approval request")
	default:
		return errors.NewConflictError("approval request already " + s.String())
	}
}
