package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/marketsage/governance/internal/domain/errors"
	"github.com/marketsage/governance/internal/domain/operation"
)

// EventType classifies governance state transitions.
type EventType string

const (
	EventAssessment        EventType = "assessment"
	EventApprovalCreated   EventType = "approval_created"
	EventApprovalResolved  EventType = "approval_resolved"
	EventApprovalExpired   EventType = "approval_expired"
	EventAutoApproval      EventType = "auto_approval"
	EventExemptionUsed     EventType = "exemption_used"
	EventRollbackExecuted  EventType = "rollback_executed"
	EventOutcomeRecorded   EventType = "outcome_recorded"
	EventQuotaRejection    EventType = "quota_rejection"
	EventRetentionCleanup  EventType = "retention_cleanup"
)

// Result is the governance outcome the event records.
type Result string

const (
	ResultAllowed   Result = "allowed"
	ResultBlocked   Result = "blocked"
	ResultEscalated Result = "escalated"
	ResultWarning   Result = "warning"
)

// Sensitivity drives the retention classification.
type Sensitivity int

const (
	SensitivityOperational Sensitivity = iota
	SensitivityCompliance
)

func (s Sensitivity) String() string {
	switch s {
	case SensitivityOperational:
		return "operational"
	case SensitivityCompliance:
		return "compliance"
	default:
		return "unknown"
	}
}

// DefaultRetention returns the retention period for a sensitivity class.
// Compliance events keep long retention; operational events keep a short
// rolling window.
func (s Sensitivity) DefaultRetention() time.Duration {
	if s == SensitivityCompliance {
		return 7 * 365 * 24 * time.Hour
	}
	return 90 * 24 * time.Hour
}

// Retention describes how long an event must be kept and why. Events are
// never mutated or deleted before the period elapses; truncation is by age
// or volume only.
type Retention struct {
	Period      time.Duration `json:"period"`
	Sensitivity Sensitivity   `json:"sensitivity"`
}

// Event is an append-only audit record. Fields are set at construction and
// never modified.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	ActorID   string    `json:"actor_id"`

	OperationID uuid.UUID `json:"operation_id,omitempty"`
	ApprovalID  uuid.UUID `json:"approval_id,omitempty"`
	RuleIDs     []string  `json:"rule_ids,omitempty"`

	Result    Result              `json:"result"`
	RiskLevel operation.RiskLevel `json:"risk_level"`
	Message   string              `json:"message,omitempty"`
	Metadata  map[string]string   `json:"metadata,omitempty"`

	Retention Retention `json:"retention"`
}

// NewEvent creates a validated audit event. Sensitivity defaults by event
// type: approval, exemption and rollback transitions are compliance events.
func NewEvent(eventType EventType, actorID string, result Result, risk operation.RiskLevel) (*Event, error) {
	if eventType == "" {
		return nil, errors.NewValidationError("MISSING_EVENT_TYPE", "event type is required")
	}
	if actorID == "" {
		return nil, errors.NewValidationError("MISSING_ACTOR", "actor ID is required")
	}

	sensitivity := sensitivityFor(eventType)
	return &Event{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		ActorID:   actorID,
		Result:    result,
		RiskLevel: risk,
		Retention: Retention{
			Period:      sensitivity.DefaultRetention(),
			Sensitivity: sensitivity,
		},
	}, nil
}

func sensitivityFor(eventType EventType) Sensitivity {
	switch eventType {
	case EventApprovalCreated, EventApprovalResolved, EventApprovalExpired,
		EventExemptionUsed, EventRollbackExecuted, EventAutoApproval:
		return SensitivityCompliance
	default:
		return SensitivityOperational
	}
}

// WithOperation attaches the operation reference.
func (e *Event) WithOperation(id uuid.UUID) *Event {
	e.OperationID = id
	return e
}

// WithApproval attaches the approval reference.
func (e *Event) WithApproval(id uuid.UUID) *Event {
	e.ApprovalID = id
	return e
}

// WithRules attaches the referenced rule ids.
func (e *Event) WithRules(ids []string) *Event {
	e.RuleIDs = ids
	return e
}

// WithMessage attaches a human-readable summary.
func (e *Event) WithMessage(msg string) *Event {
	e.Message = msg
	return e
}

// WithMetadata attaches a metadata key/value pair.
func (e *Event) WithMetadata(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// ExpiresAt is when the event becomes eligible for truncation.
func (e *Event) ExpiresAt() time.Time {
	return e.Timestamp.Add(e.Retention.Period)
}
