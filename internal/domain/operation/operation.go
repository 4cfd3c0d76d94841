package operation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marketsage/governance/internal/domain/errors"
)

// Role is the requester/approver authority level. Roles form a fixed
// hierarchy: USER < IT_ADMIN < ADMIN < SUPER_ADMIN.
type Role int

const (
	RoleUser Role = iota
	RoleITAdmin
	RoleAdmin
	RoleSuperAdmin
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleITAdmin:
		return "it_admin"
	case RoleAdmin:
		return "admin"
	case RoleSuperAdmin:
		return "super_admin"
	default:
		return "unknown"
	}
}

// AtLeast reports whether r sits at or above other in the role hierarchy.
func (r Role) AtLeast(other Role) bool {
	return r >= other
}

// ParseRole resolves a role name to its hierarchy position.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user":
		return RoleUser, nil
	case "it_admin":
		return RoleITAdmin, nil
	case "admin":
		return RoleAdmin, nil
	case "super_admin":
		return RoleSuperAdmin, nil
	default:
		return RoleUser, errors.NewValidationError("INVALID_ROLE",
			fmt.Sprintf("unknown role: %s", s))
	}
}

// RiskLevel is the ordinal severity attached to a violation or assessment.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (l RiskLevel) String() string {
	switch l {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseRiskLevel maps a stored label back to its level. Unknown labels
// parse as low.
func ParseRiskLevel(s string) RiskLevel {
	switch s {
	case "critical":
		return RiskCritical
	case "high":
		return RiskHigh
	case "medium":
		return RiskMedium
	default:
		return RiskLow
	}
}

// Max returns the higher of two risk levels.
func (l RiskLevel) Max(other RiskLevel) RiskLevel {
	if other > l {
		return other
	}
	return l
}

// Type classifies the gated action verb.
type Type string

const (
	TypeCreate   Type = "CREATE"
	TypeUpdate   Type = "UPDATE"
	TypeDelete   Type = "DELETE"
	TypeBulkOp   Type = "BULK_OPERATION"
	TypeEscalate Type = "ROLE_ESCALATION"
	TypeTransact Type = "TRANSACTION"
	TypeSend     Type = "SEND"
	TypeExport   Type = "EXPORT"
)

// RequestContext carries session metadata captured at submission time.
type RequestContext struct {
	SessionID      string            `json:"session_id"`
	OrganizationID uuid.UUID         `json:"organization_id"`
	Timestamp      time.Time         `json:"timestamp"`
	ClientIP       string            `json:"client_ip,omitempty"`
	UserAgent      string            `json:"user_agent,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Request identifies a potentially destructive action awaiting a governance
// decision. Immutable once created; one request produces at most one
// assessment.
type Request struct {
	ID              uuid.UUID              `json:"id"`
	RequesterID     uuid.UUID              `json:"requester_id"`
	RequesterRole   Role                   `json:"requester_role"`
	Type            Type                   `json:"type"`
	TargetEntity    string                 `json:"target_entity"`
	Action          string                 `json:"action"`
	Parameters      map[string]interface{} `json:"parameters,omitempty"`
	AffectedRecords int                    `json:"affected_records"`
	Context         RequestContext         `json:"context"`
}

// NewRequest creates a validated operation request.
func NewRequest(requesterID uuid.UUID, role Role, opType Type, targetEntity, action string, rctx RequestContext) (*Request, error) {
	if requesterID == uuid.Nil {
		return nil, errors.NewValidationError("MISSING_REQUESTER", "requester ID is required")
	}
	if opType == "" {
		return nil, errors.NewValidationError("MISSING_OPERATION_TYPE", "operation type is required")
	}
	if targetEntity == "" {
		return nil, errors.NewValidationError("MISSING_TARGET", "target entity is required")
	}
	if action == "" {
		return nil, errors.NewValidationError("MISSING_ACTION", "action is required")
	}
	if rctx.Timestamp.IsZero() {
		rctx.Timestamp = time.Now().UTC()
	}

	return &Request{
		ID:            uuid.New(),
		RequesterID:   requesterID,
		RequesterRole: role,
		Type:          opType,
		TargetEntity:  targetEntity,
		Action:        action,
		Parameters:    make(map[string]interface{}),
		Context:       rctx,
	}, nil
}

// Signature returns the canonical operation signature used for pattern
// matching in trust learning: "TYPE:entity:action".
func (r *Request) Signature() string {
	return fmt.Sprintf("%s:%s:%s", r.Type, strings.ToLower(r.TargetEntity), strings.ToLower(r.Action))
}

// StringParam returns a string-typed parameter value, or "" when absent.
func (r *Request) StringParam(key string) string {
	if v, ok := r.Parameters[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Outcome is the recorded result of a gated operation, fed back into trust
// learning after execution.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeRollback
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeRollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// ParseOutcome resolves an outcome name.
func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success":
		return OutcomeSuccess, nil
	case "failure":
		return OutcomeFailure, nil
	case "rollback":
		return OutcomeRollback, nil
	default:
		return OutcomeFailure, errors.NewValidationError("INVALID_OUTCOME",
			fmt.Sprintf("unknown outcome: %s", s))
	}
}

// Reversibility classifies how completely an operation can be undone.
type Reversibility int

const (
	ReversibilityFull Reversibility = iota
	ReversibilityPartial
	ReversibilityNone
)

func (r Reversibility) String() string {
	switch r {
	case ReversibilityFull:
		return "full"
	case ReversibilityPartial:
		return "partial"
	case ReversibilityNone:
		return "none"
	default:
		return "unknown"
	}
}

// ImpactEstimate summarizes the blast radius of an operation.
type ImpactEstimate struct {
	AffectedUsers     int           `json:"affected_users"`
	AffectedRecords   int           `json:"affected_records"`
	EstimatedDowntime time.Duration `json:"estimated_downtime"`
	Reversibility     Reversibility `json:"reversibility"`
}
