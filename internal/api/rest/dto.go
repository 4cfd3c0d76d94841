package rest

import (
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/marketsage/governance/internal/domain/operation"
)

var validate = validator.New()

// AssessRequest is the payload for submitting an operation for assessment.
type AssessRequest struct {
	RequesterID     string                 `json:"requester_id" validate:"required,uuid4"`
	RequesterRole   string                 `json:"requester_role" validate:"required"`
	Type            string                 `json:"type" validate:"required"`
	TargetEntity    string                 `json:"target_entity" validate:"required"`
	Action          string                 `json:"action" validate:"required"`
	Parameters      map[string]interface{} `json:"parameters,omitempty"`
	AffectedRecords int                    `json:"affected_records" validate:"gte=0"`

	SessionID      string            `json:"session_id" validate:"required"`
	OrganizationID string            `json:"organization_id" validate:"omitempty,uuid4"`
	ClientIP       string            `json:"client_ip,omitempty"`
	UserAgent      string            `json:"user_agent,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ToOperation converts the DTO into a validated domain request.
func (r *AssessRequest) ToOperation() (*operation.Request, error) {
	requesterID, err := uuid.Parse(r.RequesterID)
	if err != nil {
		return nil, err
	}
	role, err := operation.ParseRole(r.RequesterRole)
	if err != nil {
		return nil, err
	}

	rctx := operation.RequestContext{
		SessionID: r.SessionID,
		ClientIP:  r.ClientIP,
		UserAgent: r.UserAgent,
		Metadata:  r.Metadata,
	}
	if r.OrganizationID != "" {
		orgID, err := uuid.Parse(r.OrganizationID)
		if err != nil {
			return nil, err
		}
		rctx.OrganizationID = orgID
	}

	req, err := operation.NewRequest(requesterID, role, operation.Type(r.Type),
		r.TargetEntity, r.Action, rctx)
	if err != nil {
		return nil, err
	}
	req.Parameters = r.Parameters
	req.AffectedRecords = r.AffectedRecords
	return req, nil
}

// ApprovalRequest asks for manual approval of a previously assessed operation.
type ApprovalRequest struct {
	OperationID   string `json:"operation_id" validate:"required,uuid4"`
	Justification string `json:"justification" validate:"required,min=10,max=2000"`
}

// ResolveRequest approves or rejects a pending approval.
type ResolveRequest struct {
	ApproverID   string `json:"approver_id" validate:"required,uuid4"`
	ApproverRole string `json:"approver_role" validate:"required"`
	Reason       string `json:"reason,omitempty" validate:"omitempty,max=2000"`
}

// RollbackRequest triggers compensation for an executed operation.
type RollbackRequest struct {
	ActorID string `json:"actor_id" validate:"required,uuid4"`
	Reason  string `json:"reason" validate:"required,min=5,max=2000"`
}

// OutcomeRequest reports how an allowed operation actually ended.
type OutcomeRequest struct {
	UserID  string `json:"user_id" validate:"required,uuid4"`
	Outcome string `json:"outcome" validate:"required,oneof=success failure rollback"`
}
