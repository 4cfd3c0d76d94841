package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketsage/governance/internal/domain/approval"
	"github.com/marketsage/governance/internal/domain/operation"
)

// ApprovalRepository persists approval requests so pending approvals
// survive restarts. Writes are upserts keyed by the approval ID; the
// workflow manager owns state transitions and saves snapshots.
type ApprovalRepository struct {
	db *pgxpool.Pool
}

// NewApprovalRepository creates a new approval repository
func NewApprovalRepository(db *pgxpool.Pool) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

// SaveApproval upserts the current state of an approval request.
func (r *ApprovalRepository) SaveApproval(ctx context.Context, snapshot approval.Snapshot) error {
	query := `
		INSERT INTO approval_requests (
			id, operation_id, requester_id, requester_role, risk_level,
			tier, justification, created_at, expires_at,
			status, approver_id, rejection_reason, resolved_at, rollback_scheduled
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			approver_id = EXCLUDED.approver_id,
			rejection_reason = EXCLUDED.rejection_reason,
			resolved_at = EXCLUDED.resolved_at,
			rollback_scheduled = EXCLUDED.rollback_scheduled`

	_, err := r.db.Exec(ctx, query,
		snapshot.ID,
		snapshot.OperationID,
		snapshot.RequesterID,
		snapshot.RequesterRole.String(),
		snapshot.RiskLevel.String(),
		snapshot.Tier.String(),
		snapshot.Justification,
		snapshot.CreatedAt,
		snapshot.ExpiresAt,
		snapshot.Status.String(),
		snapshot.ApproverID,
		snapshot.RejectionReason,
		snapshot.ResolvedAt,
		snapshot.RollbackScheduled,
	)
	if err != nil {
		return fmt.Errorf("saving approval request: %w", err)
	}
	return nil
}

// ListOpenApprovals returns all approvals still pending, used to rebuild
// workflow state on startup. Requests already past their deadline are
// included; the expiry sweeper resolves them on its first pass.
func (r *ApprovalRepository) ListOpenApprovals(ctx context.Context) ([]approval.Snapshot, error) {
	query := `
		SELECT id, operation_id, requester_id, requester_role, risk_level,
		       tier, justification, created_at, expires_at,
		       status, approver_id, rejection_reason, resolved_at, rollback_scheduled
		FROM approval_requests
		WHERE status = $1
		ORDER BY created_at ASC`

	rows, err := r.db.Query(ctx, query, approval.StatusPending.String())
	if err != nil {
		return nil, fmt.Errorf("querying open approvals: %w", err)
	}
	defer rows.Close()

	var requests []approval.Snapshot
	for rows.Next() {
		var (
			req        approval.Snapshot
			role       string
			risk       string
			tier       string
			status     string
			approverID *uuid.UUID
		)
		if err := rows.Scan(&req.ID, &req.OperationID, &req.RequesterID,
			&role, &risk, &tier, &req.Justification,
			&req.CreatedAt, &req.ExpiresAt, &status, &approverID,
			&req.RejectionReason, &req.ResolvedAt, &req.RollbackScheduled); err != nil {
			return nil, fmt.Errorf("scanning approval request: %w", err)
		}

		parsedRole, err := operation.ParseRole(role)
		if err != nil {
			return nil, fmt.Errorf("approval %s: %w", req.ID, err)
		}
		req.RequesterRole = parsedRole
		req.RiskLevel = operation.ParseRiskLevel(risk)
		req.Tier = approval.ParseTier(tier)
		req.Status = approval.ParseStatus(status)
		req.ApproverID = approverID

		requests = append(requests, req)
	}
	return requests, rows.Err()
}
