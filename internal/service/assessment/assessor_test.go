package assessment

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketsage/governance/internal/domain/errors"
	"github.com/marketsage/governance/internal/domain/operation"
	"github.com/marketsage/governance/internal/domain/rollback"
	"github.com/marketsage/governance/internal/domain/rules"
	"github.com/marketsage/governance/internal/service/boundary"
	"github.com/marketsage/governance/internal/service/quota"
)

func newAssessor(t *testing.T) *Assessor {
	t.Helper()
	return NewAssessor(
		rules.NewEvaluator(rules.DefaultRegistry(), rules.NewMemoryCooldownStore(), nil),
		boundary.NewMonitor(boundary.DefaultConfig(), nil),
		quota.NewGuard(quota.DefaultConfig(), quota.NewMemoryCounterStore(), nil),
		nil, nil, nil)
}

func assessRequest(t *testing.T, role operation.Role, opType operation.Type, entity, action string) *operation.Request {
	t.Helper()
	req, err := operation.NewRequest(uuid.New(), role, opType, entity, action,
		operation.RequestContext{
			SessionID:      uuid.NewString(),
			OrganizationID: uuid.New(),
			Timestamp:      time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
		})
	require.NoError(t, err)
	return req
}

func TestAssessCleanOperation(t *testing.T) {
	a := newAssessor(t)

	req := assessRequest(t, operation.RoleAdmin, operation.TypeUpdate, "campaign", "update_campaign")
	sa, err := a.Assess(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, sa.CanProceed)
	assert.False(t, sa.ManualReview)
	assert.Empty(t, sa.Violations)
	assert.Empty(t, sa.RequiredApprovals)
	assert.Equal(t, operation.RiskLow, sa.RiskLevel)
	assert.Equal(t, req.ID, sa.OperationID)
}

func TestAssessQuotaFailureIsHardStop(t *testing.T) {
	cfg := quota.DefaultConfig()
	cfg.SessionOpLimit = 1
	guard := quota.NewGuard(cfg, quota.NewMemoryCounterStore(), nil)
	a := NewAssessor(
		rules.NewEvaluator(rules.DefaultRegistry(), rules.NewMemoryCooldownStore(), nil),
		boundary.NewMonitor(boundary.DefaultConfig(), nil),
		guard, nil, nil, nil)

	req := assessRequest(t, operation.RoleAdmin, operation.TypeUpdate, "campaign", "update_campaign")
	_, err := a.Assess(context.Background(), req)
	require.NoError(t, err)

	// Same session again is over the cap: an error, not an assessment.
	req2, err := operation.NewRequest(uuid.New(), operation.RoleAdmin, operation.TypeUpdate, "campaign", "update_campaign",
		operation.RequestContext{SessionID: req.Context.SessionID, OrganizationID: req.Context.OrganizationID})
	require.NoError(t, err)

	sa, err := a.Assess(context.Background(), req2)
	require.Error(t, err)
	assert.Nil(t, sa)
	assert.True(t, errors.IsQuotaExceeded(err))
}

func TestAssessSelfDeletionBlocks(t *testing.T) {
	a := newAssessor(t)

	req := assessRequest(t, operation.RoleAdmin, operation.TypeDelete, "user", "delete_user")
	req.Parameters["userId"] = req.RequesterID.String()

	sa, err := a.Assess(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, sa.CanProceed)
	assert.Equal(t, operation.RiskHigh, sa.RiskLevel)
	assert.Contains(t, sa.ViolatedRules, "prevent_self_deletion")
	assert.Contains(t, sa.RequiredApprovals, "prevent_self_deletion")
	assert.NotEmpty(t, sa.Restrictions)
}

func TestAssessBulkDeletionNeedsApproval(t *testing.T) {
	a := newAssessor(t)

	req := assessRequest(t, operation.RoleSuperAdmin, operation.TypeBulkOp, "contact", "bulk_delete")
	req.AffectedRecords = 250

	sa, err := a.Assess(context.Background(), req)
	require.NoError(t, err)

	// Super admin bypasses the hard block but the approval requirement holds.
	assert.False(t, sa.CanProceed)
	assert.Equal(t, operation.RiskMedium, sa.RiskLevel)
	assert.Contains(t, sa.RequiredApprovals, "bulk_deletion_limit")
	assert.NotEmpty(t, sa.Warnings)
	assert.Empty(t, sa.Restrictions)
}

type grantAllExemptions struct{ consumed []string }

func (g *grantAllExemptions) ConsumeExemption(_ context.Context, _ uuid.UUID, ruleID string) bool {
	g.consumed = append(g.consumed, ruleID)
	return true
}

func TestAssessExemptionWaivesViolation(t *testing.T) {
	exemptions := &grantAllExemptions{}
	a := NewAssessor(
		rules.NewEvaluator(rules.DefaultRegistry(), rules.NewMemoryCooldownStore(), nil),
		boundary.NewMonitor(boundary.DefaultConfig(), nil),
		quota.NewGuard(quota.DefaultConfig(), quota.NewMemoryCounterStore(), nil),
		exemptions, nil, nil)

	req := assessRequest(t, operation.RoleAdmin, operation.TypeBulkOp, "contact", "bulk_delete")
	req.AffectedRecords = 250

	sa, err := a.Assess(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, sa.CanProceed)
	assert.Empty(t, sa.Violations)
	assert.Contains(t, exemptions.consumed, "bulk_deletion_limit")
}

func TestAssessEvaluationErrorNeverWaived(t *testing.T) {
	// A rule whose predicate cannot evaluate produces a synthetic blocking
	// violation that exemptions must not touch.
	broken, err := rules.NewRegistry("test-v1", []rules.SafetyRule{{
		ID:        "broken_rule",
		Name:      "Broken rule",
		Category:  "test",
		RiskLevel: operation.RiskLow,
		Condition: rules.Condition{Field: "type", Operator: rules.OpIn, Value: 42},
	}})
	require.NoError(t, err)

	exemptions := &grantAllExemptions{}
	a := NewAssessor(
		rules.NewEvaluator(broken, rules.NewMemoryCooldownStore(), nil),
		boundary.NewMonitor(boundary.DefaultConfig(), nil),
		quota.NewGuard(quota.DefaultConfig(), quota.NewMemoryCounterStore(), nil),
		exemptions, nil, nil)

	req := assessRequest(t, operation.RoleSuperAdmin, operation.TypeUpdate, "campaign", "update_campaign")
	sa, err := a.Assess(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, sa.CanProceed)
	assert.True(t, sa.ManualReview)
	assert.Equal(t, operation.RiskCritical, sa.RiskLevel)
	assert.NotEmpty(t, sa.Restrictions)
	assert.NotContains(t, exemptions.consumed, "broken_rule")
}

type fixedPlanner struct{ kind rollback.StrategyKind }

func (p fixedPlanner) Plan(req *operation.Request, risk operation.RiskLevel) *rollback.Strategy {
	steps := []rollback.Step{{Order: 1, Description: "reverse", Action: "REVERSE", Critical: true}}
	if p.kind == rollback.KindImpossible {
		steps = nil
	}
	strategy, err := rollback.NewStrategy(req.ID, p.kind, risk, steps, time.Hour)
	if err != nil {
		return nil
	}
	return strategy
}

func TestAssessRollbackReversibility(t *testing.T) {
	tests := []struct {
		kind rollback.StrategyKind
		want operation.Reversibility
	}{
		{rollback.KindAutomatic, operation.ReversibilityFull},
		{rollback.KindManual, operation.ReversibilityPartial},
		{rollback.KindImpossible, operation.ReversibilityNone},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			a := NewAssessor(
				rules.NewEvaluator(rules.DefaultRegistry(), rules.NewMemoryCooldownStore(), nil),
				boundary.NewMonitor(boundary.DefaultConfig(), nil),
				quota.NewGuard(quota.DefaultConfig(), quota.NewMemoryCounterStore(), nil),
				nil, fixedPlanner{kind: tt.kind}, nil)

			req := assessRequest(t, operation.RoleAdmin, operation.TypeUpdate, "campaign", "update_campaign")
			sa, err := a.Assess(context.Background(), req)
			require.NoError(t, err)

			require.NotNil(t, sa.RollbackStrategy)
			assert.Equal(t, tt.want, sa.Impact.Reversibility)
		})
	}
}

func TestAssessImpactEstimate(t *testing.T) {
	a := newAssessor(t)

	req := assessRequest(t, operation.RoleAdmin, operation.TypeDelete, "user", "delete_user")
	req.Parameters["userId"] = req.RequesterID.String()
	req.AffectedRecords = 0

	sa, err := a.Assess(context.Background(), req)
	require.NoError(t, err)

	// User-targeted operations always affect at least one person, and high
	// severity carries a downtime estimate.
	assert.Equal(t, 1, sa.Impact.AffectedUsers)
	assert.Equal(t, 5*time.Minute, sa.Impact.EstimatedDowntime)
}

func TestAssessFeedsBoundaryTimeline(t *testing.T) {
	monitor := boundary.NewMonitor(boundary.DefaultConfig(), nil)
	a := NewAssessor(
		rules.NewEvaluator(rules.DefaultRegistry(), rules.NewMemoryCooldownStore(), nil),
		monitor,
		quota.NewGuard(quota.DefaultConfig(), quota.NewMemoryCounterStore(), nil),
		nil, nil, nil)

	req := assessRequest(t, operation.RoleAdmin, operation.TypeUpdate, "campaign", "update_campaign")
	_, err := a.Assess(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1, monitor.SessionCount(req.RequesterID, req.Context.SessionID))
}

func TestAssessPanicFailsSafe(t *testing.T) {
	// A nil boundary monitor faults mid-assessment; the recover path must
	// return the most conservative assessment instead of crashing.
	a := NewAssessor(
		rules.NewEvaluator(rules.DefaultRegistry(), rules.NewMemoryCooldownStore(), nil),
		nil,
		quota.NewGuard(quota.DefaultConfig(), quota.NewMemoryCounterStore(), nil),
		nil, nil, nil)

	req := assessRequest(t, operation.RoleAdmin, operation.TypeUpdate, "campaign", "update_campaign")
	sa, err := a.Assess(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, sa)

	assert.False(t, sa.CanProceed)
	assert.True(t, sa.ManualReview)
	assert.Equal(t, operation.RiskCritical, sa.RiskLevel)
	assert.Equal(t, operation.ReversibilityNone, sa.Impact.Reversibility)
}
