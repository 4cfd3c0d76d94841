package rules

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketsage/governance/internal/domain/operation"
)

func newRequest(t *testing.T, role operation.Role, opType operation.Type, entity, action string) *operation.Request {
	t.Helper()
	req, err := operation.NewRequest(uuid.New(), role, opType, entity, action,
		operation.RequestContext{SessionID: "sess-1", Timestamp: time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	return req
}

func findViolation(violations []Violation, ruleID string) (Violation, bool) {
	for _, v := range violations {
		if v.RuleID == ruleID {
			return v, true
		}
	}
	return Violation{}, false
}

func TestEvaluateSelfDeletion(t *testing.T) {
	ev := NewEvaluator(DefaultRegistry(), NewMemoryCooldownStore(), nil)

	req := newRequest(t, operation.RoleAdmin, operation.TypeDelete, "user", "delete_user")
	req.Parameters["userId"] = req.RequesterID.String()

	violations := ev.Evaluate(context.Background(), req)
	v, ok := findViolation(violations, "prevent_self_deletion")
	require.True(t, ok)
	assert.Equal(t, operation.RiskHigh, v.Severity)
	assert.True(t, v.Blocking, "admin is below the super_admin bypass role")
	assert.True(t, v.RequiresApproval)
}

func TestEvaluateSelfDeletionBypass(t *testing.T) {
	ev := NewEvaluator(DefaultRegistry(), NewMemoryCooldownStore(), nil)

	req := newRequest(t, operation.RoleSuperAdmin, operation.TypeDelete, "user", "delete_user")
	req.Parameters["userId"] = req.RequesterID.String()

	violations := ev.Evaluate(context.Background(), req)
	v, ok := findViolation(violations, "prevent_self_deletion")
	require.True(t, ok, "rule still surfaces as a warning")
	assert.False(t, v.Blocking, "super_admin bypasses the hard block")
}

func TestEvaluateSelfDeletionMixedCaseEntity(t *testing.T) {
	ev := NewEvaluator(DefaultRegistry(), NewMemoryCooldownStore(), nil)

	req := newRequest(t, operation.RoleAdmin, operation.TypeDelete, "User", "Delete_User")
	req.Parameters["userId"] = req.RequesterID.String()

	violations := ev.Evaluate(context.Background(), req)
	v, ok := findViolation(violations, "prevent_self_deletion")
	require.True(t, ok, "entity casing must not sidestep the rule")
	assert.True(t, v.Blocking)
}

func TestEvaluateDeletingAnotherUser(t *testing.T) {
	ev := NewEvaluator(DefaultRegistry(), NewMemoryCooldownStore(), nil)

	req := newRequest(t, operation.RoleAdmin, operation.TypeDelete, "user", "delete_user")
	req.Parameters["userId"] = uuid.New().String()

	violations := ev.Evaluate(context.Background(), req)
	_, ok := findViolation(violations, "prevent_self_deletion")
	assert.False(t, ok, "deleting a different user is not self deletion")
}

func TestEvaluateBulkDeletion(t *testing.T) {
	ev := NewEvaluator(DefaultRegistry(), NewMemoryCooldownStore(), nil)

	req := newRequest(t, operation.RoleAdmin, operation.TypeBulkOp, "contact", "bulk_delete")
	req.AffectedRecords = 250

	violations := ev.Evaluate(context.Background(), req)
	v, ok := findViolation(violations, "bulk_deletion_limit")
	require.True(t, ok)
	assert.Equal(t, operation.RiskMedium, v.Severity)

	// At the limit exactly the rule stays quiet.
	req.AffectedRecords = 100
	violations = ev.Evaluate(context.Background(), req)
	_, ok = findViolation(violations, "bulk_deletion_limit")
	assert.False(t, ok)
}

func TestEvaluateCooldown(t *testing.T) {
	store := NewMemoryCooldownStore()
	ev := NewEvaluator(DefaultRegistry(), store, nil)

	req := newRequest(t, operation.RoleAdmin, operation.TypeDelete, "organization", "delete_org")

	first := ev.Evaluate(context.Background(), req)
	v, ok := findViolation(first, "organization_deletion")
	require.True(t, ok)
	assert.False(t, v.CooldownActive, "first violation is not yet in cooldown")

	second := ev.Evaluate(context.Background(), req)
	v, ok = findViolation(second, "organization_deletion")
	require.True(t, ok)
	assert.True(t, v.CooldownActive, "repeat attempt inside the window")
}

type faultyCooldowns struct{}

func (faultyCooldowns) InCooldown(context.Context, uuid.UUID, string, time.Duration) (bool, error) {
	return false, assert.AnError
}
func (faultyCooldowns) MarkViolation(context.Context, uuid.UUID, string, time.Duration) error {
	return assert.AnError
}

func TestEvaluateCooldownLookupFailureIsActive(t *testing.T) {
	ev := NewEvaluator(DefaultRegistry(), faultyCooldowns{}, nil)

	req := newRequest(t, operation.RoleAdmin, operation.TypeDelete, "organization", "delete_org")
	violations := ev.Evaluate(context.Background(), req)

	v, ok := findViolation(violations, "organization_deletion")
	require.True(t, ok)
	assert.True(t, v.CooldownActive, "store failure must not lift the cooldown")
}

func TestEvaluatePredicateFaultFailsSafe(t *testing.T) {
	// in with a non-list value makes the predicate error at evaluation time.
	broken := SafetyRule{
		ID:        "broken_rule",
		Name:      "Broken",
		Category:  "test",
		RiskLevel: operation.RiskLow,
		Condition: Condition{Field: "type", Operator: OpIn, Value: 42},
	}
	reg, err := NewRegistry("test", []SafetyRule{broken})
	require.NoError(t, err)

	ev := NewEvaluator(reg, nil, nil)
	req := newRequest(t, operation.RoleSuperAdmin, operation.TypeCreate, "list", "create")

	violations := ev.Evaluate(context.Background(), req)
	require.Len(t, violations, 1)

	v := violations[0]
	assert.True(t, v.EvaluationError)
	assert.True(t, v.Blocking, "a faulty rule blocks even the highest role")
	assert.Equal(t, operation.RiskCritical, v.Severity)
	assert.Contains(t, v.Reason, "evaluation_error")
}

func TestBuildFields(t *testing.T) {
	req := newRequest(t, operation.RoleITAdmin, operation.TypeSend, "Campaign", "Send_Campaign")
	req.Parameters["recipients"] = 1500
	req.AffectedRecords = 1500

	fields := BuildFields(req)
	assert.Equal(t, "SEND", fields["type"])
	assert.Equal(t, "campaign", fields["target_entity"], "entity name is case-normalized")
	assert.Equal(t, "send_campaign", fields["action"])
	assert.Equal(t, 1500, fields["parameters.recipients"])
	assert.Equal(t, req.RequesterID.String(), fields["requester.id"])
	assert.Equal(t, 14, fields["hour_of_day"])
}
