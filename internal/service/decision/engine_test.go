package decision

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketsage/governance/internal/domain/operation"
	"github.com/marketsage/governance/internal/service/assessment"
	"github.com/marketsage/governance/internal/service/trust"
)

const habitSignature = "UPDATE:campaign:update_campaign"

func decisionRequest(t *testing.T, userID uuid.UUID) *operation.Request {
	t.Helper()
	req, err := operation.NewRequest(userID, operation.RoleAdmin, operation.TypeUpdate, "campaign", "update_campaign",
		operation.RequestContext{SessionID: "sess-1"})
	require.NoError(t, err)
	return req
}

// seedTrust builds an established history: repeated successful runs of the
// habitual signature.
func seedTrust(s *trust.Store, userID uuid.UUID, n int) {
	for i := 0; i < n; i++ {
		opID := uuid.New()
		s.RecordDecision(context.Background(), userID, opID, habitSignature, operation.RiskLow, true)
		s.RecordOutcome(context.Background(), userID, opID, operation.OutcomeSuccess)
	}
}

func TestEvaluateAutoApprovesTrustedHabit(t *testing.T) {
	store := trust.NewStore(trust.DefaultConfig(), nil, nil)
	engine := NewEngine(DefaultConfig(), store, nil)
	userID := uuid.New()
	seedTrust(store, userID, 10)

	req := decisionRequest(t, userID)
	ev := engine.Evaluate(context.Background(), req, &assessment.SafetyAssessment{
		OperationID: req.ID,
		RiskLevel:   operation.RiskLow,
	})

	assert.True(t, ev.AutoApproved)
	assert.InDelta(t, 1.0, ev.Confidence, 1e-9)
	assert.ElementsMatch(t, []string{"signature_match", "trust_score", "success_rate", "acceptable_risk"}, ev.Signals)
}

func TestEvaluateAutoApprovesWithPartialTrustConfig(t *testing.T) {
	// Mirrors a production wiring that sets only the retention knobs.
	// Habit matching must still work or auto-approval is silently dead.
	store := trust.NewStore(trust.Config{
		Retention:   90 * 24 * time.Hour,
		MaxPatterns: 200,
		MinSamples:  5,
	}, nil, nil)
	engine := NewEngine(DefaultConfig(), store, nil)
	userID := uuid.New()
	seedTrust(store, userID, 20)

	req := decisionRequest(t, userID)
	ev := engine.Evaluate(context.Background(), req, &assessment.SafetyAssessment{
		OperationID: req.ID,
		RiskLevel:   operation.RiskLow,
	})

	assert.True(t, ev.AutoApproved)
	assert.InDelta(t, 1.0, ev.Confidence, 1e-9)
}

func TestEvaluateHighRiskNeverAutoApproves(t *testing.T) {
	store := trust.NewStore(trust.DefaultConfig(), nil, nil)
	engine := NewEngine(DefaultConfig(), store, nil)
	userID := uuid.New()
	seedTrust(store, userID, 10)

	for _, risk := range []operation.RiskLevel{operation.RiskHigh, operation.RiskCritical} {
		req := decisionRequest(t, userID)
		ev := engine.Evaluate(context.Background(), req, &assessment.SafetyAssessment{
			OperationID: req.ID,
			RiskLevel:   risk,
		})

		assert.False(t, ev.AutoApproved, risk.String())
		assert.Contains(t, ev.Reason, "never auto-approve")
	}
}

func TestEvaluateRestrictionsBlockAutoApproval(t *testing.T) {
	store := trust.NewStore(trust.DefaultConfig(), nil, nil)
	engine := NewEngine(DefaultConfig(), store, nil)
	userID := uuid.New()
	seedTrust(store, userID, 10)

	req := decisionRequest(t, userID)
	ev := engine.Evaluate(context.Background(), req, &assessment.SafetyAssessment{
		OperationID:  req.ID,
		RiskLevel:    operation.RiskLow,
		Restrictions: []string{"prevent_self_deletion"},
	})

	assert.False(t, ev.AutoApproved)
	assert.Equal(t, "hard restrictions present", ev.Reason)
}

func TestEvaluateNewUserEscalates(t *testing.T) {
	store := trust.NewStore(trust.DefaultConfig(), nil, nil)
	engine := NewEngine(DefaultConfig(), store, nil)
	userID := uuid.New()

	// No history: neutral trust 0.5 is below the 0.7 eligibility floor.
	req := decisionRequest(t, userID)
	ev := engine.Evaluate(context.Background(), req, &assessment.SafetyAssessment{
		OperationID: req.ID,
		RiskLevel:   operation.RiskLow,
	})

	assert.False(t, ev.AutoApproved)
	assert.Equal(t, "trust or success-rate eligibility not met", ev.Reason)
	assert.InDelta(t, 0.5, ev.TrustScore, 1e-9)
}

func TestEvaluateMediumRiskNeedsTrust(t *testing.T) {
	store := trust.NewStore(trust.DefaultConfig(), nil, nil)
	engine := NewEngine(DefaultConfig(), store, nil)
	userID := uuid.New()
	seedTrust(store, userID, 10)

	// A trusted user earns the acceptable_risk signal at medium risk too.
	req := decisionRequest(t, userID)
	ev := engine.Evaluate(context.Background(), req, &assessment.SafetyAssessment{
		OperationID: req.ID,
		RiskLevel:   operation.RiskMedium,
	})

	assert.True(t, ev.AutoApproved)
	assert.Contains(t, ev.Signals, "acceptable_risk")
}

func TestEvaluateUnfamiliarSignatureStillPasses(t *testing.T) {
	store := trust.NewStore(trust.DefaultConfig(), nil, nil)
	engine := NewEngine(DefaultConfig(), store, nil)
	userID := uuid.New()
	seedTrust(store, userID, 10)

	// A new signature drops the 0.3 match signal; 0.7 still falls short of
	// the 0.8 confidence threshold.
	req, err := operation.NewRequest(userID, operation.RoleAdmin, operation.TypeExport, "report", "export_report",
		operation.RequestContext{SessionID: "sess-1"})
	require.NoError(t, err)

	ev := engine.Evaluate(context.Background(), req, &assessment.SafetyAssessment{
		OperationID: req.ID,
		RiskLevel:   operation.RiskLow,
	})

	assert.False(t, ev.AutoApproved)
	assert.Equal(t, "confidence below threshold", ev.Reason)
	assert.InDelta(t, 0.7, ev.Confidence, 1e-9)
	assert.NotContains(t, ev.Signals, "signature_match")
}

func TestEvaluateFeedsTrustStore(t *testing.T) {
	store := trust.NewStore(trust.DefaultConfig(), nil, nil)
	engine := NewEngine(DefaultConfig(), store, nil)
	userID := uuid.New()

	req := decisionRequest(t, userID)
	engine.Evaluate(context.Background(), req, &assessment.SafetyAssessment{
		OperationID: req.ID,
		RiskLevel:   operation.RiskLow,
	})

	// The decision itself becomes a learning pattern; its outcome can be
	// attached later by operation id.
	store.RecordOutcome(context.Background(), userID, req.ID, operation.OutcomeSuccess)
	assert.Equal(t, 1, store.GetProfile(userID).SampleCount)
}
