package assessment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marketsage/governance/internal/domain/operation"
	"github.com/marketsage/governance/internal/domain/rollback"
	"github.com/marketsage/governance/internal/domain/rules"
	"github.com/marketsage/governance/internal/service/boundary"
	"github.com/marketsage/governance/internal/service/quota"
)

// SafetyAssessment is the computed decision input for one operation request.
type SafetyAssessment struct {
	OperationID       uuid.UUID                `json:"operation_id"`
	RiskLevel         operation.RiskLevel      `json:"risk_level"`
	Violations        []rules.Violation        `json:"violations"`
	ViolatedRules     []string                 `json:"violated_rules"`
	RequiredApprovals []string                 `json:"required_approvals"`
	CanProceed        bool                     `json:"can_proceed"`
	AutoApproved      bool                     `json:"auto_approved"`
	ManualReview      bool                     `json:"manual_review"`
	Warnings          []string                 `json:"warnings,omitempty"`
	Restrictions      []string                 `json:"restrictions,omitempty"`
	Impact            operation.ImpactEstimate `json:"impact"`
	RollbackStrategy  *rollback.Strategy       `json:"rollback_strategy,omitempty"`
	AssessedAt        time.Time                `json:"assessed_at"`
}

// ExemptionChecker atomically checks and consumes a per-user rule exemption.
type ExemptionChecker interface {
	ConsumeExemption(ctx context.Context, userID uuid.UUID, ruleID string) bool
}

// RollbackPlanner generates the candidate compensating plan for a request.
type RollbackPlanner interface {
	Plan(req *operation.Request, risk operation.RiskLevel) *rollback.Strategy
}

// Assessor composes rule, boundary and quota evaluation into one
// SafetyAssessment. Risk aggregation is a commutative max over violation
// severities, so the order the engines run in never changes the result.
type Assessor struct {
	rules      *rules.Evaluator
	boundary   *boundary.Monitor
	quota      *quota.Guard
	exemptions ExemptionChecker
	planner    RollbackPlanner
	logger     *zap.Logger
}

// NewAssessor creates a risk assessor. exemptions and planner may be nil.
func NewAssessor(evaluator *rules.Evaluator, monitor *boundary.Monitor, guard *quota.Guard, exemptions ExemptionChecker, planner RollbackPlanner, logger *zap.Logger) *Assessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assessor{
		rules:      evaluator,
		boundary:   monitor,
		quota:      guard,
		exemptions: exemptions,
		planner:    planner,
		logger:     logger,
	}
}

// Assess runs quota, rule and boundary evaluation for a request. A quota
// failure returns an error and no assessment: quota stops are hard, with no
// approval path. Any unexpected internal fault resolves to the most
// conservative assessment (blocked, manual review) instead of crashing.
func (a *Assessor) Assess(ctx context.Context, req *operation.Request) (assessment *SafetyAssessment, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("assessment panicked, failing safe",
				zap.String("operation_id", req.ID.String()),
				zap.Any("panic", r))
			assessment = failSafe(req)
			err = nil
		}
	}()

	// Quota gates fail the request outright before risk assessment proceeds.
	if err := a.quota.Check(ctx, req); err != nil {
		return nil, err
	}

	violations := a.rules.Evaluate(ctx, req)
	violations = append(violations, a.boundary.Check(req)...)
	violations = a.applyExemptions(ctx, req, violations)

	assessment = &SafetyAssessment{
		OperationID:       req.ID,
		RiskLevel:         rules.MaxSeverity(violations),
		Violations:        violations,
		ViolatedRules:     violatedIDs(violations),
		RequiredApprovals: rules.ApprovalRuleIDs(violations),
		Impact:            a.estimateImpact(req, violations),
		AssessedAt:        time.Now().UTC(),
	}

	for _, v := range violations {
		if v.EvaluationError {
			assessment.ManualReview = true
		}
		if v.Blocking || v.EvaluationError {
			assessment.Restrictions = append(assessment.Restrictions, v.Reason)
		} else {
			assessment.Warnings = append(assessment.Warnings, v.Reason)
		}
		if v.CooldownActive {
			assessment.Restrictions = append(assessment.Restrictions,
				"cooldown active for rule "+v.RuleID)
		}
	}

	blocked := rules.HasBlocking(violations) || assessment.ManualReview
	assessment.CanProceed = !blocked && len(assessment.RequiredApprovals) == 0

	if a.planner != nil {
		assessment.RollbackStrategy = a.planner.Plan(req, assessment.RiskLevel)
		if assessment.RollbackStrategy != nil {
			assessment.Impact.Reversibility = reversibilityFor(assessment.RollbackStrategy.Kind)
		}
	}

	// The request itself lands on the boundary timeline; outcome feedback
	// later flips the failed flag through RecordOutcome.
	a.boundary.Record(req.RequesterID, req.Context.SessionID, false, req.Context.Timestamp)

	return assessment, nil
}

func (a *Assessor) applyExemptions(ctx context.Context, req *operation.Request, violations []rules.Violation) []rules.Violation {
	if a.exemptions == nil {
		return violations
	}

	kept := violations[:0]
	for _, v := range violations {
		// Synthetic evaluation errors can never be waived.
		if !v.EvaluationError && a.exemptions.ConsumeExemption(ctx, req.RequesterID, v.RuleID) {
			a.logger.Info("rule requirement waived by exemption",
				zap.String("rule_id", v.RuleID),
				zap.String("user_id", req.RequesterID.String()))
			continue
		}
		kept = append(kept, v)
	}
	return kept
}

func (a *Assessor) estimateImpact(req *operation.Request, violations []rules.Violation) operation.ImpactEstimate {
	impact := operation.ImpactEstimate{
		AffectedRecords: req.AffectedRecords,
		Reversibility:   operation.ReversibilityPartial,
	}
	if req.TargetEntity == "user" || req.TargetEntity == "organization" {
		impact.AffectedUsers = req.AffectedRecords
		if impact.AffectedUsers == 0 {
			impact.AffectedUsers = 1
		}
	}
	if rules.MaxSeverity(violations) >= operation.RiskHigh {
		impact.EstimatedDowntime = 5 * time.Minute
	}
	return impact
}

func reversibilityFor(kind rollback.StrategyKind) operation.Reversibility {
	switch kind {
	case rollback.KindAutomatic:
		return operation.ReversibilityFull
	case rollback.KindManual:
		return operation.ReversibilityPartial
	default:
		return operation.ReversibilityNone
	}
}

func violatedIDs(violations []rules.Violation) []string {
	ids := make([]string, 0, len(violations))
	for _, v := range violations {
		ids = append(ids, v.RuleID)
	}
	return ids
}

// failSafe is the conservative assessment returned when assessment itself
// faults: blocked, critical, flagged for manual review.
func failSafe(req *operation.Request) *SafetyAssessment {
	return &SafetyAssessment{
		OperationID:  req.ID,
		RiskLevel:    operation.RiskCritical,
		CanProceed:   false,
		ManualReview: true,
		Restrictions: []string{"internal assessment failure, manual review required"},
		Impact: operation.ImpactEstimate{
			AffectedRecords: req.AffectedRecords,
			Reversibility:   operation.ReversibilityNone,
		},
		AssessedAt: time.Now().UTC(),
	}
}
