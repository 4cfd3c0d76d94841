package rules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marketsage/governance/internal/domain/operation"
)

// CooldownStore tracks per-user-per-rule violation timestamps. A shared
// (Redis) implementation is used when the engine runs on multiple instances;
// the in-memory implementation serves single-instance runs and tests.
type CooldownStore interface {
	// InCooldown reports whether the user violated the rule within the window.
	InCooldown(ctx context.Context, userID uuid.UUID, ruleID string, window time.Duration) (bool, error)
	// MarkViolation records a violation now, retained at least for window.
	MarkViolation(ctx context.Context, userID uuid.UUID, ruleID string, window time.Duration) error
}

// Evaluator runs every registered rule against a request. Evaluation is
// read-only, side-effect free apart from cooldown bookkeeping, and safe to
// run fully in parallel across requests.
type Evaluator struct {
	registry  *Registry
	cooldowns CooldownStore
	logger    *zap.Logger
}

// NewEvaluator creates a rule evaluator. The cooldown store may be nil, in
// which case cooldown restrictions are disabled.
func NewEvaluator(registry *Registry, cooldowns CooldownStore, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		registry:  registry,
		cooldowns: cooldowns,
		logger:    logger,
	}
}

// Evaluate runs all rules independently. A predicate fault never aborts
// evaluation of the remaining rules: it degrades to a synthetic critical
// violation so an internal bug blocks instead of silently permitting.
func (e *Evaluator) Evaluate(ctx context.Context, req *operation.Request) []Violation {
	fields := BuildFields(req)
	violations := make([]Violation, 0)

	for _, rule := range e.registry.Rules() {
		if v, violated := e.evaluateRule(ctx, rule, req, fields); violated {
			violations = append(violations, v)
		}
	}

	return violations
}

func (e *Evaluator) evaluateRule(ctx context.Context, rule SafetyRule, req *operation.Request, fields map[string]interface{}) (v Violation, violated bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("rule predicate panicked",
				zap.String("rule_id", rule.ID),
				zap.Any("panic", r))
			v = evaluationErrorViolation(rule, fmt.Sprintf("panic: %v", r))
			violated = true
		}
	}()

	matched, err := rule.Condition.Evaluate(fields)
	if err != nil {
		e.logger.Error("rule predicate failed",
			zap.String("rule_id", rule.ID),
			zap.Error(err))
		return evaluationErrorViolation(rule, err.Error()), true
	}
	if !matched {
		return Violation{}, false
	}

	violation := Violation{
		RuleID:           rule.ID,
		Category:         rule.Category,
		Severity:         rule.RiskLevel,
		Reason:           rule.Description,
		Blocking:         !req.RequesterRole.AtLeast(rule.BypassRole),
		RequiresApproval: rule.RequiresApproval,
	}
	if violation.Reason == "" {
		violation.Reason = fmt.Sprintf("rule %s violated", rule.ID)
	}

	if rule.Cooldown > 0 && e.cooldowns != nil {
		active, err := e.cooldowns.InCooldown(ctx, req.RequesterID, rule.ID, rule.Cooldown)
		if err != nil {
			e.logger.Warn("cooldown lookup failed, treating as active",
				zap.String("rule_id", rule.ID),
				zap.Error(err))
			active = true
		}
		violation.CooldownActive = active

		if err := e.cooldowns.MarkViolation(ctx, req.RequesterID, rule.ID, rule.Cooldown); err != nil {
			e.logger.Warn("cooldown mark failed",
				zap.String("rule_id", rule.ID),
				zap.Error(err))
		}
	}

	return violation, true
}

func evaluationErrorViolation(rule SafetyRule, reason string) Violation {
	return Violation{
		RuleID:           rule.ID,
		Category:         rule.Category,
		Severity:         operation.RiskCritical,
		Reason:           fmt.Sprintf("evaluation_error: %s", reason),
		Blocking:         true,
		RequiresApproval: true,
		EvaluationError:  true,
	}
}

// BuildFields flattens an operation request into the field map conditions
// evaluate against. Entity and action names are lower-cased so equality
// conditions match regardless of caller casing, the same normalization
// Signature applies. Parameter keys are exposed verbatim under "parameters.".
func BuildFields(req *operation.Request) map[string]interface{} {
	fields := map[string]interface{}{
		"type":             string(req.Type),
		"target_entity":    strings.ToLower(req.TargetEntity),
		"action":           strings.ToLower(req.Action),
		"affected_records": req.AffectedRecords,
		"requester.id":     req.RequesterID.String(),
		"requester.role":   req.RequesterRole.String(),
		"session_id":       req.Context.SessionID,
		"organization_id":  req.Context.OrganizationID.String(),
		"hour_of_day":      req.Context.Timestamp.Hour(),
		"day_of_week":      int(req.Context.Timestamp.Weekday()),
	}
	for key, value := range req.Parameters {
		fields["parameters."+key] = value
	}
	return fields
}
