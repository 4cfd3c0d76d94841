package rules

import (
	"fmt"
	"time"

	"github.com/marketsage/governance/internal/domain/errors"
	"github.com/marketsage/governance/internal/domain/operation"
)

// SafetyRule is a declarative gate over operation requests. Rules are
// configuration data, loaded once at startup and never mutated at runtime.
type SafetyRule struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`

	RiskLevel operation.RiskLevel `json:"risk_level"`
	Condition Condition           `json:"condition"`

	// BypassRole is the minimum role permitted to bypass the hard block.
	// Bypassing still leaves a warning and, when RequiresApproval is set,
	// the approval requirement.
	BypassRole       operation.Role `json:"bypass_role"`
	RequiresApproval bool           `json:"requires_approval"`
	RetryAllowed     bool           `json:"retry_allowed"`
	Cooldown         time.Duration  `json:"cooldown"`

	Description string `json:"description,omitempty"`
}

// Validate checks the rule configuration.
func (r SafetyRule) Validate() error {
	if r.ID == "" {
		return errors.NewValidationError("INVALID_RULE", "rule id cannot be empty")
	}
	if r.Name == "" {
		return errors.NewValidationError("INVALID_RULE",
			fmt.Sprintf("rule %s: name cannot be empty", r.ID))
	}
	if err := r.Condition.Validate(); err != nil {
		return errors.NewValidationError("INVALID_RULE",
			fmt.Sprintf("rule %s: %v", r.ID, err))
	}
	return nil
}

// Violation records a triggered rule for one request.
type Violation struct {
	RuleID   string              `json:"rule_id"`
	Category string              `json:"category"`
	Severity operation.RiskLevel `json:"severity"`
	Reason   string              `json:"reason"`

	// Blocking is set when the requester's role is below the rule's bypass
	// role. Non-blocking violations still surface as warnings.
	Blocking         bool `json:"blocking"`
	RequiresApproval bool `json:"requires_approval"`
	CooldownActive   bool `json:"cooldown_active"`

	// EvaluationError marks a synthetic violation produced when the rule's
	// predicate itself failed. Such violations always block.
	EvaluationError bool `json:"evaluation_error"`
}

// MaxSeverity returns the highest severity across violations, or RiskLow for
// an empty set. Aggregation is a commutative max, so evaluation order can
// never change the result.
func MaxSeverity(violations []Violation) operation.RiskLevel {
	level := operation.RiskLow
	for _, v := range violations {
		level = level.Max(v.Severity)
	}
	return level
}

// ApprovalRuleIDs returns the union of rule ids that mandate approval.
func ApprovalRuleIDs(violations []Violation) []string {
	seen := make(map[string]bool, len(violations))
	ids := make([]string, 0)
	for _, v := range violations {
		if v.RequiresApproval && !seen[v.RuleID] {
			seen[v.RuleID] = true
			ids = append(ids, v.RuleID)
		}
	}
	return ids
}

// HasBlocking reports whether any violation is a hard block.
func HasBlocking(violations []Violation) bool {
	for _, v := range violations {
		if v.Blocking {
			return true
		}
	}
	return false
}
