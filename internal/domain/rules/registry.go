package rules

import (
	"fmt"
	"time"

	"github.com/marketsage/governance/internal/domain/errors"
	"github.com/marketsage/governance/internal/domain/operation"
)

// Registry holds a versioned, immutable set of safety rules. Hot-reload is a
// deployment concern: a new registry instance replaces the engine wholesale.
type Registry struct {
	version string
	rules   []SafetyRule
	byID    map[string]SafetyRule
}

// NewRegistry validates and indexes the rule set.
func NewRegistry(version string, ruleSet []SafetyRule) (*Registry, error) {
	if version == "" {
		return nil, errors.NewValidationError("INVALID_REGISTRY", "registry version cannot be empty")
	}

	byID := make(map[string]SafetyRule, len(ruleSet))
	for _, r := range ruleSet {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byID[r.ID]; dup {
			return nil, errors.NewValidationError("INVALID_REGISTRY",
				fmt.Sprintf("duplicate rule id: %s", r.ID))
		}
		byID[r.ID] = r
	}

	rules := make([]SafetyRule, len(ruleSet))
	copy(rules, ruleSet)

	return &Registry{version: version, rules: rules, byID: byID}, nil
}

// Version returns the registry version.
func (r *Registry) Version() string {
	return r.version
}

// Rules returns a copy of the rule set.
func (r *Registry) Rules() []SafetyRule {
	out := make([]SafetyRule, len(r.rules))
	copy(out, r.rules)
	return out
}

// Get looks up a rule by id.
func (r *Registry) Get(id string) (SafetyRule, bool) {
	rule, ok := r.byID[id]
	return rule, ok
}

// Len returns the number of registered rules.
func (r *Registry) Len() int {
	return len(r.rules)
}

// DefaultRegistry returns the built-in safety rule set.
func DefaultRegistry() *Registry {
	reg, err := NewRegistry("builtin-v1", defaultRules())
	if err != nil {
		// Built-in rules are validated by tests; a failure here is a
		// programming error.
		panic(err)
	}
	return reg
}

func defaultRules() []SafetyRule {
	return []SafetyRule{
		{
			ID:        "prevent_self_deletion",
			Name:      "Prevent self deletion",
			Category:  "account_safety",
			RiskLevel: operation.RiskHigh,
			Condition: Condition{All: []Condition{
				{Field: "type", Operator: OpEquals, Value: string(operation.TypeDelete)},
				{Field: "target_entity", Operator: OpEquals, Value: "user"},
				{Field: "parameters.userId", Operator: OpFieldEquals, Value: "requester.id"},
			}},
			BypassRole:       operation.RoleSuperAdmin,
			RequiresApproval: true,
			Description:      "Users may not delete their own account through a gated operation",
		},
		{
			ID:        "bulk_deletion_limit",
			Name:      "Bulk deletion limit",
			Category:  "data_safety",
			RiskLevel: operation.RiskMedium,
			Condition: Condition{All: []Condition{
				{Field: "type", Operator: OpIn, Value: []string{string(operation.TypeDelete), string(operation.TypeBulkOp)}},
				{Field: "affected_records", Operator: OpGreaterThan, Value: 100},
			}},
			BypassRole:       operation.RoleSuperAdmin,
			RequiresApproval: true,
			RetryAllowed:     true,
			Description:      "Deletions touching more than 100 records need a second pair of eyes",
		},
		{
			ID:        "organization_deletion",
			Name:      "Organization deletion",
			Category:  "tenant_safety",
			RiskLevel: operation.RiskCritical,
			Condition: Condition{All: []Condition{
				{Field: "type", Operator: OpEquals, Value: string(operation.TypeDelete)},
				{Field: "target_entity", Operator: OpEquals, Value: "organization"},
			}},
			BypassRole:       operation.RoleSuperAdmin,
			RequiresApproval: true,
			Cooldown:         time.Hour,
			Description:      "Deleting a tenant organization is always a critical operation",
		},
		{
			ID:        "role_escalation_guard",
			Name:      "Role escalation guard",
			Category:  "access_control",
			RiskLevel: operation.RiskHigh,
			Condition: Condition{
				Field: "type", Operator: OpEquals, Value: string(operation.TypeEscalate),
			},
			BypassRole:       operation.RoleSuperAdmin,
			RequiresApproval: true,
			Cooldown:         30 * time.Minute,
			Description:      "Granting elevated roles requires approval",
		},
		{
			ID:        "high_value_transaction",
			Name:      "High value transaction",
			Category:  "financial",
			RiskLevel: operation.RiskHigh,
			Condition: Condition{All: []Condition{
				{Field: "type", Operator: OpEquals, Value: string(operation.TypeTransact)},
				{Field: "parameters.amount", Operator: OpGreaterThan, Value: "10000"},
			}},
			BypassRole:       operation.RoleSuperAdmin,
			RequiresApproval: true,
			Description:      "Transactions above the configured ceiling require approval",
		},
		{
			ID:        "mass_messaging_guard",
			Name:      "Mass messaging guard",
			Category:  "campaign_safety",
			RiskLevel: operation.RiskMedium,
			Condition: Condition{All: []Condition{
				{Field: "type", Operator: OpEquals, Value: string(operation.TypeSend)},
				{Field: "affected_records", Operator: OpGreaterThan, Value: 1000},
			}},
			BypassRole:       operation.RoleAdmin,
			RequiresApproval: true,
			RetryAllowed:     true,
			Description:      "Campaign sends above 1000 recipients require approval",
		},
		{
			ID:        "bulk_data_export",
			Name:      "Bulk data export",
			Category:  "data_safety",
			RiskLevel: operation.RiskMedium,
			Condition: Condition{All: []Condition{
				{Field: "type", Operator: OpEquals, Value: string(operation.TypeExport)},
				{Field: "affected_records", Operator: OpGreaterThan, Value: 500},
			}},
			BypassRole:       operation.RoleAdmin,
			RequiresApproval: true,
			Description:      "Large exports of tenant data require approval",
		},
	}
}
