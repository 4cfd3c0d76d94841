package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketsage/governance/internal/domain/operation"
	"github.com/marketsage/governance/internal/service/trust"
)

// PatternRepository persists decision patterns so trust scores can be
// rebuilt from history on startup instead of resetting every user to the
// neutral score.
type PatternRepository struct {
	db *pgxpool.Pool
}

// NewPatternRepository creates a new pattern repository
func NewPatternRepository(db *pgxpool.Pool) *PatternRepository {
	return &PatternRepository{db: db}
}

// SavePattern upserts one decision pattern. Outcome updates reuse the
// operation ID as the conflict key so a later outcome attaches to the
// original decision row.
func (r *PatternRepository) SavePattern(ctx context.Context, userID uuid.UUID, p trust.Pattern) error {
	var outcome *string
	if p.Outcome != nil {
		s := p.Outcome.String()
		outcome = &s
	}

	query := `
		INSERT INTO decision_patterns (
			operation_id, user_id, signature, risk_level, approved, outcome, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (operation_id) DO UPDATE SET
			outcome = EXCLUDED.outcome`

	_, err := r.db.Exec(ctx, query,
		p.OperationID,
		userID,
		p.Signature,
		p.RiskLevel.String(),
		p.Approved,
		outcome,
		p.At,
	)
	if err != nil {
		return fmt.Errorf("saving decision pattern: %w", err)
	}
	return nil
}

// ListPatterns returns patterns recorded since the cutoff, grouped by user.
func (r *PatternRepository) ListPatterns(ctx context.Context, since time.Time) (map[uuid.UUID][]trust.Pattern, error) {
	query := `
		SELECT operation_id, user_id, signature, risk_level, approved, outcome, recorded_at
		FROM decision_patterns
		WHERE recorded_at >= $1
		ORDER BY user_id, recorded_at ASC`

	rows, err := r.db.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("querying decision patterns: %w", err)
	}
	defer rows.Close()

	result := make(map[uuid.UUID][]trust.Pattern)
	for rows.Next() {
		var (
			p       trust.Pattern
			userID  uuid.UUID
			risk    string
			outcome *string
		)
		if err := rows.Scan(&p.OperationID, &userID, &p.Signature,
			&risk, &p.Approved, &outcome, &p.At); err != nil {
			return nil, fmt.Errorf("scanning decision pattern: %w", err)
		}

		p.RiskLevel = operation.ParseRiskLevel(risk)
		if outcome != nil {
			parsed, err := operation.ParseOutcome(*outcome)
			if err != nil {
				return nil, fmt.Errorf("pattern %s: %w", p.OperationID, err)
			}
			p.Outcome = &parsed
		}

		result[userID] = append(result[userID], p)
	}
	return result, rows.Err()
}
