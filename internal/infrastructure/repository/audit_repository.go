package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketsage/governance/internal/domain/audit"
	"github.com/marketsage/governance/internal/domain/operation"
)

// nilIfZero maps the zero UUID to SQL NULL.
func nilIfZero(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}

// AuditRepository persists audit events to the append-only audit_events
// table. Rows carry their own expiry so retention cleanup is a single
// range delete.
type AuditRepository struct {
	db *pgxpool.Pool
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append writes one audit event. Events are immutable; there is no update
// or delete path other than retention pruning.
func (r *AuditRepository) Append(ctx context.Context, event audit.Event) error {
	ruleIDs, err := json.Marshal(event.RuleIDs)
	if err != nil {
		return fmt.Errorf("marshaling rule ids: %w", err)
	}
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	query := `
		INSERT INTO audit_events (
			id, timestamp, event_type, actor_id, operation_id, approval_id,
			rule_ids, result, risk_level, message, metadata,
			sensitivity, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err = r.db.Exec(ctx, query,
		event.ID,
		event.Timestamp,
		string(event.Type),
		event.ActorID,
		nilIfZero(event.OperationID),
		nilIfZero(event.ApprovalID),
		ruleIDs,
		string(event.Result),
		event.RiskLevel.String(),
		event.Message,
		metadata,
		string(event.Retention.Sensitivity),
		event.ExpiresAt(),
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

// PruneExpired deletes events whose retention lapsed before the cutoff and
// returns the number of rows removed.
func (r *AuditRepository) PruneExpired(ctx context.Context, before time.Time) (int, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM audit_events WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("pruning audit events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListByOperation returns the audit history for one operation, oldest first.
func (r *AuditRepository) ListByOperation(ctx context.Context, operationID string) ([]audit.Event, error) {
	query := `
		SELECT id, timestamp, event_type, actor_id,
		       COALESCE(operation_id::text, ''), COALESCE(approval_id::text, ''),
		       rule_ids, result, risk_level, message, metadata, sensitivity
		FROM audit_events
		WHERE operation_id = $1
		ORDER BY timestamp ASC`

	rows, err := r.db.Query(ctx, query, operationID)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (audit.Event, error) {
	var (
		event        audit.Event
		eventType    string
		opID, apprID string
		ruleIDs      []byte
		result       string
		risk         string
		metadata     []byte
		sensitivity  string
	)
	if err := row.Scan(&event.ID, &event.Timestamp, &eventType, &event.ActorID,
		&opID, &apprID, &ruleIDs, &result, &risk, &event.Message,
		&metadata, &sensitivity); err != nil {
		return audit.Event{}, fmt.Errorf("scanning audit event: %w", err)
	}

	event.Type = audit.EventType(eventType)
	event.Result = audit.Result(result)
	event.RiskLevel = operation.ParseRiskLevel(risk)
	event.Retention.Sensitivity = audit.Sensitivity(sensitivity)
	event.Retention.Period = event.Retention.Sensitivity.DefaultRetention()

	if opID != "" {
		if id, err := uuid.Parse(opID); err == nil {
			event.OperationID = id
		}
	}
	if apprID != "" {
		if id, err := uuid.Parse(apprID); err == nil {
			event.ApprovalID = id
		}
	}
	if len(ruleIDs) > 0 {
		if err := json.Unmarshal(ruleIDs, &event.RuleIDs); err != nil {
			return audit.Event{}, fmt.Errorf("unmarshaling rule ids: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
			return audit.Event{}, fmt.Errorf("unmarshaling metadata: %w", err)
		}
	}
	return event, nil
}
