package governance

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marketsage/governance/internal/domain/approval"
	"github.com/marketsage/governance/internal/domain/audit"
	"github.com/marketsage/governance/internal/domain/errors"
	"github.com/marketsage/governance/internal/domain/operation"
	"github.com/marketsage/governance/internal/domain/rollback"
	"github.com/marketsage/governance/internal/metrics"
	"github.com/marketsage/governance/internal/service/assessment"
	"github.com/marketsage/governance/internal/service/auditlog"
	"github.com/marketsage/governance/internal/service/boundary"
	"github.com/marketsage/governance/internal/service/compensation"
	"github.com/marketsage/governance/internal/service/decision"
	"github.com/marketsage/governance/internal/service/trust"
	"github.com/marketsage/governance/internal/service/workflow"
)

// HealthStatus summarizes engine health for observability.
type HealthStatus struct {
	TotalAssessments int64   `json:"total_assessments"`
	BlockedCount     int64   `json:"blocked_count"`
	SuccessRate      float64 `json:"success_rate"`
	AvgLatencyMillis float64 `json:"avg_latency_ms"`
	PendingApprovals int     `json:"pending_approvals"`
	AuditRecorded    int64   `json:"audit_recorded"`
	AuditFailed      int64   `json:"audit_failed"`
}

// Engine is the operation safety and approval governance façade. All
// components are constructor-injected so tests can substitute fakes and
// per-tenant instances can coexist.
type Engine struct {
	assessor  *assessment.Assessor
	decisions *decision.Engine
	approvals *workflow.Manager
	rollbacks *compensation.Orchestrator
	trust     *trust.Store
	boundary  *boundary.Monitor
	recorder  *auditlog.Recorder
	metrics   *metrics.Registry
	logger    *zap.Logger

	mu          sync.Mutex
	assessments map[uuid.UUID]*assessment.SafetyAssessment
	requests    map[uuid.UUID]*operation.Request
	sessions    map[uuid.UUID]string // operation id -> session id

	statTotal   int64
	statBlocked int64
	statLatency []time.Duration
}

// NewEngine wires the governance components. metrics may be nil.
func NewEngine(
	assessor *assessment.Assessor,
	decisions *decision.Engine,
	approvals *workflow.Manager,
	rollbacks *compensation.Orchestrator,
	trustStore *trust.Store,
	monitor *boundary.Monitor,
	recorder *auditlog.Recorder,
	reg *metrics.Registry,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		assessor:    assessor,
		decisions:   decisions,
		approvals:   approvals,
		rollbacks:   rollbacks,
		trust:       trustStore,
		boundary:    monitor,
		recorder:    recorder,
		metrics:     reg,
		logger:      logger,
		assessments: make(map[uuid.UUID]*assessment.SafetyAssessment),
		requests:    make(map[uuid.UUID]*operation.Request),
		sessions:    make(map[uuid.UUID]string),
	}
}

// Assess runs the full safety evaluation for a request. When approvals are
// required and nothing hard-blocks, the decision engine attempts trust-based
// auto-approval; on failure the assessment comes back pending-approval and
// the caller follows up with RequestApproval.
func (e *Engine) Assess(ctx context.Context, req *operation.Request) (*assessment.SafetyAssessment, error) {
	if req == nil {
		return nil, errors.NewValidationError("MISSING_REQUEST", "operation request is required")
	}

	start := time.Now()
	sa, err := e.assessor.Assess(ctx, req)
	if err != nil {
		if errors.IsQuotaExceeded(err) || errors.IsType(err, errors.ErrorTypeForbidden) {
			e.emitQuotaRejection(req, err)
		}
		return nil, err
	}

	if len(sa.RequiredApprovals) > 0 && len(sa.Restrictions) == 0 {
		ev := e.decisions.Evaluate(ctx, req, sa)
		if ev.AutoApproved {
			sa.AutoApproved = true
			sa.CanProceed = true
			e.emitAutoApproval(req, sa, ev)
		}
	}

	// Keep the assessment so approval, outcome and rollback calls can find
	// the operation's risk level and candidate strategy later.
	e.mu.Lock()
	e.assessments[req.ID] = sa
	e.requests[req.ID] = req
	e.sessions[req.ID] = req.Context.SessionID
	e.mu.Unlock()

	if e.rollbacks != nil && sa.RollbackStrategy != nil {
		e.rollbacks.Register(sa.RollbackStrategy)
	}

	e.recordAssessmentStats(sa, time.Since(start))
	e.emitAssessment(req, sa)

	return sa, nil
}

// RequestApprovalForOperation opens an approval for an operation assessed
// earlier in this engine's lifetime, looked up by ID. Used by callers that
// only hold the operation ID, such as the HTTP surface.
func (e *Engine) RequestApprovalForOperation(ctx context.Context, operationID uuid.UUID, justification string) (*approval.Request, error) {
	e.mu.Lock()
	req := e.requests[operationID]
	sa := e.assessments[operationID]
	e.mu.Unlock()
	if req == nil || sa == nil {
		return nil, errors.NewNotFoundError("no assessment on record for operation")
	}
	return e.RequestApproval(ctx, req, sa, justification)
}

// RequestApproval opens a pending approval for an assessed operation.
func (e *Engine) RequestApproval(ctx context.Context, req *operation.Request, sa *assessment.SafetyAssessment, justification string) (*approval.Request, error) {
	if req == nil || sa == nil {
		return nil, errors.NewValidationError("MISSING_INPUT", "request and assessment are required")
	}
	if sa.OperationID != req.ID {
		return nil, errors.NewValidationError("ASSESSMENT_MISMATCH", "assessment does not belong to this operation")
	}
	if len(sa.RequiredApprovals) == 0 && !sa.ManualReview {
		return nil, errors.NewConflictError("operation does not require approval")
	}

	ar, err := e.approvals.Create(ctx, req, sa.RiskLevel, justification)
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.ApprovalsCreated.Inc()
		e.metrics.PendingApprovals.Set(float64(e.approvals.PendingCount()))
	}

	if ev, evErr := audit.NewEvent(audit.EventApprovalCreated, req.RequesterID.String(), audit.ResultEscalated, sa.RiskLevel); evErr == nil {
		e.record(ev.WithOperation(req.ID).WithApproval(ar.ID).
			WithRules(sa.RequiredApprovals).
			WithMessage("escalated to tier "+ar.Tier.String()))
	}

	return ar, nil
}

// Approve resolves a pending approval. Failures arrive as {ok,message}
// results, never errors.
func (e *Engine) Approve(ctx context.Context, approvalID, approverID uuid.UUID, approverRole operation.Role) workflow.Result {
	res := e.approvals.Approve(ctx, approvalID, approverID, approverRole)
	e.emitResolution(approvalID, approverID.String(), res, "approve")
	return res
}

// Reject resolves a pending approval with a reason.
func (e *Engine) Reject(ctx context.Context, approvalID, approverID uuid.UUID, reason string) workflow.Result {
	res := e.approvals.Reject(ctx, approvalID, approverID, reason)
	e.emitResolution(approvalID, approverID.String(), res, "reject")
	return res
}

// IsApproved reports whether the operation has an approved request.
func (e *Engine) IsApproved(operationID uuid.UUID) bool {
	return e.approvals.IsApproved(operationID)
}

// GetPendingApprovals lists pending approvals opened by the user.
func (e *Engine) GetPendingApprovals(userID uuid.UUID) []approval.Snapshot {
	return e.approvals.GetPendingForUser(userID)
}

// GetApprovalsForRole lists pending approvals the role may resolve.
func (e *Engine) GetApprovalsForRole(role operation.Role) []approval.Snapshot {
	return e.approvals.GetForRole(role)
}

// PerformRollback executes the compensating plan for an operation. Returns
// false when the capability is unavailable, already consumed, expired, or
// the plan failed; the reason lands on the audit trail either way.
func (e *Engine) PerformRollback(ctx context.Context, operationID uuid.UUID, reason string, actorID uuid.UUID) bool {
	exec, err := e.rollbacks.Execute(ctx, operationID, reason, actorID)
	if err != nil {
		e.logger.Warn("rollback unavailable",
			zap.String("operation_id", operationID.String()),
			zap.Error(err))
		if ev, evErr := audit.NewEvent(audit.EventRollbackExecuted, actorID.String(), audit.ResultWarning, e.riskOf(operationID)); evErr == nil {
			e.record(ev.WithOperation(operationID).WithMessage("rollback unavailable: " + err.Error()))
		}
		return false
	}

	if e.metrics != nil {
		e.metrics.RollbackExecutions.WithLabelValues(exec.Status.String()).Inc()
	}

	result := audit.ResultAllowed
	if exec.Status != rollback.ExecutionRolledBack {
		result = audit.ResultWarning
	}
	if ev, evErr := audit.NewEvent(audit.EventRollbackExecuted, actorID.String(), result, e.riskOf(operationID)); evErr == nil {
		e.record(ev.WithOperation(operationID).
			WithMessage("rollback "+exec.Status.String()+": "+reason).
			WithMetadata("steps", strconv.Itoa(len(exec.Results))))
	}

	return exec.Status == rollback.ExecutionRolledBack
}

// RecordOutcome feeds an executed operation's result back into trust
// learning and the boundary timeline.
func (e *Engine) RecordOutcome(ctx context.Context, operationID, userID uuid.UUID, outcome operation.Outcome) {
	e.trust.RecordOutcome(ctx, userID, operationID, outcome)

	if outcome != operation.OutcomeSuccess && e.boundary != nil {
		e.mu.Lock()
		sessionID := e.sessions[operationID]
		e.mu.Unlock()
		e.boundary.MarkFailure(userID, sessionID)
	}

	if ev, evErr := audit.NewEvent(audit.EventOutcomeRecorded, userID.String(), audit.ResultAllowed, e.riskOf(operationID)); evErr == nil {
		e.record(ev.WithOperation(operationID).WithMessage("outcome " + outcome.String()))
	}
}

// GetHealthStatus returns a success-rate/latency summary.
func (e *Engine) GetHealthStatus() HealthStatus {
	e.mu.Lock()
	total := e.statTotal
	blocked := e.statBlocked
	var sum time.Duration
	for _, d := range e.statLatency {
		sum += d
	}
	samples := len(e.statLatency)
	e.mu.Unlock()

	hs := HealthStatus{
		TotalAssessments: total,
		BlockedCount:     blocked,
		PendingApprovals: e.approvals.PendingCount(),
	}
	if total > 0 {
		hs.SuccessRate = float64(total-blocked) / float64(total)
	}
	if samples > 0 {
		hs.AvgLatencyMillis = float64(sum.Microseconds()) / float64(samples) / 1000.0
	}
	if e.recorder != nil {
		hs.AuditRecorded, hs.AuditFailed, _ = e.recorder.Stats()
	}
	return hs
}

func (e *Engine) riskOf(operationID uuid.UUID) operation.RiskLevel {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sa, ok := e.assessments[operationID]; ok {
		return sa.RiskLevel
	}
	return operation.RiskLow
}

func (e *Engine) recordAssessmentStats(sa *assessment.SafetyAssessment, latency time.Duration) {
	e.mu.Lock()
	e.statTotal++
	if !sa.CanProceed {
		e.statBlocked++
	}
	e.statLatency = append(e.statLatency, latency)
	if len(e.statLatency) > 512 {
		e.statLatency = e.statLatency[len(e.statLatency)-512:]
	}
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.AssessmentDuration.Observe(latency.Seconds())
		e.metrics.AssessmentCounter.WithLabelValues(assessmentResult(sa)).Inc()
		for _, id := range sa.ViolatedRules {
			e.metrics.RuleViolationCounter.WithLabelValues(id).Inc()
		}
	}
}

func (e *Engine) emitAssessment(req *operation.Request, sa *assessment.SafetyAssessment) {
	result := audit.ResultAllowed
	switch {
	case !sa.CanProceed && len(sa.RequiredApprovals) > 0:
		result = audit.ResultEscalated
	case !sa.CanProceed:
		result = audit.ResultBlocked
	case len(sa.Warnings) > 0:
		result = audit.ResultWarning
	}

	if ev, err := audit.NewEvent(audit.EventAssessment, req.RequesterID.String(), result, sa.RiskLevel); err == nil {
		e.record(ev.WithOperation(req.ID).WithRules(sa.ViolatedRules).
			WithMessage(strings.Join(sa.Restrictions, "; ")))
	}
}

func (e *Engine) emitAutoApproval(req *operation.Request, sa *assessment.SafetyAssessment, ev decision.Evaluation) {
	if e.metrics != nil {
		e.metrics.AutoApprovals.Inc()
	}
	if event, err := audit.NewEvent(audit.EventAutoApproval, req.RequesterID.String(), audit.ResultAllowed, sa.RiskLevel); err == nil {
		e.record(event.WithOperation(req.ID).WithRules(sa.RequiredApprovals).
			WithMessage(ev.Reason).
			WithMetadata("confidence", strconv.FormatFloat(ev.Confidence, 'f', 2, 64)))
	}
}

func (e *Engine) emitQuotaRejection(req *operation.Request, cause error) {
	if e.metrics != nil {
		e.metrics.QuotaRejections.Inc()
	}
	if ev, err := audit.NewEvent(audit.EventQuotaRejection, req.RequesterID.String(), audit.ResultBlocked, operation.RiskMedium); err == nil {
		e.record(ev.WithOperation(req.ID).WithMessage(cause.Error()))
	}
}

func (e *Engine) emitResolution(approvalID uuid.UUID, actor string, res workflow.Result, verb string) {
	snap, ok := e.approvals.Get(approvalID)
	if e.metrics != nil && ok {
		e.metrics.PendingApprovals.Set(float64(e.approvals.PendingCount()))
		if res.OK {
			e.metrics.ApprovalResolved.WithLabelValues(snap.Status.String()).Inc()
			if snap.ResolvedAt != nil {
				e.metrics.ApprovalLatency.Observe(snap.ResolvedAt.Sub(snap.CreatedAt).Seconds())
			}
		}
	}

	result := audit.ResultAllowed
	if !res.OK {
		result = audit.ResultWarning
	}
	risk := operation.RiskLow
	var opID uuid.UUID
	if ok {
		risk = snap.RiskLevel
		opID = snap.OperationID
	}
	if ev, err := audit.NewEvent(audit.EventApprovalResolved, actor, result, risk); err == nil {
		e.record(ev.WithOperation(opID).WithApproval(approvalID).
			WithMessage(verb + ": " + res.Message))
	}
}

func (e *Engine) record(ev *audit.Event) {
	if e.recorder != nil {
		e.recorder.Record(ev)
	}
}

func assessmentResult(sa *assessment.SafetyAssessment) string {
	switch {
	case sa.AutoApproved:
		return "auto_approved"
	case sa.CanProceed:
		return "allowed"
	case len(sa.RequiredApprovals) > 0:
		return "escalated"
	default:
		return "blocked"
	}
}
