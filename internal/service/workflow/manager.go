package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marketsage/governance/internal/domain/approval"
	"github.com/marketsage/governance/internal/domain/errors"
	"github.com/marketsage/governance/internal/domain/operation"
)

// Result is the structured outcome of an approve/reject call. Failures are
// returned as values, never thrown across the public boundary.
type Result struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Repository persists approvals and exemptions. Writes are best-effort on
// the request path; the persistent copy exists for cold-start rehydration
// and compliance, not as a synchronous dependency of the decision.
type Repository interface {
	SaveApproval(ctx context.Context, snapshot approval.Snapshot) error
	ListOpenApprovals(ctx context.Context) ([]approval.Snapshot, error)
}

// Notifier is invoked fire-and-forget when an approval is created or
// escalated. Delivery is an external collaborator's problem.
type Notifier interface {
	NotifyApprovalCreated(ctx context.Context, snapshot approval.Snapshot)
}

// Manager owns the ApprovalRequest lifecycle: creation, approve/reject
// transitions with tier authorization, the expiry sweep, and per-user rule
// exemptions.
type Manager struct {
	repo     Repository
	notifier Notifier
	logger   *zap.Logger

	mu          sync.RWMutex
	byID        map[uuid.UUID]*approval.Request
	byOperation map[uuid.UUID]*approval.Request

	exMu       sync.Mutex
	exemptions map[exemptionKey][]*approval.Exemption

	sweepMu   sync.Mutex
	ticker    *time.Ticker
	stopSweep chan struct{}
}

type exemptionKey struct {
	userID uuid.UUID
	ruleID string
}

// NewManager creates an approval workflow manager. repo and notifier may be
// nil.
func NewManager(repo Repository, notifier Notifier, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		repo:        repo,
		notifier:    notifier,
		logger:      logger,
		byID:        make(map[uuid.UUID]*approval.Request),
		byOperation: make(map[uuid.UUID]*approval.Request),
		exemptions:  make(map[exemptionKey][]*approval.Exemption),
	}
}

// Rehydrate restores open approvals from the repository on cold start.
func (m *Manager) Rehydrate(ctx context.Context) error {
	if m.repo == nil {
		return nil
	}
	open, err := m.repo.ListOpenApprovals(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range open {
		restored := open[i].Restore()
		m.byID[restored.ID] = restored
		m.byOperation[restored.OperationID] = restored
	}
	m.logger.Info("approval workflow rehydrated", zap.Int("open", len(open)))
	return nil
}

// Create opens a pending approval for an assessed operation. The escalation
// tier and expiry follow the assessed risk.
func (m *Manager) Create(ctx context.Context, req *operation.Request, risk operation.RiskLevel, justification string) (*approval.Request, error) {
	ar, err := approval.NewRequest(req.ID, req.RequesterID, req.RequesterRole, risk, justification)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.byOperation[req.ID]; ok && existing.CurrentStatus() == approval.StatusPending {
		m.mu.Unlock()
		return nil, errors.NewConflictError("operation already has a pending approval")
	}
	m.byID[ar.ID] = ar
	m.byOperation[req.ID] = ar
	m.mu.Unlock()

	m.persist(ctx, ar)

	if m.notifier != nil {
		snap := ar.Snapshot()
		go m.notifier.NotifyApprovalCreated(context.WithoutCancel(ctx), snap)
	}

	m.logger.Info("approval request created",
		zap.String("approval_id", ar.ID.String()),
		zap.String("operation_id", req.ID.String()),
		zap.String("tier", ar.Tier.String()),
		zap.Time("expires_at", ar.ExpiresAt))

	return ar, nil
}

// Approve resolves a pending request. Authorization, expiry and terminal
// checks happen inside the request's transition lock.
func (m *Manager) Approve(ctx context.Context, approvalID, approverID uuid.UUID, approverRole operation.Role) Result {
	ar := m.lookup(approvalID)
	if ar == nil {
		return Result{OK: false, Message: "approval request not found"}
	}

	if err := ar.Approve(approverID, approverRole, time.Now()); err != nil {
		m.persist(ctx, ar)
		return resultFromError(err)
	}

	m.persist(ctx, ar)
	m.logger.Info("approval granted",
		zap.String("approval_id", approvalID.String()),
		zap.String("approver_id", approverID.String()),
		zap.Bool("rollback_scheduled", ar.Snapshot().RollbackScheduled))
	return Result{OK: true, Message: "approved"}
}

// Reject resolves a pending request with a reason.
func (m *Manager) Reject(ctx context.Context, approvalID, approverID uuid.UUID, reason string) Result {
	ar := m.lookup(approvalID)
	if ar == nil {
		return Result{OK: false, Message: "approval request not found"}
	}

	if err := ar.Reject(approverID, reason, time.Now()); err != nil {
		return resultFromError(err)
	}

	m.persist(ctx, ar)
	m.logger.Info("approval rejected",
		zap.String("approval_id", approvalID.String()),
		zap.String("reason", reason))
	return Result{OK: true, Message: "rejected"}
}

// IsApproved reports whether the operation's approval reached approved.
func (m *Manager) IsApproved(operationID uuid.UUID) bool {
	m.mu.RLock()
	ar, ok := m.byOperation[operationID]
	m.mu.RUnlock()
	return ok && ar.CurrentStatus() == approval.StatusApproved
}

// Get returns a snapshot of one approval request.
func (m *Manager) Get(approvalID uuid.UUID) (approval.Snapshot, bool) {
	ar := m.lookup(approvalID)
	if ar == nil {
		return approval.Snapshot{}, false
	}
	return ar.Snapshot(), true
}

// GetPendingForUser lists pending approvals requested by the user.
func (m *Manager) GetPendingForUser(userID uuid.UUID) []approval.Snapshot {
	return m.collect(func(snap approval.Snapshot) bool {
		return snap.Status == approval.StatusPending && snap.RequesterID == userID
	})
}

// GetForRole lists pending approvals the role is authorized to resolve.
func (m *Manager) GetForRole(role operation.Role) []approval.Snapshot {
	return m.collect(func(snap approval.Snapshot) bool {
		return snap.Status == approval.StatusPending && snap.Tier.Authorizes(role)
	})
}

// PendingCount returns the number of pending approvals.
func (m *Manager) PendingCount() int {
	return len(m.collect(func(snap approval.Snapshot) bool {
		return snap.Status == approval.StatusPending
	}))
}

// Sweep transitions every pending request past its deadline to expired and
// returns how many expired. Idempotent; safe to run concurrently with
// approve/reject since MarkExpired never overwrites a terminal state.
func (m *Manager) Sweep(ctx context.Context, now time.Time) int {
	m.mu.RLock()
	requests := make([]*approval.Request, 0, len(m.byID))
	for _, ar := range m.byID {
		requests = append(requests, ar)
	}
	m.mu.RUnlock()

	expired := 0
	for _, ar := range requests {
		if ar.MarkExpired(now) {
			expired++
			m.persist(ctx, ar)
		}
	}

	if expired > 0 {
		m.logger.Info("approval sweep expired requests", zap.Int("count", expired))
	}
	return expired
}

// StartSweeper runs the expiry sweep on a schedule until StopSweeper.
func (m *Manager) StartSweeper(interval time.Duration) {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()
	if m.ticker != nil {
		return
	}

	m.ticker = time.NewTicker(interval)
	m.stopSweep = make(chan struct{})

	go func(ticker *time.Ticker, stop chan struct{}) {
		for {
			select {
			case <-ticker.C:
				m.Sweep(context.Background(), time.Now())
			case <-stop:
				return
			}
		}
	}(m.ticker, m.stopSweep)

	m.logger.Info("approval sweeper started", zap.Duration("interval", interval))
}

// StopSweeper stops the background sweep.
func (m *Manager) StopSweeper() {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()
	if m.ticker == nil {
		return
	}
	m.ticker.Stop()
	close(m.stopSweep)
	m.ticker = nil
	m.logger.Info("approval sweeper stopped")
}

// GrantExemption registers a time-bounded, usage-capped waiver of one rule
// for one user.
func (m *Manager) GrantExemption(ruleID string, userID, grantedBy uuid.UUID, ttl time.Duration, maxUses int, reason string) (*approval.Exemption, error) {
	ex, err := approval.NewExemption(ruleID, userID, grantedBy, ttl, maxUses, reason)
	if err != nil {
		return nil, err
	}

	key := exemptionKey{userID: userID, ruleID: ruleID}
	m.exMu.Lock()
	m.exemptions[key] = append(m.exemptions[key], ex)
	m.exMu.Unlock()

	m.logger.Info("exemption granted",
		zap.String("rule_id", ruleID),
		zap.String("user_id", userID.String()),
		zap.Int("max_uses", maxUses))
	return ex, nil
}

// ConsumeExemption atomically checks and consumes a waiver for the user and
// rule. Implements the assessor's ExemptionChecker.
func (m *Manager) ConsumeExemption(_ context.Context, userID uuid.UUID, ruleID string) bool {
	key := exemptionKey{userID: userID, ruleID: ruleID}

	m.exMu.Lock()
	defer m.exMu.Unlock()

	now := time.Now()
	for _, ex := range m.exemptions[key] {
		if ex.Consume(now) {
			return true
		}
	}
	return false
}

func (m *Manager) lookup(approvalID uuid.UUID) *approval.Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[approvalID]
}

func (m *Manager) collect(keep func(approval.Snapshot) bool) []approval.Snapshot {
	m.mu.RLock()
	requests := make([]*approval.Request, 0, len(m.byID))
	for _, ar := range m.byID {
		requests = append(requests, ar)
	}
	m.mu.RUnlock()

	out := make([]approval.Snapshot, 0)
	for _, ar := range requests {
		snap := ar.Snapshot()
		if keep(snap) {
			out = append(out, snap)
		}
	}
	return out
}

func (m *Manager) persist(ctx context.Context, ar *approval.Request) {
	if m.repo == nil {
		return
	}
	if err := m.repo.SaveApproval(ctx, ar.Snapshot()); err != nil {
		m.logger.Warn("approval persist failed",
			zap.String("approval_id", ar.ID.String()),
			zap.Error(err))
	}
}

func resultFromError(err error) Result {
	switch {
	case errors.IsType(err, errors.ErrorTypeExpired):
		return Result{OK: false, Message: "expired"}
	case errors.IsType(err, errors.ErrorTypeForbidden):
		return Result{OK: false, Message: err.Error()}
	case errors.IsType(err, errors.ErrorTypeConflict):
		return Result{OK: false, Message: err.Error()}
	default:
		return Result{OK: false, Message: err.Error()}
	}
}
