package compensation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marketsage/governance/internal/domain/errors"
	"github.com/marketsage/governance/internal/domain/operation"
	"github.com/marketsage/governance/internal/domain/rollback"
)

// StepExecutor performs one compensating step against the business execution
// engine. It is an external collaborator; the orchestrator only sequences.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, operationID uuid.UUID, step rollback.Step) error
}

// Config tunes rollback windows.
type Config struct {
	AutomaticWindow time.Duration
	ManualWindow    time.Duration
}

// DefaultConfig returns the stock rollback windows.
func DefaultConfig() Config {
	return Config{
		AutomaticWindow: 24 * time.Hour,
		ManualWindow:    72 * time.Hour,
	}
}

// Orchestrator generates operation-type-specific compensating plans and
// executes them on demand, recording success or failure per step.
type Orchestrator struct {
	cfg      Config
	executor StepExecutor
	logger   *zap.Logger

	mu         sync.Mutex
	strategies map[uuid.UUID]*rollback.Strategy
	executions map[uuid.UUID]*rollback.Execution // by operation id

	jobMu       sync.Mutex
	janitorTick *time.Ticker
	janitorStop chan struct{}
}

// NewOrchestrator creates a rollback orchestrator. executor may be nil, in
// which case steps are recorded as executed without side effects (useful for
// dry runs and tests).
func NewOrchestrator(cfg Config, executor StepExecutor, logger *zap.Logger) *Orchestrator {
	if cfg.AutomaticWindow <= 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:        cfg,
		executor:   executor,
		logger:     logger,
		strategies: make(map[uuid.UUID]*rollback.Strategy),
		executions: make(map[uuid.UUID]*rollback.Execution),
	}
}

// Plan generates the candidate strategy for a request: impossible for pure
// deletions of irrecoverable data (unless a backup snapshot exists), manual
// for critical risk, automatic otherwise. Implements the assessor's
// RollbackPlanner.
func (o *Orchestrator) Plan(req *operation.Request, risk operation.RiskLevel) *rollback.Strategy {
	kind := o.classify(req, risk)
	window := o.cfg.AutomaticWindow
	if kind == rollback.KindManual {
		window = o.cfg.ManualWindow
	}

	steps := o.generateSteps(req, kind)
	strategy, err := rollback.NewStrategy(req.ID, kind, risk, steps, window)
	if err != nil {
		o.logger.Warn("strategy generation failed",
			zap.String("operation_id", req.ID.String()),
			zap.Error(err))
		return nil
	}
	return strategy
}

func (o *Orchestrator) classify(req *operation.Request, risk operation.RiskLevel) rollback.StrategyKind {
	if req.Type == operation.TypeDelete || req.Type == operation.TypeBulkOp {
		if req.StringParam("backupId") == "" {
			return rollback.KindImpossible
		}
	}
	if risk == operation.RiskCritical {
		return rollback.KindManual
	}
	return rollback.KindAutomatic
}

func (o *Orchestrator) generateSteps(req *operation.Request, kind rollback.StrategyKind) []rollback.Step {
	if kind == rollback.KindImpossible {
		return nil
	}

	switch req.Type {
	case operation.TypeCreate:
		return []rollback.Step{{
			Order:       1,
			Description: fmt.Sprintf("delete the created %s", req.TargetEntity),
			Action:      "DELETE",
			Parameters:  map[string]interface{}{"entity": req.TargetEntity, "createdIdFrom": "execution_result"},
			Critical:    true,
		}}

	case operation.TypeUpdate:
		return []rollback.Step{{
			Order:       1,
			Description: fmt.Sprintf("restore prior state of %s from snapshot", req.TargetEntity),
			Action:      "RESTORE_SNAPSHOT",
			Parameters:  map[string]interface{}{"entity": req.TargetEntity},
			Critical:    true,
		}}

	case operation.TypeDelete, operation.TypeBulkOp:
		return []rollback.Step{{
			Order:       1,
			Description: fmt.Sprintf("restore %s from backup %s", req.TargetEntity, req.StringParam("backupId")),
			Action:      "RESTORE_BACKUP",
			Parameters:  map[string]interface{}{"backupId": req.StringParam("backupId")},
			Critical:    true,
		}}

	case operation.TypeEscalate:
		return []rollback.Step{{
			Order:       1,
			Description: "revoke the granted role",
			Action:      "REVOKE_ROLE",
			Parameters:  map[string]interface{}{"entity": req.TargetEntity},
			Critical:    true,
		}}

	case operation.TypeSend:
		return []rollback.Step{
			{
				Order:       1,
				Description: "halt remaining sends",
				Action:      "HALT_CAMPAIGN",
				Critical:    true,
			},
			{
				Order:       2,
				Description: "notify recipients of retraction where supported",
				Action:      "RETRACT",
				Critical:    false,
			},
		}

	default:
		return []rollback.Step{{
			Order:       1,
			Description: fmt.Sprintf("reverse %s on %s", req.Action, req.TargetEntity),
			Action:      "REVERSE",
			Critical:    true,
		}}
	}
}

// Register stores a strategy under its operation so PerformRollback can find
// it later. Called once the gated operation completed (or failed).
func (o *Orchestrator) Register(strategy *rollback.Strategy) {
	if strategy == nil {
		return
	}
	o.mu.Lock()
	o.strategies[strategy.OperationID] = strategy
	o.mu.Unlock()
}

// CaptureSnapshot attaches the pre-operation state to the registered
// strategy. Snapshots must be captured before the original operation
// executes, not after.
func (o *Orchestrator) CaptureSnapshot(operationID uuid.UUID, state map[string]interface{}) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	strategy, ok := o.strategies[operationID]
	if !ok {
		return errors.NewNotFoundError("rollback strategy")
	}
	if strategy.Performed() {
		return errors.NewConflictError("rollback already performed, snapshot is history")
	}
	strategy.Snapshot = state
	return nil
}

// Execute consumes the strategy's capability and runs its steps in declared
// order. A critical step failing aborts the remaining steps and marks the
// rollback failed with the partial trail retained; a non-critical failure is
// logged and execution continues.
func (o *Orchestrator) Execute(ctx context.Context, operationID uuid.UUID, reason string, actorID uuid.UUID) (*rollback.Execution, error) {
	o.mu.Lock()
	strategy, ok := o.strategies[operationID]
	o.mu.Unlock()
	if !ok {
		return nil, errors.NewNotFoundError("rollback strategy")
	}

	if err := strategy.Consume(time.Now()); err != nil {
		return nil, err
	}

	exec := &rollback.Execution{
		ID:          uuid.New(),
		StrategyID:  strategy.ID,
		OperationID: operationID,
		ActorID:     actorID,
		Reason:      reason,
		Status:      rollback.ExecutionRolledBack,
		StartedAt:   time.Now().UTC(),
	}

	aborted := false
	for _, step := range strategy.Steps {
		if aborted {
			exec.Results = append(exec.Results, rollback.StepResult{
				Step: step, Skipped: true, At: time.Now().UTC(),
			})
			continue
		}

		err := o.runStep(ctx, operationID, step)
		result := rollback.StepResult{Step: step, Succeeded: err == nil, At: time.Now().UTC()}
		if err != nil {
			result.Error = err.Error()
			if step.Critical {
				o.logger.Error("critical rollback step failed, aborting",
					zap.String("operation_id", operationID.String()),
					zap.String("action", step.Action),
					zap.Error(err))
				exec.Status = rollback.ExecutionFailed
				aborted = true
			} else {
				o.logger.Warn("non-critical rollback step failed, continuing",
					zap.String("operation_id", operationID.String()),
					zap.String("action", step.Action),
					zap.Error(err))
			}
		}
		exec.Results = append(exec.Results, result)
	}
	exec.FinishedAt = time.Now().UTC()

	o.mu.Lock()
	o.executions[operationID] = exec
	o.mu.Unlock()

	o.logger.Info("rollback executed",
		zap.String("operation_id", operationID.String()),
		zap.String("status", exec.Status.String()),
		zap.Int("steps", len(exec.Results)))

	return exec, nil
}

func (o *Orchestrator) runStep(ctx context.Context, operationID uuid.UUID, step rollback.Step) error {
	if o.executor == nil {
		return nil
	}
	return o.executor.ExecuteStep(ctx, operationID, step)
}

// GetExecution returns the recorded rollback attempt for an operation.
func (o *Orchestrator) GetExecution(operationID uuid.UUID) (*rollback.Execution, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	exec, ok := o.executions[operationID]
	return exec, ok
}

// ExpireStale drops strategies whose capability lapsed unused. Returns how
// many expired. Safe to run on a schedule alongside request-path calls.
func (o *Orchestrator) ExpireStale(now time.Time) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	expired := 0
	for id, strategy := range o.strategies {
		if strategy.Performed() {
			continue
		}
		if now.After(strategy.Deadline()) {
			delete(o.strategies, id)
			expired++
		}
	}

	if expired > 0 {
		o.logger.Info("expired unused rollback capabilities", zap.Int("count", expired))
	}
	return expired
}

// StartJanitor drops lapsed strategies on a schedule until StopJanitor.
func (o *Orchestrator) StartJanitor(interval time.Duration) {
	o.jobMu.Lock()
	defer o.jobMu.Unlock()
	if o.janitorTick != nil {
		return
	}

	o.janitorTick = time.NewTicker(interval)
	o.janitorStop = make(chan struct{})

	go func(ticker *time.Ticker, stop chan struct{}) {
		for {
			select {
			case <-ticker.C:
				o.ExpireStale(time.Now())
			case <-stop:
				return
			}
		}
	}(o.janitorTick, o.janitorStop)

	o.logger.Info("rollback janitor started", zap.Duration("interval", interval))
}

// StopJanitor stops the background expiry job.
func (o *Orchestrator) StopJanitor() {
	o.jobMu.Lock()
	defer o.jobMu.Unlock()
	if o.janitorTick == nil {
		return
	}
	o.janitorTick.Stop()
	close(o.janitorStop)
	o.janitorTick = nil
	o.logger.Info("rollback janitor stopped")
}
