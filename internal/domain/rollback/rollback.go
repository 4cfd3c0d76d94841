package rollback

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marketsage/governance/internal/domain/errors"
	"github.com/marketsage/governance/internal/domain/operation"
)

// StrategyKind classifies how an operation can be compensated.
type StrategyKind int

const (
	KindAutomatic StrategyKind = iota
	KindManual
	KindImpossible
)

func (k StrategyKind) String() string {
	switch k {
	case KindAutomatic:
		return "automatic"
	case KindManual:
		return "manual"
	case KindImpossible:
		return "impossible"
	default:
		return "unknown"
	}
}

// Step is one compensating action. A critical step failing aborts the rest
// of the plan; a non-critical failure is logged and execution continues.
type Step struct {
	Order       int                    `json:"order"`
	Description string                 `json:"description"`
	Action      string                 `json:"action"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Critical    bool                   `json:"critical"`
}

// Strategy is a precomputed compensating plan for one operation. It is
// consumed at most once, after which it becomes immutable history, and its
// capability lapses after TimeLimit even if never invoked.
type Strategy struct {
	ID           uuid.UUID           `json:"id"`
	OperationID  uuid.UUID           `json:"operation_id"`
	Kind         StrategyKind        `json:"kind"`
	RiskLevel    operation.RiskLevel `json:"risk_level"`
	Steps        []Step              `json:"steps"`
	Dependencies []string            `json:"dependencies,omitempty"`
	TimeLimit    time.Duration       `json:"time_limit"`
	CreatedAt    time.Time           `json:"created_at"`

	// Snapshot holds prior state captured before the original operation
	// executed; required to compensate an UPDATE.
	Snapshot map[string]interface{} `json:"snapshot,omitempty"`

	mu        sync.Mutex
	performed bool
}

// NewStrategy builds a compensating plan.
func NewStrategy(operationID uuid.UUID, kind StrategyKind, risk operation.RiskLevel, steps []Step, timeLimit time.Duration) (*Strategy, error) {
	if operationID == uuid.Nil {
		return nil, errors.NewValidationError("MISSING_OPERATION", "operation ID is required")
	}
	if kind != KindImpossible && len(steps) == 0 {
		return nil, errors.NewValidationError("MISSING_STEPS", "a viable strategy needs at least one step")
	}
	if timeLimit <= 0 {
		timeLimit = 24 * time.Hour
	}

	return &Strategy{
		ID:          uuid.New(),
		OperationID: operationID,
		Kind:        kind,
		RiskLevel:   risk,
		Steps:       steps,
		TimeLimit:   timeLimit,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Deadline is when the rollback capability lapses.
func (s *Strategy) Deadline() time.Time {
	return s.CreatedAt.Add(s.TimeLimit)
}

// Consume atomically claims the capability. It fails when the strategy is
// impossible, already performed, or past its time limit.
func (s *Strategy) Consume(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Kind == KindImpossible {
		return errors.NewForbiddenError("rollback is impossible for this operation")
	}
	if s.performed {
		return errors.NewConflictError("rollback capability already consumed")
	}
	if now.After(s.Deadline()) {
		return errors.NewExpiredError("rollback capability")
	}

	s.performed = true
	return nil
}

// Performed reports whether the capability was consumed.
func (s *Strategy) Performed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.performed
}

// ExecutionStatus is the terminal state of a rollback run.
type ExecutionStatus int

const (
	ExecutionRolledBack ExecutionStatus = iota
	ExecutionFailed
	ExecutionUnavailable
)

func (s ExecutionStatus) String() string {
	switch s {
	case ExecutionRolledBack:
		return "rolled_back"
	case ExecutionFailed:
		return "failed"
	case ExecutionUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// StepResult records the outcome of one executed step.
type StepResult struct {
	Step      Step      `json:"step"`
	Succeeded bool      `json:"succeeded"`
	Skipped   bool      `json:"skipped"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Execution is the immutable record of a rollback attempt, including the
// partial trail when a critical step aborted the plan.
type Execution struct {
	ID          uuid.UUID       `json:"id"`
	StrategyID  uuid.UUID       `json:"strategy_id"`
	OperationID uuid.UUID       `json:"operation_id"`
	ActorID     uuid.UUID       `json:"actor_id"`
	Reason      string          `json:"reason"`
	Status      ExecutionStatus `json:"status"`
	Results     []StepResult    `json:"results"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}
