package compensation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketsage/governance/internal/domain/errors"
	"github.com/marketsage/governance/internal/domain/operation"
	"github.com/marketsage/governance/internal/domain/rollback"
)

func planRequest(t *testing.T, opType operation.Type, entity, action string, params map[string]interface{}) *operation.Request {
	t.Helper()
	req, err := operation.NewRequest(uuid.New(), operation.RoleAdmin, opType, entity, action,
		operation.RequestContext{SessionID: "sess-1"})
	require.NoError(t, err)
	for k, v := range params {
		req.Parameters[k] = v
	}
	return req
}

func TestPlanClassification(t *testing.T) {
	o := NewOrchestrator(DefaultConfig(), nil, nil)

	tests := []struct {
		name   string
		opType operation.Type
		params map[string]interface{}
		risk   operation.RiskLevel
		want   rollback.StrategyKind
	}{
		{"update is automatic", operation.TypeUpdate, nil, operation.RiskMedium, rollback.KindAutomatic},
		{"create is automatic", operation.TypeCreate, nil, operation.RiskLow, rollback.KindAutomatic},
		{"critical update is manual", operation.TypeUpdate, nil, operation.RiskCritical, rollback.KindManual},
		{"delete without backup is impossible", operation.TypeDelete, nil, operation.RiskHigh, rollback.KindImpossible},
		{"delete with backup is automatic", operation.TypeDelete, map[string]interface{}{"backupId": "bkp-77"}, operation.RiskMedium, rollback.KindAutomatic},
		{"bulk without backup is impossible", operation.TypeBulkOp, nil, operation.RiskMedium, rollback.KindImpossible},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := planRequest(t, tt.opType, "contact", "do_thing", tt.params)
			strategy := o.Plan(req, tt.risk)
			require.NotNil(t, strategy)
			assert.Equal(t, tt.want, strategy.Kind)
		})
	}
}

func TestPlanWindows(t *testing.T) {
	o := NewOrchestrator(DefaultConfig(), nil, nil)

	auto := o.Plan(planRequest(t, operation.TypeUpdate, "campaign", "update_campaign", nil), operation.RiskMedium)
	require.NotNil(t, auto)
	assert.Equal(t, 24*time.Hour, auto.TimeLimit)

	manual := o.Plan(planRequest(t, operation.TypeUpdate, "campaign", "update_campaign", nil), operation.RiskCritical)
	require.NotNil(t, manual)
	assert.Equal(t, 72*time.Hour, manual.TimeLimit)
}

func TestPlanStepsByType(t *testing.T) {
	o := NewOrchestrator(DefaultConfig(), nil, nil)

	create := o.Plan(planRequest(t, operation.TypeCreate, "segment", "create_segment", nil), operation.RiskLow)
	require.Len(t, create.Steps, 1)
	assert.Equal(t, "DELETE", create.Steps[0].Action)

	send := o.Plan(planRequest(t, operation.TypeSend, "email", "send_blast", nil), operation.RiskMedium)
	require.Len(t, send.Steps, 2)
	assert.Equal(t, "HALT_CAMPAIGN", send.Steps[0].Action)
	assert.True(t, send.Steps[0].Critical)
	assert.Equal(t, "RETRACT", send.Steps[1].Action)
	assert.False(t, send.Steps[1].Critical)

	escalate := o.Plan(planRequest(t, operation.TypeEscalate, "user", "grant_role", nil), operation.RiskHigh)
	require.Len(t, escalate.Steps, 1)
	assert.Equal(t, "REVOKE_ROLE", escalate.Steps[0].Action)
}

func TestExecuteHappyPath(t *testing.T) {
	o := NewOrchestrator(DefaultConfig(), nil, nil)

	req := planRequest(t, operation.TypeUpdate, "campaign", "update_campaign", nil)
	strategy := o.Plan(req, operation.RiskMedium)
	o.Register(strategy)

	exec, err := o.Execute(context.Background(), req.ID, "bad segment targeting", uuid.New())
	require.NoError(t, err)
	assert.Equal(t, rollback.ExecutionRolledBack, exec.Status)
	require.Len(t, exec.Results, 1)
	assert.True(t, exec.Results[0].Succeeded)

	got, ok := o.GetExecution(req.ID)
	require.True(t, ok)
	assert.Equal(t, exec.ID, got.ID)
}

func TestExecuteSingleUse(t *testing.T) {
	o := NewOrchestrator(DefaultConfig(), nil, nil)

	req := planRequest(t, operation.TypeUpdate, "campaign", "update_campaign", nil)
	o.Register(o.Plan(req, operation.RiskMedium))

	_, err := o.Execute(context.Background(), req.ID, "first attempt", uuid.New())
	require.NoError(t, err)

	_, err = o.Execute(context.Background(), req.ID, "second attempt", uuid.New())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
}

func TestExecuteImpossibleStrategy(t *testing.T) {
	o := NewOrchestrator(DefaultConfig(), nil, nil)

	req := planRequest(t, operation.TypeDelete, "contact", "delete_contact", nil)
	o.Register(o.Plan(req, operation.RiskHigh))

	_, err := o.Execute(context.Background(), req.ID, "undo deletion", uuid.New())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeForbidden))
}

func TestExecuteUnknownOperation(t *testing.T) {
	o := NewOrchestrator(DefaultConfig(), nil, nil)
	_, err := o.Execute(context.Background(), uuid.New(), "nothing registered", uuid.New())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

type scriptedExecutor struct {
	failActions map[string]error
	calls       []string
}

func (e *scriptedExecutor) ExecuteStep(_ context.Context, _ uuid.UUID, step rollback.Step) error {
	e.calls = append(e.calls, step.Action)
	return e.failActions[step.Action]
}

func TestExecuteCriticalStepFailureAborts(t *testing.T) {
	executor := &scriptedExecutor{failActions: map[string]error{"HALT_CAMPAIGN": assert.AnError}}
	o := NewOrchestrator(DefaultConfig(), executor, nil)

	req := planRequest(t, operation.TypeSend, "email", "send_blast", nil)
	o.Register(o.Plan(req, operation.RiskMedium))

	exec, err := o.Execute(context.Background(), req.ID, "retract blast", uuid.New())
	require.NoError(t, err)
	assert.Equal(t, rollback.ExecutionFailed, exec.Status)

	require.Len(t, exec.Results, 2)
	assert.False(t, exec.Results[0].Succeeded)
	assert.NotEmpty(t, exec.Results[0].Error)
	assert.True(t, exec.Results[1].Skipped)

	// The second step never reached the executor.
	assert.Equal(t, []string{"HALT_CAMPAIGN"}, executor.calls)
}

func TestExecuteNonCriticalFailureContinues(t *testing.T) {
	executor := &scriptedExecutor{failActions: map[string]error{"RETRACT": assert.AnError}}
	o := NewOrchestrator(DefaultConfig(), executor, nil)

	req := planRequest(t, operation.TypeSend, "email", "send_blast", nil)
	o.Register(o.Plan(req, operation.RiskMedium))

	exec, err := o.Execute(context.Background(), req.ID, "retract blast", uuid.New())
	require.NoError(t, err)
	assert.Equal(t, rollback.ExecutionRolledBack, exec.Status)

	require.Len(t, exec.Results, 2)
	assert.True(t, exec.Results[0].Succeeded)
	assert.False(t, exec.Results[1].Succeeded)
	assert.False(t, exec.Results[1].Skipped)
}

func TestCaptureSnapshot(t *testing.T) {
	o := NewOrchestrator(DefaultConfig(), nil, nil)

	req := planRequest(t, operation.TypeUpdate, "campaign", "update_campaign", nil)
	strategy := o.Plan(req, operation.RiskMedium)
	o.Register(strategy)

	state := map[string]interface{}{"status": "active", "budget": 1200}
	require.NoError(t, o.CaptureSnapshot(req.ID, state))
	assert.Equal(t, state, strategy.Snapshot)

	// Snapshots cannot change once the rollback happened.
	_, err := o.Execute(context.Background(), req.ID, "undo edit", uuid.New())
	require.NoError(t, err)
	err = o.CaptureSnapshot(req.ID, map[string]interface{}{"status": "paused"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

	assert.True(t, errors.IsType(o.CaptureSnapshot(uuid.New(), nil), errors.ErrorTypeNotFound))
}

func TestExpireStale(t *testing.T) {
	o := NewOrchestrator(DefaultConfig(), nil, nil)

	fresh := planRequest(t, operation.TypeUpdate, "campaign", "update_campaign", nil)
	used := planRequest(t, operation.TypeUpdate, "campaign", "update_campaign", nil)
	o.Register(o.Plan(fresh, operation.RiskMedium))
	o.Register(o.Plan(used, operation.RiskMedium))

	_, err := o.Execute(context.Background(), used.ID, "undo edit", uuid.New())
	require.NoError(t, err)

	// Inside the window nothing expires.
	assert.Equal(t, 0, o.ExpireStale(time.Now()))

	// Past the window only the unused capability is dropped.
	assert.Equal(t, 1, o.ExpireStale(time.Now().Add(25*time.Hour)))
}

func TestJanitorDropsLapsedStrategies(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutomaticWindow = 20 * time.Millisecond
	o := NewOrchestrator(cfg, nil, nil)

	req := planRequest(t, operation.TypeUpdate, "campaign", "update_campaign", nil)
	o.Register(o.Plan(req, operation.RiskMedium))

	o.StartJanitor(10 * time.Millisecond)
	o.StartJanitor(10 * time.Millisecond) // second start is a no-op
	defer o.StopJanitor()

	// Let the capability lapse so the probe below cannot consume it.
	time.Sleep(30 * time.Millisecond)

	assert.Eventually(t, func() bool {
		_, err := o.Execute(context.Background(), req.ID, "undo edit", uuid.New())
		return errors.IsType(err, errors.ErrorTypeNotFound)
	}, time.Second, 5*time.Millisecond)

	o.StopJanitor()
	o.StopJanitor() // idempotent
}
