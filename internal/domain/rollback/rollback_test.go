package rollback

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketsage/governance/internal/domain/errors"
	"github.com/marketsage/governance/internal/domain/operation"
)

func newStrategy(t *testing.T, kind StrategyKind) *Strategy {
	t.Helper()
	var steps []Step
	if kind != KindImpossible {
		steps = []Step{{Order: 1, Description: "restore backup", Action: "RESTORE_BACKUP", Critical: true}}
	}
	s, err := NewStrategy(uuid.New(), kind, operation.RiskMedium, steps, time.Hour)
	require.NoError(t, err)
	return s
}

func TestNewStrategyValidation(t *testing.T) {
	_, err := NewStrategy(uuid.Nil, KindAutomatic, operation.RiskLow, []Step{{Order: 1}}, time.Hour)
	assert.Error(t, err)

	_, err = NewStrategy(uuid.New(), KindAutomatic, operation.RiskLow, nil, time.Hour)
	assert.Error(t, err, "viable strategy needs steps")

	s, err := NewStrategy(uuid.New(), KindImpossible, operation.RiskLow, nil, time.Hour)
	require.NoError(t, err, "impossible strategy carries no steps")
	assert.Equal(t, KindImpossible, s.Kind)
}

func TestNewStrategyDefaultTimeLimit(t *testing.T) {
	s, err := NewStrategy(uuid.New(), KindAutomatic, operation.RiskLow,
		[]Step{{Order: 1, Action: "DELETE"}}, 0)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, s.TimeLimit)
}

func TestConsumeOnce(t *testing.T) {
	s := newStrategy(t, KindAutomatic)
	now := time.Now()

	require.NoError(t, s.Consume(now))
	assert.True(t, s.Performed())

	err := s.Consume(now)
	require.Error(t, err, "capability is single use")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
}

func TestConsumeExpired(t *testing.T) {
	s := newStrategy(t, KindManual)

	err := s.Consume(s.Deadline().Add(time.Second))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExpired))
	assert.False(t, s.Performed())
}

func TestConsumeImpossible(t *testing.T) {
	s := newStrategy(t, KindImpossible)

	err := s.Consume(time.Now())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeForbidden))
}

func TestConsumeConcurrent(t *testing.T) {
	s := newStrategy(t, KindAutomatic)
	now := time.Now()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Consume(now) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one consumer claims the capability")
}

func TestStrategyKindString(t *testing.T) {
	assert.Equal(t, "automatic", KindAutomatic.String())
	assert.Equal(t, "manual", KindManual.String())
	assert.Equal(t, "impossible", KindImpossible.String())
}

func TestExecutionStatusString(t *testing.T) {
	assert.Equal(t, "rolled_back", ExecutionRolledBack.String())
	assert.Equal(t, "failed", ExecutionFailed.String())
	assert.Equal(t, "unavailable", ExecutionUnavailable.String())
}
