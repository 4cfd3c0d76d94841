package trust

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketsage/governance/internal/domain/operation"
)

func record(s *Store, userID uuid.UUID, signature string, outcome operation.Outcome) {
	opID := uuid.New()
	s.RecordDecision(context.Background(), userID, opID, signature, operation.RiskLow, true)
	s.RecordOutcome(context.Background(), userID, opID, outcome)
}

func TestScoreNeutralBelowMinSamples(t *testing.T) {
	s := NewStore(DefaultConfig(), nil, nil)
	userID := uuid.New()

	assert.InDelta(t, 0.5, s.Score(userID), 1e-9)

	for i := 0; i < 4; i++ {
		record(s, userID, "UPDATE:campaign:update_campaign", operation.OutcomeSuccess)
	}
	assert.InDelta(t, 0.5, s.Score(userID), 1e-9)
}

func TestScoreAllSuccesses(t *testing.T) {
	s := NewStore(DefaultConfig(), nil, nil)
	userID := uuid.New()

	for i := 0; i < 10; i++ {
		record(s, userID, "UPDATE:campaign:update_campaign", operation.OutcomeSuccess)
	}
	assert.InDelta(t, 1.0, s.Score(userID), 1e-9)
	assert.InDelta(t, 1.0, s.SuccessRate(userID), 1e-9)
}

func TestScorePenalizesFailuresAndRollbacks(t *testing.T) {
	s := NewStore(DefaultConfig(), nil, nil)
	userID := uuid.New()

	// 6 successes, 1 failure, 1 rollback over 8 samples.
	for i := 0; i < 6; i++ {
		record(s, userID, "SEND:email:send_blast", operation.OutcomeSuccess)
	}
	record(s, userID, "SEND:email:send_blast", operation.OutcomeFailure)
	record(s, userID, "SEND:email:send_blast", operation.OutcomeRollback)

	// 0.75 - 0.2*1 - 0.1*1
	assert.InDelta(t, 0.45, s.Score(userID), 1e-9)
	assert.InDelta(t, 0.75, s.SuccessRate(userID), 1e-9)
}

func TestScoreClampedAtZero(t *testing.T) {
	s := NewStore(DefaultConfig(), nil, nil)
	userID := uuid.New()

	for i := 0; i < 10; i++ {
		record(s, userID, "DELETE:contact:bulk_delete", operation.OutcomeFailure)
	}
	assert.Equal(t, 0.0, s.Score(userID))
}

func TestRecordOutcomeUnknownOperation(t *testing.T) {
	s := NewStore(DefaultConfig(), nil, nil)
	userID := uuid.New()

	// Late feedback for operations the store never saw still counts.
	for i := 0; i < 5; i++ {
		s.RecordOutcome(context.Background(), userID, uuid.New(), operation.OutcomeSuccess)
	}

	assert.InDelta(t, 1.0, s.Score(userID), 1e-9)
	assert.Equal(t, 5, s.GetProfile(userID).SampleCount)
}

func TestDecisionsWithoutOutcomeDoNotCount(t *testing.T) {
	s := NewStore(DefaultConfig(), nil, nil)
	userID := uuid.New()

	for i := 0; i < 20; i++ {
		s.RecordDecision(context.Background(), userID, uuid.New(), "UPDATE:segment:edit", operation.RiskLow, true)
	}

	assert.Equal(t, 0, s.GetProfile(userID).SampleCount)
	assert.InDelta(t, 0.5, s.Score(userID), 1e-9)
}

func TestMatchesHabit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TopN = 2
	s := NewStore(cfg, nil, nil)
	userID := uuid.New()

	for i := 0; i < 8; i++ {
		record(s, userID, "UPDATE:campaign:update_campaign", operation.OutcomeSuccess)
	}
	for i := 0; i < 5; i++ {
		record(s, userID, "SEND:email:send_blast", operation.OutcomeSuccess)
	}
	record(s, userID, "DELETE:contact:delete_contact", operation.OutcomeSuccess)

	assert.True(t, s.MatchesHabit(userID, "UPDATE:campaign:update_campaign"))
	assert.True(t, s.MatchesHabit(userID, "SEND:email:send_blast"))
	assert.False(t, s.MatchesHabit(userID, "DELETE:contact:delete_contact"))
	assert.False(t, s.MatchesHabit(userID, "EXPORT:report:export_report"))
}

func TestHabitMatchingWithPartialConfig(t *testing.T) {
	// A config that sets only the retention knobs must still produce
	// habitual-signature matches, or auto-approval can never fire.
	s := NewStore(Config{
		Retention:   90 * 24 * time.Hour,
		MaxPatterns: 200,
		MinSamples:  5,
	}, nil, nil)
	userID := uuid.New()

	for i := 0; i < 20; i++ {
		record(s, userID, "UPDATE:campaign:update_campaign", operation.OutcomeSuccess)
	}

	assert.True(t, s.MatchesHabit(userID, "UPDATE:campaign:update_campaign"))
	profile := s.GetProfile(userID)
	assert.NotEmpty(t, profile.TopSignatures)
	assert.InDelta(t, 1.0, profile.TrustScore, 1e-9)
}

func TestMaxPatternsBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPatterns = 10
	s := NewStore(cfg, nil, nil)
	userID := uuid.New()

	for i := 0; i < 30; i++ {
		record(s, userID, "UPDATE:campaign:update_campaign", operation.OutcomeSuccess)
	}

	assert.Equal(t, 10, s.GetProfile(userID).SampleCount)
}

func TestGetProfileTopSignatures(t *testing.T) {
	s := NewStore(DefaultConfig(), nil, nil)
	userID := uuid.New()

	for i := 0; i < 3; i++ {
		record(s, userID, "UPDATE:campaign:update_campaign", operation.OutcomeSuccess)
	}
	record(s, userID, "SEND:email:send_blast", operation.OutcomeSuccess)

	profile := s.GetProfile(userID)
	require.NotEmpty(t, profile.TopSignatures)
	assert.Equal(t, "UPDATE:campaign:update_campaign", profile.TopSignatures[0])
	assert.Equal(t, userID, profile.UserID)
}

type memoryPatternRepo struct {
	mu       sync.Mutex
	patterns map[uuid.UUID][]Pattern
}

func newMemoryPatternRepo() *memoryPatternRepo {
	return &memoryPatternRepo{patterns: make(map[uuid.UUID][]Pattern)}
}

func (r *memoryPatternRepo) SavePattern(_ context.Context, userID uuid.UUID, p Pattern) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns[userID] = append(r.patterns[userID], p)
	return nil
}

func (r *memoryPatternRepo) ListPatterns(_ context.Context, since time.Time) (map[uuid.UUID][]Pattern, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uuid.UUID][]Pattern, len(r.patterns))
	for id, ps := range r.patterns {
		kept := make([]Pattern, 0, len(ps))
		for _, p := range ps {
			if !p.At.Before(since) {
				kept = append(kept, p)
			}
		}
		if len(kept) > 0 {
			out[id] = kept
		}
	}
	return out, nil
}

func TestRehydrate(t *testing.T) {
	repo := newMemoryPatternRepo()
	userID := uuid.New()

	outcome := operation.OutcomeSuccess
	for i := 0; i < 6; i++ {
		require.NoError(t, repo.SavePattern(context.Background(), userID, Pattern{
			OperationID: uuid.New(),
			Signature:   "UPDATE:campaign:update_campaign",
			Approved:    true,
			Outcome:     &outcome,
			At:          time.Now().UTC(),
		}))
	}

	s := NewStore(DefaultConfig(), repo, nil)
	require.NoError(t, s.Rehydrate(context.Background()))

	assert.InDelta(t, 1.0, s.Score(userID), 1e-9)
	assert.Equal(t, 6, s.GetProfile(userID).SampleCount)
}

func TestRecomputeAllPrunesAgedPatterns(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retention = 50 * time.Millisecond
	cfg.MinSamples = 2
	s := NewStore(cfg, nil, nil)
	userID := uuid.New()

	for i := 0; i < 5; i++ {
		record(s, userID, "UPDATE:campaign:update_campaign", operation.OutcomeFailure)
	}
	assert.Equal(t, 0.0, s.Score(userID))

	time.Sleep(60 * time.Millisecond)
	s.RecomputeAll()

	// History aged out, back to neutral.
	assert.InDelta(t, 0.5, s.Score(userID), 1e-9)
	assert.Equal(t, 0, s.GetProfile(userID).SampleCount)
}

func TestRecomputeScheduler(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retention = 50 * time.Millisecond
	cfg.MinSamples = 2
	s := NewStore(cfg, nil, nil)
	userID := uuid.New()

	for i := 0; i < 5; i++ {
		record(s, userID, "UPDATE:campaign:update_campaign", operation.OutcomeFailure)
	}
	assert.Equal(t, 0.0, s.Score(userID))

	s.StartRecompute(10 * time.Millisecond)
	s.StartRecompute(10 * time.Millisecond) // second start is a no-op
	defer s.StopRecompute()

	assert.Eventually(t, func() bool {
		return s.GetProfile(userID).SampleCount == 0
	}, time.Second, 5*time.Millisecond)
	assert.InDelta(t, 0.5, s.Score(userID), 1e-9)

	s.StopRecompute()
	s.StopRecompute() // idempotent
}

func TestConcurrentRecording(t *testing.T) {
	s := NewStore(DefaultConfig(), nil, nil)
	userID := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				record(s, userID, "UPDATE:campaign:update_campaign", operation.OutcomeSuccess)
			}
		}()
	}
	wg.Wait()

	assert.InDelta(t, 1.0, s.Score(userID), 1e-9)
	assert.Equal(t, 200, s.GetProfile(userID).SampleCount)
}
