package trust

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marketsage/governance/internal/domain/operation"
)

// Pattern is one learned decision/outcome tuple in a user's rolling history.
type Pattern struct {
	OperationID uuid.UUID           `json:"operation_id"`
	Signature   string              `json:"signature"`
	RiskLevel   operation.RiskLevel `json:"risk_level"`
	Approved    bool                `json:"approved"`
	Outcome     *operation.Outcome  `json:"outcome,omitempty"`
	At          time.Time           `json:"at"`
}

// Profile is a derived snapshot of a user's trust standing.
type Profile struct {
	UserID        uuid.UUID `json:"user_id"`
	TrustScore    float64   `json:"trust_score"`
	SuccessRate   float64   `json:"success_rate"`
	SampleCount   int       `json:"sample_count"`
	TopSignatures []string  `json:"top_signatures"`
	ComputedAt    time.Time `json:"computed_at"`
}

// Repository persists learning patterns for cold-start rehydration. Writes
// are best-effort; a failed write never blocks the decision path.
type Repository interface {
	SavePattern(ctx context.Context, userID uuid.UUID, p Pattern) error
	ListPatterns(ctx context.Context, since time.Time) (map[uuid.UUID][]Pattern, error)
}

// Config tunes the learning window.
type Config struct {
	Retention   time.Duration // rolling pattern window
	MaxPatterns int           // per-user bound regardless of age
	MinSamples  int           // below this the score stays neutral
	TopN        int           // signatures considered "habitual"
}

// DefaultConfig returns the stock learning parameters.
func DefaultConfig() Config {
	return Config{
		Retention:   90 * 24 * time.Hour,
		MaxPatterns: 200,
		MinSamples:  5,
		TopN:        5,
	}
}

type userHistory struct {
	mu       sync.Mutex
	patterns []Pattern
	score    float64
}

// Store owns per-user rolling decision history and the derived trust score.
// The score is recomputed on outcome feedback and on a schedule, never
// read-modified without the per-user lock.
type Store struct {
	cfg    Config
	repo   Repository
	logger *zap.Logger

	mu    sync.RWMutex
	users map[uuid.UUID]*userHistory

	jobMu         sync.Mutex
	recomputeTick *time.Ticker
	recomputeStop chan struct{}
}

// NewStore creates a trust store. repo may be nil for a purely in-memory run.
func NewStore(cfg Config, repo Repository, logger *zap.Logger) *Store {
	if cfg.Retention <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.TopN <= 0 {
		cfg.TopN = DefaultConfig().TopN
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cfg:    cfg,
		repo:   repo,
		logger: logger,
		users:  make(map[uuid.UUID]*userHistory),
	}
}

// Rehydrate loads retained patterns from the repository on cold start.
func (s *Store) Rehydrate(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	byUser, err := s.repo.ListPatterns(ctx, time.Now().Add(-s.cfg.Retention))
	if err != nil {
		return err
	}
	for userID, patterns := range byUser {
		h := s.history(userID)
		h.mu.Lock()
		h.patterns = patterns
		h.score = s.computeLocked(h, time.Now())
		h.mu.Unlock()
	}
	s.logger.Info("trust store rehydrated", zap.Int("users", len(byUser)))
	return nil
}

func (s *Store) history(userID uuid.UUID) *userHistory {
	s.mu.RLock()
	h, ok := s.users[userID]
	s.mu.RUnlock()
	if ok {
		return h
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok = s.users[userID]; ok {
		return h
	}
	h = &userHistory{score: neutralScore}
	s.users[userID] = h
	return h
}

const neutralScore = 0.5

// RecordDecision appends a decision to the user's history.
func (s *Store) RecordDecision(ctx context.Context, userID, operationID uuid.UUID, signature string, risk operation.RiskLevel, approved bool) {
	p := Pattern{
		OperationID: operationID,
		Signature:   signature,
		RiskLevel:   risk,
		Approved:    approved,
		At:          time.Now().UTC(),
	}

	h := s.history(userID)
	h.mu.Lock()
	h.patterns = append(h.patterns, p)
	s.pruneLocked(h, time.Now())
	h.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.SavePattern(ctx, userID, p); err != nil {
			s.logger.Warn("pattern persist failed", zap.Error(err))
		}
	}
}

// RecordOutcome attaches an outcome to the pattern for the operation and
// recomputes the trust score. An unknown operation id records a standalone
// outcome entry so late feedback still counts.
func (s *Store) RecordOutcome(ctx context.Context, userID, operationID uuid.UUID, outcome operation.Outcome) {
	h := s.history(userID)
	h.mu.Lock()

	found := false
	for i := range h.patterns {
		if h.patterns[i].OperationID == operationID {
			h.patterns[i].Outcome = &outcome
			found = true
			break
		}
	}
	if !found {
		o := outcome
		h.patterns = append(h.patterns, Pattern{
			OperationID: operationID,
			Outcome:     &o,
			At:          time.Now().UTC(),
		})
	}
	s.pruneLocked(h, time.Now())
	h.score = s.computeLocked(h, time.Now())
	h.mu.Unlock()

	if s.repo != nil && !found {
		if err := s.repo.SavePattern(ctx, userID, Pattern{OperationID: operationID, Outcome: &outcome, At: time.Now().UTC()}); err != nil {
			s.logger.Warn("pattern persist failed", zap.Error(err))
		}
	}
}

// Score returns the user's current trust score, always within [0,1].
func (s *Store) Score(userID uuid.UUID) float64 {
	h := s.history(userID)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.score
}

// SuccessRate returns successes over outcome-bearing samples, or 0 when no
// outcomes are retained.
func (s *Store) SuccessRate(userID uuid.UUID) float64 {
	h := s.history(userID)
	h.mu.Lock()
	defer h.mu.Unlock()

	successes, _, _, total := s.countsLocked(h, time.Now())
	if total == 0 {
		return 0
	}
	return float64(successes) / float64(total)
}

// GetProfile returns a derived snapshot of the user's standing.
func (s *Store) GetProfile(userID uuid.UUID) Profile {
	h := s.history(userID)
	h.mu.Lock()
	defer h.mu.Unlock()

	successes, _, _, total := s.countsLocked(h, time.Now())
	successRate := 0.0
	if total > 0 {
		successRate = float64(successes) / float64(total)
	}

	return Profile{
		UserID:        userID,
		TrustScore:    h.score,
		SuccessRate:   successRate,
		SampleCount:   total,
		TopSignatures: s.topSignaturesLocked(h),
		ComputedAt:    time.Now().UTC(),
	}
}

// MatchesHabit reports whether the signature is among the user's most
// frequent historical signatures.
func (s *Store) MatchesHabit(userID uuid.UUID, signature string) bool {
	h := s.history(userID)
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sig := range s.topSignaturesLocked(h) {
		if sig == signature {
			return true
		}
	}
	return false
}

// RecomputeAll prunes aged patterns and refreshes every cached score.
// Safe to run concurrently with request-path updates.
func (s *Store) RecomputeAll() {
	s.mu.RLock()
	ids := make([]uuid.UUID, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	now := time.Now()
	for _, id := range ids {
		h := s.history(id)
		h.mu.Lock()
		s.pruneLocked(h, now)
		h.score = s.computeLocked(h, now)
		h.mu.Unlock()
	}

	s.logger.Debug("trust scores recomputed", zap.Int("users", len(ids)))
}

// StartRecompute runs RecomputeAll on a schedule until StopRecompute.
func (s *Store) StartRecompute(interval time.Duration) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	if s.recomputeTick != nil {
		return
	}

	s.recomputeTick = time.NewTicker(interval)
	s.recomputeStop = make(chan struct{})

	go func(ticker *time.Ticker, stop chan struct{}) {
		for {
			select {
			case <-ticker.C:
				s.RecomputeAll()
			case <-stop:
				return
			}
		}
	}(s.recomputeTick, s.recomputeStop)

	s.logger.Info("trust recompute job started", zap.Duration("interval", interval))
}

// StopRecompute stops the background recompute job.
func (s *Store) StopRecompute() {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	if s.recomputeTick == nil {
		return
	}
	s.recomputeTick.Stop()
	close(s.recomputeStop)
	s.recomputeTick = nil
	s.logger.Info("trust recompute job stopped")
}

// computeLocked derives the trust score:
// clamp(successRate - 0.1*rollbacks - 0.2*failures, 0, 1), neutral 0.5 below
// the minimum sample count. Caller holds h.mu.
func (s *Store) computeLocked(h *userHistory, now time.Time) float64 {
	successes, failures, rollbacks, total := s.countsLocked(h, now)
	if total < s.cfg.MinSamples {
		return neutralScore
	}

	successRate := float64(successes) / float64(total)
	score := successRate - 0.1*float64(rollbacks) - 0.2*float64(failures)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func (s *Store) countsLocked(h *userHistory, now time.Time) (successes, failures, rollbacks, total int) {
	cutoff := now.Add(-s.cfg.Retention)
	for _, p := range h.patterns {
		if p.At.Before(cutoff) || p.Outcome == nil {
			continue
		}
		total++
		switch *p.Outcome {
		case operation.OutcomeSuccess:
			successes++
		case operation.OutcomeFailure:
			failures++
		case operation.OutcomeRollback:
			rollbacks++
		}
	}
	return
}

func (s *Store) topSignaturesLocked(h *userHistory) []string {
	counts := make(map[string]int)
	for _, p := range h.patterns {
		if p.Signature != "" {
			counts[p.Signature]++
		}
	}

	sigs := make([]string, 0, len(counts))
	for sig := range counts {
		sigs = append(sigs, sig)
	}
	sort.Slice(sigs, func(i, j int) bool {
		if counts[sigs[i]] != counts[sigs[j]] {
			return counts[sigs[i]] > counts[sigs[j]]
		}
		return sigs[i] < sigs[j]
	})

	if len(sigs) > s.cfg.TopN {
		sigs = sigs[:s.cfg.TopN]
	}
	return sigs
}

func (s *Store) pruneLocked(h *userHistory, now time.Time) {
	cutoff := now.Add(-s.cfg.Retention)
	kept := h.patterns[:0]
	for _, p := range h.patterns {
		if !p.At.Before(cutoff) {
			kept = append(kept, p)
		}
	}
	h.patterns = kept

	if len(h.patterns) > s.cfg.MaxPatterns {
		h.patterns = h.patterns[len(h.patterns)-s.cfg.MaxPatterns:]
	}
}
