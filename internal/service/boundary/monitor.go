package boundary

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marketsage/governance/internal/domain/operation"
	"github.com/marketsage/governance/internal/domain/rules"
)

// Behavioral boundary rule ids. Boundary findings share the rule violation
// vocabulary so risk aggregation commutes with the static rule engine.
const (
	RuleHighFrequency = "high_frequency_operations"
	RuleHighErrorRate = "high_error_rate"
	RuleOffHours      = "off_hours_activity"
)

// Config tunes the behavioral thresholds.
type Config struct {
	TimelineSize       int           // bounded per-user history
	FrequencyThreshold int           // ops within FrequencyWindow that count as a spike
	FrequencyWindow    time.Duration
	ErrorRateThreshold float64 // failures/attempts within the session window
	MinAttempts        int     // attempts before the error rate is meaningful
	OffHoursStart      int     // local hour, inclusive
	OffHoursEnd        int     // local hour, exclusive
}

// DefaultConfig returns the stock boundary thresholds.
func DefaultConfig() Config {
	return Config{
		TimelineSize:       50,
		FrequencyThreshold: 10,
		FrequencyWindow:    60 * time.Second,
		ErrorRateThreshold: 0.5,
		MinAttempts:        4,
		OffHoursStart:      0,
		OffHoursEnd:        5,
	}
}

type timelineEntry struct {
	at        time.Time
	sessionID string
	failed    bool
}

type userTimeline struct {
	mu      sync.Mutex
	entries []timelineEntry
}

// Monitor keeps a bounded per-user rolling window of recent operations and
// flags frequency spikes, high error rates and off-hours activity at request
// time by scanning the timeline. State is partitioned per user so unrelated
// requests never serialize on one lock.
type Monitor struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.RWMutex
	timelines map[uuid.UUID]*userTimeline
}

// NewMonitor creates a boundary monitor.
func NewMonitor(cfg Config, logger *zap.Logger) *Monitor {
	if cfg.TimelineSize <= 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:       cfg,
		logger:    logger,
		timelines: make(map[uuid.UUID]*userTimeline),
	}
}

func (m *Monitor) timeline(userID uuid.UUID) *userTimeline {
	m.mu.RLock()
	tl, ok := m.timelines[userID]
	m.mu.RUnlock()
	if ok {
		return tl
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if tl, ok = m.timelines[userID]; ok {
		return tl
	}
	tl = &userTimeline{}
	m.timelines[userID] = tl
	return tl
}

// Record appends an operation to the user's timeline, evicting the oldest
// entry once the bound is reached.
func (m *Monitor) Record(userID uuid.UUID, sessionID string, failed bool, at time.Time) {
	tl := m.timeline(userID)
	tl.mu.Lock()
	defer tl.mu.Unlock()

	tl.entries = append(tl.entries, timelineEntry{at: at, sessionID: sessionID, failed: failed})
	if len(tl.entries) > m.cfg.TimelineSize {
		tl.entries = tl.entries[len(tl.entries)-m.cfg.TimelineSize:]
	}
}

// MarkFailure flips the most recent entry for the session to failed. Used by
// outcome feedback so error rates reflect execution results, not submissions.
func (m *Monitor) MarkFailure(userID uuid.UUID, sessionID string) {
	tl := m.timeline(userID)
	tl.mu.Lock()
	defer tl.mu.Unlock()

	for i := len(tl.entries) - 1; i >= 0; i-- {
		if tl.entries[i].sessionID == sessionID {
			tl.entries[i].failed = true
			return
		}
	}
}

// SessionCount returns how many timeline entries belong to the session.
func (m *Monitor) SessionCount(userID uuid.UUID, sessionID string) int {
	tl := m.timeline(userID)
	tl.mu.Lock()
	defer tl.mu.Unlock()

	count := 0
	for _, e := range tl.entries {
		if e.sessionID == sessionID {
			count++
		}
	}
	return count
}

// Check scans the requester's timeline and returns behavioral violations.
// It is evaluated at request time, not on a timer.
func (m *Monitor) Check(req *operation.Request) []rules.Violation {
	now := req.Context.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	tl := m.timeline(req.RequesterID)
	tl.mu.Lock()
	recent := 0
	sessionAttempts := 0
	sessionFailures := 0
	for _, e := range tl.entries {
		if now.Sub(e.at) <= m.cfg.FrequencyWindow {
			recent++
		}
		if e.sessionID == req.Context.SessionID {
			sessionAttempts++
			if e.failed {
				sessionFailures++
			}
		}
	}
	tl.mu.Unlock()

	violations := make([]rules.Violation, 0, 3)

	if recent > m.cfg.FrequencyThreshold {
		violations = append(violations, rules.Violation{
			RuleID:   RuleHighFrequency,
			Category: "behavioral",
			Severity: operation.RiskMedium,
			Reason: fmt.Sprintf("%d operations in the last %s exceeds %d",
				recent, m.cfg.FrequencyWindow, m.cfg.FrequencyThreshold),
			RequiresApproval: true,
		})
	}

	if sessionAttempts >= m.cfg.MinAttempts {
		rate := float64(sessionFailures) / float64(sessionAttempts)
		if rate > m.cfg.ErrorRateThreshold {
			violations = append(violations, rules.Violation{
				RuleID:   RuleHighErrorRate,
				Category: "behavioral",
				Severity: operation.RiskHigh,
				Reason: fmt.Sprintf("session error rate %.2f exceeds %.2f (%d/%d)",
					rate, m.cfg.ErrorRateThreshold, sessionFailures, sessionAttempts),
				RequiresApproval: true,
			})
		}
	}

	hour := now.Hour()
	if hour >= m.cfg.OffHoursStart && hour < m.cfg.OffHoursEnd {
		violations = append(violations, rules.Violation{
			RuleID:   RuleOffHours,
			Category: "behavioral",
			Severity: operation.RiskLow,
			Reason:   fmt.Sprintf("operation submitted off-hours (%02d:00 local)", hour),
		})
	}

	if len(violations) > 0 {
		m.logger.Debug("boundary violations detected",
			zap.String("user_id", req.RequesterID.String()),
			zap.Int("count", len(violations)))
	}

	return violations
}
