package quota

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/marketsage/governance/internal/domain/errors"
	"github.com/marketsage/governance/internal/domain/operation"
)

// CounterStore is the sliding-window counter behind quota enforcement. A
// Redis implementation shares counts across engine instances; the in-memory
// implementation serves single-instance runs and tests.
type CounterStore interface {
	// Increment records one occurrence and returns the count within window,
	// including the new occurrence.
	Increment(ctx context.Context, key string, window time.Duration) (int, error)
	// Count returns the current count within window.
	Count(ctx context.Context, key string, window time.Duration) (int, error)
}

// Config tunes quota limits.
type Config struct {
	OrgHourlyLimit int
	SessionOpLimit int
	SessionWindow  time.Duration
}

// DefaultConfig returns the stock quota limits.
func DefaultConfig() Config {
	return Config{
		OrgHourlyLimit: 500,
		SessionOpLimit: 100,
		SessionWindow:  24 * time.Hour,
	}
}

// Guard enforces organization hourly caps, per-session operation caps, and
// the maintenance-mode gate. Quota failures are hard stops: not retried and
// never eligible for the approval path.
type Guard struct {
	cfg      Config
	counters CounterStore
	logger   *zap.Logger

	maintenance atomic.Bool
}

// NewGuard creates a quota guard.
func NewGuard(cfg Config, counters CounterStore, logger *zap.Logger) *Guard {
	if cfg.OrgHourlyLimit <= 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{cfg: cfg, counters: counters, logger: logger}
}

// SetMaintenanceMode toggles the maintenance gate.
func (g *Guard) SetMaintenanceMode(on bool) {
	g.maintenance.Store(on)
	g.logger.Info("maintenance mode changed", zap.Bool("enabled", on))
}

// MaintenanceMode reports the gate state.
func (g *Guard) MaintenanceMode() bool {
	return g.maintenance.Load()
}

// Check enforces all quota gates for a request. A non-nil error fails the
// request outright before risk assessment proceeds.
func (g *Guard) Check(ctx context.Context, req *operation.Request) error {
	if g.maintenance.Load() {
		role := req.RequesterRole
		if role != operation.RoleSuperAdmin && role != operation.RoleITAdmin {
			return errors.NewForbiddenError("system is in maintenance mode")
		}
	}

	orgKey := "org:" + req.Context.OrganizationID.String()
	current, err := g.counters.Increment(ctx, orgKey, time.Hour)
	if err != nil {
		// A broken counter backend must not silently lift the cap.
		g.logger.Error("org quota counter failed", zap.Error(err))
		return errors.NewInternalError("quota counter unavailable").WithCause(err)
	}
	if current > g.cfg.OrgHourlyLimit {
		return errors.NewQuotaExceededError(
			fmt.Sprintf("hourly limit exceeded for organization %s", req.Context.OrganizationID),
			current, g.cfg.OrgHourlyLimit)
	}

	if req.Context.SessionID != "" {
		sessionKey := "session:" + req.Context.SessionID
		count, err := g.counters.Increment(ctx, sessionKey, g.cfg.SessionWindow)
		if err != nil {
			g.logger.Error("session quota counter failed", zap.Error(err))
			return errors.NewInternalError("quota counter unavailable").WithCause(err)
		}
		if count > g.cfg.SessionOpLimit {
			return errors.NewQuotaExceededError(
				"session operation limit exceeded", count, g.cfg.SessionOpLimit)
		}
	}

	return nil
}

// memoryCounterStore is the single-instance CounterStore: per-key timestamp
// windows pruned on access, partitioned per key.
type memoryCounterStore struct {
	mu   sync.Mutex
	keys map[string][]time.Time
}

// NewMemoryCounterStore creates an in-memory sliding-window counter.
func NewMemoryCounterStore() CounterStore {
	return &memoryCounterStore{keys: make(map[string][]time.Time)}
}

func (s *memoryCounterStore) Increment(_ context.Context, key string, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	kept := prune(s.keys[key], now, window)
	kept = append(kept, now)
	s.keys[key] = kept
	return len(kept), nil
}

func (s *memoryCounterStore) Count(_ context.Context, key string, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := prune(s.keys[key], time.Now(), window)
	s.keys[key] = kept
	return len(kept), nil
}

func prune(stamps []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := stamps[:0]
	for _, t := range stamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
