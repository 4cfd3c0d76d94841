package auditlog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/marketsage/governance/internal/domain/audit"
)

// Sink is the durable store for audit events. Appends are retried with a
// bound; a sink failure is reported separately and never fails the
// governance decision that produced the event.
type Sink interface {
	Append(ctx context.Context, event audit.Event) error
	PruneExpired(ctx context.Context, before time.Time) (int, error)
}

// Counter is an increment-only hook for exporting failure counts, satisfied
// by prometheus.Counter.
type Counter interface {
	Inc()
}

// Config tunes the recorder.
type Config struct {
	BufferSize      int
	MaxRetries      int
	RetryBackoff    time.Duration
	RecentWindow    int           // in-memory ring size for queries
	CleanupInterval time.Duration // retention job cadence
}

// DefaultConfig returns the stock recorder parameters.
func DefaultConfig() Config {
	return Config{
		BufferSize:      1024,
		MaxRetries:      3,
		RetryBackoff:    250 * time.Millisecond,
		RecentWindow:    256,
		CleanupInterval: time.Hour,
	}
}

// Recorder is the append-only audit sink for every governance transition.
// Writes are asynchronous with bounded retry: fail-open for logging,
// fail-closed for the safety decision itself.
type Recorder struct {
	cfg    Config
	sink   Sink
	logger *zap.Logger

	events chan audit.Event

	ringMu sync.Mutex
	ring   []audit.Event

	dropped  atomic.Int64
	failed   atomic.Int64
	recorded atomic.Int64

	failureCounter Counter
	dropCounter    Counter

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}

	cleanupTicker *time.Ticker
	cleanupStop   chan struct{}
}

// NewRecorder creates an audit recorder. sink may be nil for a purely
// in-memory run; events then live only in the recent ring.
func NewRecorder(cfg Config, sink Sink, logger *zap.Logger) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		events: make(chan audit.Event, cfg.BufferSize),
		ring:   make([]audit.Event, 0, cfg.RecentWindow),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// SetFailureCounters wires write-failure and drop counts to external
// collectors. Call before Start; either counter may be nil.
func (r *Recorder) SetFailureCounters(writeFailures, dropped Counter) {
	r.failureCounter = writeFailures
	r.dropCounter = dropped
}

// Start launches the async writer and the retention cleanup job.
func (r *Recorder) Start() {
	r.startOnce.Do(func() {
		go r.drain()

		if r.sink != nil && r.cfg.CleanupInterval > 0 {
			r.cleanupTicker = time.NewTicker(r.cfg.CleanupInterval)
			r.cleanupStop = make(chan struct{})
			go r.cleanupLoop()
		}

		r.logger.Info("audit recorder started",
			zap.Int("buffer", r.cfg.BufferSize))
	})
}

// Stop flushes the buffer and shuts the recorder down.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		if r.cleanupTicker != nil {
			r.cleanupTicker.Stop()
			close(r.cleanupStop)
		}
		close(r.stop)
		<-r.done
		r.logger.Info("audit recorder stopped",
			zap.Int64("recorded", r.recorded.Load()),
			zap.Int64("failed", r.failed.Load()),
			zap.Int64("dropped", r.dropped.Load()))
	})
}

// Record enqueues an event without blocking the decision path. A full buffer
// drops the event and counts it as a separately reported failure.
func (r *Recorder) Record(event *audit.Event) {
	if event == nil {
		return
	}

	r.ringMu.Lock()
	r.ring = append(r.ring, *event)
	if len(r.ring) > r.cfg.RecentWindow {
		r.ring = r.ring[len(r.ring)-r.cfg.RecentWindow:]
	}
	r.ringMu.Unlock()

	select {
	case r.events <- *event:
	default:
		r.dropped.Add(1)
		if r.dropCounter != nil {
			r.dropCounter.Inc()
		}
		r.logger.Error("audit buffer full, event dropped",
			zap.String("event_id", event.ID.String()),
			zap.String("type", string(event.Type)))
	}
}

// Recent returns up to n most recent events, newest last.
func (r *Recorder) Recent(n int) []audit.Event {
	r.ringMu.Lock()
	defer r.ringMu.Unlock()

	if n <= 0 || n > len(r.ring) {
		n = len(r.ring)
	}
	out := make([]audit.Event, n)
	copy(out, r.ring[len(r.ring)-n:])
	return out
}

// Stats reports recorder counters for observability.
func (r *Recorder) Stats() (recorded, failed, dropped int64) {
	return r.recorded.Load(), r.failed.Load(), r.dropped.Load()
}

func (r *Recorder) drain() {
	defer close(r.done)
	for {
		select {
		case event := <-r.events:
			r.write(event)
		case <-r.stop:
			// Flush whatever is queued before exiting.
			for {
				select {
				case event := <-r.events:
					r.write(event)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(event audit.Event) {
	if r.sink == nil {
		r.recorded.Add(1)
		return
	}

	var err error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(r.cfg.RetryBackoff * time.Duration(attempt))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = r.sink.Append(ctx, event)
		cancel()
		if err == nil {
			r.recorded.Add(1)
			return
		}
	}

	r.failed.Add(1)
	if r.failureCounter != nil {
		r.failureCounter.Inc()
	}
	r.logger.Error("audit write failed after retries",
		zap.String("event_id", event.ID.String()),
		zap.String("type", string(event.Type)),
		zap.Error(err))
}

func (r *Recorder) cleanupLoop() {
	for {
		select {
		case <-r.cleanupTicker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			pruned, err := r.sink.PruneExpired(ctx, time.Now())
			cancel()
			if err != nil {
				r.logger.Warn("audit retention cleanup failed", zap.Error(err))
				continue
			}
			if pruned > 0 {
				r.logger.Info("audit retention cleanup", zap.Int("pruned", pruned))
			}
		case <-r.cleanupStop:
			return
		}
	}
}
