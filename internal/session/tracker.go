// Package session manages crawl session lifecycle: state transitions,
// per-run counters, and the runtime that drives a session to completion.
package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/scrapeline/scrapeline/internal/ingest"
	"github.com/scrapeline/scrapeline/internal/metrics"
)

// Tracker holds the lifecycle state and counters of one session. Counter
// increments are lock-free; state transitions are serialized and a session
// reaches a terminal state at most once.
type Tracker struct {
	id     string
	seeds  []string
	clock  ingest.Clock
	logger *zap.Logger

	mu          sync.Mutex
	state       ingest.SessionState
	startedAt   time.Time
	completedAt *time.Time
	errText     string

	fetched       atomic.Int64
	added         atomic.Int64
	updated       atomic.Int64
	unchanged     atomic.Int64
	skippedRobots atomic.Int64
	failed        atomic.Int64
	retries       atomic.Int64
}

// NewTracker creates a Tracker in the pending state.
func NewTracker(id string, seeds []string, clock ingest.Clock, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		id:     id,
		seeds:  append([]string(nil), seeds...),
		clock:  clock,
		logger: logger,
		state:  ingest.SessionPending,
	}
}

// ID returns the session identifier.
func (t *Tracker) ID() string { return t.id }

// Start transitions pending -> running.
func (t *Tracker) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != ingest.SessionPending {
		return fmt.Errorf("cannot start session in state %q", t.state)
	}
	t.state = ingest.SessionRunning
	t.startedAt = t.clock.Now()
	metrics.ObserveSessionStart()
	t.logger.Info("session started",
		zap.String("session_id", t.id),
		zap.Int("seeds", len(t.seeds)))
	return nil
}

// Finish transitions running -> completed (err == nil) or failed. A second
// call after the session reached a terminal state is a no-op, so the drain
// path and a concurrent cancel cannot both claim the transition.
func (t *Tracker) Finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != ingest.SessionRunning {
		return
	}
	now := t.clock.Now()
	t.completedAt = &now
	if err != nil {
		t.state = ingest.SessionFailed
		t.errText = err.Error()
		metrics.ObserveSession(string(ingest.SessionFailed))
		t.logger.Warn("session failed",
			zap.String("session_id", t.id),
			zap.Error(err),
			zap.Duration("elapsed", now.Sub(t.startedAt)))
		return
	}
	t.state = ingest.SessionCompleted
	metrics.ObserveSession(string(ingest.SessionCompleted))
	t.logger.Info("session completed",
		zap.String("session_id", t.id),
		zap.Int64("fetched", t.fetched.Load()),
		zap.Int64("added", t.added.Load()),
		zap.Int64("updated", t.updated.Load()),
		zap.Int64("unchanged", t.unchanged.Load()),
		zap.Int64("failed", t.failed.Load()),
		zap.Duration("elapsed", now.Sub(t.startedAt)))
}

// State returns the current lifecycle state.
func (t *Tracker) State() ingest.SessionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Snapshot returns the externally visible view of the session.
func (t *Tracker) Snapshot() ingest.SessionSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ingest.SessionSnapshot{
		ID:          t.id,
		State:       t.state,
		StartedAt:   t.startedAt,
		CompletedAt: t.completedAt,
		ErrorText:   t.errText,
		Counters: ingest.SessionCounters{
			Fetched:       t.fetched.Load(),
			Added:         t.added.Load(),
			Updated:       t.updated.Load(),
			Unchanged:     t.unchanged.Load(),
			SkippedRobots: t.skippedRobots.Load(),
			Failed:        t.failed.Load(),
			Retries:       t.retries.Load(),
		},
	}
}

// IncFetched records a successfully fetched page.
func (t *Tracker) IncFetched() { t.fetched.Add(1) }

// IncFailed records a permanently failed fetch.
func (t *Tracker) IncFailed() { t.failed.Add(1) }

// IncRetries records a scheduled retry.
func (t *Tracker) IncRetries() { t.retries.Add(1) }

// IncSkippedRobots records a fetch suppressed by crawl policy.
func (t *Tracker) IncSkippedRobots() { t.skippedRobots.Add(1) }

// RecordOutcome folds a load outcome into the session counters.
func (t *Tracker) RecordOutcome(outcome ingest.LoadOutcome) {
	switch outcome {
	case ingest.LoadAdded:
		t.added.Add(1)
	case ingest.LoadUpdated:
		t.updated.Add(1)
	case ingest.LoadUnchanged:
		t.unchanged.Add(1)
	case ingest.LoadError:
		t.failed.Add(1)
	}
}
