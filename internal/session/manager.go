package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/scrapeline/scrapeline/internal/etl"
	"github.com/scrapeline/scrapeline/internal/frontier"
	"github.com/scrapeline/scrapeline/internal/ingest"
	"github.com/scrapeline/scrapeline/internal/ratelimit"
	"github.com/scrapeline/scrapeline/internal/worker"
)

// ErrNotFound signals that the requested session does not exist.
var ErrNotFound = errors.New("session not found")

// ErrCanceled is recorded as the failure reason of a canceled session.
var ErrCanceled = errors.New("session canceled")

// StartRequest describes a new crawl session.
type StartRequest struct {
	Seeds    []string     `json:"seeds"`
	Label    ingest.Label `json:"label,omitempty"`
	Priority int          `json:"priority,omitempty"`
}

// Deps bundles the long-lived collaborators shared by every session. The
// frontier, rate limiter, and worker pool are built fresh per session so one
// session's dedup set and domain budgets never leak into another.
type Deps struct {
	Policy    worker.PolicyChecker
	Delays    ratelimit.DelaySource
	Fetcher   ingest.Fetcher
	Pipeline  *etl.Pipeline
	Extractor ingest.Extractor
	Handlers  map[ingest.Label]ingest.Extractor
	Clock     ingest.Clock
	IDs       ingest.IDGenerator
	Logger    *zap.Logger
}

// Config carries the per-session runtime knobs. Middleware is applied to
// every request the pool dispatches, after the session id stamp.
type Config struct {
	Limiter    ratelimit.Config
	Worker     worker.Config
	Middleware []worker.Middleware
}

type runtime struct {
	tracker *Tracker
	queue   *frontier.Queue
	cancel  context.CancelFunc
	done    chan struct{}

	mu    sync.Mutex
	fatal error
}

// fail records the first fatal error and tears the runtime down. In-flight
// work drains through the canceled context; nothing new is dispatched.
func (rt *runtime) fail(err error) {
	rt.mu.Lock()
	if rt.fatal == nil {
		rt.fatal = err
	}
	rt.mu.Unlock()
	rt.queue.Close()
	rt.cancel()
}

func (rt *runtime) fatalErr() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.fatal
}

// Manager starts, tracks, and cancels crawl sessions.
type Manager struct {
	deps Deps
	cfg  Config

	mu       sync.Mutex
	sessions map[string]*runtime
}

// NewManager constructs a Manager.
func NewManager(deps Deps, cfg Config) (*Manager, error) {
	if deps.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if deps.Pipeline == nil {
		return nil, errors.New("pipeline is required")
	}
	if deps.Extractor == nil {
		return nil, errors.New("extractor is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("clock is required")
	}
	if deps.IDs == nil {
		return nil, errors.New("id generator is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Manager{
		deps:     deps,
		cfg:      cfg,
		sessions: make(map[string]*runtime),
	}, nil
}

// Start validates the seeds, builds a fresh per-session runtime, and launches
// it. The returned snapshot reflects the session already in the running state.
func (m *Manager) Start(ctx context.Context, req StartRequest) (ingest.SessionSnapshot, error) {
	if len(req.Seeds) == 0 {
		return ingest.SessionSnapshot{}, errors.New("at least one seed url is required")
	}
	seeds := make([]string, 0, len(req.Seeds))
	for _, raw := range req.Seeds {
		canonical, err := ingest.CanonicalURL(raw)
		if err != nil {
			return ingest.SessionSnapshot{}, fmt.Errorf("seed %q: %w", raw, err)
		}
		seeds = append(seeds, canonical)
	}

	id, err := m.deps.IDs.NewID()
	if err != nil {
		return ingest.SessionSnapshot{}, fmt.Errorf("generate session id: %w", err)
	}

	logger := m.deps.Logger.With(zap.String("session_id", id))
	tracker := NewTracker(id, seeds, m.deps.Clock, logger)
	queue := frontier.New(m.deps.Clock)
	limiter := ratelimit.New(m.cfg.Limiter, m.deps.Delays)
	pipeline := m.deps.Pipeline.WithStats(tracker)

	middleware := make([]worker.Middleware, 0, len(m.cfg.Middleware)+1)
	middleware = append(middleware, worker.WithHeader("X-Session-ID", id))
	middleware = append(middleware, m.cfg.Middleware...)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rt := &runtime{
		tracker: tracker,
		queue:   queue,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	pool, err := worker.New(
		queue,
		m.deps.Policy,
		limiter,
		m.deps.Fetcher,
		fatalGuard(rt, handler(pipeline, m.deps.Extractor)),
		guardHandlers(rt, labelHandlers(pipeline, m.deps.Handlers)),
		middleware,
		tracker,
		m.deps.Clock,
		m.cfg.Worker,
		logger,
	)
	if err != nil {
		cancel()
		return ingest.SessionSnapshot{}, fmt.Errorf("build worker pool: %w", err)
	}

	for _, seed := range seeds {
		queue.Enqueue(ingest.FetchRequest{
			URL:        seed,
			Label:      req.Label,
			Priority:   req.Priority,
			EnqueuedAt: m.deps.Clock.Now(),
		})
	}

	if err := tracker.Start(); err != nil {
		cancel()
		return ingest.SessionSnapshot{}, err
	}

	m.mu.Lock()
	m.sessions[id] = rt
	m.mu.Unlock()

	go m.run(runCtx, rt, pool)

	return tracker.Snapshot(), nil
}

// run drives one session: workers drain the frontier, and once every request
// is resolved the queue closes and the tracker reaches its terminal state.
func (m *Manager) run(ctx context.Context, rt *runtime, pool *worker.Pool) {
	defer close(rt.done)
	defer rt.cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()

	err := rt.queue.WaitDrained(ctx)
	rt.queue.Close()
	wg.Wait()

	// A canceled runtime context outranks whatever the drain observed: the
	// queue may look drained only because its workers were torn down. A
	// recorded fatal error outranks both, since the fatal path cancels the
	// context itself.
	if fatal := rt.fatalErr(); fatal != nil {
		err = fatal
	} else if ctx.Err() != nil {
		err = ErrCanceled
	}
	rt.tracker.Finish(err)
}

// Cancel stops a running session. The session transitions to failed with
// ErrCanceled as its reason once its workers exit.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	rt, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	rt.queue.Close()
	rt.cancel()
	return nil
}

// Status returns the snapshot for one session.
func (m *Manager) Status(id string) (ingest.SessionSnapshot, error) {
	m.mu.Lock()
	rt, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return ingest.SessionSnapshot{}, ErrNotFound
	}
	return rt.tracker.Snapshot(), nil
}

// List returns snapshots of all known sessions, most recently started first.
func (m *Manager) List() []ingest.SessionSnapshot {
	m.mu.Lock()
	snaps := make([]ingest.SessionSnapshot, 0, len(m.sessions))
	for _, rt := range m.sessions {
		snaps = append(snaps, rt.tracker.Snapshot())
	}
	m.mu.Unlock()
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].StartedAt.Equal(snaps[j].StartedAt) {
			return snaps[i].ID < snaps[j].ID
		}
		return snaps[i].StartedAt.After(snaps[j].StartedAt)
	})
	return snaps
}

// Wait blocks until the session's runtime goroutines have fully stopped.
func (m *Manager) Wait(ctx context.Context, id string) error {
	m.mu.Lock()
	rt, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	select {
	case <-rt.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every active session and waits for their runtimes.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	rts := make([]*runtime, 0, len(m.sessions))
	for _, rt := range m.sessions {
		rts = append(rts, rt)
	}
	m.mu.Unlock()

	for _, rt := range rts {
		rt.queue.Close()
		rt.cancel()
	}
	for _, rt := range rts {
		select {
		case <-rt.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// handler adapts the ETL pipeline into a worker handler for one extractor.
func handler(pipeline *etl.Pipeline, extractor ingest.Extractor) worker.Handler {
	return func(ctx context.Context, res ingest.FetchResult, enq worker.Enqueuer) error {
		return pipeline.Process(ctx, extractor, res, enq)
	}
}

// fatalGuard stops the whole session when a handler reports a
// connection-level storage failure. Row-level errors stay per-item.
func fatalGuard(rt *runtime, h worker.Handler) worker.Handler {
	return func(ctx context.Context, res ingest.FetchResult, enq worker.Enqueuer) error {
		err := h(ctx, res, enq)
		if errors.Is(err, ingest.ErrStorageUnavailable) {
			rt.fail(err)
		}
		return err
	}
}

func guardHandlers(rt *runtime, handlers map[ingest.Label]worker.Handler) map[ingest.Label]worker.Handler {
	if len(handlers) == 0 {
		return nil
	}
	guarded := make(map[ingest.Label]worker.Handler, len(handlers))
	for label, h := range handlers {
		guarded[label] = fatalGuard(rt, h)
	}
	return guarded
}

func labelHandlers(pipeline *etl.Pipeline, extractors map[ingest.Label]ingest.Extractor) map[ingest.Label]worker.Handler {
	if len(extractors) == 0 {
		return nil
	}
	handlers := make(map[ingest.Label]worker.Handler, len(extractors))
	for label, extractor := range extractors {
		handlers[label] = handler(pipeline, extractor)
	}
	return handlers
}
