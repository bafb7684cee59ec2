// Package worker implements the bounded pool of fetch loops that drain the
// frontier and route results to handlers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scrapeline/scrapeline/internal/frontier"
	"github.com/scrapeline/scrapeline/internal/ingest"
	"github.com/scrapeline/scrapeline/internal/metrics"
)

// PolicyChecker gates fetches on per-domain crawl policy.
type PolicyChecker interface {
	Allowed(ctx context.Context, domain string, path string) bool
}

// Limiter enforces the per-domain request budget.
type Limiter interface {
	Acquire(ctx context.Context, domain string) error
	Cooldown(ctx context.Context, domain string, d time.Duration)
}

// Enqueuer is the subset of the frontier exposed to handlers for link
// discovery. Enqueued URLs are subject to the session's dedup rule.
type Enqueuer interface {
	Enqueue(req ingest.FetchRequest) bool
}

// Handler consumes a successful fetch. Handlers may enqueue newly discovered
// links through enq.
type Handler func(ctx context.Context, res ingest.FetchResult, enq Enqueuer) error

// StatsRecorder receives per-item counter updates from the pool.
type StatsRecorder interface {
	IncFetched()
	IncFailed()
	IncRetries()
	IncSkippedRobots()
}

// Config controls Pool behavior.
type Config struct {
	Workers        int
	MaxRetries     int
	RequestTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	CooldownOn429  time.Duration
}

// Pool runs a fixed number of concurrent fetch loops over one frontier.
type Pool struct {
	queue    *frontier.Queue
	policy   PolicyChecker
	limiter  Limiter
	fetcher  ingest.Fetcher
	handlers map[ingest.Label]Handler
	fallback Handler
	chain    Middleware
	backoff  *BackoffPolicy
	stats    StatsRecorder
	clock    ingest.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Pool. The default handler is mandatory; labeled handlers
// and middleware are optional.
func New(
	queue *frontier.Queue,
	policy PolicyChecker,
	limiter Limiter,
	fetcher ingest.Fetcher,
	defaultHandler Handler,
	handlers map[ingest.Label]Handler,
	middleware []Middleware,
	stats StatsRecorder,
	clock ingest.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Pool, error) {
	if queue == nil {
		return nil, errors.New("frontier queue is required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if defaultHandler == nil {
		return nil, errors.New("default handler is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.CooldownOn429 <= 0 {
		cfg.CooldownOn429 = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		queue:    queue,
		policy:   policy,
		limiter:  limiter,
		fetcher:  fetcher,
		handlers: handlers,
		fallback: defaultHandler,
		chain:    Chain(middleware...),
		backoff:  NewBackoffPolicy(cfg.BackoffBase, cfg.BackoffMax),
		stats:    stats,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Run blocks until the frontier closes or the context ends, draining the
// queue with cfg.Workers concurrent loops.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx)
		}()
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context) {
	for {
		req, err := p.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, frontier.ErrClosed) && ctx.Err() == nil {
				p.logger.Error("frontier dequeue failed", zap.Error(err))
			}
			return
		}
		metrics.IncActiveWorkers()
		p.process(ctx, req)
		metrics.DecActiveWorkers()
	}
}

func (p *Pool) process(ctx context.Context, req ingest.FetchRequest) {
	domain, err := ingest.Domain(req.URL)
	if err != nil {
		p.terminal(req, fmt.Errorf("unusable url: %w", err))
		return
	}

	if p.policy != nil && !p.policy.Allowed(ctx, domain, pathOf(req.URL)) {
		p.logger.Debug("fetch disallowed by robots policy",
			zap.String("url", req.URL), zap.String("domain", domain))
		metrics.ObserveSkippedRobots()
		if p.stats != nil {
			p.stats.IncSkippedRobots()
		}
		p.queue.Resolve(req.URL)
		return
	}

	if p.limiter != nil {
		if err := p.limiter.Acquire(ctx, domain); err != nil {
			// Session is shutting down; release the dispatch slot so
			// WaitDrained can return.
			p.queue.Resolve(req.URL)
			return
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	res, err := p.fetcher.Fetch(fetchCtx, p.chain(req))
	cancel()

	if ctx.Err() != nil {
		p.queue.Resolve(req.URL)
		return
	}

	switch Classify(res.StatusCode, err) {
	case ClassOK:
		metrics.ObservePage(domain, strconv.Itoa(res.StatusCode))
		p.dispatch(ctx, req, res)
	case ClassTransient:
		metrics.ObservePage(domain, statusLabel(res.StatusCode, err))
		p.retry(ctx, req, domain, res.StatusCode, err)
	case ClassPermanent:
		metrics.ObservePage(domain, statusLabel(res.StatusCode, err))
		p.terminal(req, fmt.Errorf("permanent fetch failure (status %d): %w", res.StatusCode, errOr(err)))
	}
}

func (p *Pool) dispatch(ctx context.Context, req ingest.FetchRequest, res ingest.FetchResult) {
	if p.stats != nil {
		p.stats.IncFetched()
	}
	handler := p.fallback
	if h, ok := p.handlers[req.Label]; ok {
		handler = h
	}
	if err := handler(ctx, res, p.queue); err != nil {
		p.logger.Warn("handler failed",
			zap.String("url", req.URL), zap.String("label", string(req.Label)), zap.Error(err))
		if p.stats != nil {
			p.stats.IncFailed()
		}
	}
	p.queue.Resolve(req.URL)
}

func (p *Pool) retry(ctx context.Context, req ingest.FetchRequest, domain string, status int, err error) {
	if req.Attempt >= p.cfg.MaxRetries {
		p.terminal(req, fmt.Errorf("retries exhausted after %d attempts (status %d): %w",
			req.Attempt+1, status, errOr(err)))
		return
	}
	if status == http.StatusTooManyRequests && p.limiter != nil {
		p.limiter.Cooldown(ctx, domain, p.cfg.CooldownOn429)
	}
	delay := p.backoff.Delay(req.Attempt)
	req.Attempt++
	metrics.ObserveRetry()
	if p.stats != nil {
		p.stats.IncRetries()
	}
	p.logger.Debug("scheduling retry",
		zap.String("url", req.URL), zap.Int("attempt", req.Attempt), zap.Duration("delay", delay))
	if !p.queue.RequeueAfter(req, delay) {
		p.queue.Resolve(req.URL)
	}
}

func (p *Pool) terminal(req ingest.FetchRequest, err error) {
	p.logger.Warn("dropping request", zap.String("url", req.URL), zap.Error(err))
	if p.stats != nil {
		p.stats.IncFailed()
	}
	p.queue.Resolve(req.URL)
}

func statusLabel(status int, err error) string {
	if status > 0 {
		return strconv.Itoa(status)
	}
	if err != nil {
		return "error"
	}
	return "unknown"
}

func errOr(err error) error {
	if err != nil {
		return err
	}
	return errors.New("http error status")
}

func pathOf(rawURL string) string {
	// The URL was canonicalized before enqueue; a parse failure here would
	// already have failed Domain above.
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}
