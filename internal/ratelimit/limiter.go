// Package ratelimit implements per-domain token bucket rate limiting with
// burst ceilings and cooldown windows.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/scrapeline/scrapeline/internal/metrics"
)

// DelaySource supplies the policy-declared crawl delay for a domain.
type DelaySource interface {
	CrawlDelay(ctx context.Context, domain string) time.Duration
}

// Config holds rate limiter configuration. FloorDelay is the static minimum
// spacing between requests to a domain; the policy-declared delay can only
// slow a domain down further, never speed it up past the floor.
type Config struct {
	FloorDelay time.Duration
	Burst      int
}

// Limiter manages independent per-domain budgets. One domain exhausting its
// budget never blocks acquisition for another domain.
type Limiter struct {
	cfg    Config
	delays DelaySource

	mu      sync.Mutex
	domains map[string]*domainBudget
}

type domainBudget struct {
	mu            sync.Mutex
	limiter       *rate.Limiter
	cooldownUntil time.Time
}

// New creates a Limiter. delays may be nil, in which case only the static
// floor applies.
func New(cfg Config, delays DelaySource) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.FloorDelay <= 0 {
		cfg.FloorDelay = time.Second
	}
	return &Limiter{
		cfg:     cfg,
		delays:  delays,
		domains: make(map[string]*domainBudget),
	}
}

// Acquire blocks until a token is available for domain, honoring any active
// cooldown first. It never rejects; the only error is context cancellation.
func (l *Limiter) Acquire(ctx context.Context, domain string) error {
	budget := l.budget(ctx, domain)

	start := time.Now()
	if err := l.waitCooldown(ctx, budget); err != nil {
		return err
	}
	if err := budget.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, waited)
	}
	return nil
}

// Cooldown puts domain into a cooldown window, typically after an HTTP 429.
// Acquire calls block for the remainder of the window before consuming tokens.
func (l *Limiter) Cooldown(ctx context.Context, domain string, d time.Duration) {
	if d <= 0 {
		return
	}
	budget := l.budget(ctx, domain)
	until := time.Now().Add(d)
	budget.mu.Lock()
	if until.After(budget.cooldownUntil) {
		budget.cooldownUntil = until
	}
	budget.mu.Unlock()
}

// budget returns the domain's bucket, creating it on first use. The effective
// request spacing is re-evaluated on every call so a freshly fetched policy
// takes effect without restarting the session.
func (l *Limiter) budget(ctx context.Context, domain string) *domainBudget {
	delay := l.effectiveDelay(ctx, domain)
	limit := rate.Every(delay)

	l.mu.Lock()
	budget, ok := l.domains[domain]
	if !ok {
		budget = &domainBudget{limiter: rate.NewLimiter(limit, l.cfg.Burst)}
		l.domains[domain] = budget
	}
	l.mu.Unlock()

	if budget.limiter.Limit() != limit {
		budget.limiter.SetLimit(limit)
	}
	return budget
}

func (l *Limiter) effectiveDelay(ctx context.Context, domain string) time.Duration {
	delay := l.cfg.FloorDelay
	if l.delays != nil {
		if policyDelay := l.delays.CrawlDelay(ctx, domain); policyDelay > delay {
			delay = policyDelay
		}
	}
	return delay
}

func (l *Limiter) waitCooldown(ctx context.Context, budget *domainBudget) error {
	budget.mu.Lock()
	remaining := time.Until(budget.cooldownUntil)
	budget.mu.Unlock()
	if remaining <= 0 {
		return nil
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("cooldown wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
