// Package policy fetches, parses, and caches per-domain crawl policy
// (robots.txt) with TTL-based refresh.
package policy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/scrapeline/scrapeline/internal/ingest"
)

const (
	defaultTTL        = 30 * time.Minute
	defaultCrawlDelay = 1 * time.Second
	maxPolicyBytes    = 1 << 20
)

// DomainPolicy is the cached crawl policy for one domain. FailOpen marks a
// policy synthesized after an unreachable or malformed robots file; it allows
// everything until a refresh succeeds.
type DomainPolicy struct {
	Domain     string
	CrawlDelay time.Duration
	Sitemaps   []string
	FetchedAt  time.Time
	FailOpen   bool

	data *robotstxt.RobotsData
}

// Config controls Cache behavior.
type Config struct {
	TTL          time.Duration
	UserAgent    string
	DefaultDelay time.Duration
	Timeout      time.Duration
}

// Cache resolves and caches per-domain policies. Concurrent lookups for the
// same stale or missing domain collapse into a single robots fetch.
type Cache struct {
	cfg    Config
	client *http.Client
	clock  ingest.Clock
	logger *zap.Logger

	flight singleflight.Group

	mu      sync.RWMutex
	entries map[string]*DomainPolicy
}

// New constructs a Cache.
func New(cfg Config, client *http.Client, clock ingest.Clock, logger *zap.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.DefaultDelay <= 0 {
		cfg.DefaultDelay = defaultCrawlDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		cfg:     cfg,
		client:  client,
		clock:   clock,
		logger:  logger,
		entries: make(map[string]*DomainPolicy),
	}
}

// Policy returns the cached policy for domain, fetching or refreshing it when
// missing or past its TTL. Fetch failures yield a fail-open policy rather
// than an error, so a broken robots endpoint never blocks a domain.
func (c *Cache) Policy(ctx context.Context, domain string) DomainPolicy {
	c.mu.RLock()
	entry, ok := c.entries[domain]
	c.mu.RUnlock()
	if ok && c.clock.Now().Sub(entry.FetchedAt) < c.cfg.TTL {
		return *entry
	}

	v, _, _ := c.flight.Do(domain, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have refreshed.
		c.mu.RLock()
		cur, exists := c.entries[domain]
		c.mu.RUnlock()
		if exists && c.clock.Now().Sub(cur.FetchedAt) < c.cfg.TTL {
			return *cur, nil
		}

		fresh := c.fetch(ctx, domain)
		c.mu.Lock()
		c.entries[domain] = &fresh
		c.mu.Unlock()
		return fresh, nil
	})
	p, ok := v.(DomainPolicy)
	if !ok {
		return DomainPolicy{Domain: domain, CrawlDelay: c.cfg.DefaultDelay, FailOpen: true, FetchedAt: c.clock.Now()}
	}
	return p
}

// Allowed reports whether path may be fetched on domain. Unknown agents and
// fail-open policies allow everything.
func (c *Cache) Allowed(ctx context.Context, domain string, path string) bool {
	p := c.Policy(ctx, domain)
	if p.FailOpen || p.data == nil {
		return true
	}
	group := p.data.FindGroup(c.cfg.UserAgent)
	if group == nil {
		return true
	}
	return group.Test(path)
}

// CrawlDelay returns the policy-declared delay for domain, or the configured
// default when the policy does not specify one.
func (c *Cache) CrawlDelay(ctx context.Context, domain string) time.Duration {
	return c.Policy(ctx, domain).CrawlDelay
}

// Sitemaps returns sitemap URLs advertised by the domain's policy.
func (c *Cache) Sitemaps(ctx context.Context, domain string) []string {
	return c.Policy(ctx, domain).Sitemaps
}

func (c *Cache) fetch(ctx context.Context, domain string) DomainPolicy {
	now := c.clock.Now()
	failOpen := DomainPolicy{
		Domain:     domain,
		CrawlDelay: c.cfg.DefaultDelay,
		FetchedAt:  now,
		FailOpen:   true,
	}

	// Plain-http sites would otherwise fail open forever, so http is tried
	// when the https endpoint is unreachable.
	var lastErr error
	for _, scheme := range []string{"https", "http"} {
		policy, err := c.fetchScheme(ctx, scheme, domain, now)
		if err != nil {
			lastErr = err
			continue
		}
		return policy
	}
	c.logger.Warn("robots fetch failed; failing open",
		zap.String("domain", domain), zap.Error(lastErr))
	return failOpen
}

func (c *Cache) fetchScheme(ctx context.Context, scheme, domain string, now time.Time) (DomainPolicy, error) {
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", scheme, domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return DomainPolicy{}, fmt.Errorf("build robots request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return DomainPolicy{}, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close robots body failed", zap.Error(cerr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPolicyBytes))
	if err != nil {
		return DomainPolicy{}, fmt.Errorf("read robots: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return DomainPolicy{}, fmt.Errorf("parse robots: %w", err)
	}

	delay := c.cfg.DefaultDelay
	if group := data.FindGroup(c.cfg.UserAgent); group != nil && group.CrawlDelay > 0 {
		delay = group.CrawlDelay
	}
	return DomainPolicy{
		Domain:     domain,
		CrawlDelay: delay,
		Sitemaps:   append([]string(nil), data.Sitemaps...),
		FetchedAt:  now,
		data:       data,
	}, nil
}
