package policy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testRobots = `User-agent: *
Disallow: /private/
Crawl-delay: 2
Sitemap: https://a.test/sitemap.xml
`

func TestCacheAllowedHonorsDisallowRules(t *testing.T) {
	t.Parallel()

	rt := newFakeTransport()
	rt.set("a.test", http.StatusOK, testRobots)
	cache := newTestCache(rt, Config{UserAgent: "scrapeline-bot"})

	ctx := context.Background()
	require.True(t, cache.Allowed(ctx, "a.test", "/articles/1"))
	require.False(t, cache.Allowed(ctx, "a.test", "/private/secret"))
	require.Equal(t, 2*time.Second, cache.CrawlDelay(ctx, "a.test"))
	require.Equal(t, []string{"https://a.test/sitemap.xml"}, cache.Sitemaps(ctx, "a.test"))
}

func TestCacheFailsOpenOnFetchError(t *testing.T) {
	t.Parallel()

	rt := newFakeTransport()
	rt.fail("down.test", errors.New("connection refused"))
	cache := newTestCache(rt, Config{UserAgent: "scrapeline-bot", DefaultDelay: 3 * time.Second})

	ctx := context.Background()
	require.True(t, cache.Allowed(ctx, "down.test", "/anything"))
	require.True(t, cache.Allowed(ctx, "down.test", "/private/"))
	require.Equal(t, 3*time.Second, cache.CrawlDelay(ctx, "down.test"))
}

func TestCacheRefreshesAfterTTL(t *testing.T) {
	t.Parallel()

	rt := newFakeTransport()
	rt.fail("b.test", errors.New("boom"))
	clock := &stepClock{now: time.Unix(1000, 0)}
	cache := New(Config{UserAgent: "scrapeline-bot", TTL: time.Minute},
		&http.Client{Transport: rt}, clock, zap.NewNop())

	ctx := context.Background()
	require.True(t, cache.Allowed(ctx, "b.test", "/private/x"), "fail-open until a policy lands")

	// Within TTL the fail-open policy is served from cache. The failed
	// lookup cost two attempts, one per scheme.
	rt.set("b.test", http.StatusOK, "User-agent: *\nDisallow: /private/\n")
	require.True(t, cache.Allowed(ctx, "b.test", "/private/x"))
	require.Equal(t, int64(2), rt.calls("b.test"))

	clock.advance(2 * time.Minute)
	require.False(t, cache.Allowed(ctx, "b.test", "/private/x"))
	require.Equal(t, int64(3), rt.calls("b.test"))
}

func TestCacheCollapsesConcurrentFetches(t *testing.T) {
	t.Parallel()

	rt := newFakeTransport()
	rt.set("c.test", http.StatusOK, testRobots)
	rt.delay = 50 * time.Millisecond
	cache := newTestCache(rt, Config{UserAgent: "scrapeline-bot"})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cache.Allowed(context.Background(), "c.test", "/ok")
		}()
	}
	wg.Wait()

	require.Equal(t, int64(1), rt.calls("c.test"))
}

func TestCacheFallsBackToHTTPForPlainHosts(t *testing.T) {
	t.Parallel()

	rt := newFakeTransport()
	rt.set("plain.test", http.StatusOK, testRobots)
	rt.failTLS("plain.test", errors.New("tls handshake failure"))
	cache := newTestCache(rt, Config{UserAgent: "scrapeline-bot"})

	ctx := context.Background()
	require.False(t, cache.Allowed(ctx, "plain.test", "/private/x"),
		"an http-only host's policy must still be enforced")
	require.True(t, cache.Allowed(ctx, "plain.test", "/articles/1"))
}

func TestCacheNotFoundAllowsAll(t *testing.T) {
	t.Parallel()

	rt := newFakeTransport()
	rt.set("d.test", http.StatusNotFound, "")
	cache := newTestCache(rt, Config{UserAgent: "scrapeline-bot"})

	require.True(t, cache.Allowed(context.Background(), "d.test", "/private/x"))
}

func newTestCache(rt *fakeTransport, cfg Config) *Cache {
	return New(cfg, &http.Client{Transport: rt}, &stepClock{now: time.Unix(1000, 0)}, zap.NewNop())
}

// --- fakes ---

type fakeTransport struct {
	mu       sync.Mutex
	bodies   map[string]string
	statuses map[string]int
	errs     map[string]error
	tlsErrs  map[string]error
	hits     map[string]*int64
	delay    time.Duration
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		bodies:   make(map[string]string),
		statuses: make(map[string]int),
		errs:     make(map[string]error),
		tlsErrs:  make(map[string]error),
		hits:     make(map[string]*int64),
	}
}

func (f *fakeTransport) set(host string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[host] = body
	f.statuses[host] = status
	delete(f.errs, host)
	if f.hits[host] == nil {
		f.hits[host] = new(int64)
	}
}

func (f *fakeTransport) fail(host string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[host] = err
	if f.hits[host] == nil {
		f.hits[host] = new(int64)
	}
}

// failTLS makes only the https endpoint unreachable; http still answers.
func (f *fakeTransport) failTLS(host string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tlsErrs[host] = err
	if f.hits[host] == nil {
		f.hits[host] = new(int64)
	}
}

func (f *fakeTransport) calls(host string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hits[host] == nil {
		return 0
	}
	return atomic.LoadInt64(f.hits[host])
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	host := req.URL.Hostname()
	f.mu.Lock()
	counter := f.hits[host]
	err := f.errs[host]
	if err == nil && req.URL.Scheme == "https" {
		err = f.tlsErrs[host]
	}
	status := f.statuses[host]
	body := f.bodies[host]
	delay := f.delay
	f.mu.Unlock()

	if counter != nil {
		atomic.AddInt64(counter, 1)
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
